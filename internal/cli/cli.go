// Package cli parses the command-line surface into an app.Config.
package cli

import (
	"flag"
	"fmt"
	"io"

	"github.com/qiao-bo/justbuild/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config, a
// boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("justbuild-analyse", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
justbuild-analyse - analyse targets of a multi-repository build.

Usage:
  justbuild-analyse [options] TARGET...

Arguments:
  TARGET
    A target reference: "name", "module:name", or a JSON entity name
    such as '["module", "name"]' or '["@", "repo", "module", "name"]'.

Options:
`)
		flagSet.PrintDefaults()
	}

	repoConfigFlag := flagSet.String("repository-config", "", "Path to the repository configuration JSON file.")
	workspaceFlag := flagSet.String("workspace", "", "Root of the default repository (used without a repository config).")
	configFlag := flagSet.String("config", "", "Path to the analysis configuration JSON file.")
	jobsFlag := flagSet.Int("jobs", 0, "Number of worker threads. 0 uses the hardware concurrency.")
	logLevelFlag := flagSet.String("log-level", "info", "Log level: debug, info, warn, error.")
	logFormatFlag := flagSet.String("log-format", "text", "Log format: text or json.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	cfg, err := app.NewConfig(app.Config{
		RepositoryConfigPath: *repoConfigFlag,
		Workspace:            *workspaceFlag,
		ConfigPath:           *configFlag,
		Targets:              flagSet.Args(),
		LogFormat:            *logFormatFlag,
		LogLevel:             *logLevelFlag,
		Jobs:                 *jobsFlag,
	})
	if err != nil {
		flagSet.Usage()
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	return cfg, false, nil
}
