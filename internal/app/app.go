// Package app wires the analysis engine together: it loads the repository
// description and the analysis configuration, parses the requested targets,
// and runs the engine over them.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/qiao-bo/justbuild/internal/basemaps"
	"github.com/qiao-bo/justbuild/internal/ctxlog"
	"github.com/qiao-bo/justbuild/internal/expression"
	"github.com/qiao-bo/justbuild/internal/repo"
	"github.com/qiao-bo/justbuild/internal/targetmap"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	repos   *repo.Config
	config  expression.Configuration
	targets []expression.EntityName
	jobs    int
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger.
func NewApp(outW, logW io.Writer, appConfig *Config) (*App, error) {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, logW)
	logger = logger.With("runID", uuid.NewString())
	logger.Debug("logger configured")

	repos, err := loadRepositories(appConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository configuration: %w", err)
	}
	logger.Debug("repositories loaded", "count", len(repos.Names()))

	conf := expression.EmptyConfiguration()
	if appConfig.ConfigPath != "" {
		data, err := os.ReadFile(appConfig.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		parsed, err := expression.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse configuration file: %w", err)
		}
		if conf, err = expression.NewConfiguration(parsed); err != nil {
			return nil, fmt.Errorf("configuration has to be a JSON object: %w", err)
		}
	}

	targets := make([]expression.EntityName, 0, len(appConfig.Targets))
	for _, arg := range appConfig.Targets {
		target, err := ParseTargetArg(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", arg, err)
		}
		targets = append(targets, target)
	}

	return &App{
		outW:    outW,
		logger:  logger,
		repos:   repos,
		config:  conf,
		targets: targets,
		jobs:    appConfig.Jobs,
	}, nil
}

func loadRepositories(appConfig *Config) (*repo.Config, error) {
	if appConfig.RepositoryConfigPath == "" {
		root, err := repo.NewLocalRoot(appConfig.Workspace)
		if err != nil {
			return nil, err
		}
		return repo.NewConfig(map[string]repo.Info{"": {Root: root}})
	}
	data, err := os.ReadFile(appConfig.RepositoryConfigPath)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Repositories map[string]struct {
			WorkspaceRoot      string `json:"workspace_root"`
			TargetFileName     string `json:"target_file_name"`
			RuleFileName       string `json:"rule_file_name"`
			ExpressionFileName string `json:"expression_file_name"`
		} `json:"repositories"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	repos := make(map[string]repo.Info, len(parsed.Repositories))
	for name, desc := range parsed.Repositories {
		root, err := repo.NewLocalRoot(desc.WorkspaceRoot)
		if err != nil {
			return nil, err
		}
		repos[name] = repo.Info{
			Root:               root,
			TargetsFileName:    desc.TargetFileName,
			RulesFileName:      desc.RuleFileName,
			ExpressionFileName: desc.ExpressionFileName,
		}
	}
	return repo.NewConfig(repos)
}

// ParseTargetArg parses a command-line target reference: a JSON entity name
// (e.g. ["module", "name"]), "module:name", or a bare target name in the
// top-level module of the default repository.
func ParseTargetArg(arg string) (expression.EntityName, error) {
	current := expression.NamedEntity("", ".", "", expression.RefTarget)
	if strings.HasPrefix(arg, "[") {
		parsed, err := expression.Parse([]byte(arg))
		if err != nil {
			return expression.EntityName{}, err
		}
		return basemaps.ParseEntityName(parsed, current)
	}
	if module, name, found := strings.Cut(arg, ":"); found {
		normalized, err := basemaps.NormalizeModule(module)
		if err != nil {
			return expression.EntityName{}, err
		}
		if name == "" {
			return expression.EntityName{}, fmt.Errorf("empty target name")
		}
		return expression.NamedEntity("", normalized, name, expression.RefTarget), nil
	}
	return basemaps.ParseEntityName(expression.String(arg), current)
}

// Run analyses all requested targets concurrently against one shared
// engine and writes their serialised results to the output writer.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	engine := targetmap.New(a.repos, a.logger, a.jobs)
	defer engine.Shutdown()

	results := make([]map[string]any, len(a.targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range a.targets {
		i, target := i, target
		g.Go(func() error {
			logger := ctxlog.FromContext(gctx)
			analysed, err := engine.Analyse(gctx, target, a.config)
			if err != nil {
				return err
			}
			logger.Debug("target analysed", "target", target.String(), "actions", len(analysed.Actions))
			results[i] = map[string]any{
				"target":    target.ToJSON(),
				"artifacts": analysed.Artifacts().ToJSON(expression.SerializeAllButNodes),
				"runfiles":  analysed.Runfiles().ToJSON(expression.SerializeAllButNodes),
				"provides":  analysed.Provides().ToJSON(expression.SerializeAllButNodes),
				"actions":   len(analysed.Actions),
				"result_id": analysed.ResultID(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("analysis finished", "targets", len(a.targets), "cached_results", engine.Results().Size())

	encoder := json.NewEncoder(a.outW)
	encoder.SetIndent("", "  ")
	return encoder.Encode(results)
}
