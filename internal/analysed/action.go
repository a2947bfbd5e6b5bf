package analysed

import (
	"sort"
	"sync"

	"github.com/qiao-bo/justbuild/internal/expression"
	"github.com/qiao-bo/justbuild/internal/hasher"
)

// Action describes one command execution of the action graph: the staged
// inputs, the declared outputs, the command, and its environment. The
// identifier is the digest of the canonical serialisation, so structurally
// equal actions share an identity.
type Action struct {
	OutputFiles []string
	OutputDirs  []string
	Command     []string
	Env         expression.Pointer // map string -> string
	MayFail     *string
	NoCache     bool
	Inputs      expression.Pointer // map path -> artifact description

	idOnce sync.Once
	id     string
}

// NewAction builds an action description; output slices are copied and
// sorted.
func NewAction(outputFiles, outputDirs, command []string, env expression.Pointer, mayFail *string, noCache bool, inputs expression.Pointer) *Action {
	files := append([]string(nil), outputFiles...)
	dirs := append([]string(nil), outputDirs...)
	sort.Strings(files)
	sort.Strings(dirs)
	return &Action{
		OutputFiles: files,
		OutputDirs:  dirs,
		Command:     append([]string(nil), command...),
		Env:         env,
		MayFail:     mayFail,
		NoCache:     noCache,
		Inputs:      inputs,
	}
}

// ToJSON renders the canonical wire form of the action: "command" is always
// present, the remaining members only when non-empty or true.
func (a *Action) ToJSON() map[string]any {
	command := make([]any, 0, len(a.Command))
	for _, arg := range a.Command {
		command = append(command, arg)
	}
	out := map[string]any{"command": command}
	if len(a.OutputFiles) > 0 {
		files := make([]any, 0, len(a.OutputFiles))
		for _, f := range a.OutputFiles {
			files = append(files, f)
		}
		out["output"] = files
	}
	if len(a.OutputDirs) > 0 {
		dirs := make([]any, 0, len(a.OutputDirs))
		for _, d := range a.OutputDirs {
			dirs = append(dirs, d)
		}
		out["output_dirs"] = dirs
	}
	if a.Inputs != nil && a.Inputs.Len() > 0 {
		out["input"] = a.Inputs.ToJSON(expression.SerializeAll)
	}
	if a.Env != nil && a.Env.Len() > 0 {
		out["env"] = a.Env.ToJSON(expression.SerializeAll)
	}
	if a.MayFail != nil {
		out["may_fail"] = *a.MayFail
	}
	if a.NoCache {
		out["no_cache"] = true
	}
	return out
}

// ID returns the action identifier, the hex digest of the canonical
// serialisation. It is memoised.
func (a *Action) ID() string {
	a.idOnce.Do(func() {
		a.id = hasher.RunString(expression.CanonicalJSON(a.ToJSON())).Hex()
	})
	return a.id
}
