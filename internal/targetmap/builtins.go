package targetmap

import (
	"fmt"
	"sort"

	"github.com/qiao-bo/justbuild/internal/analysed"
	"github.com/qiao-bo/justbuild/internal/asyncmap"
	"github.com/qiao-bo/justbuild/internal/basemaps"
	"github.com/qiao-bo/justbuild/internal/expression"
	"github.com/qiao-bo/justbuild/internal/hasher"
)

// builtinHandler analyses one target of a built-in rule. Handlers share the
// AnalysedTarget contract with user rules: request dependencies through
// sub, intern through the result registry, publish through set.
type builtinHandler func(e *Engine, ts *asyncmap.TaskSystem, desc expression.Pointer, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, sub targetSubCaller)

var builtinRules map[string]builtinHandler

func init() {
	builtinRules = map[string]builtinHandler{
		"generic":   genericTarget,
		"file_gen":  fileGenTarget,
		"tree":      treeBuiltinTarget,
		"install":   installTarget,
		"export":    exportTarget,
		"configure": configureTarget,
	}
}

// handleBuiltin dispatches to a built-in rule; it reports false when the
// type names no built-in, in which case the caller resolves a user rule.
func (e *Engine) handleBuiltin(ts *asyncmap.TaskSystem, typeName string, desc expression.Pointer, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, sub targetSubCaller) bool {
	handler, ok := builtinRules[typeName]
	if !ok {
		return false
	}
	handler(e, ts, desc, key, set,
		wrapLogger(logger, fmt.Sprintf("While analysing %s target %s", typeName, key.Target.String())), sub)
	return true
}

func expectBuiltinFields(desc expression.Pointer, key ConfiguredTarget, allowed ...string) error {
	set := map[string]struct{}{"type": {}, "arguments_config": {}, "tainted": {}}
	for _, f := range allowed {
		set[f] = struct{}{}
	}
	for _, field := range desc.Keys() {
		if _, ok := set[field]; !ok {
			return fmt.Errorf("unknown field %q in target %s", field, key.Target.String())
		}
	}
	return nil
}

func literalStringList(desc expression.Pointer, field string) ([]string, error) {
	return basemaps.StringList(desc.Get(field, expression.EmptyList), field)
}

// builtinBase evaluates the parts every built-in shares: the target's own
// configuration variables and taint labels.
func builtinBase(desc expression.Pointer, key ConfiguredTarget) (argVars []string, conf expression.Configuration, tainted []string, err error) {
	if argVars, err = literalStringList(desc, "arguments_config"); err != nil {
		return nil, expression.Configuration{}, nil, err
	}
	conf = key.Config.Prune(argVars)
	taintedValue, err := expression.Evaluate(desc.Get("tainted", expression.EmptyList), conf, nil)
	if err != nil {
		return nil, expression.Configuration{}, nil, fmt.Errorf("While evaluating tainted:\n%w", err)
	}
	if tainted, err = basemaps.StringList(taintedValue, "tainted"); err != nil {
		return nil, expression.Configuration{}, nil, err
	}
	return argVars, conf, stringSet(tainted), nil
}

// checkDepTaints verifies the dependencies' taints are covered and widens
// the own set is not needed: coverage is required, not inherited.
func checkDepTaints(deps []*analysed.Target, keys []ConfiguredTarget, tainted []string) error {
	for i, dep := range deps {
		if missing, ok := subsetOf(dep.Tainted, tainted); !ok {
			return fmt.Errorf("not tainted with %q that dependency %s is tainted with", missing, keys[i].Target.String())
		}
	}
	return nil
}

// effectiveDepVars unions the base variables with every dependency
// variable not fixed by the configuration overlay it was requested under.
func effectiveDepVars(base []string, deps []*analysed.Target, fixed func(string) bool) []string {
	set := map[string]struct{}{}
	for _, v := range base {
		set[v] = struct{}{}
	}
	for _, dep := range deps {
		for _, v := range dep.Vars {
			if fixed == nil || !fixed(v) {
				set[v] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func parseDepNames(desc expression.Pointer, field string, conf expression.Configuration, current expression.EntityName) ([]expression.EntityName, error) {
	value, err := expression.Evaluate(desc.Get(field, expression.EmptyList), conf, nil)
	if err != nil {
		return nil, fmt.Errorf("While evaluating %s:\n%w", field, err)
	}
	entries, err := value.AsList()
	if err != nil {
		return nil, fmt.Errorf("%s has to be a list of target names, but found %s", field, value.Describe())
	}
	names := make([]expression.EntityName, 0, len(entries))
	for _, entry := range entries {
		name, err := basemaps.ParseEntityName(entry, current)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %s in %s failed with:\n%w", entry.String(), field, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// genericTarget runs an arbitrary command over the artifacts of its
// dependencies.
func genericTarget(e *Engine, _ *asyncmap.TaskSystem, desc expression.Pointer, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, sub targetSubCaller) {
	if err := expectBuiltinFields(desc, key, "deps", "cmd", "env", "outs", "out_dirs"); err != nil {
		logger(err.Error(), true)
		return
	}
	argVars, conf, tainted, err := builtinBase(desc, key)
	if err != nil {
		logger(err.Error(), true)
		return
	}
	depNames, err := parseDepNames(desc, "deps", conf, key.Target)
	if err != nil {
		logger(err.Error(), true)
		return
	}
	depKeys := make([]ConfiguredTarget, 0, len(depNames))
	for _, name := range depNames {
		depKeys = append(depKeys, ConfiguredTarget{Target: name, Config: key.Config})
	}
	sub(depKeys, func(deps []*analysed.Target) {
		if err := checkDepTaints(deps, depKeys, tainted); err != nil {
			logger(err.Error(), true)
			return
		}
		evalStringList := func(field string) ([]string, error) {
			value, err := expression.Evaluate(desc.Get(field, expression.EmptyList), conf, nil)
			if err != nil {
				return nil, fmt.Errorf("While evaluating %s:\n%w", field, err)
			}
			return basemaps.StringList(value, field)
		}
		cmd, err := evalStringList("cmd")
		if err != nil {
			logger(err.Error(), true)
			return
		}
		if len(cmd) == 0 {
			logger("cmd must not be an empty list", true)
			return
		}
		outs, err := evalStringList("outs")
		if err != nil {
			logger(err.Error(), true)
			return
		}
		outDirs, err := evalStringList("out_dirs")
		if err != nil {
			logger(err.Error(), true)
			return
		}
		if len(outs) == 0 && len(outDirs) == 0 {
			logger("either outs or out_dirs must be specified", true)
			return
		}
		envExpr, err := expression.Evaluate(desc.Get("env", expression.EmptyMap), conf, nil)
		if err != nil {
			logger(fmt.Sprintf("While evaluating env:\n%v", err), true)
			return
		}
		if !envExpr.IsMap() {
			logger(fmt.Sprintf("env has to be a map of strings, but found %s", envExpr.Describe()), true)
			return
		}
		stages := make([]expression.Pointer, 0, len(deps))
		for _, dep := range deps {
			stages = append(stages, dep.Artifacts())
		}
		inputs, err := mergeStages(stages, "inputs of generic target")
		if err != nil {
			logger(err.Error(), true)
			return
		}
		if conflict, found := treeConflict(inputs); found {
			logger(fmt.Sprintf("inputs conflict on subtree %q", conflict), true)
			return
		}
		action := analysed.NewAction(outs, outDirs, cmd, envExpr, nil, false, inputs)
		actionID := action.ID()
		staged := make(map[string]expression.Pointer, len(outs)+len(outDirs))
		for _, out := range outs {
			staged[out] = expression.FromArtifact(expression.ActionArtifact(actionID, out))
		}
		for _, out := range outDirs {
			staged[out] = expression.FromArtifact(expression.ActionArtifact(actionID, out))
		}
		stage := expression.Map(staged)
		vars := effectiveDepVars(argVars, deps, nil)
		target := &analysed.Target{
			Result:  expression.NewTargetResult(stage, expression.EmptyMap, expression.EmptyMap),
			Actions: []*analysed.Action{action},
			Vars:    vars,
			Tainted: tainted,
		}
		set(e.results.Add(key.Target, key.Config.Prune(vars), target))
	}, logger)
}

// fileGenTarget materialises a string as a known blob artifact.
func fileGenTarget(e *Engine, _ *asyncmap.TaskSystem, desc expression.Pointer, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, _ targetSubCaller) {
	if err := expectBuiltinFields(desc, key, "name", "data"); err != nil {
		logger(err.Error(), true)
		return
	}
	argVars, conf, tainted, err := builtinBase(desc, key)
	if err != nil {
		logger(err.Error(), true)
		return
	}
	evalString := func(field, fallback string) (string, error) {
		value, err := expression.Evaluate(desc.Get(field, expression.String(fallback)), conf, nil)
		if err != nil {
			return "", fmt.Errorf("While evaluating %s:\n%w", field, err)
		}
		s, err := value.AsString()
		if err != nil {
			return "", fmt.Errorf("%s has to be a string, but found %s", field, value.Describe())
		}
		return s, nil
	}
	name, err := evalString("name", key.Target.Name)
	if err != nil {
		logger(err.Error(), true)
		return
	}
	data, err := evalString("data", "")
	if err != nil {
		logger(err.Error(), true)
		return
	}
	artifact := expression.KnownArtifact(hasher.RunString(data).Hex(), int64(len(data)), expression.ObjectFile)
	stage := expression.Map(map[string]expression.Pointer{name: expression.FromArtifact(artifact)})
	target := &analysed.Target{
		Result:  expression.NewTargetResult(stage, expression.EmptyMap, stage),
		Blobs:   []string{data},
		Vars:    stringSet(argVars),
		Tainted: tainted,
	}
	set(e.results.Add(key.Target, conf, target))
}

// treeBuiltinTarget stages the artifacts of its dependencies into a single
// tree named after the target.
func treeBuiltinTarget(e *Engine, _ *asyncmap.TaskSystem, desc expression.Pointer, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, sub targetSubCaller) {
	if err := expectBuiltinFields(desc, key, "deps"); err != nil {
		logger(err.Error(), true)
		return
	}
	argVars, conf, tainted, err := builtinBase(desc, key)
	if err != nil {
		logger(err.Error(), true)
		return
	}
	depNames, err := parseDepNames(desc, "deps", conf, key.Target)
	if err != nil {
		logger(err.Error(), true)
		return
	}
	depKeys := make([]ConfiguredTarget, 0, len(depNames))
	for _, name := range depNames {
		depKeys = append(depKeys, ConfiguredTarget{Target: name, Config: key.Config})
	}
	sub(depKeys, func(deps []*analysed.Target) {
		if err := checkDepTaints(deps, depKeys, tainted); err != nil {
			logger(err.Error(), true)
			return
		}
		stages := make([]expression.Pointer, 0, len(deps))
		for _, dep := range deps {
			stages = append(stages, dep.Artifacts())
		}
		merged, err := mergeStages(stages, "tree stage")
		if err != nil {
			logger(err.Error(), true)
			return
		}
		if conflict, found := treeConflict(merged); found {
			logger(fmt.Sprintf("tree stage conflicts on subtree %q", conflict), true)
			return
		}
		artifacts := make(map[string]expression.ArtifactDescription, merged.Len())
		for _, p := range merged.Keys() {
			entry, _ := merged.Find(p)
			artifact, err := entry.AsArtifact()
			if err != nil {
				logger(err.Error(), true)
				return
			}
			artifacts[p] = artifact
		}
		tree := analysed.NewTree(artifacts)
		stage := expression.Map(map[string]expression.Pointer{
			key.Target.Name: expression.FromArtifact(expression.TreeArtifact(tree.ID())),
		})
		vars := effectiveDepVars(argVars, deps, nil)
		target := &analysed.Target{
			Result:  expression.NewTargetResult(stage, expression.EmptyMap, stage),
			Trees:   []*analysed.Tree{tree},
			Vars:    vars,
			Tainted: tainted,
		}
		set(e.results.Add(key.Target, key.Config.Prune(vars), target))
	}, logger)
}

// installTarget stages dependencies, with "files" renaming single-artifact
// targets to explicit paths.
func installTarget(e *Engine, _ *asyncmap.TaskSystem, desc expression.Pointer, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, sub targetSubCaller) {
	if err := expectBuiltinFields(desc, key, "deps", "files"); err != nil {
		logger(err.Error(), true)
		return
	}
	argVars, conf, tainted, err := builtinBase(desc, key)
	if err != nil {
		logger(err.Error(), true)
		return
	}
	depNames, err := parseDepNames(desc, "deps", conf, key.Target)
	if err != nil {
		logger(err.Error(), true)
		return
	}
	filesExpr, err := expression.Evaluate(desc.Get("files", expression.EmptyMap), conf, nil)
	if err != nil {
		logger(fmt.Sprintf("While evaluating files:\n%v", err), true)
		return
	}
	if !filesExpr.IsMap() {
		logger(fmt.Sprintf("files has to be a map, but found %s", filesExpr.Describe()), true)
		return
	}
	filePaths := filesExpr.Keys()
	fileNames := make([]expression.EntityName, 0, len(filePaths))
	for _, p := range filePaths {
		ref, _ := filesExpr.Find(p)
		name, err := basemaps.ParseEntityName(ref, key.Target)
		if err != nil {
			logger(fmt.Sprintf("parsing files entry %q failed with:\n%v", p, err), true)
			return
		}
		fileNames = append(fileNames, name)
	}
	depKeys := make([]ConfiguredTarget, 0, len(depNames)+len(fileNames))
	for _, name := range depNames {
		depKeys = append(depKeys, ConfiguredTarget{Target: name, Config: key.Config})
	}
	for _, name := range fileNames {
		depKeys = append(depKeys, ConfiguredTarget{Target: name, Config: key.Config})
	}
	sub(depKeys, func(deps []*analysed.Target) {
		if err := checkDepTaints(deps, depKeys, tainted); err != nil {
			logger(err.Error(), true)
			return
		}
		stages := make([]expression.Pointer, 0, len(deps))
		for _, dep := range deps[:len(depNames)] {
			stages = append(stages, dep.Runfiles())
		}
		for i, dep := range deps[len(depNames):] {
			artifacts := dep.Artifacts()
			if artifacts.Len() != 1 {
				logger(fmt.Sprintf("files entry %q requires a target with exactly one artifact, but %s has %d", filePaths[i], depKeys[len(depNames)+i].Target.String(), artifacts.Len()), true)
				return
			}
			only, _ := artifacts.Find(artifacts.Keys()[0])
			stages = append(stages, expression.Map(map[string]expression.Pointer{filePaths[i]: only}))
		}
		merged, err := mergeStages(stages, "install stage")
		if err != nil {
			logger(err.Error(), true)
			return
		}
		if conflict, found := treeConflict(merged); found {
			logger(fmt.Sprintf("install stage conflicts on subtree %q", conflict), true)
			return
		}
		vars := effectiveDepVars(argVars, deps, nil)
		target := &analysed.Target{
			Result:  expression.NewTargetResult(merged, expression.EmptyMap, merged),
			Vars:    vars,
			Tainted: tainted,
		}
		set(e.results.Add(key.Target, key.Config.Prune(vars), target))
	}, logger)
}

// exportTarget re-exports one target under a restricted, partially fixed
// configuration, the unit of high-level caching.
func exportTarget(e *Engine, _ *asyncmap.TaskSystem, desc expression.Pointer, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, sub targetSubCaller) {
	if err := expectBuiltinFields(desc, key, "target", "flexible_config", "fixed_config"); err != nil {
		logger(err.Error(), true)
		return
	}
	flexible, err := literalStringList(desc, "flexible_config")
	if err != nil {
		logger(err.Error(), true)
		return
	}
	fixed := desc.Get("fixed_config", expression.EmptyMap)
	if !fixed.IsMap() {
		logger(fmt.Sprintf("fixed_config has to be a map, but found %s", fixed.Describe()), true)
		return
	}
	targetRef, ok := desc.Find("target")
	if !ok {
		logger(fmt.Sprintf("no target specified for export target %s", key.Target.String()), true)
		return
	}
	exported, err := basemaps.ParseEntityName(targetRef, key.Target)
	if err != nil {
		logger(fmt.Sprintf("parsing target of export target %s failed with:\n%v", key.Target.String(), err), true)
		return
	}
	conf, err := key.Config.Prune(flexible).Update(fixed)
	if err != nil {
		logger(err.Error(), true)
		return
	}
	depKey := ConfiguredTarget{Target: exported, Config: conf}
	sub([]ConfiguredTarget{depKey}, func(deps []*analysed.Target) {
		dep := deps[0]
		vars := make([]string, 0, len(flexible))
		for _, v := range flexible {
			if !mapHasKey(fixed, v) {
				vars = append(vars, v)
			}
		}
		vars = stringSet(vars)
		target := &analysed.Target{
			Result:  dep.Result,
			Vars:    vars,
			Tainted: dep.Tainted,
		}
		set(e.results.Add(key.Target, key.Config.Prune(vars), target))
	}, logger)
}

func mapHasKey(m expression.Pointer, key string) bool {
	_, ok := m.Find(key)
	return ok
}

// configureTarget analyses one target under an amended configuration.
func configureTarget(e *Engine, _ *asyncmap.TaskSystem, desc expression.Pointer, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, sub targetSubCaller) {
	if err := expectBuiltinFields(desc, key, "target", "config"); err != nil {
		logger(err.Error(), true)
		return
	}
	argVars, conf, tainted, err := builtinBase(desc, key)
	if err != nil {
		logger(err.Error(), true)
		return
	}
	targetRef, ok := desc.Find("target")
	if !ok {
		logger(fmt.Sprintf("no target specified for configure target %s", key.Target.String()), true)
		return
	}
	configured, err := basemaps.ParseEntityName(targetRef, key.Target)
	if err != nil {
		logger(fmt.Sprintf("parsing target of configure target %s failed with:\n%v", key.Target.String(), err), true)
		return
	}
	overlay, err := expression.Evaluate(desc.Get("config", expression.EmptyMap), conf, nil)
	if err != nil {
		logger(fmt.Sprintf("While evaluating config:\n%v", err), true)
		return
	}
	if !overlay.IsMap() {
		logger(fmt.Sprintf("config has to evaluate to a map, but found %s", overlay.Describe()), true)
		return
	}
	amended, err := key.Config.Update(overlay)
	if err != nil {
		logger(err.Error(), true)
		return
	}
	depKey := ConfiguredTarget{Target: configured, Config: amended}
	sub([]ConfiguredTarget{depKey}, func(deps []*analysed.Target) {
		dep := deps[0]
		vars := effectiveDepVars(argVars, deps, func(v string) bool { return mapHasKey(overlay, v) })
		target := &analysed.Target{
			Result:  dep.Result,
			Vars:    vars,
			Tainted: stringSet(append(append([]string(nil), tainted...), dep.Tainted...)),
		}
		set(e.results.Add(key.Target, key.Config.Prune(vars), target))
	}, logger)
}
