package targetmap

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"

	"github.com/qiao-bo/justbuild/internal/analysed"
	"github.com/qiao-bo/justbuild/internal/asyncmap"
	"github.com/qiao-bo/justbuild/internal/basemaps"
	"github.com/qiao-bo/justbuild/internal/expression"
	"github.com/qiao-bo/justbuild/internal/repo"
)

// TargetMap is the analysis map: configured target in, analysed target out.
type TargetMap = asyncmap.Map[ConfiguredTarget, *analysed.Target]

type targetSetter = asyncmap.Setter[*analysed.Target]
type targetSubCaller = asyncmap.SubCaller[ConfiguredTarget, *analysed.Target]

// Engine owns the cooperating maps of one analysis run and exposes
// Analyse. All maps share one task system; results live until Shutdown.
type Engine struct {
	repos  *repo.Config
	logger *slog.Logger
	ts     *asyncmap.TaskSystem

	results      *ResultMap
	sources      *basemaps.SourceTargetMap
	targetsFiles *basemaps.JSONFileMap
	rulesFiles   *basemaps.JSONFileMap
	exprFiles    *basemaps.JSONFileMap
	dirs         *basemaps.DirectoryEntriesMap
	expressions  *basemaps.ExpressionMap
	rules        *basemaps.UserRuleMap
	targets      *TargetMap
}

// New wires up an engine over the given repository configuration. jobs
// sizes the worker pool; values below one default to the hardware
// concurrency.
func New(repos *repo.Config, logger *slog.Logger, jobs int) *Engine {
	e := &Engine{
		repos:   repos,
		logger:  logger,
		ts:      asyncmap.NewTaskSystem(jobs),
		results: NewResultMap(),
	}
	e.sources = basemaps.NewSourceTargetMap(repos)
	e.targetsFiles = basemaps.NewTargetsFileMap(repos)
	e.rulesFiles = basemaps.NewRulesFileMap(repos)
	e.exprFiles = basemaps.NewExpressionFileMap(repos)
	e.dirs = basemaps.NewDirectoryEntriesMap(repos)
	e.expressions = basemaps.NewExpressionMap(e.exprFiles)
	e.rules = basemaps.NewUserRuleMap(e.rulesFiles, e.expressions)
	e.targets = asyncmap.New(ConfiguredTarget.ID, e.readTarget)
	return e
}

// Results exposes the result registry, mainly for inspection after a run.
func (e *Engine) Results() *ResultMap { return e.results }

// Shutdown stops the worker pool, discards queued continuations, and fails
// every pending key so blocked callers observe the abort.
func (e *Engine) Shutdown() {
	e.ts.Shutdown()
	const msg = "analysis aborted"
	e.targets.FailPending(msg)
	e.rules.FailPending(msg)
	e.expressions.FailPending(msg)
	e.sources.FailPending(msg)
	e.targetsFiles.FailPending(msg)
	e.rulesFiles.FailPending(msg)
	e.exprFiles.FailPending(msg)
	e.dirs.FailPending(msg)
}

// Analyse requests the analysed target for (target, conf) and blocks until
// it is available, the analysis fails, or ctx is cancelled.
func (e *Engine) Analyse(ctx context.Context, target expression.EntityName, conf expression.Configuration) (*analysed.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.logger.Debug("analysing target", "target", target.String(), "config", conf.String())
	done := make(chan struct{})
	var result *analysed.Target
	var failMsg string
	failed := false
	e.targets.ConsumeAfterKeysReady(e.ts,
		[]ConfiguredTarget{{Target: target, Config: conf}},
		func(values []*analysed.Target) {
			result = values[0]
			close(done)
		},
		func(msg string, _ bool) {
			failMsg = msg
			failed = true
			close(done)
		})
	select {
	case <-ctx.Done():
		e.Shutdown()
		return nil, ctx.Err()
	case <-done:
	}
	if failed {
		return nil, fmt.Errorf("while analysing %s:\n%s", target.String(), failMsg)
	}
	e.logger.Debug("target analysed", "target", target.String(), "resultID", result.ResultID())
	return result, nil
}

func wrapLogger(logger asyncmap.Logger, prefix string) asyncmap.Logger {
	return func(msg string, fatal bool) {
		logger(prefix+":\n"+msg, fatal)
	}
}

// readTarget dispatches on the reference kind of the requested target.
func (e *Engine) readTarget(ts *asyncmap.TaskSystem, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, sub targetSubCaller) {
	switch {
	case key.Target.IsAnonymous():
		e.withTargetNode(ts, key, set, logger, sub)
	case key.Target.Ref == expression.RefTree:
		e.treeTarget(ts, key, set,
			wrapLogger(logger, fmt.Sprintf("While analysing %s as explicit tree reference", key.Target.String())), sub)
	case key.Target.Ref == expression.RefFile:
		e.sources.ConsumeAfterKeysReady(ts, []expression.EntityName{key.Target},
			func(values []*analysed.Target) { set(values[0]) },
			wrapLogger(logger, fmt.Sprintf("While analysing %s as explicit source target", key.Target.String())))
	default:
		e.targetsFiles.ConsumeAfterKeysReady(ts,
			[]basemaps.ModuleName{{Repository: key.Target.Repository, Module: key.Target.Module}},
			func(values []expression.Pointer) {
				e.withTargetsFile(ts, key, values[0], set, logger, sub)
			},
			wrapLogger(logger, fmt.Sprintf("While searching targets description for %s", key.Target.String())))
	}
}

// withTargetsFile resolves a named target against its module's targets
// file: a defined target dispatches to a built-in or user rule; an
// undefined name is treated as an implicit source file.
func (e *Engine) withTargetsFile(ts *asyncmap.TaskSystem, key ConfiguredTarget, targetsFile expression.Pointer, set targetSetter, logger asyncmap.Logger, sub targetSubCaller) {
	desc, ok := targetsFile.Find(key.Target.Name)
	if !ok {
		e.sources.ConsumeAfterKeysReady(ts, []expression.EntityName{key.Target},
			func(values []*analysed.Target) { set(values[0]) },
			wrapLogger(logger, fmt.Sprintf("While analysing target %s as implicit source target", key.Target.String())))
		return
	}
	if !desc.IsMap() {
		logger(fmt.Sprintf("target description of %s has to be a map, but found %s", key.Target.String(), desc.Describe()), true)
		return
	}
	typeExpr, ok := desc.Find("type")
	if !ok {
		logger(fmt.Sprintf("no type specified in the definition of target %s", key.Target.String()), true)
		return
	}
	if typeName, err := typeExpr.AsString(); err == nil {
		if e.handleBuiltin(ts, typeName, desc, key, set, logger, sub) {
			return
		}
	}
	ruleName, err := basemaps.ParseEntityName(typeExpr, key.Target)
	if err != nil {
		logger(fmt.Sprintf("parsing rule name %s for target %s failed with:\n%v", typeExpr.String(), key.Target.String(), err), true)
		return
	}
	reader, err := basemaps.NewFieldReader(desc, key.Target, fmt.Sprintf("%s target", ruleName.String()))
	if err != nil {
		logger(err.Error(), true)
		return
	}
	e.rules.ConsumeAfterKeysReady(ts, []expression.EntityName{ruleName},
		func(values []*basemaps.UserRule) {
			rule := values[0]
			data, err := targetDataFromFieldReader(rule, reader)
			if err != nil {
				logger(fmt.Sprintf("failed to read data from target %s with rule %s:\n%v", key.Target.String(), ruleName.String(), err), true)
				return
			}
			e.withRuleDefinition(ts, rule, data, key, set,
				wrapLogger(logger, fmt.Sprintf("While analysing %s target %s", ruleName.String(), key.Target.String())), sub)
		},
		wrapLogger(logger, fmt.Sprintf("While looking up rule for %s", key.Target.String())))
}

// withTargetNode analyses an anonymous target: value nodes wrap their
// result directly; abstract nodes are instantiated through the rule map.
func (e *Engine) withTargetNode(ts *asyncmap.TaskSystem, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, sub targetSubCaller) {
	anon := key.Target.Anonymous
	node, err := anon.TargetNode.AsNode()
	if err != nil {
		logger(err.Error(), true)
		return
	}
	if node.IsValue() {
		result, err := node.Value().AsResult()
		if err != nil {
			logger(err.Error(), true)
			return
		}
		set(&analysed.Target{Result: result})
		return
	}
	abs := node.Abstract()
	ruleNameExpr, ok := anon.RuleMap.Find(abs.NodeType)
	if !ok {
		logger(fmt.Sprintf("cannot resolve type of node %s via rule map %s", anon.TargetNode.String(), anon.RuleMap.String()), true)
		return
	}
	ruleName, err := ruleNameExpr.AsName()
	if err != nil {
		logger(err.Error(), true)
		return
	}
	e.rules.ConsumeAfterKeysReady(ts, []expression.EntityName{ruleName},
		func(values []*basemaps.UserRule) {
			rule := values[0]
			data, err := targetDataFromNode(rule, abs, anon.RuleMap)
			if err != nil {
				logger(fmt.Sprintf("failed to read data from target %s with rule %s:\n%v", key.Target.String(), ruleName.String(), err), true)
				return
			}
			e.withRuleDefinition(ts, rule, data, key, set,
				wrapLogger(logger, fmt.Sprintf("While analysing %s target %s", ruleName.String(), key.Target.String())), sub)
		},
		wrapLogger(logger, fmt.Sprintf("While looking up rule for %s", key.Target.String())))
}

// treeTarget stages every file and subtree of the referenced directory
// into a single tree artifact named after the target.
func (e *Engine) treeTarget(ts *asyncmap.TaskSystem, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, sub targetSubCaller) {
	target := key.Target
	dirName := path.Join(target.Module, target.Name)
	module := basemaps.ModuleName{Repository: target.Repository, Module: dirName}
	e.dirs.ConsumeAfterKeysReady(ts, []basemaps.ModuleName{module},
		func(values []*basemaps.DirectoryEntries) {
			entries := values[0]
			inner := make([]ConfiguredTarget, 0, len(entries.Files)+len(entries.Trees))
			for _, f := range entries.Files {
				inner = append(inner, ConfiguredTarget{
					Target: expression.NamedEntity(target.Repository, dirName, f, expression.RefFile),
					Config: expression.EmptyConfiguration(),
				})
			}
			for _, t := range entries.Trees {
				inner = append(inner, ConfiguredTarget{
					Target: expression.NamedEntity(target.Repository, dirName, t, expression.RefTree),
					Config: expression.EmptyConfiguration(),
				})
			}
			sub(inner, func(resolved []*analysed.Target) {
				artifacts := make(map[string]expression.ArtifactDescription, len(resolved))
				for _, value := range resolved {
					runfiles := value.Runfiles()
					for _, p := range runfiles.Keys() {
						entry, _ := runfiles.Find(p)
						artifact, err := entry.AsArtifact()
						if err != nil {
							logger(err.Error(), true)
							return
						}
						artifacts[path.Clean(p)] = artifact
					}
				}
				tree := analysed.NewTree(artifacts)
				stage := expression.Map(map[string]expression.Pointer{
					target.Name: expression.FromArtifact(expression.TreeArtifact(tree.ID())),
				})
				result := &analysed.Target{
					Result: expression.NewTargetResult(stage, expression.EmptyMap, stage),
					Trees:  []*analysed.Tree{tree},
				}
				set(e.results.Add(target, expression.EmptyConfiguration(), result))
			}, logger)
		},
		wrapLogger(logger, fmt.Sprintf("While analysing entries of %s", target.String())))
}

// targetData carries the field expressions of one target before rule
// application.
type targetData struct {
	targetVars       []string
	configExprs      map[string]expression.Pointer
	stringExprs      map[string]expression.Pointer
	targetExprs      map[string]expression.Pointer
	taintedExpr      expression.Pointer
	parseTargetNames bool
}

func targetDataFromFieldReader(rule *basemaps.UserRule, reader *basemaps.FieldReader) (*targetData, error) {
	if err := reader.ExpectFields(rule.ExpectedFields()); err != nil {
		return nil, err
	}
	targetVars, err := reader.ReadStringList("arguments_config")
	if err != nil {
		return nil, err
	}
	data := &targetData{
		targetVars:       targetVars,
		configExprs:      map[string]expression.Pointer{},
		stringExprs:      map[string]expression.Pointer{},
		targetExprs:      map[string]expression.Pointer{},
		taintedExpr:      reader.ReadOptionalExpression("tainted", expression.EmptyList),
		parseTargetNames: true,
	}
	for _, f := range rule.ConfigFields {
		data.configExprs[f] = reader.ReadOptionalExpression(f, expression.EmptyList)
	}
	for _, f := range rule.StringFields {
		data.stringExprs[f] = reader.ReadOptionalExpression(f, expression.EmptyList)
	}
	for _, f := range rule.TargetFields {
		data.targetExprs[f] = reader.ReadOptionalExpression(f, expression.EmptyList)
	}
	return data, nil
}

// targetDataFromNode builds target data from an abstract node: config and
// string fields must live in the node's string fields, target fields in
// its target fields, with entries wrapped as anonymous names sharing the
// node's rule map.
func targetDataFromNode(rule *basemaps.UserRule, node *expression.AbstractNode, ruleMap expression.Pointer) (*targetData, error) {
	data := &targetData{
		configExprs: map[string]expression.Pointer{},
		stringExprs: map[string]expression.Pointer{},
		targetExprs: map[string]expression.Pointer{},
		taintedExpr: expression.EmptyList,
	}
	for _, f := range rule.ConfigFields {
		if _, misplaced := node.TargetFields.Find(f); misplaced {
			return nil, fmt.Errorf("expected config field %q in string_fields of abstract node type %q, and not in target_fields", f, node.NodeType)
		}
		data.configExprs[f] = node.StringFields.Get(f, expression.EmptyList)
	}
	for _, f := range rule.StringFields {
		if _, misplaced := node.TargetFields.Find(f); misplaced {
			return nil, fmt.Errorf("expected string field %q in string_fields of abstract node type %q, and not in target_fields", f, node.NodeType)
		}
		data.stringExprs[f] = node.StringFields.Get(f, expression.EmptyList)
	}
	for _, f := range rule.TargetFields {
		if _, misplaced := node.StringFields.Find(f); misplaced {
			return nil, fmt.Errorf("expected target field %q in target_fields of abstract node type %q, and not in string_fields", f, node.NodeType)
		}
		nodes, err := node.TargetFields.Get(f, expression.EmptyList).AsList()
		if err != nil {
			return nil, err
		}
		targets := make([]expression.Pointer, 0, len(nodes))
		for _, nodeExpr := range nodes {
			if !nodeExpr.IsNode() {
				return nil, fmt.Errorf("target field %q of abstract node type %q has to contain target nodes, but found %s", f, node.NodeType, nodeExpr.Describe())
			}
			targets = append(targets, expression.FromName(expression.AnonymousEntity(ruleMap, nodeExpr)))
		}
		data.targetExprs[f] = expression.List(targets)
	}
	return data, nil
}

// fieldFunction exposes already-evaluated fields as FIELD(name).
func fieldFunction(params map[string]expression.Pointer) expression.Function {
	return func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
		nameExpr, err := eval(expr.Get("name", expression.None()), env)
		if err != nil {
			return nil, err
		}
		name, err := nameExpr.AsString()
		if err != nil {
			return nil, fmt.Errorf("FIELD argument 'name' should evaluate to a string, but got %s", nameExpr.Describe())
		}
		value, ok := params[name]
		if !ok {
			return nil, fmt.Errorf("FIELD %q unknown", name)
		}
		return value, nil
	}
}

// withRuleDefinition applies a user rule: evaluate config fields, compute
// config transitions, request dependencies (two waves, the second for
// anonymous targets), then hand over to withDependencies.
func (e *Engine) withRuleDefinition(ts *asyncmap.TaskSystem, rule *basemaps.UserRule, data *targetData, key ConfiguredTarget, set targetSetter, logger asyncmap.Logger, sub targetSubCaller) {
	paramConfig := key.Config.Prune(data.targetVars)

	// Config fields evaluate to lists of strings under the target's own
	// variables.
	params := map[string]expression.Pointer{}
	for _, fieldName := range rule.ConfigFields {
		value, err := expression.Evaluate(data.configExprs[fieldName], paramConfig, nil)
		if err != nil {
			logger(fmt.Sprintf("While evaluating config field %s:\n%v", fieldName, err), true)
			return
		}
		if _, err := basemaps.StringList(value, fmt.Sprintf("config field %s", fieldName)); err != nil {
			logger(err.Error(), true)
			return
		}
		params[fieldName] = value
	}

	// Config transitions evaluate under the rule's config variables, with
	// FIELD giving access to the config fields.
	transitionFns := expression.FunctionMap{"FIELD": fieldFunction(params)}
	exprConfig := key.Config.Prune(rule.ConfigVars)
	configTransitions := map[string]expression.Pointer{}
	evalTransition := func(fieldName, kind string) bool {
		transition, err := expression.Evaluate(rule.ConfigTransitions[fieldName], exprConfig, transitionFns)
		if err == nil {
			err = isTransition(transition)
		}
		if err != nil {
			logger(fmt.Sprintf("While evaluating config transition for %s%s:\n%v", kind, fieldName, err), true)
			return false
		}
		configTransitions[fieldName] = transition
		return true
	}
	for _, fieldName := range rule.TargetFields {
		if !evalTransition(fieldName, "") {
			return
		}
	}
	implicitFields := make([]string, 0, len(rule.ImplicitTargets))
	for fieldName := range rule.ImplicitTargets {
		implicitFields = append(implicitFields, fieldName)
	}
	sort.Strings(implicitFields)
	for _, fieldName := range implicitFields {
		if !evalTransition(fieldName, "implicit ") {
			return
		}
	}
	anonFields := make([]string, 0, len(rule.AnonymousDefs))
	for fieldName := range rule.AnonymousDefs {
		anonFields = append(anonFields, fieldName)
	}
	sort.Strings(anonFields)
	for _, fieldName := range anonFields {
		if !evalTransition(fieldName, "anonymous ") {
			return
		}
	}

	// Request dependencies, recording positions so anonymous definitions
	// can look up providers later.
	anonPositions := map[string][]int{}
	for _, def := range rule.AnonymousDefs {
		anonPositions[def.Target] = nil
	}
	var dependencyKeys, transitionKeys []ConfiguredTarget
	requestField := func(fieldName string, depNames []expression.Pointer) bool {
		_, trackAnon := anonPositions[fieldName]
		transitions, _ := configTransitions[fieldName].AsList()
		for _, transition := range transitions {
			transitioned, err := key.Config.Update(transition)
			if err != nil {
				logger(err.Error(), true)
				return false
			}
			transitionConf, err := expression.NewConfiguration(transition)
			if err != nil {
				logger(err.Error(), true)
				return false
			}
			for _, dep := range depNames {
				depName, err := dep.AsName()
				if err != nil {
					logger(err.Error(), true)
					return false
				}
				if trackAnon {
					anonPositions[fieldName] = append(anonPositions[fieldName], len(dependencyKeys))
				}
				dependencyKeys = append(dependencyKeys, ConfiguredTarget{Target: depName, Config: transitioned})
				transitionKeys = append(transitionKeys, ConfiguredTarget{Target: depName, Config: transitionConf})
			}
		}
		return true
	}
	for _, fieldName := range rule.TargetFields {
		depsValue, err := expression.Evaluate(data.targetExprs[fieldName], paramConfig, nil)
		if err != nil {
			logger(fmt.Sprintf("While evaluating target field %s:\n%v", fieldName, err), true)
			return
		}
		entries, err := depsValue.AsList()
		if err != nil {
			logger(fmt.Sprintf("target field %s should evaluate to a list, but got %s", fieldName, depsValue.Describe()), true)
			return
		}
		depNames := make([]expression.Pointer, 0, len(entries))
		if data.parseTargetNames {
			for _, entry := range entries {
				target, err := basemaps.ParseEntityName(entry, key.Target)
				if err != nil {
					logger(fmt.Sprintf("parsing entry %s in target field %s failed with:\n%v", entry.String(), fieldName, err), true)
					return
				}
				depNames = append(depNames, expression.FromName(target))
			}
		} else {
			depNames = entries
		}
		if !requestField(fieldName, depNames) {
			return
		}
		params[fieldName] = expression.List(depNames)
	}
	for _, fieldName := range implicitFields {
		refs := rule.ImplicitTargets[fieldName]
		depNames := make([]expression.Pointer, 0, len(refs))
		for _, ref := range refs {
			depNames = append(depNames, expression.FromName(ref))
		}
		if !requestField(fieldName, depNames) {
			return
		}
		params[fieldName] = expression.List(depNames)
	}

	sub(dependencyKeys, func(values []*analysed.Target) {
		// All regular dependencies are resolved; read their provides maps
		// to construct the anonymous-target wave.
		var anonymousKeys []ConfiguredTarget
		for _, anonName := range anonFields {
			def := rule.AnonymousDefs[anonName]
			var anonNames []expression.Pointer
			for _, pos := range anonPositions[def.Target] {
				providerValue, ok := values[pos].Provides().Find(def.Provider)
				if !ok {
					logger(fmt.Sprintf("provider %q in %q does not exist", def.Provider, def.Target), true)
					return
				}
				nodes, err := providerValue.AsList()
				if err != nil {
					logger(fmt.Sprintf("provider %q in %q must be a list of target nodes, but found: %s", def.Provider, def.Target, providerValue.Describe()), true)
					return
				}
				for _, node := range nodes {
					if !node.IsNode() {
						logger(fmt.Sprintf("entry in provider %q in %q must be a target node, but found: %s", def.Provider, def.Target, node.Describe()), true)
						return
					}
					anonNames = append(anonNames, expression.FromName(expression.AnonymousEntity(def.RuleMap, node)))
				}
			}
			transitions, _ := configTransitions[anonName].AsList()
			for _, transition := range transitions {
				transitioned, err := key.Config.Update(transition)
				if err != nil {
					logger(err.Error(), true)
					return
				}
				transitionConf, err := expression.NewConfiguration(transition)
				if err != nil {
					logger(err.Error(), true)
					return
				}
				for _, anon := range anonNames {
					anonTarget, _ := anon.AsName()
					anonymousKeys = append(anonymousKeys, ConfiguredTarget{Target: anonTarget, Config: transitioned})
					transitionKeys = append(transitionKeys, ConfiguredTarget{Target: anonTarget, Config: transitionConf})
				}
			}
			params[anonName] = expression.List(anonNames)
		}
		sub(anonymousKeys, func(anonValues []*analysed.Target) {
			deps := append(append([]*analysed.Target(nil), values...), anonValues...)
			e.withDependencies(transitionKeys, deps, rule, data, key, params, set, logger)
		}, logger)
	}, logger)
}

func depLookupID(name expression.EntityName, transition expression.Configuration) string {
	return name.String() + "#" + transition.ID()
}

// withDependencies runs once every dependency of the target is analysed:
// it computes the effective configuration and taint set, evaluates string
// fields and the rule's defining expression, and interns the result.
func (e *Engine) withDependencies(transitionKeys []ConfiguredTarget, deps []*analysed.Target, rule *basemaps.UserRule, data *targetData, key ConfiguredTarget, params map[string]expression.Pointer, set targetSetter, logger asyncmap.Logger) {
	depsByTransition := make(map[string]*analysed.Target, len(transitionKeys))
	depsByName := make(map[string]*analysed.Target, len(transitionKeys))
	for i, tk := range transitionKeys {
		id := depLookupID(tk.Target, tk.Config)
		if _, ok := depsByTransition[id]; !ok {
			depsByTransition[id] = deps[i]
		}
		if _, ok := depsByName[tk.Target.String()]; !ok {
			depsByName[tk.Target.String()] = deps[i]
		}
	}

	// Effective variables: the target's own, the rule's, and every
	// dependency variable not fixed by the transition it was requested
	// under.
	varSet := map[string]struct{}{}
	for _, v := range data.targetVars {
		varSet[v] = struct{}{}
	}
	for _, v := range rule.ConfigVars {
		varSet[v] = struct{}{}
	}
	for i, tk := range transitionKeys {
		for _, v := range deps[i].Vars {
			if !tk.Config.VariableFixed(v) {
				varSet[v] = struct{}{}
			}
		}
	}
	effectiveVars := make([]string, 0, len(varSet))
	for v := range varSet {
		effectiveVars = append(effectiveVars, v)
	}
	sort.Strings(effectiveVars)
	effectiveConf := key.Config.Prune(effectiveVars)

	// Taintedness: own labels plus the rule's; every dependency's taint
	// set must be covered.
	paramConfig := key.Config.Prune(data.targetVars)
	taintedValue, err := expression.Evaluate(data.taintedExpr, paramConfig, nil)
	if err != nil {
		logger(fmt.Sprintf("While evaluating tainted:\n%v", err), true)
		return
	}
	ownTainted, err := basemaps.StringList(taintedValue, "tainted")
	if err != nil {
		logger(err.Error(), true)
		return
	}
	tainted := stringSet(append(append([]string(nil), ownTainted...), rule.Tainted...))
	for i, dep := range deps {
		if missing, ok := subsetOf(dep.Tainted, tainted); !ok {
			logger(fmt.Sprintf("not tainted with %q that dependency %s is tainted with", missing, transitionKeys[i].Target.String()), true)
			return
		}
	}

	// String fields see outs and runfiles of the dependencies.
	obtainByName := func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (*analysed.Target, error) {
		depExpr, err := eval(expr.Get("dep", expression.None()), env)
		if err != nil {
			return nil, err
		}
		var depName expression.EntityName
		if depExpr.IsName() {
			depName, _ = depExpr.AsName()
		} else {
			depName, err = basemaps.ParseEntityName(depExpr, key.Target)
			if err != nil {
				return nil, err
			}
		}
		transitionExpr, err := eval(expr.Get("transition", expression.EmptyMap), env)
		if err != nil {
			return nil, err
		}
		transition, err := expression.NewConfiguration(transitionExpr)
		if err != nil {
			return nil, err
		}
		if dep, ok := depsByTransition[depLookupID(depName, transition)]; ok {
			return dep, nil
		}
		if dep, ok := depsByName[depName.String()]; ok {
			return dep, nil
		}
		return nil, fmt.Errorf("target %s is not a dependency", depName.String())
	}
	stringFns := expression.FunctionMap{
		"outs": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			dep, err := obtainByName(eval, expr, env)
			if err != nil {
				return nil, err
			}
			return keysExpr(dep.Artifacts()), nil
		},
		"runfiles": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			dep, err := obtainByName(eval, expr, env)
			if err != nil {
				return nil, err
			}
			return keysExpr(dep.Runfiles()), nil
		},
	}
	for _, fieldName := range rule.StringFields {
		value, err := expression.Evaluate(data.stringExprs[fieldName], paramConfig, stringFns)
		if err != nil {
			logger(fmt.Sprintf("While evaluating string field %s:\n%v", fieldName, err), true)
			return
		}
		if _, err := basemaps.StringList(value, fmt.Sprintf("string field %s", fieldName)); err != nil {
			logger(err.Error(), true)
			return
		}
		params[fieldName] = value
	}

	// The defining expression runs with per-invocation collectors for
	// actions, blobs and trees.
	collectors := &runCollectors{}
	fns := e.mainFunctions(rule, key, params, depsByTransition, depsByName, collectors)
	result, err := expression.Evaluate(rule.Expr, key.Config.Prune(rule.ConfigVars), fns)
	if err != nil {
		logger(fmt.Sprintf("While evaluating defining expression of rule:\n%v", err), true)
		return
	}
	resultValue, err := result.AsResult()
	if err != nil {
		logger(fmt.Sprintf("defining expression should evaluate to a RESULT, but got: %s", result.Describe()), true)
		return
	}
	target := &analysed.Target{
		Result:  resultValue,
		Actions: collectors.actions,
		Blobs:   collectors.blobs,
		Trees:   collectors.trees,
		Vars:    effectiveVars,
		Tainted: tainted,
	}
	set(e.results.Add(key.Target, effectiveConf, target))
}
