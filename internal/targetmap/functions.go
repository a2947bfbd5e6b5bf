package targetmap

import (
	"fmt"
	"path"

	"github.com/qiao-bo/justbuild/internal/analysed"
	"github.com/qiao-bo/justbuild/internal/basemaps"
	"github.com/qiao-bo/justbuild/internal/expression"
	"github.com/qiao-bo/justbuild/internal/hasher"
)

// runCollectors accumulate the actions, blobs and trees one defining
// expression creates. They are per-invocation values; the evaluation of a
// single expression is sequential, so no lock is needed.
type runCollectors struct {
	actions []*analysed.Action
	blobs   []string
	trees   []*analysed.Tree
}

// mainFunctions builds the function table the rule's defining expression is
// evaluated with.
func (e *Engine) mainFunctions(rule *basemaps.UserRule, key ConfiguredTarget, params map[string]expression.Pointer, depsByTransition, depsByName map[string]*analysed.Target, collectors *runCollectors) expression.FunctionMap {
	obtain := func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (*analysed.Target, error) {
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

	readOutputs := func(eval expression.Eval, expr expression.Pointer, env expression.Configuration, field string) ([]string, error) {
		value, err := eval(expr.Get(field, expression.EmptyList), env)
		if err != nil {
			return nil, err
		}
		return basemaps.StringList(value, field)
	}

	// taintList validates a may_fail/no_cache argument: a literal list of
	// taint strings the rule is tainted with.
	taintList := func(expr expression.Pointer, field string) ([]string, error) {
		entries, err := basemaps.StringList(expr.Get(field, expression.EmptyList), field)
		if err != nil {
			return nil, err
		}
		for _, label := range entries {
			if !rule.IsTainted(label) {
				return nil, fmt.Errorf("%s contains entry %q the rule is not tainted with", field, label)
			}
		}
		return entries, nil
	}

	return expression.FunctionMap{
		"FIELD": fieldFunction(params),
		"DEP_ARTIFACTS": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			dep, err := obtain(eval, expr, env)
			if err != nil {
				return nil, err
			}
			return dep.Artifacts(), nil
		},
		"DEP_RUNFILES": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			dep, err := obtain(eval, expr, env)
			if err != nil {
				return nil, err
			}
			return dep.Runfiles(), nil
		},
		"DEP_PROVIDES": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			dep, err := obtain(eval, expr, env)
			if err != nil {
				return nil, err
			}
			providerExpr, err := eval(expr.Get("provider", expression.None()), env)
			if err != nil {
				return nil, err
			}
			provider, err := providerExpr.AsString()
			if err != nil {
				return nil, err
			}
			if value, ok := dep.Provides().Find(provider); ok {
				return value, nil
			}
			return eval(expr.Get("default", expression.EmptyList), env)
		},
		"ACTION": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			inputs, err := eval(expr.Get("inputs", expression.EmptyMap), env)
			if err != nil {
				return nil, err
			}
			if err := artifactStage(inputs, "inputs"); err != nil {
				return nil, err
			}
			if conflict, found := treeConflict(inputs); found {
				return nil, fmt.Errorf("inputs conflict on subtree %q", conflict)
			}
			outputs, err := readOutputs(eval, expr, env, "outs")
			if err != nil {
				return nil, err
			}
			outputDirs, err := readOutputs(eval, expr, env, "out_dirs")
			if err != nil {
				return nil, err
			}
			if len(outputs) == 0 && len(outputDirs) == 0 {
				return nil, fmt.Errorf("either outs or out_dirs must be specified for ACTION")
			}
			dirSet := map[string]struct{}{}
			for _, d := range outputDirs {
				dirSet[d] = struct{}{}
			}
			for _, o := range outputs {
				if _, dup := dirSet[o]; dup {
					return nil, fmt.Errorf("outs and out_dirs for ACTION must be disjoint")
				}
			}
			cmdExpr, err := eval(expr.Get("cmd", expression.EmptyList), env)
			if err != nil {
				return nil, err
			}
			cmd, err := basemaps.StringList(cmdExpr, "cmd")
			if err != nil {
				return nil, err
			}
			if len(cmd) == 0 {
				return nil, fmt.Errorf("cmd must not be an empty list")
			}
			envExpr, err := eval(expr.Get("env", expression.EmptyMap), env)
			if err != nil {
				return nil, err
			}
			if !envExpr.IsMap() {
				return nil, fmt.Errorf("env has to be a map of strings, but found %s", envExpr.Describe())
			}
			for _, k := range envExpr.Keys() {
				v, _ := envExpr.Find(k)
				if !v.IsString() {
					return nil, fmt.Errorf("env has to be a map of strings, but found %s for %s", v.Describe(), k)
				}
			}
			mayFailLabels, err := taintList(expr, "may_fail")
			if err != nil {
				return nil, err
			}
			var mayFail *string
			if len(mayFailLabels) > 0 {
				msgExpr, err := eval(expr.Get("fail_message", expression.String("action failed")), env)
				if err != nil {
					return nil, err
				}
				msg, err := msgExpr.AsString()
				if err != nil {
					return nil, fmt.Errorf("fail_message has to evaluate to a string, but got %s", msgExpr.Describe())
				}
				mayFail = &msg
			}
			noCacheLabels, err := taintList(expr, "no_cache")
			if err != nil {
				return nil, err
			}
			action := analysed.NewAction(outputs, outputDirs, cmd, envExpr, mayFail, len(noCacheLabels) > 0, inputs)
			actionID := action.ID()
			collectors.actions = append(collectors.actions, action)
			staged := make(map[string]expression.Pointer, len(outputs)+len(outputDirs))
			for _, out := range outputs {
				staged[out] = expression.FromArtifact(expression.ActionArtifact(actionID, out))
			}
			for _, out := range outputDirs {
				staged[out] = expression.FromArtifact(expression.ActionArtifact(actionID, out))
			}
			return expression.Map(staged), nil
		},
		"BLOB": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			dataExpr, err := eval(expr.Get("data", expression.String("")), env)
			if err != nil {
				return nil, err
			}
			data, err := dataExpr.AsString()
			if err != nil {
				return nil, fmt.Errorf("BLOB data has to be a string, but got %s", dataExpr.Describe())
			}
			collectors.blobs = append(collectors.blobs, data)
			artifact := expression.KnownArtifact(hasher.RunString(data).Hex(), int64(len(data)), expression.ObjectFile)
			return expression.FromArtifact(artifact), nil
		},
		"TREE": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			stage, err := eval(expr.Get("$1", expression.EmptyMap), env)
			if err != nil {
				return nil, err
			}
			if err := artifactStage(stage, "TREE argument"); err != nil {
				return nil, err
			}
			artifacts := make(map[string]expression.ArtifactDescription, stage.Len())
			for _, p := range stage.Keys() {
				entry, _ := stage.Find(p)
				artifact, _ := entry.AsArtifact()
				normPath := path.Clean(p)
				if normPath == "." || normPath == "" {
					if stage.Len() > 1 {
						return nil, fmt.Errorf("input path '.' or '' for TREE is only allowed for trees with a single input artifact")
					}
					if !artifact.IsTree() {
						return nil, fmt.Errorf("input path '.' or '' for TREE must be a tree artifact")
					}
					return entry, nil
				}
				artifacts[normPath] = artifact
			}
			if conflict, found := treeConflict(stage); found {
				return nil, fmt.Errorf("TREE conflicts on subtree %q", conflict)
			}
			tree := analysed.NewTree(artifacts)
			treeID := tree.ID()
			collectors.trees = append(collectors.trees, tree)
			return expression.FromArtifact(expression.TreeArtifact(treeID)), nil
		},
		"VALUE_NODE": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			value, err := eval(expr.Get("$1", expression.None()), env)
			if err != nil {
				return nil, err
			}
			if !value.IsResult() {
				return nil, fmt.Errorf("argument '$1' for VALUE_NODE is not a RESULT type")
			}
			return expression.FromNode(expression.ValueNode(value)), nil
		},
		"ABSTRACT_NODE": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			typeExpr, err := eval(expr.Get("node_type", expression.None()), env)
			if err != nil {
				return nil, err
			}
			nodeType, err := typeExpr.AsString()
			if err != nil {
				return nil, fmt.Errorf("argument 'node_type' for ABSTRACT_NODE is not a string")
			}
			stringFields, err := eval(expr.Get("string_fields", expression.EmptyMap), env)
			if err != nil {
				return nil, err
			}
			if !stringFields.IsMap() {
				return nil, fmt.Errorf("argument 'string_fields' for ABSTRACT_NODE is not a map")
			}
			targetFields, err := eval(expr.Get("target_fields", expression.EmptyMap), env)
			if err != nil {
				return nil, err
			}
			if !targetFields.IsMap() {
				return nil, fmt.Errorf("argument 'target_fields' for ABSTRACT_NODE is not a map")
			}
			for _, fieldName := range stringFields.Keys() {
				if _, dup := targetFields.Find(fieldName); dup {
					return nil, fmt.Errorf("string_fields and target_fields are not disjoint maps, found duplicate key: %q", fieldName)
				}
				list, _ := stringFields.Find(fieldName)
				if _, err := basemaps.StringList(list, fmt.Sprintf("string_fields entry %q", fieldName)); err != nil {
					return nil, err
				}
			}
			for _, fieldName := range targetFields.Keys() {
				list, _ := targetFields.Find(fieldName)
				entries, err := list.AsList()
				if err != nil {
					return nil, fmt.Errorf("value for key %q in argument 'target_fields' for ABSTRACT_NODE is not a list", fieldName)
				}
				for _, entry := range entries {
					if !entry.IsNode() {
						return nil, fmt.Errorf("list entry for %q in argument 'target_fields' for ABSTRACT_NODE is not a target node: %s", fieldName, entry.Describe())
					}
				}
			}
			return expression.FromNode(expression.AbstractTargetNode(nodeType, stringFields, targetFields)), nil
		},
		"RESULT": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			artifacts, err := eval(expr.Get("artifacts", expression.EmptyMap), env)
			if err != nil {
				return nil, err
			}
			runfiles, err := eval(expr.Get("runfiles", expression.EmptyMap), env)
			if err != nil {
				return nil, err
			}
			provides, err := eval(expr.Get("provides", expression.EmptyMap), env)
			if err != nil {
				return nil, err
			}
			if err := artifactStage(artifacts, "artifacts"); err != nil {
				return nil, err
			}
			if err := artifactStage(runfiles, "runfiles"); err != nil {
				return nil, err
			}
			if !provides.IsMap() {
				return nil, fmt.Errorf("provides has to be a map, but found %s", provides.Describe())
			}
			return expression.FromResult(expression.NewTargetResult(artifacts, provides, runfiles)), nil
		},
		"CALL_EXPRESSION": func(eval expression.Eval, expr expression.Pointer, env expression.Configuration) (expression.Pointer, error) {
			name, ok := expr.Find("name")
			if !ok {
				return nil, fmt.Errorf("missing argument 'name' for CALL_EXPRESSION")
			}
			local, err := name.AsString()
			if err != nil {
				return nil, err
			}
			imported, ok := rule.Imports[local]
			if !ok {
				return nil, fmt.Errorf("unknown imported expression %q", local)
			}
			result, err := eval(imported, env)
			if err != nil {
				return nil, fmt.Errorf("while evaluating imported expression %q:\n%w", local, err)
			}
			return result, nil
		},
	}
}
