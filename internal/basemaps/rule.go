package basemaps

import (
	"fmt"
	"sort"

	"github.com/qiao-bo/justbuild/internal/asyncmap"
	"github.com/qiao-bo/justbuild/internal/expression"
)

// reservedRuleKeywords are target-descriptor fields with fixed meaning;
// rules must not declare fields with these names.
var reservedRuleKeywords = map[string]struct{}{
	"type":             {},
	"arguments_config": {},
	"tainted":          {},
}

// ruleDescriptionKeys are the members a rule definition may carry.
var ruleDescriptionKeys = map[string]struct{}{
	"config_fields":      {},
	"string_fields":      {},
	"target_fields":      {},
	"implicit":           {},
	"anonymous":          {},
	"config_vars":        {},
	"config_transitions": {},
	"tainted":            {},
	"imports":            {},
	"expression":         {},
}

// AnonymousDefinition describes how a rule derives anonymous targets: from
// which target field, under which provider key, and with which rule map.
type AnonymousDefinition struct {
	Target   string
	Provider string
	RuleMap  expression.Pointer // map node-type -> entity-name expression
}

// UserRule is a fully loaded rule definition with resolved imports.
type UserRule struct {
	Name expression.EntityName

	ConfigFields []string
	StringFields []string
	TargetFields []string

	ImplicitTargets map[string][]expression.EntityName
	AnonymousDefs   map[string]AnonymousDefinition

	ConfigVars        []string
	ConfigTransitions map[string]expression.Pointer
	Tainted           []string // sorted
	Imports           map[string]expression.Pointer
	Expr              expression.Pointer
}

// ExpectedFields lists the target-descriptor fields a target of this rule
// may set.
func (r *UserRule) ExpectedFields() map[string]struct{} {
	expected := make(map[string]struct{}, len(r.ConfigFields)+len(r.StringFields)+len(r.TargetFields)+len(reservedRuleKeywords))
	for _, f := range r.ConfigFields {
		expected[f] = struct{}{}
	}
	for _, f := range r.StringFields {
		expected[f] = struct{}{}
	}
	for _, f := range r.TargetFields {
		expected[f] = struct{}{}
	}
	for k := range reservedRuleKeywords {
		expected[k] = struct{}{}
	}
	return expected
}

// IsTainted reports whether the rule carries the given taint label.
func (r *UserRule) IsTainted(label string) bool {
	for _, have := range r.Tainted {
		if have == label {
			return true
		}
	}
	return false
}

// UserRuleMap loads user rules by entity name.
type UserRuleMap = asyncmap.Map[expression.EntityName, *UserRule]

// ExpressionMap resolves named expressions from expression files.
type ExpressionMap = asyncmap.Map[expression.EntityName, expression.Pointer]

func entityID(n expression.EntityName) string { return n.ID() }

// NewExpressionMap creates the map resolving expression-file entries.
func NewExpressionMap(exprFiles *JSONFileMap) *ExpressionMap {
	reader := func(ts *asyncmap.TaskSystem, key expression.EntityName, setter asyncmap.Setter[expression.Pointer], logger asyncmap.Logger, _ asyncmap.SubCaller[expression.EntityName, expression.Pointer]) {
		module := ModuleName{Repository: key.Repository, Module: key.Module}
		exprFiles.ConsumeAfterKeysReady(ts, []ModuleName{module},
			func(values []expression.Pointer) {
				ast, ok := values[0].Find(key.Name)
				if !ok {
					logger(fmt.Sprintf("expression %s not found in expression file of module %s", key.String(), module.String()), true)
					return
				}
				setter(ast)
			},
			func(msg string, fatal bool) {
				logger(fmt.Sprintf("while loading expression file for %s:\n%s", key.String(), msg), fatal)
			})
	}
	return asyncmap.New(entityID, reader)
}

// parsedRule holds the statically parsed parts of a rule definition before
// imports are resolved.
type parsedRule struct {
	rule        *UserRule
	importNames []string                // local names, sorted
	importRefs  []expression.EntityName // parallel to importNames
	exprRef     *expression.EntityName  // set if "expression" is a name
}

func parseRuleDescription(desc expression.Pointer, name expression.EntityName) (*parsedRule, error) {
	if !desc.IsMap() {
		return nil, fmt.Errorf("rule definition has to be a map, but found %s", desc.Describe())
	}
	for _, key := range desc.Keys() {
		if _, ok := ruleDescriptionKeys[key]; !ok {
			return nil, fmt.Errorf("unknown key %q in definition of rule %s", key, name.String())
		}
	}

	rule := &UserRule{Name: name}
	var err error
	if rule.ConfigFields, err = StringList(desc.Get("config_fields", expression.EmptyList), "config_fields"); err != nil {
		return nil, err
	}
	if rule.StringFields, err = StringList(desc.Get("string_fields", expression.EmptyList), "string_fields"); err != nil {
		return nil, err
	}
	if rule.TargetFields, err = StringList(desc.Get("target_fields", expression.EmptyList), "target_fields"); err != nil {
		return nil, err
	}
	if rule.ConfigVars, err = StringList(desc.Get("config_vars", expression.EmptyList), "config_vars"); err != nil {
		return nil, err
	}
	if rule.Tainted, err = StringList(desc.Get("tainted", expression.EmptyList), "tainted"); err != nil {
		return nil, err
	}
	rule.Tainted = append([]string(nil), rule.Tainted...)
	sort.Strings(rule.Tainted)

	// Field names must be pairwise disjoint and avoid the reserved
	// keywords.
	seen := map[string]string{}
	for kind, fields := range map[string][]string{
		"config_fields": rule.ConfigFields,
		"string_fields": rule.StringFields,
		"target_fields": rule.TargetFields,
	} {
		for _, f := range fields {
			if _, reserved := reservedRuleKeywords[f]; reserved {
				return nil, fmt.Errorf("reserved keyword %q cannot be used in %s of rule %s", f, kind, name.String())
			}
			if prev, dup := seen[f]; dup {
				return nil, fmt.Errorf("field %q declared in both %s and %s of rule %s", f, prev, kind, name.String())
			}
			seen[f] = kind
		}
	}

	// Implicit targets: fixed dependencies the rule brings along.
	rule.ImplicitTargets = map[string][]expression.EntityName{}
	implicit := desc.Get("implicit", expression.EmptyMap)
	if !implicit.IsMap() {
		return nil, fmt.Errorf("implicit has to be a map, but found %s", implicit.Describe())
	}
	for _, fieldName := range implicit.Keys() {
		if _, dup := seen[fieldName]; dup {
			return nil, fmt.Errorf("implicit field %q collides with a declared field of rule %s", fieldName, name.String())
		}
		value, _ := implicit.Find(fieldName)
		refs, err := value.AsList()
		if err != nil {
			return nil, fmt.Errorf("implicit entry %q has to be a list of target names: %w", fieldName, err)
		}
		parsed := make([]expression.EntityName, 0, len(refs))
		for _, ref := range refs {
			target, err := ParseEntityName(ref, name)
			if err != nil {
				return nil, fmt.Errorf("parsing implicit target in %q of rule %s: %w", fieldName, name.String(), err)
			}
			parsed = append(parsed, target)
		}
		rule.ImplicitTargets[fieldName] = parsed
		seen[fieldName] = "implicit"
	}

	// Anonymous definitions.
	rule.AnonymousDefs = map[string]AnonymousDefinition{}
	anonymous := desc.Get("anonymous", expression.EmptyMap)
	if !anonymous.IsMap() {
		return nil, fmt.Errorf("anonymous has to be a map, but found %s", anonymous.Describe())
	}
	for _, anonName := range anonymous.Keys() {
		if _, dup := seen[anonName]; dup {
			return nil, fmt.Errorf("anonymous field %q collides with a declared field of rule %s", anonName, name.String())
		}
		value, _ := anonymous.Find(anonName)
		targetExpr, err := value.Index("target")
		if err != nil {
			return nil, fmt.Errorf("anonymous entry %q of rule %s: %w", anonName, name.String(), err)
		}
		target, err := targetExpr.AsString()
		if err != nil {
			return nil, err
		}
		if kind, ok := seen[target]; !ok || (kind != "target_fields" && kind != "implicit") {
			return nil, fmt.Errorf("anonymous entry %q of rule %s references %q, which is not a target field", anonName, name.String(), target)
		}
		providerExpr, err := value.Index("provider")
		if err != nil {
			return nil, fmt.Errorf("anonymous entry %q of rule %s: %w", anonName, name.String(), err)
		}
		provider, err := providerExpr.AsString()
		if err != nil {
			return nil, err
		}
		ruleMapExpr, err := value.Index("rule_map")
		if err != nil {
			return nil, fmt.Errorf("anonymous entry %q of rule %s: %w", anonName, name.String(), err)
		}
		if !ruleMapExpr.IsMap() {
			return nil, fmt.Errorf("rule_map of anonymous entry %q has to be a map, but found %s", anonName, ruleMapExpr.Describe())
		}
		resolved := make(map[string]expression.Pointer, ruleMapExpr.Len())
		for _, nodeType := range ruleMapExpr.Keys() {
			ref, _ := ruleMapExpr.Find(nodeType)
			ruleName, err := ParseEntityName(ref, name)
			if err != nil {
				return nil, fmt.Errorf("parsing rule_map entry %q of anonymous entry %q: %w", nodeType, anonName, err)
			}
			resolved[nodeType] = expression.FromName(ruleName)
		}
		rule.AnonymousDefs[anonName] = AnonymousDefinition{
			Target:   target,
			Provider: provider,
			RuleMap:  expression.Map(resolved),
		}
		seen[anonName] = "anonymous"
	}

	// Config transitions default to the identity transition [{}].
	identity := expression.List([]expression.Pointer{expression.EmptyMap})
	rule.ConfigTransitions = map[string]expression.Pointer{}
	transitions := desc.Get("config_transitions", expression.EmptyMap)
	if !transitions.IsMap() {
		return nil, fmt.Errorf("config_transitions has to be a map, but found %s", transitions.Describe())
	}
	for _, fieldName := range transitions.Keys() {
		kind, ok := seen[fieldName]
		if !ok || kind == "config_fields" || kind == "string_fields" {
			return nil, fmt.Errorf("config transition declared for %q, which is not a target field of rule %s", fieldName, name.String())
		}
		value, _ := transitions.Find(fieldName)
		rule.ConfigTransitions[fieldName] = value
	}
	for _, fieldName := range rule.TargetFields {
		if _, ok := rule.ConfigTransitions[fieldName]; !ok {
			rule.ConfigTransitions[fieldName] = identity
		}
	}
	for fieldName := range rule.ImplicitTargets {
		if _, ok := rule.ConfigTransitions[fieldName]; !ok {
			rule.ConfigTransitions[fieldName] = identity
		}
	}
	for fieldName := range rule.AnonymousDefs {
		if _, ok := rule.ConfigTransitions[fieldName]; !ok {
			rule.ConfigTransitions[fieldName] = identity
		}
	}

	// Imports bind local names to expression-file entries.
	parsed := &parsedRule{rule: rule}
	imports := desc.Get("imports", expression.EmptyMap)
	if !imports.IsMap() {
		return nil, fmt.Errorf("imports has to be a map, but found %s", imports.Describe())
	}
	for _, local := range imports.Keys() {
		ref, _ := imports.Find(local)
		imported, err := ParseEntityName(ref, name)
		if err != nil {
			return nil, fmt.Errorf("parsing import %q of rule %s: %w", local, name.String(), err)
		}
		parsed.importNames = append(parsed.importNames, local)
		parsed.importRefs = append(parsed.importRefs, imported)
	}

	exprField, ok := desc.Find("expression")
	if !ok {
		return nil, fmt.Errorf("rule %s does not define an expression", name.String())
	}
	if exprField.IsMap() {
		rule.Expr = exprField
	} else {
		exprName, err := ParseEntityName(exprField, name)
		if err != nil {
			return nil, fmt.Errorf("parsing expression reference of rule %s: %w", name.String(), err)
		}
		parsed.exprRef = &exprName
	}
	return parsed, nil
}

// NewUserRuleMap creates the map loading user rules, resolving their
// defining expressions and imports through the expression map.
func NewUserRuleMap(ruleFiles *JSONFileMap, expressions *ExpressionMap) *UserRuleMap {
	reader := func(ts *asyncmap.TaskSystem, key expression.EntityName, setter asyncmap.Setter[*UserRule], logger asyncmap.Logger, _ asyncmap.SubCaller[expression.EntityName, *UserRule]) {
		module := ModuleName{Repository: key.Repository, Module: key.Module}
		ruleFiles.ConsumeAfterKeysReady(ts, []ModuleName{module},
			func(values []expression.Pointer) {
				desc, ok := values[0].Find(key.Name)
				if !ok {
					logger(fmt.Sprintf("rule %s not found in rules file of module %s", key.String(), module.String()), true)
					return
				}
				parsed, err := parseRuleDescription(desc, key)
				if err != nil {
					logger(err.Error(), true)
					return
				}
				wanted := append([]expression.EntityName(nil), parsed.importRefs...)
				if parsed.exprRef != nil {
					wanted = append(wanted, *parsed.exprRef)
				}
				if len(wanted) == 0 {
					parsed.rule.Imports = map[string]expression.Pointer{}
					setter(parsed.rule)
					return
				}
				expressions.ConsumeAfterKeysReady(ts, wanted,
					func(resolved []expression.Pointer) {
						imports := make(map[string]expression.Pointer, len(parsed.importNames))
						for i, local := range parsed.importNames {
							imports[local] = resolved[i]
						}
						parsed.rule.Imports = imports
						if parsed.exprRef != nil {
							parsed.rule.Expr = resolved[len(resolved)-1]
						}
						setter(parsed.rule)
					},
					func(msg string, fatal bool) {
						logger(fmt.Sprintf("while resolving imports of rule %s:\n%s", key.String(), msg), fatal)
					})
			},
			func(msg string, fatal bool) {
				logger(fmt.Sprintf("while loading rules file for %s:\n%s", key.String(), msg), fatal)
			})
	}
	return asyncmap.New(entityID, reader)
}
