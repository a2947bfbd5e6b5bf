package basemaps

import (
	"fmt"
	"strings"

	"github.com/qiao-bo/justbuild/internal/expression"
)

// ParseEntityName parses a target reference relative to the current entity.
// Accepted forms:
//
//	"name" / ":name"            target in the current module
//	[module, name]              target in a module of the current repository
//	["./", rel-module, name]    module relative to the current module
//	["@", repo, module, name]   fully qualified target
//	["FILE", null, name]        explicit file reference in the current module
//	["TREE", null, name]        tree reference in the current module
func ParseEntityName(expr expression.Pointer, current expression.EntityName) (expression.EntityName, error) {
	if expr == nil {
		return expression.EntityName{}, fmt.Errorf("invalid target name")
	}
	if expr.IsName() {
		return expr.AsName()
	}
	if expr.IsString() {
		name, _ := expr.AsString()
		name = strings.TrimPrefix(name, ":")
		if name == "" {
			return expression.EntityName{}, fmt.Errorf("empty target name")
		}
		return expression.NamedEntity(current.Repository, current.Module, name, expression.RefTarget), nil
	}
	elems, err := expr.AsList()
	if err != nil {
		return expression.EntityName{}, fmt.Errorf("target name has to be a string or list, but found %s", expr.Describe())
	}
	if len(elems) < 2 {
		return expression.EntityName{}, fmt.Errorf("target name list %s is too short", expr.String())
	}
	head, err := elems[0].AsString()
	if err != nil && !elems[0].IsNone() {
		return expression.EntityName{}, fmt.Errorf("invalid first entry in target name %s", expr.String())
	}
	switch head {
	case "./":
		if len(elems) != 3 {
			return expression.EntityName{}, fmt.Errorf("relative target name %s must have three entries", expr.String())
		}
		rel, err := elems[1].AsString()
		if err != nil {
			return expression.EntityName{}, err
		}
		name, err := elems[2].AsString()
		if err != nil {
			return expression.EntityName{}, err
		}
		module, err := JoinModule(current.Module, rel)
		if err != nil {
			return expression.EntityName{}, err
		}
		return expression.NamedEntity(current.Repository, module, name, expression.RefTarget), nil
	case "@":
		if len(elems) != 4 {
			return expression.EntityName{}, fmt.Errorf("absolute target name %s must have four entries", expr.String())
		}
		repoName, err := elems[1].AsString()
		if err != nil {
			return expression.EntityName{}, err
		}
		module, err := elems[2].AsString()
		if err != nil {
			return expression.EntityName{}, err
		}
		name, err := elems[3].AsString()
		if err != nil {
			return expression.EntityName{}, err
		}
		module, err = NormalizeModule(module)
		if err != nil {
			return expression.EntityName{}, err
		}
		return expression.NamedEntity(repoName, module, name, expression.RefTarget), nil
	case "FILE", "TREE":
		if len(elems) != 3 || !elems[1].IsNone() {
			return expression.EntityName{}, fmt.Errorf("%s reference %s must be [%q, null, name]", head, expr.String(), head)
		}
		name, err := elems[2].AsString()
		if err != nil {
			return expression.EntityName{}, err
		}
		ref := expression.RefFile
		if head == "TREE" {
			ref = expression.RefTree
		}
		return expression.NamedEntity(current.Repository, current.Module, name, ref), nil
	}
	if len(elems) != 2 {
		return expression.EntityName{}, fmt.Errorf("target name %s must have two entries", expr.String())
	}
	module, err := elems[0].AsString()
	if err != nil {
		return expression.EntityName{}, err
	}
	name, err := elems[1].AsString()
	if err != nil {
		return expression.EntityName{}, err
	}
	module, err = NormalizeModule(module)
	if err != nil {
		return expression.EntityName{}, err
	}
	return expression.NamedEntity(current.Repository, module, name, expression.RefTarget), nil
}
