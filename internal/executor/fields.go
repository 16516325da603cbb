package executor

import (
	"github.com/vektah/gqlparser/v2/ast"
)

// collectedField groups the field nodes that share a response name, in the
// order the name first appeared.
type collectedField struct {
	responseName string
	fields       []*ast.Field
}

type collectedFields struct {
	list  []collectedField
	index map[string]int
}

func (c *collectedFields) add(responseName string, f *ast.Field) {
	if i, ok := c.index[responseName]; ok {
		c.list[i].fields = append(c.list[i].fields, f)
		return
	}
	c.index[responseName] = len(c.list)
	c.list = append(c.list, collectedField{responseName: responseName, fields: []*ast.Field{f}})
}

func collectFields(s *executionState, objectType *ast.Definition, set ast.SelectionSet) []collectedField {
	c := &collectedFields{index: make(map[string]int)}
	collectFieldsImpl(s, objectType, set, c, make(map[string]bool))
	return c.list
}

func collectFieldsImpl(s *executionState, objectType *ast.Definition, set ast.SelectionSet, c *collectedFields, visited map[string]bool) {
	for _, selection := range set {
		switch sel := selection.(type) {
		case *ast.Field:
			if !shouldInclude(s, sel.Directives) {
				continue
			}
			name := sel.Alias
			if name == "" {
				name = sel.Name
			}
			c.add(name, sel)

		case *ast.InlineFragment:
			if !shouldInclude(s, sel.Directives) {
				continue
			}
			if sel.TypeCondition != "" && !fragmentApplies(s.schema, objectType, sel.TypeCondition) {
				continue
			}
			collectFieldsImpl(s, objectType, sel.SelectionSet, c, visited)

		case *ast.FragmentSpread:
			if !shouldInclude(s, sel.Directives) || visited[sel.Name] {
				continue
			}
			visited[sel.Name] = true
			frag := sel.Definition
			if frag == nil {
				frag = s.doc.Fragments.ForName(sel.Name)
			}
			if frag == nil || !fragmentApplies(s.schema, objectType, frag.TypeCondition) {
				continue
			}
			collectFieldsImpl(s, objectType, frag.SelectionSet, c, visited)
		}
	}
}

// shouldInclude evaluates @skip and @include.
func shouldInclude(s *executionState, directives ast.DirectiveList) bool {
	if d := directives.ForName("skip"); d != nil {
		if skip, _ := d.ArgumentMap(s.vars)["if"].(bool); skip {
			return false
		}
	}
	if d := directives.ForName("include"); d != nil {
		if include, _ := d.ArgumentMap(s.vars)["if"].(bool); !include {
			return false
		}
	}
	return true
}

func fragmentApplies(schema *ast.Schema, objectType *ast.Definition, typeCondition string) bool {
	if typeCondition == objectType.Name {
		return true
	}
	cond := schema.Types[typeCondition]
	if cond == nil || !cond.IsAbstractType() {
		return false
	}
	return isPossibleType(schema, cond, objectType)
}

func isPossibleType(schema *ast.Schema, abstract, object *ast.Definition) bool {
	for _, t := range schema.GetPossibleTypes(abstract) {
		if t.Name == object.Name {
			return true
		}
	}
	return false
}
