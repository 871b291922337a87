package compiler

import (
	"fmt"

	language "github.com/hanpama/plangraph/internal/language"
	schema "github.com/hanpama/plangraph/internal/schema"
)

// collectedField groups the selections sharing one response key, together
// with the incremental-delivery scopes active where they were selected.
// FieldGroups tracks per-constituent scopes so a child selected only inside a
// deferred branch keeps that branch's groups rather than the merged union.
type collectedField struct {
	ResponseKey string
	Fields      []*language.Field
	FieldGroups [][]int
	GroupIDs    []int
}

// collectedFieldMap preserves field order from the original query.
type collectedFieldMap struct {
	fields []collectedField
	index  map[string]int
}

func newCollectedFieldMap() *collectedFieldMap {
	return &collectedFieldMap{index: make(map[string]int)}
}

func (cfm *collectedFieldMap) add(responseKey string, field *language.Field, groupIDs []int) {
	if idx, exists := cfm.index[responseKey]; exists {
		cf := &cfm.fields[idx]
		cf.Fields = append(cf.Fields, field)
		cf.FieldGroups = append(cf.FieldGroups, append([]int(nil), groupIDs...))
		cf.GroupIDs = unionGroups(cf.GroupIDs, groupIDs)
	} else {
		cfm.index[responseKey] = len(cfm.fields)
		cfm.fields = append(cfm.fields, collectedField{
			ResponseKey: responseKey,
			Fields:      []*language.Field{field},
			FieldGroups: [][]int{append([]int(nil), groupIDs...)},
			GroupIDs:    append([]int(nil), groupIDs...),
		})
	}
}

func unionGroups(a, b []int) []int {
	out := append([]int(nil), a...)
	for _, id := range b {
		found := false
		for _, have := range out {
			if have == id {
				found = true
				break
			}
		}
		if !found {
			out = append(out, id)
		}
	}
	return out
}

// collectFields flattens a selection set for one concrete object type,
// resolving fragments, @skip/@include, and opening a fresh group id for each
// deferred fragment boundary.
func (op *Operation) collectFields(objectType *schema.Type, selectionSet language.SelectionSet, groupIDs []int) ([]collectedField, error) {
	grouped := newCollectedFieldMap()
	visited := make(map[string]bool)
	if err := op.collectFieldsInto(objectType, selectionSet, groupIDs, grouped, visited); err != nil {
		return nil, err
	}
	return grouped.fields, nil
}

func (op *Operation) collectFieldsInto(
	objectType *schema.Type,
	selectionSet language.SelectionSet,
	groupIDs []int,
	grouped *collectedFieldMap,
	visitedFragments map[string]bool,
) error {
	for _, selection := range selectionSet {
		switch sel := selection.(type) {
		case *language.Field:
			include, err := op.shouldIncludeNode(sel.Directives)
			if err != nil {
				return err
			}
			if !include {
				continue
			}
			responseKey := sel.Alias
			if responseKey == "" {
				responseKey = sel.Name
			}
			grouped.add(responseKey, sel, groupIDs)

		case *language.InlineFragment:
			include, err := op.shouldIncludeNode(sel.Directives)
			if err != nil {
				return err
			}
			if !include {
				continue
			}
			if sel.TypeCondition != "" && !op.schema.ObjectImplements(objectType.Name, sel.TypeCondition) {
				continue
			}
			childGroups, err := op.groupsForBoundary(sel.Directives, groupIDs)
			if err != nil {
				return err
			}
			if err := op.collectFieldsInto(objectType, sel.SelectionSet, childGroups, grouped, visitedFragments); err != nil {
				return err
			}

		case *language.FragmentSpread:
			include, err := op.shouldIncludeNode(sel.Directives)
			if err != nil {
				return err
			}
			if !include {
				continue
			}
			if visitedFragments[sel.Name] {
				continue
			}
			visitedFragments[sel.Name] = true

			fragment := language.GetFragment(op.document, sel.Name)
			if fragment == nil {
				return fmt.Errorf("fragment %q is not defined", sel.Name)
			}
			if fragment.TypeCondition != "" && !op.schema.ObjectImplements(objectType.Name, fragment.TypeCondition) {
				continue
			}
			include, err = op.shouldIncludeNode(fragment.Directives)
			if err != nil {
				return err
			}
			if !include {
				continue
			}
			childGroups, err := op.groupsForBoundary(sel.Directives, groupIDs)
			if err != nil {
				return err
			}
			if err := op.collectFieldsInto(objectType, fragment.SelectionSet, childGroups, grouped, visitedFragments); err != nil {
				return err
			}
		}
	}
	return nil
}

// groupsForBoundary opens a new incremental-delivery scope when the fragment
// carries an active @defer; otherwise the enclosing scopes stay active.
func (op *Operation) groupsForBoundary(directives language.DirectiveList, groupIDs []int) ([]int, error) {
	d := directives.ForName("defer")
	if d == nil || !op.incrementalEnabled {
		return groupIDs, nil
	}
	ifVal, err := op.directiveArgument(d, "if")
	if err != nil {
		return nil, err
	}
	if b, ok := ifVal.(bool); ok && !b {
		return groupIDs, nil
	}
	return []int{op.newGroupID()}, nil
}

// shouldIncludeNode evaluates @skip and @include through the variable-aware
// argument mechanism.
func (op *Operation) shouldIncludeNode(directives language.DirectiveList) (bool, error) {
	if skip := directives.ForName("skip"); skip != nil {
		v, err := op.directiveArgument(skip, "if")
		if err != nil {
			return false, err
		}
		if b, ok := v.(bool); ok && b {
			return false, nil
		}
	}
	if include := directives.ForName("include"); include != nil {
		v, err := op.directiveArgument(include, "if")
		if err != nil {
			return false, err
		}
		if b, ok := v.(bool); ok && !b {
			return false, nil
		}
	}
	return true, nil
}

// directiveArgument reads one directive argument, resolving variables the
// same way tracked field arguments are resolved.
func (op *Operation) directiveArgument(directive *language.Directive, argName string) (any, error) {
	for _, arg := range directive.Arguments {
		if arg.Name == argName {
			return valueFromAST(arg.Value, op.variables)
		}
	}
	return nil, nil
}

// collectChildFields collects the merged sub-selection of one collected
// field against a concrete type. Each constituent selection contributes its
// own branch's groups, except under an active @stream where the fresh stream
// group replaces them all.
func (op *Operation) collectChildFields(
	objectType *schema.Type,
	cf collectedField,
	streamGroups []int,
	streamed bool,
) ([]collectedField, error) {
	grouped := newCollectedFieldMap()
	visited := make(map[string]bool)
	for i, f := range cf.Fields {
		groups := cf.FieldGroups[i]
		if streamed {
			groups = streamGroups
		}
		if err := op.collectFieldsInto(objectType, f.SelectionSet, groups, grouped, visited); err != nil {
			return nil, err
		}
	}
	return grouped.fields, nil
}

func hasSubSelection(fields []*language.Field) bool {
	for _, f := range fields {
		if len(f.SelectionSet) > 0 {
			return true
		}
	}
	return false
}
