package compiler

import (
	"fmt"
	"strconv"
	"strings"

	language "github.com/hanpama/plangraph/internal/language"
	schema "github.com/hanpama/plangraph/internal/schema"
)

// coerceVariableValues coerces the request's variable values against the
// operation's variable definitions. Any failure rejects the operation before
// planning begins.
func coerceVariableValues(
	sch *schema.Schema,
	operation *language.OperationDefinition,
	variableValues map[string]any,
) (map[string]any, error) {
	if variableValues == nil {
		variableValues = make(map[string]any)
	}
	coerced := make(map[string]any)
	for _, varDef := range operation.VariableDefinitions {
		name := varDef.Variable
		t := varDef.Type
		val, ok := variableValues[name]
		if !ok {
			if v2, ok2 := variableValues[strings.TrimPrefix(name, "$")]; ok2 {
				val = v2
				ok = true
			}
		}
		if !ok {
			if varDef.DefaultValue != nil {
				var derr error
				val, derr = astValueToGo(varDef.DefaultValue)
				if derr != nil {
					return nil, fmt.Errorf("variable $%s default value: %v", name, derr)
				}
			} else if t.NonNull {
				return nil, fmt.Errorf("variable $%s of required type %s was not provided", name, t.String())
			} else {
				continue
			}
		}
		if val == nil && t.NonNull {
			return nil, fmt.Errorf("variable $%s of type %s cannot be null", name, t.String())
		}
		cv, err := coerceValue(val, typeRefFromAST(t))
		if err != nil {
			return nil, fmt.Errorf("variable $%s of type %s cannot be coerced: %v", name, t.String(), err)
		}
		coerced[name] = cv
	}
	return coerced, nil
}

// coerceArgumentValues coerces one field's arguments. The resulting map is
// what the field's plan resolver observes as tracked arguments.
func coerceArgumentValues(
	fieldDef *schema.Field,
	arguments language.ArgumentList,
	variableValues map[string]any,
) (map[string]any, error) {
	coerced := make(map[string]any)
	for _, arg := range arguments {
		var argDef *schema.InputValue
		for _, a := range fieldDef.Arguments {
			if a.Name == arg.Name {
				argDef = a
				break
			}
		}
		if argDef == nil {
			continue
		}
		val, err := valueFromAST(arg.Value, variableValues)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %v", arg.Name, err)
		}
		cv, err := coerceValue(val, argDef.Type)
		if err != nil {
			return nil, fmt.Errorf("argument %q cannot be coerced: %v", arg.Name, err)
		}
		coerced[arg.Name] = cv
	}
	for _, argDef := range fieldDef.Arguments {
		name := argDef.Name
		if _, ok := coerced[name]; !ok {
			if argDef.DefaultValue != nil {
				coerced[name] = argDef.DefaultValue
			} else if schema.IsNonNull(argDef.Type) {
				return nil, fmt.Errorf("argument %q of required type was not provided", name)
			}
		}
	}
	return coerced, nil
}

// valueFromAST converts an AST value to a runtime value with variable
// substitution.
func valueFromAST(value *language.Value, variableValues map[string]any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch value.Kind {
	case language.Variable:
		name := value.Raw
		if v, ok := variableValues[name]; ok {
			return v, nil
		}
		if v, ok := variableValues[strings.TrimPrefix(name, "$")]; ok {
			return v, nil
		}
		return nil, nil
	default:
		return astValueToGo(value)
	}
}

// astValueToGo converts an AST value to a Go value.
func astValueToGo(value *language.Value) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch value.Kind {
	case language.IntValue:
		iv, err := strconv.Atoi(value.Raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer literal %q", value.Raw)
		}
		return iv, nil
	case language.FloatValue:
		fv, err := strconv.ParseFloat(value.Raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float literal %q", value.Raw)
		}
		return fv, nil
	case language.StringValue, language.BlockValue:
		return value.Raw, nil
	case language.BooleanValue:
		return value.Raw == "true", nil
	case language.NullValue:
		return nil, nil
	case language.EnumValue:
		return value.Raw, nil
	case language.ListValue:
		out := make([]any, len(value.Children))
		for i, c := range value.Children {
			v, err := astValueToGo(c.Value)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case language.ObjectValue:
		m := make(map[string]any)
		for _, f := range value.Children {
			v, err := astValueToGo(f.Value)
			if err != nil {
				return nil, err
			}
			m[f.Name] = v
		}
		return m, nil
	default:
		return nil, nil
	}
}

func typeRefFromAST(t *language.Type) *schema.TypeRef {
	if t == nil {
		return nil
	}
	if t.NonNull {
		return schema.NonNullType(typeRefFromAST(&language.Type{NamedType: t.NamedType, Elem: t.Elem}))
	}
	if t.NamedType != "" {
		return schema.NamedType(t.NamedType)
	}
	if t.Elem != nil {
		return schema.ListType(typeRefFromAST(t.Elem))
	}
	return nil
}

// coerceValue coerces a value to the given GraphQL type.
func coerceValue(value any, targetType *schema.TypeRef) (any, error) {
	if schema.IsNonNull(targetType) {
		if value == nil {
			return nil, fmt.Errorf("cannot provide null for non-null type")
		}
		return coerceValue(value, schema.Unwrap(targetType))
	}
	if value == nil {
		return nil, nil
	}
	if schema.IsList(targetType) {
		return coerceListValue(value, targetType)
	}
	switch schema.GetNamedType(targetType) {
	case "Int":
		return coerceToInt(value)
	case "Float":
		return coerceToFloat(value)
	case "String":
		return coerceToString(value)
	case "Boolean":
		return coerceToBoolean(value)
	case "ID":
		return coerceToID(value)
	default:
		// Custom scalars, enums, and input objects pass through.
		return value, nil
	}
}

func coerceListValue(value any, listType *schema.TypeRef) (any, error) {
	innerType := schema.Unwrap(listType)
	if slice, ok := value.([]any); ok {
		coerced := make([]any, len(slice))
		for i, item := range slice {
			cv, err := coerceValue(item, innerType)
			if err != nil {
				return nil, err
			}
			coerced[i] = cv
		}
		return coerced, nil
	}
	// Single value becomes a list of one.
	cv, err := coerceValue(value, innerType)
	if err != nil {
		return nil, err
	}
	return []any{cv}, nil
}

func coerceToInt(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case float32:
		return int(v), nil
	case string:
		if iv, err := strconv.Atoi(v); err == nil {
			return iv, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to int", value, value)
}

func coerceToFloat(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		if fv, err := strconv.ParseFloat(v, 64); err == nil {
			return fv, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to float", value, value)
}

func coerceToString(value any) (any, error) {
	if v, ok := value.(string); ok {
		return v, nil
	}
	return fmt.Sprintf("%v", value), nil
}

func coerceToBoolean(value any) (any, error) {
	if v, ok := value.(bool); ok {
		return v, nil
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to boolean", value, value)
}

func coerceToID(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return fmt.Sprintf("%v", value), nil
	}
}
