package schema

// Schema is the typed surface the plan compiler consumes. It carries type
// structure plus the planning hooks attached to types, fields, and arguments;
// how a schema is authored is outside this package's concern.
type Schema struct {
	QueryType        string
	MutationType     string
	SubscriptionType string
	Types            map[string]*Type // All named types keyed by name
	Description      string
}

// GetQueryType returns the root query type (may be nil if absent)
func (s *Schema) GetQueryType() *Type { return s.Types[s.QueryType] }

// GetMutationType returns the root mutation type (may be nil if absent)
func (s *Schema) GetMutationType() *Type { return s.Types[s.MutationType] }

// GetSubscriptionType returns the root subscription type (may be nil if absent)
func (s *Schema) GetSubscriptionType() *Type { return s.Types[s.SubscriptionType] }

// Type is a named GraphQL type (object, interface, union, scalar, enum, input)
type Type struct {
	Name          string
	Kind          TypeKind
	Description   string
	Fields        []*Field // For OBJECT and INTERFACE
	Interfaces    []string // For OBJECT and INTERFACE (implemented/extended)
	PossibleTypes []string // For INTERFACE and UNION

	// ExpectsPlan declares that values of this object type are represented by
	// a plan rather than a raw value: fields returning this type must supply
	// a plan resolver, and fields declared on it receive the type's plan as
	// their parent input.
	ExpectsPlan bool
}

// Field looks up a declared field by name.
func (t *Type) Field(name string) *Field {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Field represents a field on an object or interface
type Field struct {
	Name        string
	Description string
	Type        *TypeRef
	Arguments   []*InputValue

	// Plan produces the field's plan from the parent plan and tracked
	// arguments. Optional: fields without one forward the parent plan
	// un-transformed.
	Plan FieldPlanResolver

	// Resolver is a plain per-object resolver for fields not expressed as
	// plans. Mutually exclusive with the declaring type expecting a plan.
	Resolver FieldResolver

	// Streamable marks the field's list result as deliverable incrementally
	// when the operation requests it.
	Streamable bool

	IsDeprecated      bool
	DeprecationReason string
}

// HasArgument reports whether the field declares the named argument.
func (f *Field) HasArgument(name string) bool {
	for _, a := range f.Arguments {
		if a.Name == name {
			return true
		}
	}
	return false
}

// TypeKind represents the kind of GraphQL type
type TypeKind string

const (
	TypeKindScalar      TypeKind = "SCALAR"
	TypeKindObject      TypeKind = "OBJECT"
	TypeKindInterface   TypeKind = "INTERFACE"
	TypeKindUnion       TypeKind = "UNION"
	TypeKindEnum        TypeKind = "ENUM"
	TypeKindInputObject TypeKind = "INPUT_OBJECT"
)

// TypeRef represents a reference to a type (can be wrapped)
type TypeRef struct {
	Kind   TypeRefKind
	OfType *TypeRef // For List and NonNull
	Named  string   // For named types
}

type TypeRefKind string

const (
	TypeRefKindNamed   TypeRefKind = "NAMED"
	TypeRefKindList    TypeRefKind = "LIST"
	TypeRefKindNonNull TypeRefKind = "NON_NULL"
)

func (t *TypeRef) IsNonNull() bool {
	return t != nil && t.Kind == TypeRefKindNonNull
}

func (t *TypeRef) IsList() bool {
	if t.Kind == TypeRefKindList {
		return true
	}
	if t.Kind == TypeRefKindNonNull && t.OfType != nil {
		return t.OfType.Kind == TypeRefKindList
	}
	return false
}

func (t *TypeRef) Unwrap() *TypeRef {
	if t.Kind == TypeRefKindNonNull || t.Kind == TypeRefKindList {
		return t.OfType
	}
	return t
}

func (t *TypeRef) GetNamedType() string {
	current := t
	for current != nil {
		if current.Named != "" {
			return current.Named
		}
		current = current.OfType
	}
	return ""
}

// ListDepth counts the list wrappers around the named type.
func (t *TypeRef) ListDepth() int {
	depth := 0
	for current := t; current != nil; current = current.OfType {
		if current.Kind == TypeRefKindList {
			depth++
		}
	}
	return depth
}

type EnumValue struct {
	Name              string
	Description       string
	IsDeprecated      bool
	DeprecationReason string
}

type InputValue struct {
	Name         string
	Description  string
	Type         *TypeRef
	DefaultValue any

	// Plan lets the argument modify the field plan. Argument plans run in
	// schema declaration order, not request order.
	Plan ArgumentPlanResolver
}

func NonNullType(t *TypeRef) *TypeRef { return &TypeRef{Kind: TypeRefKindNonNull, OfType: t} }
func ListType(t *TypeRef) *TypeRef    { return &TypeRef{Kind: TypeRefKindList, OfType: t} }
func NamedType(name string) *TypeRef  { return &TypeRef{Kind: TypeRefKindNamed, Named: name} }

// IsNonNull reports whether the type is wrapped with Non-Null.
func IsNonNull(t *TypeRef) bool { return t != nil && t.IsNonNull() }

// IsList reports whether the type is (or is wrapped by) a list type.
func IsList(t *TypeRef) bool { return t != nil && t.IsList() }

// Unwrap removes one layer of Non-Null or List wrapping and returns the inner type.
func Unwrap(t *TypeRef) *TypeRef { return t.Unwrap() }

// GetNamedType returns the innermost named type for the given reference.
func GetNamedType(t *TypeRef) string { return t.GetNamedType() }

// NewFieldMap is a declaration convenience for building field lists inline.
func NewFieldMap(fields ...*Field) []*Field { return fields }

// ObjectImplements reports whether the named object type satisfies a fragment
// type condition: either directly, via an implemented interface, or as a
// member of a union.
func (s *Schema) ObjectImplements(objectType, condition string) bool {
	if objectType == condition {
		return true
	}
	obj := s.Types[objectType]
	if obj == nil {
		return false
	}
	for _, iface := range obj.Interfaces {
		if iface == condition {
			return true
		}
	}
	if cond := s.Types[condition]; cond != nil {
		for _, pt := range cond.PossibleTypes {
			if pt == objectType {
				return true
			}
		}
	}
	return false
}

// PossibleObjectTypes returns the concrete object types a value of the named
// type can take: the type itself for objects, its possible types for
// interfaces and unions.
func (s *Schema) PossibleObjectTypes(name string) []string {
	t := s.Types[name]
	if t == nil {
		return nil
	}
	switch t.Kind {
	case TypeKindObject:
		return []string{t.Name}
	case TypeKindInterface, TypeKindUnion:
		return t.PossibleTypes
	default:
		return nil
	}
}
