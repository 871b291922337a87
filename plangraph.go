// Package plangraph compiles GraphQL operations into executable plan graphs
// and runs them with batched, memoized field resolution.
//
// A schema declares planning hooks on its types and fields; Compile walks an
// operation's selection set once, building a plan per field position, and
// drives the graph through validation, deduplication, optimization, and
// finalization. Execute then resolves the graph level by level: every plan
// runs at most once per bucket, and all rows needing the same fetch are
// folded into a single batched call.
package plangraph

import (
	"context"

	compiler "github.com/hanpama/plangraph/internal/compiler"
	engine "github.com/hanpama/plangraph/internal/engine"
	eventbus "github.com/hanpama/plangraph/internal/eventbus"
	language "github.com/hanpama/plangraph/internal/language"
	otel "github.com/hanpama/plangraph/internal/otel"
	plan "github.com/hanpama/plangraph/internal/plan"
	schema "github.com/hanpama/plangraph/internal/schema"
)

// Schema declaration surface.
type (
	Schema     = schema.Schema
	Type       = schema.Type
	TypeKind   = schema.TypeKind
	TypeRef    = schema.TypeRef
	Field      = schema.Field
	InputValue = schema.InputValue
	EnumValue  = schema.EnumValue

	FieldPlanResolver    = schema.FieldPlanResolver
	FieldResolver        = schema.FieldResolver
	ArgumentPlanResolver = schema.ArgumentPlanResolver
)

const (
	TypeKindScalar      = schema.TypeKindScalar
	TypeKindObject      = schema.TypeKindObject
	TypeKindInterface   = schema.TypeKindInterface
	TypeKindUnion       = schema.TypeKindUnion
	TypeKindEnum        = schema.TypeKindEnum
	TypeKindInputObject = schema.TypeKindInputObject
)

var (
	NamedType   = schema.NamedType
	ListType    = schema.ListType
	NonNullType = schema.NonNullType
	NewFieldMap = schema.NewFieldMap
)

// Plan construction surface, used from field and argument plan resolvers.
type (
	Plan             = plan.Plan
	PlanContext      = plan.Context
	TrackedArguments = plan.TrackedArguments
	Handle           = plan.Handle
	Row              = plan.Row
	Meta             = plan.Meta
	Stream           = plan.Stream
	StreamOptions    = plan.StreamOptions
	TransformSpec    = plan.TransformSpec

	FetchFunc      = plan.FetchFunc
	StreamFunc     = plan.StreamFunc
	LambdaFunc     = plan.LambdaFunc
	SideEffectFunc = plan.SideEffectFunc
)

var (
	NewConstant      = plan.NewConstant
	NewAccess        = plan.NewAccess
	NewLambda        = plan.NewLambda
	NewFetch         = plan.NewFetch
	NewSideEffect    = plan.NewSideEffect
	NewListTransform = plan.NewListTransform
	StreamOf         = plan.StreamOf

	WrapError = plan.WrapError
	AsError   = plan.AsError
)

// ErrInternal tags plan graph consistency violations.
var ErrInternal = plan.ErrInternal

// Compilation surface.
type (
	Operation     = compiler.Operation
	CompileOption = compiler.Option
	FieldDigest   = compiler.FieldDigest
)

var (
	WithMaxDedupIterations = compiler.WithMaxDedupIterations
	WithoutIncremental     = compiler.WithoutIncremental
)

// ParseQuery parses a GraphQL query document.
func ParseQuery(source string) (*QueryDocument, error) {
	return language.ParseQuery(source)
}

// QueryDocument is a parsed GraphQL document.
type QueryDocument = language.QueryDocument

// Compile builds a ready plan graph for one operation of the document.
func Compile(sch *Schema, document *QueryDocument, operationName string, variables map[string]any, opts ...CompileOption) (*Operation, error) {
	return compiler.Compile(sch, document, operationName, variables, opts...)
}

// Execution surface.
type (
	Result         = engine.Result
	ExecutionError = engine.ExecutionError
	ResultStream   = engine.ResultStream
	TypeNamer      = engine.TypeNamer
)

// Execute runs a compiled query or mutation against a root value.
func Execute(ctx context.Context, op *Operation, rootValue any) *Result {
	return engine.Execute(ctx, op, rootValue)
}

// Subscribe opens a compiled subscription and delivers one Result per event.
func Subscribe(ctx context.Context, op *Operation, rootValue any) (*ResultStream, error) {
	return engine.Subscribe(ctx, op, rootValue)
}

// SetupTracing installs an in-process event bus and an OTLP trace exporter
// that turns compile and execution lifecycle events into spans. The returned
// function flushes and shuts the exporter down.
func SetupTracing(endpoint, serviceName string) (func(context.Context) error, error) {
	eventbus.Use(eventbus.New())
	return otel.Setup(endpoint, serviceName)
}
