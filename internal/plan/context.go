package plan

// Context is the explicit construction context threaded through plan
// creation. It replaces any ambient "current compiler" state: every plan
// constructor receives the context for the field position being planned.
type Context struct {
	table        *Table
	pathIdentity string
	groupIDs     []int
}

// NewContext creates the construction context rooted at pathIdentity.
func NewContext(table *Table, pathIdentity string, groupIDs []int) *Context {
	return &Context{table: table, pathIdentity: pathIdentity, groupIDs: groupIDs}
}

// Table returns the plan table new plans are registered into.
func (c *Context) Table() *Table { return c.table }

// PathIdentity returns the field position plans created through this context
// are attributed to.
func (c *Context) PathIdentity() string { return c.pathIdentity }

// GroupIDs returns the incremental-delivery scopes active at this position.
func (c *Context) GroupIDs() []int { return c.groupIDs }

// At derives a context for a deeper field position, keeping the same table.
func (c *Context) At(pathIdentity string, groupIDs []int) *Context {
	return &Context{table: c.table, pathIdentity: pathIdentity, groupIDs: groupIDs}
}

// register adds p to the table at the context's position.
func (c *Context) register(p Plan, sync bool) error {
	_, err := c.table.Add(p, sync, c.pathIdentity)
	return err
}

// TrackedArguments exposes the coerced argument values of a field to its plan
// resolver. Directive arguments (notably the incremental-delivery directive's)
// are read through the same mechanism.
type TrackedArguments struct {
	values map[string]any
}

func NewTrackedArguments(values map[string]any) *TrackedArguments {
	if values == nil {
		values = map[string]any{}
	}
	return &TrackedArguments{values: values}
}

// Get returns the coerced value for name, or nil when absent.
func (a *TrackedArguments) Get(name string) any { return a.values[name] }

// Has reports whether an argument was provided (or defaulted).
func (a *TrackedArguments) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// Values returns the underlying map. Callers must not mutate it.
func (a *TrackedArguments) Values() map[string]any { return a.values }
