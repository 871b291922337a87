package plan

// Phase is a stage of the compiler pipeline. Transitions are linear and never
// re-entrant.
type Phase int

const (
	PhaseInit Phase = iota
	PhasePlan
	PhaseValidate
	PhaseDeduplicate
	PhaseOptimize
	PhaseFinalize
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhasePlan:
		return "plan"
	case PhaseValidate:
		return "validate"
	case PhaseDeduplicate:
		return "deduplicate"
	case PhaseOptimize:
		return "optimize"
	case PhaseFinalize:
		return "finalize"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// creationAllowed reports whether new plans may be registered in this phase.
func (p Phase) creationAllowed() bool {
	switch p {
	case PhasePlan, PhaseValidate, PhaseDeduplicate, PhaseOptimize:
		return true
	default:
		return false
	}
}

// Table is the arena owning every plan of one operation. Slots are addressed
// by Handle; replacing a plan mutates the slot so every holder of the handle
// observes the replacement. Discarded (tree-shaken) slots are nil.
type Table struct {
	phase Phase
	slots []Plan
}

func NewTable() *Table {
	return &Table{phase: PhaseInit}
}

// Phase returns the current pipeline phase.
func (t *Table) Phase() Phase { return t.phase }

// Advance moves to the next phase. Only the immediate successor is legal.
func (t *Table) Advance(next Phase) error {
	if next != t.phase+1 {
		return Internalf("illegal phase transition %s -> %s", t.phase, next)
	}
	t.phase = next
	return nil
}

// Add registers p, wiring its Base and assigning a fresh handle. Plans may
// only be created during the plan, validate, deduplicate, and optimize phases.
func (t *Table) Add(p Plan, kindSync bool, parentPathIdentity string) (Handle, error) {
	if !t.phase.creationAllowed() {
		return InvalidHandle, Internalf("cannot create a plan during the %s phase", t.phase)
	}
	b := p.base()
	if b.table != nil {
		return InvalidHandle, Internalf("plan %s registered twice", b.id)
	}
	b.self = p
	b.table = t
	b.id = Handle(len(t.slots))
	b.sync = kindSync
	b.parentPathIdentity = parentPathIdentity
	t.slots = append(t.slots, p)
	return b.id, nil
}

// Get resolves a handle to the live plan occupying its slot, or nil when the
// slot was discarded or the handle is invalid.
func (t *Table) Get(h Handle) Plan {
	if h < 0 || int(h) >= len(t.slots) {
		return nil
	}
	return t.slots[h]
}

// Replace points the old slot at the replacement plan. The replacement keeps
// its own handle; holders of the old handle transparently observe it.
func (t *Table) Replace(old Handle, replacement Plan) error {
	if t.Get(old) == nil {
		return Internalf("cannot replace dead slot %s", old)
	}
	if replacement.base().table != t {
		return Internalf("replacement for %s belongs to a different table", old)
	}
	t.slots[old] = replacement
	return nil
}

// Discard nulls the slot of a plan proven unreachable by the liveness pass.
func (t *Table) Discard(h Handle) {
	if h >= 0 && int(h) < len(t.slots) {
		t.slots[h] = nil
	}
}

// Len returns the number of slots ever allocated, dead ones included.
func (t *Table) Len() int { return len(t.slots) }

// Live returns the handles of slots still occupied, in creation order.
// A slot is live when it still holds the plan originally assigned to it;
// slots re-pointed at a replacement resolve through Get but do not own a plan.
func (t *Table) Live() []Handle {
	out := make([]Handle, 0, len(t.slots))
	for i, p := range t.slots {
		if p != nil && p.base().id == Handle(i) {
			out = append(out, Handle(i))
		}
	}
	return out
}
