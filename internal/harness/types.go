package harness

import "github.com/roach88/tally/internal/record"

// Trace event types.
const (
	EventStep        = "step"
	EventTally       = "tally"
	EventFailure     = "failure"
	EventItemAdded   = "item_added"
	EventItemRemoved = "item_removed"
)

// TraceEvent is one entry of a scenario trace: either a step the script
// took or an output the engine produced.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// Step events.
	Action string        `json:"action,omitempty"`
	Args   record.Object `json:"args,omitempty"`
	Case   string        `json:"case,omitempty"`

	// Output events.
	Scope   string `json:"scope,omitempty"`
	ItemID  string `json:"item,omitempty"`
	VoterID string `json:"voter,omitempty"`
	Value   *int64 `json:"value,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists steps and engine outputs in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	seq int64
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// add appends ev with the next sequence number.
func (r *Result) add(ev TraceEvent) {
	r.seq++
	ev.Seq = r.seq
	r.Trace = append(r.Trace, ev)
}

// Emitted returns the tallies emitted for itemID, in order.
func (r *Result) Emitted(itemID string) []int64 {
	var out []int64
	for _, ev := range r.Trace {
		if ev.Type == EventTally && ev.ItemID == itemID {
			out = append(out, *ev.Value)
		}
	}
	return out
}
