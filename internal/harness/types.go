package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/op"
)

// Trace event kinds recorded by the harness itself. Queue changes use the
// engine's event kinds.
const (
	TraceOnline   = "online"
	TraceOffline  = "offline"
	TraceCycle    = "cycle"
	TraceRestart  = "restart"
	TraceHealed   = "healed"
	TraceRejected = "rejected"
)

// TraceEvent is one line of a scenario trace.
type TraceEvent struct {
	At      time.Duration // Offset from the scenario start on the manual clock
	Kind    string
	Op      string
	Type    op.Type
	Subject string // Entity the operation touches
	Status  op.Status
	Retries int
	Error   string
	Detail  string // Free-form summary for non-operation events
}

// String renders the event as a golden trace line.
func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "+%s %s", e.At, e.Kind)
	if e.Op != "" {
		fmt.Fprintf(&b, " %s %s %s %s retries=%d", e.Op, e.Type, e.Subject, e.Status, e.Retries)
	}
	if e.Detail != "" {
		b.WriteString(" " + e.Detail)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}
	return b.String()
}

// Result contains the outcome of running a scenario.
type Result struct {
	// Pass indicates whether all assertions passed.
	Pass bool

	// Trace contains every recorded event in order.
	Trace []TraceEvent

	// Errors contains assertion failure messages.
	Errors []string

	// Queue is the queue content when the scenario finished.
	Queue []op.Operation
}

// NewResult creates a new Result with Pass=true.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Render returns the golden form of the trace: a header line followed by
// one line per event.
func (r *Result) Render(name string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", name)
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func (r *Result) addOperation(at time.Duration, kind string, o op.Operation) {
	r.Trace = append(r.Trace, TraceEvent{
		At:      at,
		Kind:    kind,
		Op:      o.ID,
		Type:    o.Type,
		Subject: subject(o),
		Status:  o.Status,
		Retries: o.Retries,
		Error:   o.Error,
	})
}

func (r *Result) addNote(at time.Duration, kind, detail string) {
	r.Trace = append(r.Trace, TraceEvent{At: at, Kind: kind, Detail: detail})
}

// subject names the touched entity. A new aggregate's own key is a hash,
// so it is shown as collection/* instead.
func subject(o op.Operation) string {
	if p, ok := o.Payload.(op.CreateAggregate); ok {
		s := p.Collection + "/*"
		if p.Parent != nil {
			s += " parent=" + op.EntityKey(p.Parent.Collection, p.Parent.ID)
		}
		return s
	}
	return o.Entity()
}
