package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/remote"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, event)
	}

	return buf.String()
}

// AssertionContext provides what assertions read final state from.
type AssertionContext struct {
	Ctx    context.Context
	Engine *engine.Engine
	Remote *remote.Local
}

// EvaluateAssertions runs all assertions and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for _, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertQueueCount:
		return assertQueueCount(result, a)
	case AssertOpStatus:
		return assertOpStatus(result, a)
	case AssertRemoteDoc:
		return assertRemoteDoc(result, a, actx)
	case AssertRemoteCount:
		return assertRemoteCount(result, a, actx)
	case AssertRemoteRefs:
		return assertRemoteRefs(result, a, actx)
	case AssertSnapshot:
		return assertSnapshot(result, a, actx)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertQueueCount(result *Result, a Assertion) error {
	if len(result.Queue) == a.Count {
		return nil
	}
	ids := make([]string, 0, len(result.Queue))
	for _, o := range result.Queue {
		ids = append(ids, o.ID)
	}
	return &AssertionError{
		Type:     AssertQueueCount,
		Expected: fmt.Sprintf("%d queued operations", a.Count),
		Actual:   fmt.Sprintf("%d queued: %v", len(result.Queue), ids),
		Trace:    result.Trace,
	}
}

func assertOpStatus(result *Result, a Assertion) error {
	var found *op.Operation
	for i := range result.Queue {
		if result.Queue[i].ID == a.Op {
			found = &result.Queue[i]
			break
		}
	}
	fail := func(actual string) error {
		return &AssertionError{
			Type:     AssertOpStatus,
			Expected: describeOpExpectation(a),
			Actual:   actual,
			Trace:    result.Trace,
		}
	}
	if found == nil {
		return fail(fmt.Sprintf("operation %s not in queue", a.Op))
	}
	if a.Status != "" && string(found.Status) != a.Status {
		return fail(found.String())
	}
	if a.Retries != nil && found.Retries != *a.Retries {
		return fail(found.String())
	}
	if a.ErrorPrefix != "" && !strings.HasPrefix(found.Error, a.ErrorPrefix) {
		return fail(fmt.Sprintf("error %q", found.Error))
	}
	return nil
}

func describeOpExpectation(a Assertion) string {
	parts := []string{a.Op}
	if a.Status != "" {
		parts = append(parts, a.Status)
	}
	if a.Retries != nil {
		parts = append(parts, fmt.Sprintf("retries=%d", *a.Retries))
	}
	if a.ErrorPrefix != "" {
		parts = append(parts, fmt.Sprintf("error prefix %q", a.ErrorPrefix))
	}
	return strings.Join(parts, " ")
}

func assertRemoteDoc(result *Result, a Assertion, actx *AssertionContext) error {
	doc, found, err := actx.Remote.Document(actx.Ctx, a.Collection, a.ID)
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", a.Collection, a.ID, err)
	}
	if !found {
		return &AssertionError{
			Type:     AssertRemoteDoc,
			Expected: fmt.Sprintf("document %s/%s", a.Collection, a.ID),
			Actual:   "not found",
			Trace:    result.Trace,
		}
	}
	if a.Version != 0 && doc.Version != a.Version {
		return &AssertionError{
			Type:     AssertRemoteDoc,
			Expected: fmt.Sprintf("%s/%s at version %d", a.Collection, a.ID, a.Version),
			Actual:   fmt.Sprintf("version %d", doc.Version),
			Trace:    result.Trace,
		}
	}
	if mismatch := matchFields(doc.Data, a.Expect); mismatch != "" {
		return &AssertionError{
			Type:     AssertRemoteDoc,
			Expected: fmt.Sprintf("%s/%s with %v", a.Collection, a.ID, a.Expect),
			Actual:   mismatch,
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertRemoteCount(result *Result, a Assertion, actx *AssertionContext) error {
	docs, err := actx.Remote.Documents(actx.Ctx, a.Collection)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", a.Collection, err)
	}
	if len(docs) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertRemoteCount,
		Expected: fmt.Sprintf("%d documents in %s", a.Count, a.Collection),
		Actual:   fmt.Sprintf("%d documents", len(docs)),
		Trace:    result.Trace,
	}
}

func assertRemoteRefs(result *Result, a Assertion, actx *AssertionContext) error {
	doc, _, err := actx.Remote.Document(actx.Ctx, a.Collection, a.ID)
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", a.Collection, a.ID, err)
	}
	refs := op.EntitySnapshot{Data: doc.Data}.BlobRefs(a.Field)
	if len(refs) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertRemoteRefs,
		Expected: fmt.Sprintf("%d references in %s/%s.%s", a.Count, a.Collection, a.ID, a.Field),
		Actual:   fmt.Sprintf("%d references", len(refs)),
		Trace:    result.Trace,
	}
}

func assertSnapshot(result *Result, a Assertion, actx *AssertionContext) error {
	snap, found, err := actx.Engine.Snapshots().Get(actx.Ctx, a.Collection, a.ID)
	if err != nil {
		return fmt.Errorf("failed to read snapshot %s/%s: %w", a.Collection, a.ID, err)
	}
	actual := "not cached"
	if found {
		if actual = matchFields(snap.Data, a.Expect); actual == "" {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertSnapshot,
		Expected: fmt.Sprintf("snapshot %s/%s with %v", a.Collection, a.ID, a.Expect),
		Actual:   actual,
		Trace:    result.Trace,
	}
}

// matchFields checks that actual contains every expected field (subset
// semantics) and returns a description of the first mismatch, or "".
// Values are compared after a JSON round trip, so YAML ints match stored
// JSON numbers.
func matchFields(actual, expected map[string]any) string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			return fmt.Sprintf("field %q missing", k)
		}
		if !reflect.DeepEqual(normalize(got), normalize(expected[k])) {
			return fmt.Sprintf("field %q = %v, want %v", k, got, expected[k])
		}
	}
	return ""
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
