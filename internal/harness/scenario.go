package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a sync conformance scenario.
// A scenario seeds the remote, drives the engine through a list of steps
// on a manual clock, and asserts on the resulting queue and remote state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Online is the connectivity state before the first step.
	Online bool `yaml:"online"`

	// Backoff overrides the default retry schedule.
	Backoff *BackoffSpec `yaml:"backoff,omitempty"`

	// Seed contains documents present in the remote before the first step.
	Seed []SeedDoc `yaml:"seed,omitempty"`

	// Faults are injected remote failures.
	Faults []FaultSpec `yaml:"faults,omitempty"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// BackoffSpec mirrors engine.Backoff with YAML durations.
type BackoffSpec struct {
	Base       string `yaml:"base"`
	Ceiling    string `yaml:"ceiling"`
	MaxRetries int    `yaml:"max_retries"`
}

// SeedDoc is a remote document written before the scenario starts.
type SeedDoc struct {
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id"`
	Data       map[string]any `yaml:"data"`
}

// FaultSpec makes matching remote calls fail.
type FaultSpec struct {
	// Method is the remote call: UpdateDocument, CreateDocument, PutBlob or Locator.
	Method string `yaml:"method"`

	// Collection and ID narrow the match. Empty matches any.
	Collection string `yaml:"collection,omitempty"`
	ID         string `yaml:"id,omitempty"`

	// Error is one of transient, conflict, fatal, not_found.
	Error string `yaml:"error"`

	// Times is how many matching calls fail. Zero fails every call.
	Times int `yaml:"times,omitempty"`

	// AfterApply performs the call before failing it, simulating a lost
	// acknowledgement.
	AfterApply bool `yaml:"after_apply,omitempty"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	Update    *UpdateStep    `yaml:"update,omitempty"`
	Blob      *BlobStep      `yaml:"blob,omitempty"`
	Aggregate *AggregateStep `yaml:"aggregate,omitempty"`

	// Online reports a connectivity change. A transition to online runs a
	// cycle, as the engine's run loop does.
	Online *bool `yaml:"online,omitempty"`

	// Advance moves the manual clock forward by a duration such as "2s".
	Advance string `yaml:"advance,omitempty"`

	// Cycle runs one sync cycle.
	Cycle bool `yaml:"cycle,omitempty"`

	// Retry and Discard name an operation id.
	Retry   string `yaml:"retry,omitempty"`
	Discard string `yaml:"discard,omitempty"`

	// Restart rebuilds the engine on the same store.
	Restart bool `yaml:"restart,omitempty"`

	// HealRemote clears every fault.
	HealRemote bool `yaml:"heal_remote,omitempty"`
}

// UpdateStep enqueues an entity update.
type UpdateStep struct {
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id"`
	Fields     map[string]any `yaml:"fields"`
	IfVersion  int64          `yaml:"if_version,omitempty"`
}

// BlobStep enqueues a blob upload.
type BlobStep struct {
	Collection  string `yaml:"collection"`
	ID          string `yaml:"id"`
	Field       string `yaml:"field"`
	Filename    string `yaml:"filename"`
	ContentType string `yaml:"content_type,omitempty"`
	Data        string `yaml:"data"`
	Kind        string `yaml:"kind,omitempty"`
}

// AggregateStep enqueues an aggregate creation.
type AggregateStep struct {
	Collection string         `yaml:"collection"`
	Data       map[string]any `yaml:"data"`
	Parent     string         `yaml:"parent,omitempty"` // "collection/id"
	Children   []ChildSpec    `yaml:"children,omitempty"`
}

// ChildSpec is one dependent write of an aggregate.
type ChildSpec struct {
	Collection  string         `yaml:"collection"`
	Data        map[string]any `yaml:"data"`
	ParentField string         `yaml:"parent_field,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "queue_count": the queue holds Count operations
	// - "op_status": operation Op has Status (and Retries, ErrorPrefix if set)
	// - "remote_doc": document Collection/ID contains Expect (and Version if set)
	// - "remote_count": Collection holds Count documents
	// - "remote_refs": Field of Collection/ID holds Count blob references
	// - "snapshot": the cached snapshot of Collection/ID contains Expect
	Type string `yaml:"type"`

	Op          string         `yaml:"op,omitempty"`
	Status      string         `yaml:"status,omitempty"`
	Retries     *int           `yaml:"retries,omitempty"`
	ErrorPrefix string         `yaml:"error_prefix,omitempty"`
	Collection  string         `yaml:"collection,omitempty"`
	ID          string         `yaml:"id,omitempty"`
	Field       string         `yaml:"field,omitempty"`
	Expect      map[string]any `yaml:"expect,omitempty"`
	Version     int64          `yaml:"version,omitempty"`
	Count       int            `yaml:"count"`
}

// Assertion type constants.
const (
	AssertQueueCount  = "queue_count"
	AssertOpStatus    = "op_status"
	AssertRemoteDoc   = "remote_doc"
	AssertRemoteCount = "remote_count"
	AssertRemoteRefs  = "remote_refs"
	AssertSnapshot    = "snapshot"
)

// Fault error kinds.
const (
	FaultTransient = "transient"
	FaultConflict  = "conflict"
	FaultFatal     = "fatal"
	FaultNotFound  = "not_found"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if s.Backoff != nil {
		if _, err := parseDuration(s.Backoff.Base); err != nil {
			return fmt.Errorf("backoff.base: %w", err)
		}
		if _, err := parseDuration(s.Backoff.Ceiling); err != nil {
			return fmt.Errorf("backoff.ceiling: %w", err)
		}
		if s.Backoff.MaxRetries < 1 {
			return fmt.Errorf("backoff.max_retries must be at least 1")
		}
	}

	for i, f := range s.Faults {
		switch f.Method {
		case "UpdateDocument", "CreateDocument", "PutBlob", "Locator":
		default:
			return fmt.Errorf("fault %d: unknown method %q", i, f.Method)
		}
		switch f.Error {
		case FaultTransient, FaultConflict, FaultFatal, FaultNotFound:
		default:
			return fmt.Errorf("fault %d: unknown error %q", i, f.Error)
		}
		if f.Times < 0 {
			return fmt.Errorf("fault %d: times must not be negative", i)
		}
	}

	for i, step := range s.Steps {
		if n := step.actions(); n != 1 {
			return fmt.Errorf("step %d: exactly one action required, got %d", i, n)
		}
		if step.Advance != "" {
			if _, err := parseDuration(step.Advance); err != nil {
				return fmt.Errorf("step %d: advance: %w", i, err)
			}
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertQueueCount:
		case AssertOpStatus:
			if a.Op == "" {
				return fmt.Errorf("assertion %d: op_status requires op", i)
			}
		case AssertRemoteDoc, AssertSnapshot:
			if a.Collection == "" || a.ID == "" {
				return fmt.Errorf("assertion %d: %s requires collection and id", i, a.Type)
			}
		case AssertRemoteRefs:
			if a.Collection == "" || a.ID == "" || a.Field == "" {
				return fmt.Errorf("assertion %d: remote_refs requires collection, id and field", i)
			}
		case AssertRemoteCount:
			if a.Collection == "" {
				return fmt.Errorf("assertion %d: remote_count requires collection", i)
			}
		default:
			return fmt.Errorf("assertion %d: unknown type %q", i, a.Type)
		}
	}
	return nil
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Update != nil,
		s.Blob != nil,
		s.Aggregate != nil,
		s.Online != nil,
		s.Advance != "",
		s.Cycle,
		s.Retry != "",
		s.Discard != "",
		s.Restart,
		s.HealRemote,
	} {
		if set {
			n++
		}
	}
	return n
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
