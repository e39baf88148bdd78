package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

// Type tags a ledger entry
type Type string

const (
	TypeIntentRecorded     Type = "intent_recorded"
	TypeCommitted          Type = "committed"
	TypeAborted            Type = "aborted"
	TypeDivergenceObserved Type = "divergence_observed"
	TypeDoctorProposed     Type = "doctor_proposed"
	TypeDoctorApplied      Type = "doctor_applied"
)

// ErrInvalidEvent is returned when an event is missing fields its type requires
var ErrInvalidEvent = errors.New("invalid event")

// RefChange describes one ref that differs between two recorded states
type RefChange struct {
	Ref    ref.RefName `json:"ref"`
	Before ref.Oid     `json:"before"`
	After  ref.Oid     `json:"after"`
}

// Event is one immutable ledger entry. Only the fields relevant to Type are set.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	OpID       string `json:"op_id,omitempty"`
	Command    string `json:"command,omitempty"`
	PlanDigest string `json:"plan_digest,omitempty"`

	// IntentRecorded
	Touched []plan.Expectation `json:"touched,omitempty"`

	// Committed; Refs is the fingerprinted state after the commit
	Fingerprint   string                  `json:"fingerprint,omitempty"`
	ConfigVersion string                  `json:"config_version,omitempty"`
	Refs          map[ref.RefName]ref.Oid `json:"refs,omitempty"`

	// Aborted
	Reason   string   `json:"reason,omitempty"`
	Evidence []string `json:"evidence,omitempty"`

	// DivergenceObserved
	PriorFingerprint string      `json:"prior_fingerprint,omitempty"`
	Changes          []RefChange `json:"changes,omitempty"`

	// DoctorProposed / DoctorApplied
	IssueIDs []string `json:"issue_ids,omitempty"`
	FixIDs   []string `json:"fix_ids,omitempty"`
}

// IntentRecorded announces an operation before its first mutation
func IntentRecorded(opID, command, digest string, touched []plan.Expectation) Event {
	return Event{
		Type:       TypeIntentRecorded,
		OpID:       opID,
		Command:    command,
		PlanDigest: digest,
		Touched:    append([]plan.Expectation(nil), touched...),
	}
}

// Committed records a successful operation and the state it left behind
func Committed(opID, command, digest, fingerprint, configVersion string, refs map[ref.RefName]ref.Oid) Event {
	return Event{
		Type:          TypeCommitted,
		OpID:          opID,
		Command:       command,
		PlanDigest:    digest,
		Fingerprint:   fingerprint,
		ConfigVersion: configVersion,
		Refs:          copyRefs(refs),
	}
}

// Aborted records an operation that was rolled back
func Aborted(opID, command, reason string, evidence []string) Event {
	return Event{
		Type:     TypeAborted,
		OpID:     opID,
		Command:  command,
		Reason:   reason,
		Evidence: append([]string(nil), evidence...),
	}
}

// DivergenceObserved records state changed by something other than lattice
func DivergenceObserved(prior, current string, refs map[ref.RefName]ref.Oid, changes []RefChange) Event {
	return Event{
		Type:             TypeDivergenceObserved,
		PriorFingerprint: prior,
		Fingerprint:      current,
		Refs:             copyRefs(refs),
		Changes:          append([]RefChange(nil), changes...),
	}
}

// DoctorProposed records fixes offered for a set of issues
func DoctorProposed(issueIDs, fixIDs []string) Event {
	return Event{
		Type:     TypeDoctorProposed,
		IssueIDs: append([]string(nil), issueIDs...),
		FixIDs:   append([]string(nil), fixIDs...),
	}
}

// DoctorApplied records fixes the user selected and the operation that applied them
func DoctorApplied(opID string, fixIDs []string) Event {
	return Event{
		Type:    TypeDoctorApplied,
		OpID:    opID,
		Command: "doctor",
		FixIDs:  append([]string(nil), fixIDs...),
	}
}

// Validate checks type-specific required fields
func (e Event) Validate() error {
	switch e.Type {
	case TypeIntentRecorded:
		if e.OpID == "" || e.PlanDigest == "" {
			return fmt.Errorf("%w: intent needs op_id and plan_digest", ErrInvalidEvent)
		}
	case TypeCommitted:
		if e.OpID == "" || e.Fingerprint == "" {
			return fmt.Errorf("%w: commit needs op_id and fingerprint", ErrInvalidEvent)
		}
	case TypeAborted:
		if e.OpID == "" {
			return fmt.Errorf("%w: abort needs op_id", ErrInvalidEvent)
		}
	case TypeDivergenceObserved:
		if e.Fingerprint == "" {
			return fmt.Errorf("%w: divergence needs fingerprint", ErrInvalidEvent)
		}
	case TypeDoctorProposed, TypeDoctorApplied:
		if len(e.FixIDs) == 0 {
			return fmt.Errorf("%w: doctor event needs fix ids", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// Marshal encodes an event for storage
func (e Event) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Unmarshal decodes a stored event strictly
func Unmarshal(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var e Event
	if err := dec.Decode(&e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Diff lists refs that differ between two recorded states, sorted by ref
func Diff(before, after map[ref.RefName]ref.Oid) []RefChange {
	var out []RefChange
	for r, old := range before {
		if cur, ok := after[r]; !ok || !cur.Equals(old) {
			out = append(out, RefChange{Ref: r, Before: old, After: after[r]})
		}
	}
	for r, cur := range after {
		if _, ok := before[r]; !ok {
			out = append(out, RefChange{Ref: r, After: cur})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.String() < out[j].Ref.String() })
	return out
}

func copyRefs(in map[ref.RefName]ref.Oid) map[ref.RefName]ref.Oid {
	if in == nil {
		return nil
	}
	out := make(map[ref.RefName]ref.Oid, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
