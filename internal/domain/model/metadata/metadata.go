package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

const (
	// Kind tags every metadata blob so stray blobs are never mistaken for ours
	Kind = "lattice.branch-metadata"

	// SchemaVersion is the only version this build reads and writes
	SchemaVersion = 1
)

// ErrParse wraps every strict-parse failure
var ErrParse = errors.New("metadata parse error")

// FreezeState marks a branch as frozen against rewrites
type FreezeState struct {
	Frozen bool   `json:"frozen"`
	Reason string `json:"reason,omitempty"`
}

// Structural holds the fields that affect stack graph validity
type Structural struct {
	Parent        ref.BranchName `json:"parent"`
	ParentIsTrunk bool           `json:"parent_is_trunk"`
	Base          ref.Oid        `json:"base"`
	Freeze        FreezeState    `json:"freeze"`
}

// ReviewLink is the last known state of a linked remote review.
// It is cache only and never justifies a structural decision.
type ReviewLink struct {
	Forge     string    `json:"forge"`
	Number    int       `json:"number"`
	URL       string    `json:"url,omitempty"`
	State     string    `json:"state,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Cached holds remote-derived, non-authoritative data
type Cached struct {
	Review *ReviewLink `json:"review,omitempty"`
}

// Metadata is the versioned record stored as a blob under refs/branch-metadata/<branch>
type Metadata struct {
	Kind          string         `json:"kind"`
	SchemaVersion int            `json:"schema_version"`
	Branch        ref.BranchName `json:"branch"`
	Structural    Structural     `json:"structural"`
	Cached        Cached         `json:"cached"`
}

// New creates metadata for a freshly tracked branch
func New(branch, parent ref.BranchName, parentIsTrunk bool, base ref.Oid) *Metadata {
	return &Metadata{
		Kind:          Kind,
		SchemaVersion: SchemaVersion,
		Branch:        branch,
		Structural: Structural{
			Parent:        parent,
			ParentIsTrunk: parentIsTrunk,
			Base:          base,
		},
	}
}

// Clone returns a deep copy
func (m *Metadata) Clone() *Metadata {
	c := *m
	if m.Cached.Review != nil {
		r := *m.Cached.Review
		c.Cached.Review = &r
	}
	return &c
}

// Validate checks the invariants every stored record must satisfy
func (m *Metadata) Validate() error {
	if m.Kind != Kind {
		return fmt.Errorf("%w: unexpected kind %q", ErrParse, m.Kind)
	}
	if m.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: unsupported schema_version %d", ErrParse, m.SchemaVersion)
	}
	if m.Branch.IsZero() {
		return fmt.Errorf("%w: branch is empty", ErrParse)
	}
	if m.Structural.Parent.IsZero() {
		return fmt.Errorf("%w: parent is empty", ErrParse)
	}
	if m.Structural.Parent.Equals(m.Branch) {
		return fmt.Errorf("%w: branch %s is its own parent", ErrParse, m.Branch)
	}
	if m.Structural.Base.IsZero() {
		return fmt.Errorf("%w: base is empty", ErrParse)
	}
	return nil
}

// Encode renders the canonical blob content
func (m *Metadata) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return append(data, '\n'), nil
}

// Parse decodes a blob strictly: unknown fields, trailing data and invalid
// names are hard errors
func Parse(data []byte) (*Metadata, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m Metadata
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after record", ErrParse)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
