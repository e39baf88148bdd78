package ref

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Namespaces managed by lattice
const (
	HeadsPrefix    = "refs/heads/"
	MetadataPrefix = "refs/branch-metadata/"
	LatticePrefix  = "refs/lattice/"
	EventLogRef    = LatticePrefix + "event-log"
)

// Common validation errors
var (
	ErrEmptyName   = errors.New("name cannot be empty")
	ErrInvalidName = errors.New("invalid ref name")
	ErrInvalidOid  = errors.New("invalid object id")
)

// BranchName is a validated, NFC-canonical short branch name (e.g. "feature/login")
type BranchName struct {
	value string
}

// NewBranchName validates s and returns it in canonical form
func NewBranchName(s string) (BranchName, error) {
	if s == "" {
		return BranchName{}, fmt.Errorf("branch: %w", ErrEmptyName)
	}
	canonical := norm.NFC.String(s)
	if strings.HasPrefix(canonical, "refs/") {
		return BranchName{}, fmt.Errorf("%w: branch %q must be a short name", ErrInvalidName, s)
	}
	if strings.HasPrefix(canonical, "-") {
		return BranchName{}, fmt.Errorf("%w: branch %q cannot start with '-'", ErrInvalidName, s)
	}
	if canonical == "@" || canonical == "HEAD" {
		return BranchName{}, fmt.Errorf("%w: %q is reserved", ErrInvalidName, s)
	}
	if err := validateComponents(canonical); err != nil {
		return BranchName{}, fmt.Errorf("branch %q: %w", s, err)
	}
	return BranchName{value: canonical}, nil
}

// MustBranchName panics on invalid input; intended for tests and constants
func MustBranchName(s string) BranchName {
	b, err := NewBranchName(s)
	if err != nil {
		panic(err)
	}
	return b
}

// String returns the short name
func (b BranchName) String() string { return b.value }

// IsZero reports whether b was never set
func (b BranchName) IsZero() bool { return b.value == "" }

// Equals checks if two branch names are equal
func (b BranchName) Equals(other BranchName) bool { return b.value == other.value }

// Ref returns refs/heads/<name>
func (b BranchName) Ref() RefName { return RefName{value: HeadsPrefix + b.value} }

// MetadataRef returns refs/branch-metadata/<name>
func (b BranchName) MetadataRef() RefName { return RefName{value: MetadataPrefix + b.value} }

func (b BranchName) MarshalText() ([]byte, error) { return []byte(b.value), nil }

func (b *BranchName) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*b = BranchName{}
		return nil
	}
	v, err := NewBranchName(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// RefName is a validated fully-qualified ref name (always under refs/)
type RefName struct {
	value string
}

// NewRefName validates a fully-qualified ref name
func NewRefName(s string) (RefName, error) {
	if s == "" {
		return RefName{}, fmt.Errorf("ref: %w", ErrEmptyName)
	}
	canonical := norm.NFC.String(s)
	if !strings.HasPrefix(canonical, "refs/") || len(canonical) == len("refs/") {
		return RefName{}, fmt.Errorf("%w: %q is not under refs/", ErrInvalidName, s)
	}
	if err := validateComponents(canonical); err != nil {
		return RefName{}, fmt.Errorf("ref %q: %w", s, err)
	}
	return RefName{value: canonical}, nil
}

// MustRefName panics on invalid input
func MustRefName(s string) RefName {
	r, err := NewRefName(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r RefName) String() string { return r.value }
func (r RefName) IsZero() bool { return r.value == "" }
func (r RefName) Equals(o RefName) bool { return r.value == o.value }

// IsBranch reports whether r lives in refs/heads/
func (r RefName) IsBranch() bool { return strings.HasPrefix(r.value, HeadsPrefix) }

// IsMetadata reports whether r lives in refs/branch-metadata/
func (r RefName) IsMetadata() bool { return strings.HasPrefix(r.value, MetadataPrefix) }

// Branch returns the branch a refs/heads/ ref names
func (r RefName) Branch() (BranchName, bool) {
	if !r.IsBranch() {
		return BranchName{}, false
	}
	return BranchName{value: strings.TrimPrefix(r.value, HeadsPrefix)}, true
}

// MetadataBranch returns the branch a refs/branch-metadata/ ref describes
func (r RefName) MetadataBranch() (BranchName, bool) {
	if !r.IsMetadata() {
		return BranchName{}, false
	}
	return BranchName{value: strings.TrimPrefix(r.value, MetadataPrefix)}, true
}

func (r RefName) MarshalText() ([]byte, error) { return []byte(r.value), nil }

func (r *RefName) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = RefName{}
		return nil
	}
	v, err := NewRefName(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Oid is a lowercase hex object id (SHA-1 or SHA-256). The zero Oid means "absent".
type Oid struct {
	value string
}

// ZeroOid represents a ref that does not exist
var ZeroOid = Oid{}

// NewOid validates a hex object id
func NewOid(s string) (Oid, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 40 && len(s) != 64 {
		return Oid{}, fmt.Errorf("%w: %q has length %d", ErrInvalidOid, s, len(s))
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return Oid{}, fmt.Errorf("%w: %q", ErrInvalidOid, s)
		}
	}
	if strings.Trim(s, "0") == "" {
		// git uses the all-zero id for "no object"
		return ZeroOid, nil
	}
	return Oid{value: s}, nil
}

// MustOid panics on invalid input
func MustOid(s string) Oid {
	o, err := NewOid(s)
	if err != nil {
		panic(err)
	}
	return o
}

func (o Oid) String() string { return o.value }
func (o Oid) IsZero() bool { return o.value == "" }
func (o Oid) Equals(x Oid) bool { return o.value == x.value }

// Short returns an abbreviated id for display
func (o Oid) Short() string {
	if o.IsZero() {
		return "(none)"
	}
	if len(o.value) > 10 {
		return o.value[:10]
	}
	return o.value
}

func (o Oid) MarshalText() ([]byte, error) { return []byte(o.value), nil }

func (o *Oid) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*o = ZeroOid
		return nil
	}
	v, err := NewOid(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// validateComponents applies git's check-ref-format rules to a slash-separated name
func validateComponents(name string) error {
	if strings.HasSuffix(name, "/") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: leading or trailing '/'", ErrInvalidName)
	}
	if strings.HasSuffix(name, ".") {
		return fmt.Errorf("%w: trailing '.'", ErrInvalidName)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{") {
		return fmt.Errorf("%w: contains '..', '//' or '@{'", ErrInvalidName)
	}
	for _, r := range name {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: control or whitespace character", ErrInvalidName)
		}
		switch r {
		case '~', '^', ':', '?', '*', '[', '\\':
			return fmt.Errorf("%w: forbidden character %q", ErrInvalidName, r)
		}
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return fmt.Errorf("%w: component %q starts with '.'", ErrInvalidName, part)
		}
		if strings.HasSuffix(part, ".lock") {
			return fmt.Errorf("%w: component %q ends with .lock", ErrInvalidName, part)
		}
	}
	return nil
}
