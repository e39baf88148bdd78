package txn

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
)

var (
	// ErrJournalNotFound is returned when an operation has no journal file
	ErrJournalNotFound = errors.New("journal not found")

	// ErrCorrupt is returned for a damaged record that is not the last line
	ErrCorrupt = errors.New("journal record corrupt")
)

// record is one journal line: the entry plus a checksum of its encoding
type record struct {
	Sum   string          `json:"sum"`
	Entry json.RawMessage `json:"entry"`
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// encodeRecord renders one newline-terminated journal line
func encodeRecord(entry opstate.Entry) ([]byte, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	line, err := json.Marshal(record{Sum: checksum(body), Entry: body})
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append(line, '\n'), nil
}

// decodeRecord parses and verifies one journal line
func decodeRecord(line []byte) (opstate.Entry, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return opstate.Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Sum != checksum(rec.Entry) {
		return opstate.Entry{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	var entry opstate.Entry
	if err := json.Unmarshal(rec.Entry, &entry); err != nil {
		return opstate.Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return entry, nil
}

// StoreError represents a failed journal or op-state operation
type StoreError struct {
	// OpID where the error occurred ("" for the marker itself)
	OpID string

	// Operation that failed
	Operation string

	// Underlying error
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.OpID == "" {
		return fmt.Sprintf("op-state: %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("journal %s: %s failed: %v", e.OpID, e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}
