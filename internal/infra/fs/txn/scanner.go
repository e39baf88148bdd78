package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/opstate"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

// Scanner cross-checks journals against the op-state marker.
// It only reports; recovery is driven by continue/abort/doctor.
type Scanner struct {
	journals repository.JournalStore
	states   repository.OpStateStore
}

// NewScanner creates a journal scanner
func NewScanner(journals repository.JournalStore, states repository.OpStateStore) *Scanner {
	return &Scanner{journals: journals, states: states}
}

// ScanResult classifies every journal on disk
type ScanResult struct {
	// Total number of journals found
	TotalFound int

	// Marker is the current op-state, nil when none
	Marker *opstate.OpState

	// Active is the op id whose journal belongs to the marker
	Active string

	// Orphaned journals have no marker (a crash between marker removal and
	// journal removal, or a marker removed by hand)
	Orphaned []string

	// MissingJournal is set when the marker names a journal that does not exist
	MissingJournal bool

	// MarkerError is set when a marker exists but could not be decoded
	MarkerError error

	ScannedAt time.Time
}

// Scan reads the marker and lists journals. A corrupt marker is reported in
// the result rather than failing the scan.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	marker, err := s.states.Load(ctx)
	var markerErr error
	if err != nil {
		if !errors.Is(err, ErrMarkerCorrupt) {
			return nil, fmt.Errorf("scan op-state: %w", err)
		}
		markerErr = err
	}
	ids, err := s.journals.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan journals: %w", err)
	}

	result := &ScanResult{
		TotalFound:  len(ids),
		Marker:      marker,
		MarkerError: markerErr,
		ScannedAt:   time.Now().UTC(),
	}
	for _, id := range ids {
		if marker != nil && id == marker.OpID {
			result.Active = id
			continue
		}
		result.Orphaned = append(result.Orphaned, id)
	}
	if markerErr != nil {
		// the corrupt marker's journal cannot be told apart from orphans
		result.Orphaned = nil
		result.Active = ""
	}
	if marker != nil && result.Active == "" {
		result.MissingJournal = true
	}

	s.logSummary(result)
	return result, nil
}

func (s *Scanner) logSummary(result *ScanResult) {
	log := app.GetLogger()
	log.Debug("Journal scan %s=%d %s=%d", MetricScanTotal, result.TotalFound, MetricScanOrphaned, len(result.Orphaned))
	if result.Active != "" {
		log.Debug("Journal scan %s=%s", MetricScanActive, result.Active)
	}
	if len(result.Orphaned) > 0 {
		log.Warn("Found %d orphaned journal(s): %s", len(result.Orphaned), formatOpIDs(result.Orphaned))
	}
	if result.MissingJournal {
		log.Warn("Op-state %s=%s has no journal", MetricScanMissing, result.Marker.OpID)
	}
}

// formatOpIDs formats op ids for logging.
func formatOpIDs(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	if len(ids) <= 3 {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s... (%d total)", strings.Join(ids[:3], ", "), len(ids))
}
