// Package ledger stores the event history as a chain of empty-tree commits
// under refs/lattice/event-log. Each commit message carries one event.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/YoshitsuguKoike/lattice/internal/app"
	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/event"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
	"github.com/YoshitsuguKoike/lattice/internal/domain/repository"
)

const (
	MetricAppend      = "ledger.append"
	MetricAppendRetry = "ledger.append.retry"

	subjectPrefix = "lattice event: "
	maxAttempts   = 5
)

// Ledger implements repository.Ledger over a Repository
type Ledger struct {
	repo repository.Repository
	head ref.RefName
	now  func() time.Time
}

var _ repository.Ledger = (*Ledger)(nil)

// New creates a ledger rooted at ref.EventLogRef
func New(repo repository.Repository) *Ledger {
	return &Ledger{repo: repo, head: ref.MustRefName(ref.EventLogRef), now: time.Now}
}

// WithClock overrides the timestamp source
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append links e onto the chain and CAS-moves the head. A concurrent
// appender moving the head first causes a retry on the new head.
func (l *Ledger) Append(ctx context.Context, e event.Event) (event.Event, error) {
	e.ID = app.NewEventID()
	e.Timestamp = l.now().UTC().Truncate(time.Millisecond)
	body, err := e.Marshal()
	if err != nil {
		return event.Event{}, err
	}
	message := subjectPrefix + string(e.Type) + "\n\n" + string(body) + "\n"

	attempt := 0
	op := func() error {
		attempt++
		head, err := l.repo.ResolveRef(ctx, l.head)
		if err != nil {
			return backoff.Permanent(err)
		}
		var parents []ref.Oid
		if !head.IsZero() {
			parents = []ref.Oid{head}
		}
		commit, err := l.repo.CreateCommit(ctx, message, parents)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = l.repo.UpdateRefCas(ctx, l.head, commit, head, subjectPrefix+string(e.Type))
		if err == nil {
			return nil
		}
		if execution.IsCasFailed(err) {
			app.GetLogger().Debug("Ledger head moved %s=%d", MetricAppendRetry, attempt)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)); err != nil {
		return event.Event{}, fmt.Errorf("append %s event: %w", e.Type, err)
	}
	app.GetLogger().Debug("Ledger %s=%s op=%s", MetricAppend, e.Type, e.OpID)
	return e, nil
}

// walk visits events newest first until visit returns false
func (l *Ledger) walk(ctx context.Context, visit func(event.Event) bool) error {
	cur, err := l.repo.ResolveRef(ctx, l.head)
	if err != nil {
		return err
	}
	for !cur.IsZero() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := l.repo.ReadCommit(ctx, cur)
		if err != nil {
			return fmt.Errorf("read ledger entry %s: %w", cur.Short(), err)
		}
		e, err := decode(c.Message)
		if err != nil {
			return fmt.Errorf("ledger entry %s: %w", cur.Short(), err)
		}
		if !visit(e) {
			return nil
		}
		if len(c.Parents) == 0 {
			break
		}
		cur = c.Parents[0]
	}
	return nil
}

func decode(message string) (event.Event, error) {
	_, body, ok := strings.Cut(message, "\n\n")
	if !ok {
		body = message
	}
	return event.Unmarshal([]byte(strings.TrimSpace(body)))
}

func (l *Ledger) List(ctx context.Context, limit int) ([]event.Event, error) {
	var out []event.Event
	err := l.walk(ctx, func(e event.Event) bool {
		out = append(out, e)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

func (l *Ledger) Latest(ctx context.Context) (*event.Event, error) {
	return l.find(ctx, func(event.Event) bool { return true })
}

func (l *Ledger) LastCommitted(ctx context.Context) (*event.Event, error) {
	return l.find(ctx, func(e event.Event) bool { return e.Type == event.TypeCommitted })
}

// Outcome returns the terminal event recorded for opID
func (l *Ledger) Outcome(ctx context.Context, opID string) (*event.Event, error) {
	return l.find(ctx, func(e event.Event) bool {
		return e.OpID == opID && (e.Type == event.TypeCommitted || e.Type == event.TypeAborted)
	})
}

func (l *Ledger) find(ctx context.Context, match func(event.Event) bool) (*event.Event, error) {
	var found *event.Event
	err := l.walk(ctx, func(e event.Event) bool {
		if match(e) {
			found = &e
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
