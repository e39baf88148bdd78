package engine

import (
	"context"
	"fmt"

	"github.com/YoshitsuguKoike/lattice/internal/domain/execution"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/plan"
	"github.com/YoshitsuguKoike/lattice/internal/domain/model/ref"
)

// precheck verifies every precondition of steps against the repository
// before anything is written. Writes by earlier steps are simulated; a ref
// rewritten by a git command or a metadata write is unknown afterwards and
// not checked again.
func (e *Executor) precheck(ctx context.Context, steps []plan.Step) error {
	type value struct {
		oid   ref.Oid
		known bool
	}
	sim := make(map[ref.RefName]value)

	current := func(name ref.RefName) (value, error) {
		if v, ok := sim[name]; ok {
			return v, nil
		}
		oid, err := e.repo.ResolveRef(ctx, name)
		if err != nil {
			return value{}, fmt.Errorf("resolve %s: %w", name, err)
		}
		v := value{oid: oid, known: true}
		sim[name] = v
		return v, nil
	}

	for _, step := range steps {
		if step.Remote() {
			continue
		}
		for _, t := range step.Touches() {
			v, err := current(t.Ref)
			if err != nil {
				return err
			}
			if v.known && !v.oid.Equals(t.Expected) {
				return execution.CasFailed(t.Ref.String(), t.Expected.String(), v.oid.String())
			}
		}
		switch s := step.(type) {
		case plan.UpdateRefCas:
			sim[s.Ref] = value{oid: s.New, known: true}
		case plan.DeleteRefCas:
			sim[s.Ref] = value{oid: ref.ZeroOid, known: true}
		default:
			for _, t := range s.Touches() {
				sim[t.Ref] = value{}
			}
		}
	}
	return nil
}
