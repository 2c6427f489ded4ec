package template

import (
	"github.com/taskrt/tracecore/pkg/tracecore/external"
	"github.com/taskrt/tracecore/pkg/tracecore/instr"
)

// markImmutableIndirections implements §4.4.5: after optimization, for each
// IssueAcross check whether the source/destination indirection field's view
// users are all read-only with disjoint or compatible expressions; if so,
// flag the executor so it reuses its precomputed preimages across replays.
func (t *PhysicalTemplate) markImmutableIndirections() {
	for _, in := range t.instructions {
		across, ok := in.(*instr.IssueAcross)
		if !ok || across.Executor == nil {
			continue
		}
		if t.indirectionIsImmutable(across) {
			across.Executor.MarkTraceImmutableIndirection()
		}
	}
}

func (t *PhysicalTemplate) indirectionIsImmutable(across *instr.IssueAcross) bool {
	owner := across.Owner().Key()
	for view, users := range t.viewUsers {
		_ = view
		for i, u := range users {
			if u.Owner.Key() != owner {
				continue
			}
			if u.Usage != external.UsageReadOnly {
				return false
			}
			for j, other := range users {
				if i == j || other.Owner.Key() == owner {
					continue
				}
				if t.Forest != nil && !t.Forest.IsEmpty(t.Forest.Intersect(u.Expr, other.Expr)) && other.Usage != external.UsageReadOnly {
					return false
				}
			}
		}
	}
	return true
}
