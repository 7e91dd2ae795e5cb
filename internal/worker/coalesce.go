package worker

import (
	"sort"

	"focusdeck/internal/models"
)

// CoalesceOperations collapses every queued operation for one entity into a
// single effective operation:
//
//   - any delete dominates the whole group;
//   - a create absorbs later updates, field by field, later enqueues winning;
//   - plain updates merge into one update the same way.
//
// The earliest constituent contributes identity, base version and creation
// time so FIFO ordering and the version guard captured first are preserved.
// Returns nil for an empty group.
func CoalesceOperations(ops []models.WriteOperation) *models.WriteOperation {
	if len(ops) == 0 {
		return nil
	}

	sorted := append([]models.WriteOperation(nil), ops...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	eff := sorted[0]
	eff.Payload = sorted[0].Payload.Clone()

	for _, op := range sorted {
		if op.Op == models.OpDelete {
			out := sorted[0]
			out.Op = models.OpDelete
			out.Payload = nil
			return &out
		}
	}

	for _, op := range sorted[1:] {
		eff.Payload = eff.Payload.Merge(op.Payload)
	}

	// A create anywhere in the group makes the whole thing a create; the
	// entity has never reached the remote store yet.
	for _, op := range sorted {
		if op.Op == models.OpCreate {
			eff.Op = models.OpCreate
			return &eff
		}
	}

	eff.Op = models.OpUpdate
	return &eff
}

// SortOperations orders a mixed batch for safe execution: creates first,
// then updates, then deletes, preserving enqueue order inside each bucket.
// Creates must land before anything references them; updating a row about
// to be deleted is wasted work.
func SortOperations(ops []models.WriteOperation) []models.WriteOperation {
	out := append([]models.WriteOperation(nil), ops...)
	rank := func(op models.OpType) int {
		switch op {
		case models.OpCreate:
			return 0
		case models.OpUpdate:
			return 1
		case models.OpDelete:
			return 2
		default:
			return 3
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].Op), rank(out[j].Op)
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
