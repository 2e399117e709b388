package board

import (
	"fmt"
	"time"
)

// WriteOutcome captures the decision for a single element write. Transitioned
// reports whether the write changed stored state; callers only broadcast on
// transitions, which keeps repeated deletes free of duplicate side effects.
type WriteOutcome struct {
	Element      *Element
	Transitioned bool
}

// resolveAdd decides an add against the stored row for the same uid, if any.
// An active row under the requested uid is a conflict: the client must
// regenerate a fresh uid and retry. A soft-deleted row is reactivated in
// place with its revision continuing past the deleted lineage, so observers
// never see a revision repeat for a (board, uid) pair.
func resolveAdd(existing *Element, draft ElementDraft, boardID BoardID, author UserID, uid, zIndex int64, appliedAt time.Time) (WriteOutcome, error) {
	if existing != nil && !existing.IsDeleted {
		return WriteOutcome{}, fmt.Errorf("%w: uid %d on whiteboard %s", ErrConflict, uid, boardID.String())
	}

	element := Element{
		BoardID:          boardID.String(),
		UID:              uid,
		ElementType:      draft.ElementType,
		PayloadJSON:      draft.PayloadJSON,
		AssetID:          draft.AssetID,
		ZIndex:           zIndex,
		Revision:         1,
		IsDeleted:        false,
		CreatedBy:        author.String(),
		CreatedAtSeconds: appliedAt.Unix(),
		UpdatedAtSeconds: appliedAt.Unix(),
	}

	if existing != nil {
		element.CreatedBy = existing.CreatedBy
		element.CreatedAtSeconds = existing.CreatedAtSeconds
		element.Revision = existing.Revision + 1
	}

	return WriteOutcome{Element: &element, Transitioned: true}, nil
}

// resolveUpdate applies a whole-payload replacement to an active element.
// Last-writer-wins: the patch overwrites the stored geometry/type payload
// entirely and the revision increments. Updates referencing a missing or
// deleted uid fail with NotFound, which the client interprets as
// "re-create or discard". A patched z-index may collide with another
// element's; listings break the tie by uid until a reorder renumbers the
// stack.
func resolveUpdate(existing *Element, patch ElementPatch, appliedAt time.Time) (WriteOutcome, error) {
	if existing == nil || existing.IsDeleted {
		return WriteOutcome{}, fmt.Errorf("%w: no active element", ErrNotFound)
	}

	updated := *existing
	updated.ElementType = patch.ElementType
	updated.PayloadJSON = patch.PayloadJSON
	updated.AssetID = patch.AssetID
	if patch.ZIndex != nil {
		updated.ZIndex = *patch.ZIndex
	}
	updated.Revision = existing.Revision + 1
	updated.UpdatedAtSeconds = appliedAt.Unix()

	return WriteOutcome{Element: &updated, Transitioned: true}, nil
}

// resolveDelete soft-deletes an element. Deleting a missing or already
// deleted element is a successful no-op without a state transition.
func resolveDelete(existing *Element, appliedAt time.Time) WriteOutcome {
	if existing == nil {
		return WriteOutcome{Element: nil, Transitioned: false}
	}
	if existing.IsDeleted {
		copyStored := *existing
		return WriteOutcome{Element: &copyStored, Transitioned: false}
	}

	deleted := *existing
	deleted.IsDeleted = true
	deleted.Revision = existing.Revision + 1
	deleted.UpdatedAtSeconds = appliedAt.Unix()

	return WriteOutcome{Element: &deleted, Transitioned: true}
}
