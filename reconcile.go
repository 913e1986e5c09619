package larder

import (
	"errors"
	"log/slog"
	"time"
)

// Reconciler applies mutations from two sources into the [IndexedStore] under
// a single ordering rule: remote events always supersede local optimistic
// state for the same entity, because the remote is the durable source of
// truth. Local mutations apply immediately (optimistic) and leave the entity
// marked dirty until a remote event for it arrives or the dirty TTL elapses.
type Reconciler struct {
	store    *IndexedStore
	dirtyTTL time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewReconciler wires a reconciler to the store. dirtyTTL bounds how long a
// local optimistic edit stays marked dirty without remote confirmation.
func NewReconciler(store *IndexedStore, dirtyTTL time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, dirtyTTL: dirtyTTL, log: logger, now: time.Now}
}

// ApplyRemote applies one pushed change. It never returns an error: a
// malformed event is logged and dropped so one bad event cannot block the
// stream, and redelivered events converge to the same state.
//
// Returns true when the event mutated the store, false when it was dropped or
// was a duplicate no-op.
func (r *Reconciler) ApplyRemote(ev RemoteEvent) bool {
	d := ev.Delta

	switch d.Op {
	case OpInsert, OpUpdate:
		if d.Entity.ID == "" {
			r.log.Warn("dropping malformed remote event: missing entity ID",
				"collection", ev.Collection, "op", d.Op.String())
			return false
		}
	case OpDelete:
		if d.ID == "" {
			r.log.Warn("dropping malformed remote event: missing ID",
				"collection", ev.Collection, "op", d.Op.String())
			return false
		}
	default:
		r.log.Warn("dropping malformed remote event: unknown op",
			"collection", ev.Collection, "op", int(d.Op))
		return false
	}

	var err error
	switch d.Op {
	case OpInsert:
		err = r.store.ApplyDelta(ev.Collection, d)
		var verr *ValidationError
		if errors.As(err, &verr) && existsIn(r.store.Snapshot(), ev.Collection, d.Entity.ID) {
			// Redelivered or out-of-order insert — the entity is already
			// present, so overwrite it instead.
			err = r.store.ApplyDelta(ev.Collection, Update(d.Entity))
		}
	case OpUpdate:
		err = r.store.ApplyDelta(ev.Collection, d)
		var nferr *NotFoundError
		if errors.As(err, &nferr) {
			// The preceding insert may have been dropped upstream; treat the
			// update as carrying the full record.
			err = r.store.ApplyDelta(ev.Collection, Insert(d.Entity))
		}
	case OpDelete:
		err = r.store.ApplyDelta(ev.Collection, d)
		var nferr *NotFoundError
		if errors.As(err, &nferr) {
			// Already gone — duplicate delivery is a no-op.
			r.log.Debug("remote delete of unknown entity",
				"collection", ev.Collection, "id", d.ID)
			r.store.ClearDirty(ev.Collection, d.ID)
			return false
		}
	}

	if err != nil {
		r.log.Warn("dropping remote event",
			"collection", ev.Collection,
			"op", d.Op.String(),
			"id", d.ID,
			"error", err,
		)
		return false
	}

	// Remote confirmation clears any pending optimistic mark for the entity.
	r.store.ClearDirty(ev.Collection, d.ID)
	return true
}

// ApplyLocal applies a user-driven mutation intent optimistically and marks
// the entity dirty until a remote event confirms it or the TTL elapses.
//
// Validation errors propagate to the caller (a caller bug). A NotFoundError
// on update or delete is logged and swallowed: the entity is already in the
// state the caller wanted, or was removed remotely in the meantime.
func (r *Reconciler) ApplyLocal(name CollectionName, d Delta) error {
	err := r.store.ApplyDelta(name, d)

	var nferr *NotFoundError
	if errors.As(err, &nferr) {
		r.log.Info("local mutation targets unknown entity, ignoring",
			"collection", name, "op", d.Op.String(), "id", d.ID)
		return nil
	}
	if err != nil {
		return err
	}

	if d.Op != OpDelete {
		r.store.MarkDirty(name, d.ID, r.now().Add(r.dirtyTTL))
	}
	return nil
}

// existsIn reports whether the snapshot holds the entity.
func existsIn(snap *Snapshot, name CollectionName, id string) bool {
	_, ok := snap.Entity(name, id)
	return ok
}
