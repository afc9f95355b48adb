// Package reconciler merges events arriving from the primary bus and the
// fallback change feed into the entity store. Every application is keyed
// by entity identity, so double delivery across channels collapses into a
// no-op or an idempotent overwrite, never a duplicate record.
package reconciler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"isca-tracker/internal/protocol"
	"isca-tracker/internal/state"
)

type Reconciler struct {
	store   *state.Store
	metrics *Metrics
	log     *zap.Logger

	mu        sync.RWMutex
	listeners []func(*protocol.Event)
}

func New(store *state.Store, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		metrics: NewMetrics(),
		log:     log,
	}
}

func (r *Reconciler) Store() *state.Store { return r.store }

func (r *Reconciler) Metrics() *Metrics { return r.metrics }

// OnEvent registers a listener invoked after an event has been applied.
func (r *Reconciler) OnEvent(fn func(*protocol.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Apply routes one inbound event into the store. Snapshot payloads
// (OpReplace) overwrite the whole collection; event payloads merge.
// No cross-channel ordering is assumed: a stale update landing after a
// fresh one wins per overlapping field, which is the accepted
// weak-consistency trade-off of the dual-channel design.
func (r *Reconciler) Apply(ev *protocol.Event) error {
	applied, err := ApplyEvent(r.store, ev)
	if err != nil {
		r.metrics.Update(func(m *SyncMetrics) { m.EventsFailed++ })
		r.log.Warn("failed to apply event",
			zap.String("event", ev.Name()),
			zap.String("id", ev.ID),
			zap.Error(err),
		)
		return err
	}

	r.metrics.Update(func(m *SyncMetrics) {
		if applied {
			m.EventsApplied++
		} else {
			m.EventsDeduplicated++
		}
		if ev.Op == protocol.OpReplace {
			m.SnapshotsReplaced++
		}
		m.LastAppliedAt = time.Now()
	})

	if applied {
		r.notify(ev)
	}
	return nil
}

// ApplyStateSnapshot replaces every collection carried by the aggregate
// state blob, the delivery shape of the fallback feed's "state" row.
func (r *Reconciler) ApplyStateSnapshot(blob *state.StateBlob) {
	r.store.LoadState(blob)
	r.metrics.Update(func(m *SyncMetrics) {
		m.SnapshotsReplaced++
		m.LastAppliedAt = time.Now()
	})
}

func (r *Reconciler) notify(ev *protocol.Event) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
