package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"isca-tracker/internal/feed"
	"isca-tracker/internal/protocol"
	"isca-tracker/internal/reconciler"
	"isca-tracker/internal/state"
	"isca-tracker/internal/storage"
)

// World is the authoritative copy of the application state. Every
// mutation runs under one mutex, which is what makes the
// check-then-apply sequences (ownership check, protocol allocation)
// atomic: no interleaving is possible between validation and commit.
//
// After a successful apply the affected blob is written through to the
// backing store and the local snapshot directory. Persistence failures
// are logged, not surfaced — the in-memory state has already advanced
// and the confirmed event is broadcast regardless.
type World struct {
	mu    sync.Mutex
	store *state.Store
	blobs storage.BlobStore
	snaps *storage.Snapshots
	pub   *feed.Publisher
	log   *zap.Logger
}

// NewWorld wires the authoritative state. blobs and pub may be nil:
// without a backing store the world persists to snapshots only, and
// without a publisher the fallback feed simply stays silent.
func NewWorld(store *state.Store, blobs storage.BlobStore, snaps *storage.Snapshots, pub *feed.Publisher, log *zap.Logger) *World {
	return &World{store: store, blobs: blobs, snaps: snaps, pub: pub, log: log}
}

func (w *World) Store() *state.Store { return w.store }

// Load restores every blob at startup, preferring the backing store and
// falling back to the snapshot directory. A blob missing from both is
// an empty collection, not an error.
func (w *World) Load(ctx context.Context) error {
	for _, key := range []string{storage.KeyState, storage.KeyUsers, storage.KeyNotes, storage.KeyReviews} {
		payload, err := w.loadBlob(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrBlobNotFound) {
				continue
			}
			return err
		}
		if err := w.restore(key, payload); err != nil {
			return err
		}
	}
	return nil
}

func (w *World) loadBlob(ctx context.Context, key string) ([]byte, error) {
	if w.blobs != nil {
		payload, _, err := w.blobs.Get(ctx, key)
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, storage.ErrBlobNotFound) {
			w.log.Warn("backing store read failed, trying snapshot",
				zap.String("key", key), zap.Error(err))
		}
	}
	if w.snaps == nil {
		return nil, storage.ErrBlobNotFound
	}
	return w.snaps.Load(key)
}

func (w *World) restore(key string, payload []byte) error {
	switch key {
	case storage.KeyState:
		var blob state.StateBlob
		if err := json.Unmarshal(payload, &blob); err != nil {
			return err
		}
		w.store.LoadState(&blob)
	case storage.KeyUsers:
		var users []*state.User
		if err := json.Unmarshal(payload, &users); err != nil {
			return err
		}
		w.store.LoadUsers(users)
	case storage.KeyNotes:
		var notes []*state.Note
		if err := json.Unmarshal(payload, &notes); err != nil {
			return err
		}
		w.store.LoadNotes(notes)
	case storage.KeyReviews:
		var reviews []*state.Review
		if err := json.Unmarshal(payload, &reviews); err != nil {
			return err
		}
		w.store.LoadReviews(reviews)
	}
	return nil
}

// Mutate runs a mutation intent through the shared semantics under the
// single-writer lock and returns the confirmed event.
func (w *World) Mutate(ctx context.Context, m protocol.Mutation) (*protocol.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ev, err := reconciler.Mutate(w.store, m, time.Now())
	if err != nil {
		return nil, err
	}

	w.persist(ctx, blobKeyForCollection(ev.Collection))
	if w.pub != nil {
		w.pub.EventConfirmed(ev)
	}
	return ev, nil
}

func blobKeyForCollection(col state.Collection) string {
	switch col {
	case state.ColUsers:
		return storage.KeyUsers
	case state.ColNotes:
		return storage.KeyNotes
	case state.ColReviews:
		return storage.KeyReviews
	default:
		return storage.KeyState
	}
}

func (w *World) persist(ctx context.Context, key string) {
	payload, err := w.exportBlob(key)
	if err != nil {
		w.log.Error("failed to encode blob", zap.String("key", key), zap.Error(err))
		return
	}

	if w.blobs != nil {
		if err := w.blobs.Put(ctx, key, payload); err != nil {
			w.log.Warn("backing store write failed",
				zap.String("key", key), zap.Error(err))
		}
	}
	if w.snaps != nil {
		if err := w.snaps.Save(key, payload); err != nil {
			w.log.Warn("snapshot write failed",
				zap.String("key", key), zap.Error(err))
		}
	}
}

func (w *World) exportBlob(key string) ([]byte, error) {
	switch key {
	case storage.KeyUsers:
		return json.Marshal(w.store.Users())
	case storage.KeyNotes:
		return json.Marshal(w.store.Notes())
	case storage.KeyReviews:
		return json.Marshal(w.store.Reviews())
	default:
		return json.Marshal(w.store.ExportState())
	}
}
