package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"isca-tracker/internal/protocol"
	"isca-tracker/internal/state"
	"isca-tracker/internal/storage"
)

func unmarshalPayload(ev *protocol.Event, v any) error {
	return json.Unmarshal(ev.Payload, v)
}

func newTestWorld(t *testing.T, blobs storage.BlobStore) *World {
	t.Helper()
	snaps, err := storage.NewSnapshots(t.TempDir())
	require.NoError(t, err)
	return NewWorld(state.NewStore(), blobs, snaps, nil, zap.NewNop())
}

func TestWorldMutateWritesThrough(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	world := newTestWorld(t, blobs)

	ev, err := world.Mutate(ctx, &protocol.EntryCreate{
		Entry: state.Entry{Origin: "Matriz", Destination: "Filial Sul"},
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.OpCreate, ev.Op)

	payload, _, err := blobs.Get(ctx, storage.KeyState)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "Matriz")

	// User mutations land in their own blob, not the state blob.
	_, err = world.Mutate(ctx, &protocol.UserSave{User: state.User{Username: "carlos"}})
	require.NoError(t, err)
	users, _, err := blobs.Get(ctx, storage.KeyUsers)
	require.NoError(t, err)
	assert.Contains(t, string(users), "carlos")
}

func TestWorldLoadPrefersBackingStore(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	require.NoError(t, blobs.Put(ctx, storage.KeyState, []byte(`{"entries":[{"id":"from-db"}],"nextProtocol":5}`)))

	world := newTestWorld(t, blobs)
	require.NoError(t, world.Load(ctx))

	assert.NotNil(t, world.Store().FindEntry("from-db"))
	assert.Equal(t, 5, world.Store().NextProtocol())
}

func TestWorldLoadFallsBackToSnapshots(t *testing.T) {
	ctx := context.Background()
	snaps, err := storage.NewSnapshots(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, snaps.Save(storage.KeyState, []byte(`{"entries":[{"id":"from-snapshot"}]}`)))
	require.NoError(t, snaps.Save(storage.KeyUsers, []byte(`[{"id":"u1","username":"carlos"}]`)))

	world := NewWorld(state.NewStore(), nil, snaps, nil, zap.NewNop())
	require.NoError(t, world.Load(ctx))

	assert.NotNil(t, world.Store().FindEntry("from-snapshot"))
	assert.NotNil(t, world.Store().FindUser("carlos"))
}

func TestWorldRestartResumesProtocolCounter(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()

	world := newTestWorld(t, blobs)
	for i := 0; i < 3; i++ {
		_, err := world.Mutate(ctx, &protocol.EntryCreate{Entry: state.Entry{Origin: "Matriz"}})
		require.NoError(t, err)
	}

	// A fresh world booting from the same store continues, never reuses.
	reborn := newTestWorld(t, blobs)
	require.NoError(t, reborn.Load(ctx))
	ev, err := reborn.Mutate(ctx, &protocol.EntryCreate{Entry: state.Entry{Origin: "Matriz"}})
	require.NoError(t, err)

	var created state.Entry
	require.NoError(t, unmarshalPayload(ev, &created))
	require.NotNil(t, created.Protocol)
	assert.Equal(t, 4, *created.Protocol)
}

// The single-writer lock is what makes protocol numbers unique: many
// concurrent submitters must never observe the same counter value.
func TestWorldProtocolNumbersUniqueUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	world := newTestWorld(t, storage.NewMemoryStore())

	const n = 50
	protocols := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := world.Mutate(ctx, &protocol.EntryCreate{Entry: state.Entry{Origin: "Matriz"}})
			if err != nil {
				t.Error(err)
				return
			}
			var created state.Entry
			if err := unmarshalPayload(ev, &created); err != nil {
				t.Error(err)
				return
			}
			protocols <- *created.Protocol
		}()
	}
	wg.Wait()
	close(protocols)

	seen := make(map[int]bool)
	for p := range protocols {
		assert.False(t, seen[p], "protocol %d assigned twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n+1, world.Store().NextProtocol())
}
