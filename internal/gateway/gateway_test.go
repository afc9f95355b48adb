package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"isca-tracker/internal/fanout"
	"isca-tracker/internal/protocol"
	"isca-tracker/internal/reconciler"
	"isca-tracker/internal/state"
	"isca-tracker/internal/storage"
	apperrors "isca-tracker/pkg/errors"
	"isca-tracker/pkg/utils"
)

type fakeBus struct {
	connected bool
	emitted   []*protocol.MutationEnvelope
	loginFn   func(ctx context.Context, username, password string) (*protocol.LoginReply, error)
}

func (b *fakeBus) IsConnected() bool { return b.connected }

func (b *fakeBus) EmitMutation(env *protocol.MutationEnvelope) error {
	b.emitted = append(b.emitted, env)
	return nil
}

func (b *fakeBus) Login(ctx context.Context, username, password string) (*protocol.LoginReply, error) {
	if b.loginFn != nil {
		return b.loginFn(ctx, username, password)
	}
	return nil, apperrors.ErrInvalidCredentials
}

type recordingFanout struct {
	created []*state.Entry
	updated [][2]*state.Entry
}

func (f *recordingFanout) EntryCreated(_ context.Context, e *state.Entry, _ []string) {
	f.created = append(f.created, e)
}

func (f *recordingFanout) EntryUpdated(_ context.Context, old, updated *state.Entry) {
	f.updated = append(f.updated, [2]*state.Entry{old, updated})
}

func (f *recordingFanout) AnnouncementPosted(context.Context, *state.Announcement) {}

func newTestGateway(bus Bus, blobs storage.BlobStore) (*Gateway, *reconciler.Reconciler) {
	rec := reconciler.New(state.NewStore(), zap.NewNop())
	return New(bus, blobs, rec, zap.NewNop()), rec
}

func TestSubmitPrefersBusWhenConnected(t *testing.T) {
	bus := &fakeBus{connected: true}
	gw, rec := newTestGateway(bus, storage.NewMemoryStore())

	err := gw.Submit(context.Background(), &protocol.NoteSave{
		Note: state.Note{ID: "n1", Owner: "carlos", Body: "lembrete"},
	})
	require.NoError(t, err)

	require.Len(t, bus.emitted, 1)
	assert.Equal(t, protocol.MutNoteSave, bus.emitted[0].Kind)
	// On the bus path the local store waits for the broadcast.
	assert.Empty(t, rec.Store().Notes())
}

func TestSubmitDirectWriteWhenBusDown(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	gw, rec := newTestGateway(&fakeBus{connected: false}, blobs)

	err := gw.Submit(ctx, &protocol.EntryCreate{
		Entry: state.Entry{Origin: "Matriz", Destination: "Filial Sul"},
	})
	require.NoError(t, err)

	// The whole state blob was written through...
	payload, _, err := blobs.Get(ctx, storage.KeyState)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "Matriz")

	// ...and the local store reflects the change immediately, since no
	// broadcast will reach this client.
	assert.Len(t, rec.Store().Entries(), 1)
}

func TestSubmitDirectWriteBuildsOnExistingBlob(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore()
	gw, _ := newTestGateway(&fakeBus{connected: false}, blobs)

	require.NoError(t, gw.Submit(ctx, &protocol.EntryCreate{
		Entry: state.Entry{ID: "e1", Origin: "Matriz"},
	}))
	require.NoError(t, gw.Submit(ctx, &protocol.EntryCreate{
		Entry: state.Entry{ID: "e2", Origin: "Filial Sul"},
	}))

	payload, _, err := blobs.Get(ctx, storage.KeyState)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "e1")
	assert.Contains(t, string(payload), "e2")
	// Protocol numbers advanced across both writes.
	assert.Contains(t, string(payload), `"nextProtocol":3`)
}

func TestSubmitWithoutTransportFails(t *testing.T) {
	gw, _ := newTestGateway(&fakeBus{connected: false}, nil)

	err := gw.Submit(context.Background(), &protocol.EntryDelete{ID: "e1"})
	assert.ErrorIs(t, err, apperrors.ErrTransportUnavailable)
}

func TestSubmitRejectsOwnershipConflictBeforeSending(t *testing.T) {
	bus := &fakeBus{connected: true}
	gw, rec := newTestGateway(bus, nil)

	rec.Store().LoadState(&state.StateBlob{Entries: []*state.Entry{{
		ID:         "e1",
		CreatedAt:  time.Now().Add(-time.Hour),
		NumIsca:    []string{"R1000"},
		IscaOwners: []string{"Filial Sul"},
	}}})

	err := gw.Submit(context.Background(), &protocol.EntryCreate{
		Entry: state.Entry{
			NumIsca:    []string{"R1000"},
			IscaOwners: []string{"Matriz"},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrOwnershipConflict)
	assert.Empty(t, bus.emitted)
}

func TestSubmitDerivesEntryFanout(t *testing.T) {
	blobs := storage.NewMemoryStore()
	gw, rec := newTestGateway(&fakeBus{connected: false}, blobs)
	fan := &recordingFanout{}
	gw.SetFanout(fan)

	require.NoError(t, gw.Submit(context.Background(), &protocol.EntryCreate{
		Entry: state.Entry{ID: "e1", Origin: "Matriz", Destination: "Filial Sul",
			Status: state.EntryStatusInTransit, NumIsca: []string{"R1000"}},
	}))
	require.Len(t, fan.created, 1)

	// The update preview pairs the pre-image with the merged view.
	require.NotNil(t, rec.Store().FindEntry("e1"))
	require.NoError(t, gw.Submit(context.Background(), &protocol.EntryUpdate{
		ID:      "e1",
		Updates: map[string]any{"status": "recovered"},
	}))
	require.Len(t, fan.updated, 1)
	assert.Equal(t, state.EntryStatusInTransit, fan.updated[0][0].Status)
	assert.Equal(t, state.EntryStatusRecovered, fan.updated[0][1].Status)
}

func TestSubmitEntryUpdatePreservesDeviceStatusPreImage(t *testing.T) {
	blobs := storage.NewMemoryStore()
	gw, _ := newTestGateway(&fakeBus{connected: false}, blobs)
	fan := &recordingFanout{}
	gw.SetFanout(fan)

	require.NoError(t, gw.Submit(context.Background(), &protocol.EntryCreate{
		Entry: state.Entry{ID: "e1", Origin: "Matriz", Destination: "Filial Sul",
			NumIsca:      []string{"R1000"},
			IscaStatuses: []state.EntryStatus{state.EntryStatusInTransit}},
	}))

	require.NoError(t, gw.Submit(context.Background(), &protocol.EntryUpdate{
		ID:      "e1",
		Updates: map[string]any{"iscaStatuses": []string{"lost"}},
	}))

	// The pair handed to the fan-out must actually differ: the pre-image
	// keeps the device's previous status, the preview carries the new one.
	require.Len(t, fan.updated, 1)
	old, updated := fan.updated[0][0], fan.updated[0][1]
	assert.Equal(t, state.EntryStatusInTransit, old.StatusOf(0))
	assert.Equal(t, state.EntryStatusLost, updated.StatusOf(0))
}

func TestDeviceLossDerivesAlertNotification(t *testing.T) {
	blobs := storage.NewMemoryStore()
	gw, rec := newTestGateway(&fakeBus{connected: false}, blobs)
	gw.SetFanout(fanout.New(gw, rec.Store(), zap.NewNop()))

	require.NoError(t, gw.Submit(context.Background(), &protocol.EntryCreate{
		Entry: state.Entry{ID: "e1", Origin: "Matriz", Destination: "Filial Sul",
			NumIsca:      []string{"R1000"},
			IscaStatuses: []state.EntryStatus{state.EntryStatusInTransit}},
	}))

	require.NoError(t, gw.Submit(context.Background(), &protocol.EntryUpdate{
		ID:      "e1",
		Updates: map[string]any{"iscaStatuses": []string{"lost"}},
	}))

	var alerts []*state.Notification
	for _, n := range rec.Store().Notifications() {
		if n.Severity == state.SeverityAlert {
			alerts = append(alerts, n)
		}
	}
	require.NotEmpty(t, alerts)
	assert.Contains(t, alerts[0].Message, "R1000")
	assert.Equal(t, "Matriz", alerts[0].Unit)
}

func TestLoginServerRejectionIsFinal(t *testing.T) {
	hash, err := utils.HashPassword("secret")
	require.NoError(t, err)

	bus := &fakeBus{
		connected: true,
		loginFn: func(context.Context, string, string) (*protocol.LoginReply, error) {
			return nil, apperrors.ErrInvalidCredentials
		},
	}
	gw, rec := newTestGateway(bus, nil)
	// Even with matching local credentials, an explicit rejection never
	// falls back.
	rec.Store().LoadUsers([]*state.User{{ID: "u1", Username: "carlos", PasswordHash: hash}})

	_, _, err = gw.Login(context.Background(), "carlos", "secret")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestLoginFallsBackWhenBusIsSlow(t *testing.T) {
	hash, err := utils.HashPassword("secret")
	require.NoError(t, err)

	bus := &fakeBus{
		connected: true,
		loginFn: func(ctx context.Context, _, _ string) (*protocol.LoginReply, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	gw, rec := newTestGateway(bus, nil)
	gw.SetLoginTimeout(30 * time.Millisecond)
	rec.Store().LoadUsers([]*state.User{{ID: "u1", Username: "carlos", PasswordHash: hash}})

	start := time.Now()
	user, token, err := gw.Login(context.Background(), "carlos", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Empty(t, token)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoginLocalWhenBusDisconnected(t *testing.T) {
	hash, err := utils.HashPassword("secret")
	require.NoError(t, err)

	gw, rec := newTestGateway(&fakeBus{connected: false}, nil)
	rec.Store().LoadUsers([]*state.User{{ID: "u1", Username: "carlos", PasswordHash: hash}})

	user, _, err := gw.Login(context.Background(), "carlos", "secret")
	require.NoError(t, err)
	assert.Equal(t, "carlos", user.Username)

	_, _, err = gw.Login(context.Background(), "carlos", "wrong")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}
