package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"isca-tracker/internal/protocol"
	"isca-tracker/internal/state"
)

type recordingSubmitter struct {
	pushes []state.Notification
}

func (r *recordingSubmitter) Submit(_ context.Context, m protocol.Mutation) error {
	if push, ok := m.(*protocol.NotificationPush); ok {
		r.pushes = append(r.pushes, push.Notification)
	}
	return nil
}

func (r *recordingSubmitter) byUnit(unit string) []state.Notification {
	var out []state.Notification
	for _, n := range r.pushes {
		if n.Unit == unit {
			out = append(out, n)
		}
	}
	return out
}

func TestEntryCreatedNotifiesOriginDestinationAndOwners(t *testing.T) {
	sub := &recordingSubmitter{}
	f := New(sub, state.NewStore(), zap.NewNop())

	f.EntryCreated(context.Background(), &state.Entry{
		Origin:      "Matriz",
		Destination: "Filial Sul",
		NumIsca:     []string{"R1000", "R1001"},
		IscaOwners:  []string{"Filial Norte", "Matriz"},
	}, nil)

	origin := sub.byUnit("Matriz")
	require.Len(t, origin, 1)
	assert.Equal(t, state.SeveritySuccess, origin[0].Severity)

	dest := sub.byUnit("Filial Sul")
	require.Len(t, dest, 1)
	assert.Equal(t, state.SeverityInfo, dest[0].Severity)

	// Third-party owner hears about its device moving; the origin-owned
	// device derives nothing extra.
	owner := sub.byUnit("Filial Norte")
	require.Len(t, owner, 1)
	assert.Equal(t, state.SeveritySuccess, owner[0].Severity)

	assert.Len(t, sub.pushes, 3)
}

func TestEntryCreatedNotifiesTaggedUserBranches(t *testing.T) {
	st := state.NewStore()
	st.LoadUsers([]*state.User{
		{ID: "u1", Username: "carlos", Units: []string{"Matriz", "Filial Norte"}},
	})

	sub := &recordingSubmitter{}
	f := New(sub, st, zap.NewNop())

	f.EntryCreated(context.Background(), &state.Entry{
		Origin:      "Matriz",
		Destination: "Filial Sul",
	}, []string{"carlos", "desconhecido"})

	// Origin + destination + one per branch membership of the tagged
	// user; the unknown username derives nothing.
	assert.Len(t, sub.pushes, 4)
	assert.Len(t, sub.byUnit("Filial Norte"), 1)
}

func TestAnnouncementPostedNotifiesTaggedUsers(t *testing.T) {
	st := state.NewStore()
	st.LoadUsers([]*state.User{
		{ID: "u1", Username: "carlos", Units: []string{"Matriz", "Filial Sul"}},
		{ID: "u2", Username: "ana", Units: []string{"Filial Norte"}},
	})

	sub := &recordingSubmitter{}
	f := New(sub, st, zap.NewNop())

	f.AnnouncementPosted(context.Background(), &state.Announcement{
		Author: "ana",
		Body:   "Inventário na sexta",
		Tagged: []string{"carlos"},
	})

	assert.Len(t, sub.pushes, 2)
	assert.Len(t, sub.byUnit("Matriz"), 1)
	assert.Len(t, sub.byUnit("Filial Sul"), 1)
	assert.Empty(t, sub.byUnit("Filial Norte"))
}

func TestEntryUpdatedStatusTransitions(t *testing.T) {
	sub := &recordingSubmitter{}
	f := New(sub, state.NewStore(), zap.NewNop())

	old := &state.Entry{
		Origin:       "Matriz",
		NumIsca:      []string{"R1000", "R1001", "R1002"},
		IscaStatuses: []state.EntryStatus{state.EntryStatusInTransit, state.EntryStatusInTransit, state.EntryStatusInTransit},
		IscaOwners:   []string{"Filial Sul", "Matriz", "Matriz"},
	}
	updated := &state.Entry{
		Origin:       "Matriz",
		NumIsca:      []string{"R1000", "R1001", "R1002"},
		IscaStatuses: []state.EntryStatus{state.EntryStatusRecovered, state.EntryStatusLost, state.EntryStatusInTransit},
		IscaOwners:   []string{"Filial Sul", "Matriz", "Matriz"},
	}

	f.EntryUpdated(context.Background(), old, updated)

	// Recovered device: success to origin and to the differing owner.
	matriz := sub.byUnit("Matriz")
	sul := sub.byUnit("Filial Sul")
	require.Len(t, sul, 1)
	assert.Equal(t, state.SeveritySuccess, sul[0].Severity)

	// Lost device owned by the origin itself: one alert, no duplicate.
	require.Len(t, matriz, 2)
	assert.Equal(t, state.SeveritySuccess, matriz[0].Severity)
	assert.Equal(t, state.SeverityAlert, matriz[1].Severity)

	// The unchanged third device derived nothing.
	assert.Len(t, sub.pushes, 3)
}

func TestEntryUpdatedNoTransitionsNoNotifications(t *testing.T) {
	sub := &recordingSubmitter{}
	f := New(sub, state.NewStore(), zap.NewNop())

	e := &state.Entry{
		Origin:       "Matriz",
		NumIsca:      []string{"R1000"},
		IscaStatuses: []state.EntryStatus{state.EntryStatusDelivered},
	}
	f.EntryUpdated(context.Background(), e, e)
	assert.Empty(t, sub.pushes)
}

func TestSweeperDropsExpired(t *testing.T) {
	st := state.NewStore()
	st.LoadState(&state.StateBlob{Notifications: []*state.Notification{
		{ID: "n1", Unit: "Matriz", CreatedAt: time.Now().Add(-30 * time.Hour)},
		{ID: "n2", Unit: "Matriz", CreatedAt: time.Now()},
	}})

	sw := NewSweeper(st, zap.NewNop())
	sw.sweep()

	remaining := st.Notifications()
	require.Len(t, remaining, 1)
	assert.Equal(t, "n2", remaining[0].ID)
}
