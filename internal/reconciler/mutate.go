package reconciler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"isca-tracker/internal/protocol"
	"isca-tracker/internal/state"
	apperrors "isca-tracker/pkg/errors"
)

// ApplyEvent routes a confirmed event into a store. Shared by the
// reconciler (inbound channels) and Mutate (outbound application).
func ApplyEvent(st *state.Store, ev *protocol.Event) (bool, error) {
	switch ev.Op {
	case protocol.OpCreate:
		return st.ApplyCreate(ev.Collection, ev.Payload)
	case protocol.OpUpdate:
		return st.ApplyUpdate(ev.Collection, ev.ID, ev.Updates)
	case protocol.OpDelete:
		return st.ApplyDelete(ev.Collection, ev.ID), nil
	case protocol.OpReplace:
		err := st.ReplaceCollection(ev.Collection, ev.Payload)
		return err == nil, err
	}
	return false, fmt.Errorf("unknown op %q", ev.Op)
}

// Mutate applies a mutation intent to a store and returns the confirmed
// event to broadcast. This is the one place mutation semantics live: the
// authoritative server runs it under its single-writer lock, and the
// gateway's direct-write fallback runs it against the blob it just read.
//
// Ownership checks and protocol allocation happen here, before the
// create is accepted — the client-side check is a UX optimization, not
// the boundary.
func Mutate(st *state.Store, m protocol.Mutation, now time.Time) (*protocol.Event, error) {
	switch mut := m.(type) {
	case *protocol.EntryCreate:
		return mutateEntryCreate(st, mut, now)

	case *protocol.EntryUpdate:
		if st.FindEntry(mut.ID) == nil {
			return nil, apperrors.ErrNotFound
		}
		return applyAndReturn(st, &protocol.Event{
			Collection: state.ColEntries,
			Op:         protocol.OpUpdate,
			ID:         mut.ID,
			Updates:    mut.Updates,
		})

	case *protocol.EntryDelete:
		return applyAndReturn(st, &protocol.Event{
			Collection: state.ColEntries,
			Op:         protocol.OpDelete,
			ID:         mut.ID,
		})

	case *protocol.ChatPost:
		msg := mut.Message
		ensureIdentity(&msg.ID, &msg.CreatedAt, now)
		return createEvent(st, state.ColChats, msg.ID, msg)

	case *protocol.NotificationPush:
		n := mut.Notification
		ensureIdentity(&n.ID, &n.CreatedAt, now)
		return createEvent(st, state.ColNotifications, n.ID, n)

	case *protocol.NotificationRead:
		return mutateNotificationRead(st, mut)

	case *protocol.AnnouncementCreate:
		a := mut.Announcement
		ensureIdentity(&a.ID, &a.CreatedAt, now)
		return createEvent(st, state.ColAnnouncements, a.ID, a)

	case *protocol.NoticeCreate:
		n := mut.Notice
		ensureIdentity(&n.ID, &n.CreatedAt, now)
		n.Status = state.NoticePending
		return createEvent(st, state.ColNotices, n.ID, n)

	case *protocol.NoticeRespond:
		return mutateNoticeRespond(st, mut, now)

	case *protocol.UnitSave:
		u := mut.Unit
		ensureIdentity(&u.ID, &u.CreatedAt, now)
		return upsertEvent(st, state.ColUnits, u.ID, u, unitExists(st, u.ID))

	case *protocol.UserSave:
		return mutateUserSave(st, mut, now)

	case *protocol.UserDelete:
		return applyAndReturn(st, &protocol.Event{
			Collection: state.ColUsers,
			Op:         protocol.OpDelete,
			ID:         mut.ID,
		})

	case *protocol.NoteSave:
		n := mut.Note
		ensureIdentity(&n.ID, &n.CreatedAt, now)
		n.UpdatedAt = now
		return upsertEvent(st, state.ColNotes, n.ID, n, noteExists(st, n.ID))

	case *protocol.NoteDelete:
		return applyAndReturn(st, &protocol.Event{
			Collection: state.ColNotes,
			Op:         protocol.OpDelete,
			ID:         mut.ID,
		})

	case *protocol.ReviewSave:
		r := mut.Review
		ensureIdentity(&r.ID, &r.CreatedAt, now)
		return upsertEvent(st, state.ColReviews, r.ID, r, reviewExists(st, r.ID))

	case *protocol.ReviewDelete:
		return applyAndReturn(st, &protocol.Event{
			Collection: state.ColReviews,
			Op:         protocol.OpDelete,
			ID:         mut.ID,
		})
	}
	return nil, fmt.Errorf("unknown mutation kind %q", m.Kind())
}

func mutateEntryCreate(st *state.Store, mut *protocol.EntryCreate, now time.Time) (*protocol.Event, error) {
	e := mut.Entry
	ensureIdentity(&e.ID, &e.CreatedAt, now)

	col := state.ColEntries
	if mut.Stock {
		col = state.ColStockEntries
	}

	// Replayed create: the entry is already present, re-emit without
	// consuming a protocol number or re-checking ownership.
	if existing := st.FindEntry(e.ID); existing != nil {
		payload, err := json.Marshal(existing)
		if err != nil {
			return nil, err
		}
		return &protocol.Event{Collection: col, Op: protocol.OpCreate, ID: e.ID, Payload: payload}, nil
	}

	for i, device := range e.NumIsca {
		owner := e.OwnerOf(i)
		if owner == "" {
			continue
		}
		if err := st.CheckOwnership(device, owner); err != nil {
			return nil, err
		}
	}

	// Shipment-kind records consume the shared counter; stock-control
	// records never carry a protocol number.
	if !mut.Stock {
		n := st.AdvanceProtocol()
		e.Protocol = &n
	} else {
		e.Protocol = nil
	}
	e.Normalize()

	return createEvent(st, col, e.ID, e)
}

func mutateNotificationRead(st *state.Store, mut *protocol.NotificationRead) (*protocol.Event, error) {
	var target *state.Notification
	for _, n := range st.Notifications() {
		if n.ID == mut.ID {
			target = n
			break
		}
	}
	if target == nil {
		return nil, apperrors.ErrNotFound
	}
	// Marking twice is replay-safe: the branch list is deduplicated.
	readBy := append(append([]string(nil), target.ReadBy...), mut.Unit)
	return applyAndReturn(st, &protocol.Event{
		Collection: state.ColNotifications,
		Op:         protocol.OpUpdate,
		ID:         mut.ID,
		Updates:    map[string]any{"readBy": dedupe(readBy)},
	})
}

func mutateNoticeRespond(st *state.Store, mut *protocol.NoticeRespond, now time.Time) (*protocol.Event, error) {
	var target *state.Notice
	for _, n := range st.Notices() {
		if n.ID == mut.ID {
			target = n
			break
		}
	}
	if target == nil {
		return nil, apperrors.ErrNotFound
	}
	if target.Status == state.NoticeResponded {
		return nil, apperrors.ErrAlreadyResponded
	}
	if target.To != mut.Branch {
		return nil, apperrors.ErrWrongBranch
	}
	return applyAndReturn(st, &protocol.Event{
		Collection: state.ColNotices,
		Op:         protocol.OpUpdate,
		ID:         mut.ID,
		Updates: map[string]any{
			"response":    mut.Response,
			"status":      string(state.NoticeResponded),
			"respondedAt": now.Format(time.RFC3339Nano),
		},
	})
}

func mutateUserSave(st *state.Store, mut *protocol.UserSave, now time.Time) (*protocol.Event, error) {
	u := mut.User
	ensureIdentity(&u.ID, &u.CreatedAt, now)

	if existing := st.FindUser(u.Username); existing != nil && existing.ID != u.ID {
		return nil, apperrors.ErrUserAlreadyExists
	}

	exists := false
	for _, other := range st.Users() {
		if other.ID == u.ID {
			exists = true
			break
		}
	}
	return upsertEvent(st, state.ColUsers, u.ID, u, exists)
}

func createEvent(st *state.Store, col state.Collection, id string, entity any) (*protocol.Event, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	return applyAndReturn(st, &protocol.Event{
		Collection: col,
		Op:         protocol.OpCreate,
		ID:         id,
		Payload:    payload,
	})
}

func upsertEvent(st *state.Store, col state.Collection, id string, entity any, exists bool) (*protocol.Event, error) {
	if !exists {
		return createEvent(st, col, id, entity)
	}
	updates, err := structToMap(entity)
	if err != nil {
		return nil, err
	}
	return applyAndReturn(st, &protocol.Event{
		Collection: col,
		Op:         protocol.OpUpdate,
		ID:         id,
		Updates:    updates,
	})
}

func applyAndReturn(st *state.Store, ev *protocol.Event) (*protocol.Event, error) {
	if _, err := ApplyEvent(st, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func ensureIdentity(id *string, createdAt *time.Time, now time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if createdAt.IsZero() {
		*createdAt = now
	}
}

func structToMap(entity any) (map[string]any, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unitExists(st *state.Store, id string) bool {
	for _, u := range st.Units() {
		if u.ID == id {
			return true
		}
	}
	return false
}

func noteExists(st *state.Store, id string) bool {
	for _, n := range st.Notes() {
		if n.ID == id {
			return true
		}
	}
	return false
}

func reviewExists(st *state.Store, id string) bool {
	for _, r := range st.Reviews() {
		if r.ID == id {
			return true
		}
	}
	return false
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		key := strings.ToLower(it)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}
