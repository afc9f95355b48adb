package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "isca-tracker/pkg/errors"
)

// Store holds the reconciled collections. Every apply function is
// deterministic given the same payload and keyed by entity identity, so
// replaying an event is a no-op or an idempotent overwrite, never a
// duplicate record.
//
// The store's own mutex makes individual applies safe; atomicity across a
// check-then-apply sequence (ownership check, protocol allocation) is the
// caller's responsibility — the authoritative server runs those under its
// single-writer lock.
type Store struct {
	mu sync.RWMutex

	entries       []*Entry
	stockEntries  []*Entry
	units         []*Unit
	notifications []*Notification
	chats         []*ChatMessage
	announcements []*Announcement
	notices       []*Notice
	users         []*User
	notes         []*Note
	reviews       []*Review

	nextProtocol int
}

func NewStore() *Store {
	return &Store{nextProtocol: 1}
}

func findIndex[T any](items []*T, id string, idOf func(*T) string) int {
	for i, it := range items {
		if idOf(it) == id {
			return i
		}
	}
	return -1
}

func removeAt[T any](items []*T, i int) []*T {
	return append(items[:i], items[i+1:]...)
}

// mergeFields shallowly merges updates into dst through a JSON round trip:
// last write wins per field, untouched fields keep their value.
func mergeFields(dst any, updates map[string]any) error {
	base, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return err
	}
	for k, v := range updates {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, dst)
}

// Clone returns a deep copy of the entry. Slice fields are copied, so
// the clone never aliases the store's live record: a later merge into
// either side cannot leak into the other through shared backing arrays.
func (e *Entry) Clone() *Entry {
	clone := *e
	if e.Protocol != nil {
		p := *e.Protocol
		clone.Protocol = &p
	}
	clone.NumIsca = append([]string(nil), e.NumIsca...)
	clone.IscaStatuses = append([]EntryStatus(nil), e.IscaStatuses...)
	clone.IscaOwners = append([]string(nil), e.IscaOwners...)
	return &clone
}

// Merged returns a fresh entry with updates shallowly merged in, without
// touching the receiver. Used to preview the post-update view when
// deriving notifications from a status transition; decoding into a zero
// Entry keeps the preview from writing through the receiver's slices.
func (e *Entry) Merged(updates map[string]any) (*Entry, error) {
	base, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range updates {
		m[k] = v
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var merged Entry
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	merged.Normalize()
	return &merged, nil
}

// ApplyCreate inserts the payload unless an item with the same identity
// already exists. Returns false on replayed events.
func (s *Store) ApplyCreate(col Collection, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch col {
	case ColEntries, ColStockEntries:
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return false, err
		}
		if s.findEntryLocked(e.ID) != nil {
			return false, nil
		}
		e.Normalize()
		if col == ColEntries {
			s.entries = append(s.entries, &e)
		} else {
			s.stockEntries = append(s.stockEntries, &e)
		}
	case ColUnits:
		return createInto(&s.units, payload, func(u *Unit) string { return u.ID })
	case ColNotifications:
		return createInto(&s.notifications, payload, func(n *Notification) string { return n.ID })
	case ColChats:
		return createInto(&s.chats, payload, func(c *ChatMessage) string { return c.ID })
	case ColAnnouncements:
		return createInto(&s.announcements, payload, func(a *Announcement) string { return a.ID })
	case ColNotices:
		return createInto(&s.notices, payload, func(n *Notice) string { return n.ID })
	case ColUsers:
		return createInto(&s.users, payload, func(u *User) string { return u.ID })
	case ColNotes:
		return createInto(&s.notes, payload, func(n *Note) string { return n.ID })
	case ColReviews:
		return createInto(&s.reviews, payload, func(r *Review) string { return r.ID })
	default:
		return false, fmt.Errorf("unknown collection %q", col)
	}
	return true, nil
}

func createInto[T any](items *[]*T, payload []byte, idOf func(*T) string) (bool, error) {
	var item T
	if err := json.Unmarshal(payload, &item); err != nil {
		return false, err
	}
	if findIndex(*items, idOf(&item), idOf) >= 0 {
		return false, nil
	}
	*items = append(*items, &item)
	return true, nil
}

// ApplyUpdate merges fields shallowly into the existing item. Entries not
// found in the addressed entry collection are looked up in the sibling
// collection, since both share one identity space.
func (s *Store) ApplyUpdate(col Collection, id string, updates map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch col {
	case ColEntries, ColStockEntries:
		e := s.findEntryLocked(id)
		if e == nil {
			return false, nil
		}
		if err := mergeFields(e, updates); err != nil {
			return false, err
		}
		e.Normalize()
		return true, nil
	case ColUnits:
		return updateIn(s.units, id, updates, func(u *Unit) string { return u.ID })
	case ColNotifications:
		return updateIn(s.notifications, id, updates, func(n *Notification) string { return n.ID })
	case ColChats:
		return updateIn(s.chats, id, updates, func(c *ChatMessage) string { return c.ID })
	case ColAnnouncements:
		return updateIn(s.announcements, id, updates, func(a *Announcement) string { return a.ID })
	case ColNotices:
		return updateIn(s.notices, id, updates, func(n *Notice) string { return n.ID })
	case ColUsers:
		return updateIn(s.users, id, updates, func(u *User) string { return u.ID })
	case ColNotes:
		return updateIn(s.notes, id, updates, func(n *Note) string { return n.ID })
	case ColReviews:
		return updateIn(s.reviews, id, updates, func(r *Review) string { return r.ID })
	default:
		return false, fmt.Errorf("unknown collection %q", col)
	}
}

func updateIn[T any](items []*T, id string, updates map[string]any, idOf func(*T) string) (bool, error) {
	i := findIndex(items, id, idOf)
	if i < 0 {
		return false, nil
	}
	if err := mergeFields(items[i], updates); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyDelete removes the identity from every collection that could hold it.
func (s *Store) ApplyDelete(col Collection, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch col {
	case ColEntries, ColStockEntries:
		removed := false
		if i := findIndex(s.entries, id, entryID); i >= 0 {
			s.entries = removeAt(s.entries, i)
			removed = true
		}
		if i := findIndex(s.stockEntries, id, entryID); i >= 0 {
			s.stockEntries = removeAt(s.stockEntries, i)
			removed = true
		}
		return removed
	case ColUnits:
		return deleteFrom(&s.units, id, func(u *Unit) string { return u.ID })
	case ColNotifications:
		return deleteFrom(&s.notifications, id, func(n *Notification) string { return n.ID })
	case ColChats:
		return deleteFrom(&s.chats, id, func(c *ChatMessage) string { return c.ID })
	case ColAnnouncements:
		return deleteFrom(&s.announcements, id, func(a *Announcement) string { return a.ID })
	case ColNotices:
		return deleteFrom(&s.notices, id, func(n *Notice) string { return n.ID })
	case ColUsers:
		return deleteFrom(&s.users, id, func(u *User) string { return u.ID })
	case ColNotes:
		return deleteFrom(&s.notes, id, func(n *Note) string { return n.ID })
	case ColReviews:
		return deleteFrom(&s.reviews, id, func(r *Review) string { return r.ID })
	}
	return false
}

func deleteFrom[T any](items *[]*T, id string, idOf func(*T) string) bool {
	if i := findIndex(*items, id, idOf); i >= 0 {
		*items = removeAt(*items, i)
		return true
	}
	return false
}

func entryID(e *Entry) string { return e.ID }

// ReplaceCollection swaps in a full snapshot of one collection, the
// delivery shape used by the fallback feed for state blobs.
func (s *Store) ReplaceCollection(col Collection, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch col {
	case ColEntries:
		return replaceSlice(&s.entries, payload)
	case ColStockEntries:
		return replaceSlice(&s.stockEntries, payload)
	case ColUnits:
		return replaceSlice(&s.units, payload)
	case ColNotifications:
		return replaceSlice(&s.notifications, payload)
	case ColChats:
		return replaceSlice(&s.chats, payload)
	case ColAnnouncements:
		return replaceSlice(&s.announcements, payload)
	case ColNotices:
		return replaceSlice(&s.notices, payload)
	case ColUsers:
		return replaceSlice(&s.users, payload)
	case ColNotes:
		return replaceSlice(&s.notes, payload)
	case ColReviews:
		return replaceSlice(&s.reviews, payload)
	default:
		return fmt.Errorf("unknown collection %q", col)
	}
}

func replaceSlice[T any](items *[]*T, payload []byte) error {
	var next []*T
	if err := json.Unmarshal(payload, &next); err != nil {
		return err
	}
	*items = next
	return nil
}

// CheckOwnership scans both entry collections for the most recent
// occurrence of deviceID. A proposed owner differing from that occurrence
// is a conflict, rejected before the create is accepted — not a warning.
func (s *Store) CheckOwnership(deviceID, proposedOwner string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Entry
	var latestOwner string
	scan := func(entries []*Entry) {
		for _, e := range entries {
			for i, num := range e.NumIsca {
				if num != deviceID {
					continue
				}
				if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
					latest = e
					latestOwner = e.OwnerOf(i)
				}
			}
		}
	}
	scan(s.entries)
	scan(s.stockEntries)

	if latest == nil || latestOwner == "" || latestOwner == proposedOwner {
		return nil
	}
	return &apperrors.OwnershipConflictError{
		DeviceID:      deviceID,
		CurrentOwner:  latestOwner,
		ProposedOwner: proposedOwner,
	}
}

func (s *Store) findEntryLocked(id string) *Entry {
	if i := findIndex(s.entries, id, entryID); i >= 0 {
		return s.entries[i]
	}
	if i := findIndex(s.stockEntries, id, entryID); i >= 0 {
		return s.stockEntries[i]
	}
	return nil
}

// FindEntry searches both entry collections.
func (s *Store) FindEntry(id string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findEntryLocked(id)
}

// FindUser looks a user up by case-insensitive username.
func (s *Store) FindUser(username string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return u
		}
	}
	return nil
}

// NextProtocol returns the next shipment protocol number without
// consuming it.
func (s *Store) NextProtocol() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextProtocol
}

// AdvanceProtocol consumes and returns the next protocol number. The
// counter is shared state carried in the blob, never derived by scanning
// existing records.
func (s *Store) AdvanceProtocol() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextProtocol
	s.nextProtocol++
	return n
}

// DropExpiredNotifications removes notifications past their presentation
// lifetime and reports how many were dropped. The persisted copy is not
// touched by this sweep.
func (s *Store) DropExpiredNotifications(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.notifications[:0]
	dropped := 0
	for _, n := range s.notifications {
		if n.Expired(now) {
			dropped++
			continue
		}
		kept = append(kept, n)
	}
	s.notifications = kept
	return dropped
}

// ExportState assembles the aggregate "state" blob.
func (s *Store) ExportState() *StateBlob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &StateBlob{
		Entries:       append([]*Entry(nil), s.entries...),
		StockEntries:  append([]*Entry(nil), s.stockEntries...),
		Units:         append([]*Unit(nil), s.units...),
		Notifications: append([]*Notification(nil), s.notifications...),
		Chats:         append([]*ChatMessage(nil), s.chats...),
		Announcements: append([]*Announcement(nil), s.announcements...),
		Notices:       append([]*Notice(nil), s.notices...),
		NextProtocol:  s.nextProtocol,
	}
}

// LoadState replaces every collection carried by the aggregate blob,
// including the protocol counter.
func (s *Store) LoadState(b *StateBlob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = b.Entries
	s.stockEntries = b.StockEntries
	s.units = b.Units
	s.notifications = b.Notifications
	s.chats = b.Chats
	s.announcements = b.Announcements
	s.notices = b.Notices
	if b.NextProtocol > 0 {
		s.nextProtocol = b.NextProtocol
	}
}

func (s *Store) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Entry(nil), s.entries...)
}

func (s *Store) StockEntries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Entry(nil), s.stockEntries...)
}

func (s *Store) Units() []*Unit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Unit(nil), s.units...)
}

func (s *Store) Notifications() []*Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Notification(nil), s.notifications...)
}

func (s *Store) Chats() []*ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ChatMessage(nil), s.chats...)
}

func (s *Store) Announcements() []*Announcement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Announcement(nil), s.announcements...)
}

func (s *Store) Notices() []*Notice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Notice(nil), s.notices...)
}

func (s *Store) Users() []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*User(nil), s.users...)
}

// LoadUsers replaces the user collection from its blob.
func (s *Store) LoadUsers(users []*User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = users
}

func (s *Store) Notes() []*Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Note(nil), s.notes...)
}

func (s *Store) LoadNotes(notes []*Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = notes
}

func (s *Store) Reviews() []*Review {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Review(nil), s.reviews...)
}

func (s *Store) LoadReviews(reviews []*Review) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews = reviews
}
