package state

import (
	"time"
)

// Collection names the logical collections of the shared application state.
// Shipment entries and stock-control entries share one identity space.
type Collection string

const (
	ColEntries       Collection = "entries"
	ColStockEntries  Collection = "stock_entries"
	ColUnits         Collection = "units"
	ColNotifications Collection = "notifications"
	ColChats         Collection = "chats"
	ColAnnouncements Collection = "announcements"
	ColNotices       Collection = "notices"
	ColUsers         Collection = "users"
	ColNotes         Collection = "notes"
	ColReviews       Collection = "reviews"
)

type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusInTransit EntryStatus = "in_transit"
	EntryStatusDelivered EntryStatus = "delivered"
	EntryStatusRecovered EntryStatus = "recovered"
	EntryStatusLost      EntryStatus = "lost"
)

// Entry is one asset movement record: a shipment between branches or a
// manual stock adjustment, carrying zero or more tracked isca device IDs.
//
// Protocol is assigned only to shipment-kind entries, by the authoritative
// path. IscaStatuses tracks one status per carried device and defaults to
// the aggregate Status; IscaOwners names the branch that financially owns
// each device regardless of its current location.
type Entry struct {
	ID           string        `json:"id"`
	Protocol     *int          `json:"protocol,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	Author       string        `json:"author"`
	Origin       string        `json:"origin"`
	Destination  string        `json:"destination"`
	Status       EntryStatus   `json:"status"`
	NumIsca      []string      `json:"numIsca"`
	IscaStatuses []EntryStatus `json:"iscaStatuses,omitempty"`
	IscaOwners   []string      `json:"iscaPertencente,omitempty"`
}

// StatusOf returns the effective status of the i-th carried device,
// falling back to the aggregate status when per-item tracking is absent.
func (e *Entry) StatusOf(i int) EntryStatus {
	if i >= 0 && i < len(e.IscaStatuses) {
		return e.IscaStatuses[i]
	}
	return e.Status
}

// OwnerOf returns the owning branch of the i-th carried device.
func (e *Entry) OwnerOf(i int) string {
	if i >= 0 && i < len(e.IscaOwners) {
		return e.IscaOwners[i]
	}
	return ""
}

// Normalize restores the per-device status invariant after a create or a
// shallow field merge: once per-item statuses are tracked, the array keeps
// exactly one slot per carried device, padded with the aggregate status.
func (e *Entry) Normalize() {
	if len(e.IscaStatuses) == 0 {
		return
	}
	for len(e.IscaStatuses) < len(e.NumIsca) {
		e.IscaStatuses = append(e.IscaStatuses, e.Status)
	}
	if len(e.IscaStatuses) > len(e.NumIsca) {
		e.IscaStatuses = e.IscaStatuses[:len(e.NumIsca)]
	}
}

// Unit is a branch terminal, gated by a shared password. It holds no
// business data itself.
type Unit struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityAlert   Severity = "alert"
	SeveritySuccess Severity = "success"
)

// Notification is unit-addressed and ephemeral: it is swept from the
// in-memory state 24 hours after creation. ReadBy tracks the read flag
// per viewing branch.
type Notification struct {
	ID        string    `json:"id"`
	Unit      string    `json:"unit"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	ReadBy    []string  `json:"readBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

const NotificationTTL = 24 * time.Hour

// Expired reports whether the notification has aged past its
// presentation lifetime.
func (n *Notification) Expired(now time.Time) bool {
	return now.Sub(n.CreatedAt) > NotificationTTL
}

type ChatChannel string

const (
	ChannelGlobal ChatChannel = "global"
	ChannelBranch ChatChannel = "branch"
	ChannelDirect ChatChannel = "direct"
)

// ChatMessage ordering is by creation timestamp, not arrival order.
// Recipient is the branch name for branch channels and the username for
// direct channels; empty for global.
type ChatMessage struct {
	ID        string      `json:"id"`
	Channel   ChatChannel `json:"channel"`
	Recipient string      `json:"recipient,omitempty"`
	Sender    string      `json:"sender"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Announcement is broadcast to everyone and additionally tags users,
// which derives one notification per tagged user per branch membership.
type Announcement struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Tagged    []string  `json:"tagged,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type NoticeStatus string

const (
	NoticePending   NoticeStatus = "pending"
	NoticeResponded NoticeStatus = "responded"
)

// Notice is a cross-branch request/response pair. Responses are accepted
// only from the addressed branch and only once.
type Notice struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Request     string       `json:"request"`
	Response    string       `json:"response,omitempty"`
	Status      NoticeStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	RespondedAt *time.Time   `json:"respondedAt,omitempty"`
}

// User uniqueness is by case-insensitive username.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	Role         string    `json:"role"`
	Units        []string  `json:"units"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Note is a personal note owned by one user.
type Note struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Review is a peer review between users.
type Review struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Subject   string    `json:"subject"`
	Rating    int       `json:"rating"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// StateBlob is the aggregate collection blob persisted under the "state"
// key and delivered as a full snapshot on the fallback feed. Users, notes
// and reviews live in their own blobs.
type StateBlob struct {
	Entries       []*Entry        `json:"entries"`
	StockEntries  []*Entry        `json:"stockEntries"`
	Units         []*Unit         `json:"units"`
	Notifications []*Notification `json:"notifications"`
	Chats         []*ChatMessage  `json:"chats"`
	Announcements []*Announcement `json:"announcements"`
	Notices       []*Notice       `json:"notices"`
	NextProtocol  int             `json:"nextProtocol"`
}
