package protocol

import (
	"encoding/json"
	"fmt"

	"isca-tracker/internal/state"
)

// MutationKind discriminates the closed set of mutation intents accepted
// by the gateway. Handlers switch exhaustively over this set; there are
// no untyped payloads past this boundary.
type MutationKind string

const (
	MutEntryCreate        MutationKind = "entry_create"
	MutEntryUpdate        MutationKind = "entry_update"
	MutEntryDelete        MutationKind = "entry_delete"
	MutChatPost           MutationKind = "chat_post"
	MutNotificationPush   MutationKind = "notification_push"
	MutNotificationRead   MutationKind = "notification_read"
	MutAnnouncementCreate MutationKind = "announcement_create"
	MutNoticeCreate       MutationKind = "notice_create"
	MutNoticeRespond      MutationKind = "notice_respond"
	MutUnitSave           MutationKind = "unit_save"
	MutUserSave           MutationKind = "user_save"
	MutUserDelete         MutationKind = "user_delete"
	MutNoteSave           MutationKind = "note_save"
	MutNoteDelete         MutationKind = "note_delete"
	MutReviewSave         MutationKind = "review_save"
	MutReviewDelete       MutationKind = "review_delete"
)

type Mutation interface {
	Kind() MutationKind
}

// EntryCreate registers a movement record. Stock selects the
// stock-control collection; shipment-kind entries receive a protocol
// number on the authoritative path. Tagged users each get a derived
// notification per branch membership.
type EntryCreate struct {
	Entry  state.Entry `json:"entry"`
	Stock  bool        `json:"stock,omitempty"`
	Tagged []string    `json:"tagged,omitempty"`
}

func (EntryCreate) Kind() MutationKind { return MutEntryCreate }

type EntryUpdate struct {
	ID      string         `json:"id"`
	Updates map[string]any `json:"updates"`
}

func (EntryUpdate) Kind() MutationKind { return MutEntryUpdate }

type EntryDelete struct {
	ID string `json:"id"`
}

func (EntryDelete) Kind() MutationKind { return MutEntryDelete }

type ChatPost struct {
	Message state.ChatMessage `json:"message"`
}

func (ChatPost) Kind() MutationKind { return MutChatPost }

type NotificationPush struct {
	Notification state.Notification `json:"notification"`
}

func (NotificationPush) Kind() MutationKind { return MutNotificationPush }

// NotificationRead marks a notification read for one viewing branch.
type NotificationRead struct {
	ID   string `json:"id"`
	Unit string `json:"unit"`
}

func (NotificationRead) Kind() MutationKind { return MutNotificationRead }

type AnnouncementCreate struct {
	Announcement state.Announcement `json:"announcement"`
}

func (AnnouncementCreate) Kind() MutationKind { return MutAnnouncementCreate }

type NoticeCreate struct {
	Notice state.Notice `json:"notice"`
}

func (NoticeCreate) Kind() MutationKind { return MutNoticeCreate }

// NoticeRespond closes a pending cross-branch notice. Branch must be the
// addressed branch; a second response is rejected.
type NoticeRespond struct {
	ID       string `json:"id"`
	Branch   string `json:"branch"`
	Response string `json:"response"`
}

func (NoticeRespond) Kind() MutationKind { return MutNoticeRespond }

type UnitSave struct {
	Unit state.Unit `json:"unit"`
}

func (UnitSave) Kind() MutationKind { return MutUnitSave }

type UserSave struct {
	User state.User `json:"user"`
}

func (UserSave) Kind() MutationKind { return MutUserSave }

type UserDelete struct {
	ID string `json:"id"`
}

func (UserDelete) Kind() MutationKind { return MutUserDelete }

type NoteSave struct {
	Note state.Note `json:"note"`
}

func (NoteSave) Kind() MutationKind { return MutNoteSave }

type NoteDelete struct {
	ID string `json:"id"`
}

func (NoteDelete) Kind() MutationKind { return MutNoteDelete }

type ReviewSave struct {
	Review state.Review `json:"review"`
}

func (ReviewSave) Kind() MutationKind { return MutReviewSave }

type ReviewDelete struct {
	ID string `json:"id"`
}

func (ReviewDelete) Kind() MutationKind { return MutReviewDelete }

// MutationEnvelope is the wire shape of a mutation intent on the bus.
type MutationEnvelope struct {
	Kind MutationKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func EncodeMutation(m Mutation) (*MutationEnvelope, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return &MutationEnvelope{Kind: m.Kind(), Data: raw}, nil
}

func (env *MutationEnvelope) Decode() (Mutation, error) {
	var m Mutation
	switch env.Kind {
	case MutEntryCreate:
		m = &EntryCreate{}
	case MutEntryUpdate:
		m = &EntryUpdate{}
	case MutEntryDelete:
		m = &EntryDelete{}
	case MutChatPost:
		m = &ChatPost{}
	case MutNotificationPush:
		m = &NotificationPush{}
	case MutNotificationRead:
		m = &NotificationRead{}
	case MutAnnouncementCreate:
		m = &AnnouncementCreate{}
	case MutNoticeCreate:
		m = &NoticeCreate{}
	case MutNoticeRespond:
		m = &NoticeRespond{}
	case MutUnitSave:
		m = &UnitSave{}
	case MutUserSave:
		m = &UserSave{}
	case MutUserDelete:
		m = &UserDelete{}
	case MutNoteSave:
		m = &NoteSave{}
	case MutNoteDelete:
		m = &NoteDelete{}
	case MutReviewSave:
		m = &ReviewSave{}
	case MutReviewDelete:
		m = &ReviewDelete{}
	default:
		return nil, fmt.Errorf("unknown mutation kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, m); err != nil {
		return nil, err
	}
	return m, nil
}
