// Package fanout derives secondary notification mutations from primary
// entry mutations and routes them through the mutation gateway — the
// same path as any other mutation, never a side channel.
package fanout

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"isca-tracker/internal/protocol"
	"isca-tracker/internal/state"
)

type Submitter interface {
	Submit(ctx context.Context, m protocol.Mutation) error
}

type Fanout struct {
	gw    Submitter
	store *state.Store
	log   *zap.Logger
}

func New(gw Submitter, store *state.Store, log *zap.Logger) *Fanout {
	return &Fanout{gw: gw, store: store, log: log}
}

// EntryCreated notifies the origin branch, the destination branch, each
// branch owning a carried device, and every branch membership of every
// explicitly tagged user.
func (f *Fanout) EntryCreated(ctx context.Context, e *state.Entry, tagged []string) {
	kind := "shipment"
	if e.Protocol == nil {
		kind = "stock adjustment"
	}

	f.push(ctx, e.Origin, state.SeveritySuccess,
		fmt.Sprintf("New %s registered from %s to %s", kind, e.Origin, e.Destination))
	f.push(ctx, e.Destination, state.SeverityInfo,
		fmt.Sprintf("Incoming %s from %s", kind, e.Origin))

	for _, owner := range ownerBranches(e) {
		if owner == e.Origin || owner == e.Destination {
			continue
		}
		f.push(ctx, owner, state.SeveritySuccess,
			fmt.Sprintf("A device owned by %s is moving from %s to %s", owner, e.Origin, e.Destination))
	}

	for _, username := range tagged {
		user := f.store.FindUser(username)
		if user == nil {
			continue
		}
		for _, unit := range user.Units {
			f.push(ctx, unit, state.SeverityInfo,
				fmt.Sprintf("%s was tagged on a %s from %s to %s", user.Username, kind, e.Origin, e.Destination))
		}
	}
}

// AnnouncementPosted derives one notification per tagged user per
// branch membership. The announcement itself reaches everyone through
// the normal broadcast.
func (f *Fanout) AnnouncementPosted(ctx context.Context, a *state.Announcement) {
	for _, username := range a.Tagged {
		user := f.store.FindUser(username)
		if user == nil {
			continue
		}
		for _, unit := range user.Units {
			f.push(ctx, unit, state.SeverityInfo,
				fmt.Sprintf("%s was tagged in an announcement by %s", user.Username, a.Author))
		}
	}
}

// EntryUpdated compares per-device statuses between the old record and
// the updated view. A transition to recovered notifies the origin and
// the owning branch with success; to lost, with an alert. Unchanged
// statuses emit nothing.
func (f *Fanout) EntryUpdated(ctx context.Context, old, updated *state.Entry) {
	for i, device := range updated.NumIsca {
		oldStatus := old.StatusOf(i)
		newStatus := updated.StatusOf(i)
		if oldStatus == newStatus {
			continue
		}

		var severity state.Severity
		var message string
		switch newStatus {
		case state.EntryStatusRecovered:
			severity = state.SeveritySuccess
			message = fmt.Sprintf("Device %s was recovered", device)
		case state.EntryStatusLost:
			severity = state.SeverityAlert
			message = fmt.Sprintf("Device %s was reported lost", device)
		default:
			continue
		}

		audience := []string{updated.Origin}
		if owner := updated.OwnerOf(i); owner != "" && !strings.EqualFold(owner, updated.Origin) {
			audience = append(audience, owner)
		}
		for _, unit := range audience {
			f.push(ctx, unit, severity, message)
		}
	}
}

func (f *Fanout) push(ctx context.Context, unit string, severity state.Severity, message string) {
	if unit == "" {
		return
	}
	err := f.gw.Submit(ctx, &protocol.NotificationPush{
		Notification: state.Notification{
			Unit:     unit,
			Message:  message,
			Severity: severity,
		},
	})
	if err != nil {
		f.log.Warn("derived notification dropped",
			zap.String("unit", unit),
			zap.Error(err),
		)
	}
}

func ownerBranches(e *state.Entry) []string {
	seen := make(map[string]bool)
	var owners []string
	for i := range e.NumIsca {
		owner := e.OwnerOf(i)
		if owner == "" || seen[owner] {
			continue
		}
		seen[owner] = true
		owners = append(owners, owner)
	}
	return owners
}
