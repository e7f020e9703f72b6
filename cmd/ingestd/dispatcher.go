package main

import (
	"log/slog"
	"time"

	"github.com/caresync/ingest/internal/scheduler"
	"github.com/caresync/ingest/internal/store"
	"github.com/caresync/ingest/internal/webhook"
)

// sourceDispatcher adapts the ingestion store and scheduler into
// webhook.Dispatcher: resolving a push notification's source and
// debouncing a sync for it (§5, §C9).
type sourceDispatcher struct {
	store      *store.Store
	scheduler  *scheduler.Scheduler
	logger     *slog.Logger
	hmacSecret string

	// taskIDBySource maps a source id to the scheduler task that owns
	// its poll/push ticker, so Dispatch can debounce through the same
	// task rather than creating a new one per push.
	taskIDBySource map[string]string
}

var _ webhook.Dispatcher = (*sourceDispatcher)(nil)

func (d *sourceDispatcher) ResolveByAccountEmail(accountEmail string) (sourceID string, isCalendar bool, ok bool) {
	for _, provider := range []string{"imap", "caldav"} {
		src, err := d.store.GetSourceByAccountEmail(provider, accountEmail)
		if err == nil && src != nil {
			return src.ID, provider == "caldav", true
		}
	}
	return "", false, false
}

func (d *sourceDispatcher) ResolveByChannelID(channelID string) (sourceID string, isCalendar bool, secret string, ok bool) {
	src, err := d.store.GetSourceByWatchID(channelID)
	if err != nil || src == nil {
		return "", false, "", false
	}
	return src.ID, src.Provider == "caldav", d.hmacSecret, true
}

func (d *sourceDispatcher) Dispatch(sourceID string, isCalendar bool, reason string) {
	taskID, ok := d.taskIDBySource[sourceID]
	if !ok {
		d.logger.Warn("dispatch for source with no scheduled task", "source_id", sourceID, "reason", reason)
		return
	}
	d.scheduler.TriggerDebounced(taskID, sourceID, pushDebounceDelay)
}

// pushDebounceDelay matches the webhook handler's own debounce window
// so a burst of push notifications for one source collapses into a
// single sync pass.
const pushDebounceDelay = 100 * time.Millisecond
