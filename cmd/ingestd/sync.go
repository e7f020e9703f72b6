package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/caresync/ingest/internal/calendar"
	"github.com/caresync/ingest/internal/config"
	"github.com/caresync/ingest/internal/directory"
	"github.com/caresync/ingest/internal/events"
	"github.com/caresync/ingest/internal/mail"
	"github.com/caresync/ingest/internal/pipeline"
	"github.com/caresync/ingest/internal/store"
)

// syncRunner holds everything one mail-sync or calendar-sync pass needs.
// It is built once at startup and shared across every scheduled task
// invocation; per-source state (CalDAV listers) is cached lazily.
type syncRunner struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	mailMgr   *mail.Manager
	poller    *mail.Poller
	clsf      pipeline.Classifier
	vendorDir *directory.Directory
	bus       *events.Bus

	caldavMu sync.Mutex
	caldav   map[string]*calendar.CalDAVLister
}

// suppressionStore narrows *store.Store to the pipeline's lookup need.
type suppressionStore struct{ s *store.Store }

func (s suppressionStore) IsSuppressed(caregiverID, provider, senderDomain string) (bool, error) {
	return s.s.IsSuppressed(caregiverID, provider, senderDomain)
}

// syncMail checks one IMAP source for new messages, classifies each,
// and upserts the resulting tasks. A per-account poll surfaces new
// messages for every configured account at once (§C6); results for
// accounts other than src are ignored here since each has its own
// scheduled task and will be picked up on its own tick.
func (r *syncRunner) syncMail(ctx context.Context, src *store.Source) error {
	r.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceMail, Kind: events.KindSyncStart,
		Data: map[string]any{"source_id": src.ID}})

	deltas, err := r.poller.CheckNewMessages(ctx)
	if err != nil {
		r.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceMail, Kind: events.KindSyncFailed,
			Data: map[string]any{"source_id": src.ID, "error": err.Error()}})
		return fmt.Errorf("poll %s: %w", src.ID, err)
	}

	client, err := r.mailMgr.Account(src.ID)
	if err != nil {
		return fmt.Errorf("account %s: %w", src.ID, err)
	}

	ignored, err := r.ignoredExternalIDs(src.ID)
	if err != nil {
		r.logger.Warn("loading ignored external ids failed, proceeding without them", "source_id", src.ID, "error", err)
	}

	start := time.Now()
	var created, updated, tombstoned, skipped, errs int
	for _, delta := range deltas {
		if delta.Account != src.ID {
			continue
		}
		for _, env := range delta.Messages {
			msg, err := client.ReadMessage(ctx, delta.Folder, env.UID)
			if err != nil {
				r.logger.Warn("read message failed", "source_id", src.ID, "uid", env.UID, "error", err)
				errs++
				continue
			}

			in := pipeline.Input{
				CaregiverID:        src.CaregiverID,
				Provider:           src.Provider,
				SourceID:           src.ID,
				Message:            pipeline.FromMailMessage(msg),
				IgnoredExternalIDs: ignored,
			}
			deps := pipeline.Deps{Classifier: r.clsf, Suppression: suppressionStore{r.store}, Vendors: r.vendorDir}
			result := pipeline.ProcessMessage(ctx, deps, in)

			switch result.Outcome {
			case store.OutcomeTombstoned:
				if result.Task == nil {
					skipped++
					continue
				}
				if _, err := r.store.UpsertTask(result.Task); err != nil {
					r.logger.Warn("tombstone upsert failed", "source_id", src.ID, "error", err)
					errs++
					continue
				}
				tombstoned++
			case store.OutcomeSkippedLowConf:
				if err := r.recordLowConfidenceDrop(src, msg.From); err != nil {
					r.logger.Warn("suppression learning failed", "source_id", src.ID, "error", err)
				}
				skipped++
			case store.OutcomeSkipped, store.OutcomeSkippedIgnored:
				skipped++
			default:
				if result.Task == nil {
					skipped++
					continue
				}
				outcome, err := r.store.UpsertTask(result.Task)
				if err != nil {
					r.logger.Warn("upsert task failed", "source_id", src.ID, "error", err)
					errs++
					continue
				}
				if outcome == store.OutcomeCreated {
					created++
				} else {
					updated++
				}
			}
		}
	}

	if err := r.store.RecordIngestionEvent(&store.IngestionEvent{
		SourceID: src.ID, Reason: "poll", Created: created, Updated: updated,
		Skipped: skipped, Errors: errs, DurationMs: time.Since(start).Milliseconds(),
	}); err != nil {
		r.logger.Warn("record ingestion event failed", "source_id", src.ID, "error", err)
	}

	r.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceMail, Kind: events.KindSyncComplete,
		Data: map[string]any{"source_id": src.ID, "created": created, "updated": updated, "tombstoned": tombstoned, "skipped": skipped}})
	return nil
}

// recordLowConfidenceDrop feeds C10's suppression learning: repeated
// low-confidence discards from the same sender domain eventually
// suppress that domain outright rather than re-classifying it forever.
func (r *syncRunner) recordLowConfidenceDrop(src *store.Source, from string) error {
	domain := domainOf(from)
	if domain == "" {
		return nil
	}
	_, err := r.store.RecordIgnored(src.CaregiverID, src.Provider, domain)
	return err
}

func domainOf(address string) string {
	at := -1
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return address[at+1:]
}

// ignoredExternalIDs builds the caregiver-level ignore set (§C6 step 4)
// from every task on this source whose review state is ignored, which
// includes tombstoned tasks as well as caregiver dismissals.
func (r *syncRunner) ignoredExternalIDs(sourceID string) (map[string]struct{}, error) {
	tasks, err := r.store.ListTasksBySource(sourceID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.ReviewState == store.ReviewIgnored {
			out[t.ExternalID] = struct{}{}
		}
	}
	return out, nil
}

// syncCalendar runs one CalDAV delta sync for src, reusing a cached
// CalDAVLister across invocations since its underlying client holds a
// connection pool.
func (r *syncRunner) syncCalendar(ctx context.Context, src *store.Source) error {
	r.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceCalendar, Kind: events.KindSyncStart,
		Data: map[string]any{"source_id": src.ID}})

	lister, err := r.calDAVListerFor(src)
	if err != nil {
		r.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceCalendar, Kind: events.KindSyncFailed,
			Data: map[string]any{"source_id": src.ID, "error": err.Error()}})
		return err
	}

	result, err := calendar.Sync(ctx, lister, r.store, calendar.Input{
		CaregiverID: src.CaregiverID,
		SourceID:    src.ID,
		SyncToken:   src.CalendarSyncToken,
	})
	if err != nil && result.NextSyncToken == "" && !result.ResetSyncToken {
		r.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceCalendar, Kind: events.KindSyncFailed,
			Data: map[string]any{"source_id": src.ID, "error": err.Error()}})
		return err
	}

	if uerr := r.store.UpdateSourceCursor(src.ID, src.HistoryID, result.NextSyncToken, store.SourceActive, ""); uerr != nil {
		r.logger.Warn("persist sync token failed", "source_id", src.ID, "error", uerr)
	}

	r.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceCalendar, Kind: events.KindSyncComplete,
		Data: map[string]any{"source_id": src.ID, "created": result.Created, "updated": result.Updated, "tombstoned": result.Tombstoned, "errors": result.Errors}})
	return nil
}

func (r *syncRunner) calDAVListerFor(src *store.Source) (*calendar.CalDAVLister, error) {
	r.caldavMu.Lock()
	defer r.caldavMu.Unlock()
	if r.caldav == nil {
		r.caldav = make(map[string]*calendar.CalDAVLister)
	}
	if l, ok := r.caldav[src.ID]; ok {
		return l, nil
	}

	var sc config.CalDAVConfig
	for _, s := range r.cfg.Sources {
		if s.ID == src.ID {
			sc = s.CalDAV
			break
		}
	}
	if !sc.Configured() {
		return nil, fmt.Errorf("source %s has no caldav configuration", src.ID)
	}

	httpClient := &http.Client{
		Timeout:   time.Duration(r.cfg.Scheduler.RPCTimeoutSec) * time.Second,
		Transport: &authRoundTripper{username: sc.Username, password: sc.Password, token: sc.Token, base: &http.Transport{TLSClientConfig: &tls.Config{}}},
	}
	l, err := calendar.NewCalDAVLister(httpClient, sc.Host, sc.PrincipalURL)
	if err != nil {
		return nil, err
	}
	r.caldav[src.ID] = l
	return l, nil
}

// authRoundTripper applies HTTP basic auth or a bearer token to every
// CalDAV request, picking bearer when a token is configured since OAuth
// providers (Google, Microsoft) issue those instead of passwords.
type authRoundTripper struct {
	username string
	password string
	token    string
	base     http.RoundTripper
}

func (a *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	} else {
		req.SetBasicAuth(a.username, a.password)
	}
	return a.base.RoundTrip(req)
}
