package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/caresync/ingest/internal/opstate"
)

const (
	// pollNamespace is the opstate namespace for mail polling state.
	pollNamespace = "mail_poll"
)

// Delta is the set of new messages discovered for one account since the
// last poll, newest-first (descending UID). An empty Messages slice with no error means
// the account had nothing new.
type Delta struct {
	Account  string
	Folder   string
	Messages []Envelope
}

// Poller checks configured mail accounts for new messages by comparing
// IMAP UIDs against a persisted high-water mark, the IMAP analogue of a
// provider history cursor. It is infrastructure code driven by the
// scheduler's per-source poll ticker, not a user-facing operation.
type Poller struct {
	manager *Manager
	state   *opstate.Store
	logger  *slog.Logger
}

// NewPoller creates a mail poller that checks all accounts managed by
// the given Manager and tracks state in the provided opstate store.
func NewPoller(manager *Manager, state *opstate.Store, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		manager: manager,
		state:   state,
		logger:  logger,
	}
}

// CheckNewMessages checks all configured accounts for messages newer than
// the stored high-water mark and returns one Delta per account that had
// new mail. Accounts with nothing new are omitted from the result.
//
// On first run for an account (no stored high-water mark), the current
// highest UID is recorded silently without emitting a delta — this
// prevents a full-inbox backfill into the classifier on initial
// deployment.
//
// Network errors are logged and skipped per-account; a failure on one
// account does not prevent checking others.
func (p *Poller) CheckNewMessages(ctx context.Context) ([]Delta, error) {
	var deltas []Delta

	for _, name := range p.manager.AccountNames() {
		acctCfg, err := p.manager.AccountConfig(name)
		if err != nil {
			continue
		}
		folder := acctCfg.IMAP.Folder
		if folder == "" {
			folder = "INBOX"
		}

		messages, err := p.checkAccount(ctx, name, folder)
		if err != nil {
			p.logger.Warn("mail poll failed for account",
				"account", name,
				"error", err,
			)
			continue
		}
		if len(messages) > 0 {
			deltas = append(deltas, Delta{Account: name, Folder: folder, Messages: messages})
		}
	}

	return deltas, nil
}

// checkAccount checks a single account's configured folder for new
// messages. Returns the envelopes newer than the stored high-water mark,
// or nil if there are none.
func (p *Poller) checkAccount(ctx context.Context, accountName, folder string) ([]Envelope, error) {
	client, err := p.manager.Account(accountName)
	if err != nil {
		return nil, fmt.Errorf("get account %q: %w", accountName, err)
	}

	stateKey := accountName + ":" + folder

	storedStr, err := p.state.Get(pollNamespace, stateKey)
	if err != nil {
		return nil, fmt.Errorf("get high-water mark %q: %w", stateKey, err)
	}

	var storedUID uint64
	switch storedStr {
	case "":
		// First run: fetch the most recent message to seed the
		// high-water mark without treating the existing mailbox as new.
		envelopes, err := client.ListMessages(ctx, ListOptions{
			Folder: folder,
			Limit:  1,
		})
		if err != nil {
			return nil, fmt.Errorf("seed list %q: %w", accountName, err)
		}
		if len(envelopes) == 0 {
			return nil, nil // empty mailbox, nothing to seed
		}
		seedUID := envelopes[0].UID
		p.logger.Info("mail poll first run, seeding high-water mark",
			"account", accountName,
			"folder", folder,
			"uid", seedUID,
		)
		if err := p.state.Set(pollNamespace, stateKey, strconv.FormatUint(uint64(seedUID), 10)); err != nil {
			return nil, fmt.Errorf("seed high-water mark %q: %w", stateKey, err)
		}
		return nil, nil

	default:
		parsed, err := strconv.ParseUint(storedStr, 10, 32)
		if err != nil {
			// Corrupted state — reseed using the most recent message.
			p.logger.Warn("corrupt high-water mark, reseeding",
				"account", accountName,
				"stored", storedStr,
			)
			envelopes, err := client.ListMessages(ctx, ListOptions{
				Folder: folder,
				Limit:  1,
			})
			if err != nil {
				return nil, fmt.Errorf("reseed list %q: %w", accountName, err)
			}
			if len(envelopes) > 0 {
				if err := p.state.Set(pollNamespace, stateKey, strconv.FormatUint(uint64(envelopes[0].UID), 10)); err != nil {
					return nil, fmt.Errorf("reseed high-water mark %q: %w", stateKey, err)
				}
			}
			return nil, nil
		}
		storedUID = parsed
	}

	// Fetch every message with UID > storedUID — no limit, since a
	// missed poll interval must not drop mail.
	newMessages, err := client.ListMessages(ctx, ListOptions{
		Folder:   folder,
		SinceUID: uint32(storedUID),
	})
	if err != nil {
		return nil, fmt.Errorf("list messages %q: %w", accountName, err)
	}

	if len(newMessages) == 0 {
		return nil, nil
	}

	if err := p.advanceHighWaterMark(accountName, stateKey, storedUID, newMessages); err != nil {
		return nil, err
	}

	return newMessages, nil
}

// advanceHighWaterMark updates the stored high-water mark to the highest
// UID found in the result set, but never decreases it. The function
// scans all messages to determine the maximum UID rather than relying
// on any particular ordering of the input slice.
func (p *Poller) advanceHighWaterMark(accountName, stateKey string, currentMark uint64, allNew []Envelope) error {
	var highest uint64
	for _, env := range allNew {
		if uint64(env.UID) > highest {
			highest = uint64(env.UID)
		}
	}

	// Never decrease — UIDs can disappear when messages are moved or
	// deleted, but the mark must only advance.
	if highest <= currentMark {
		return nil
	}

	p.logger.Debug("advancing high-water mark",
		"account", accountName,
		"old_uid", currentMark,
		"new_uid", highest,
	)

	if err := p.state.Set(pollNamespace, stateKey, strconv.FormatUint(highest, 10)); err != nil {
		return fmt.Errorf("update high-water mark %q: %w", stateKey, err)
	}
	return nil
}
