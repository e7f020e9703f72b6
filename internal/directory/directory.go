// Package directory resolves a sender's email domain to a known
// vendor or provider — a pharmacy, a billing department, a clinic —
// loaded once at startup from a vCard file, in the same spirit as the
// teacher's contacts package but scoped to vendor recognition instead
// of outbound-send trust gating. A hit sharpens C2's vendor/organizer
// extraction and can nudge classification confidence; a miss is never
// an error, since most senders are unknown to the caregiver.
package directory

import (
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-vcard"
)

// Entry is a known vendor resolved by sender domain.
type Entry struct {
	// Name is the vendor's display name (vCard FN/ORG).
	Name string
	// Kind categorizes the vendor (pharmacy, billing, clinic, other),
	// taken from the vCard's CATEGORIES field.
	Kind string
}

// Directory maps sender domains to known vendors.
type Directory struct {
	byDomain map[string]Entry
}

// Empty returns a Directory with no entries — the default when no
// vendor file is configured.
func Empty() *Directory {
	return &Directory{byDomain: map[string]Entry{}}
}

// Load parses a vCard file (one vCard per vendor) into a Directory.
// Each card contributes its domain from every EMAIL field's host part.
// Cards with no name or no usable email domain are skipped and logged;
// a card the vCard decoder cannot parse aborts the load and its error
// is returned.
func Load(r io.Reader, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{byDomain: map[string]Entry{}}

	dec := vcard.NewDecoder(r)
	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		name := card.PreferredValue(vcard.FieldFormattedName)
		if name == "" {
			name = card.PreferredValue(vcard.FieldOrganization)
		}
		if name == "" {
			logger.Warn("directory: skipping vendor card with no name")
			continue
		}

		entry := Entry{Name: name, Kind: card.Value(vcard.FieldCategories)}

		domains := domainsFromCard(card)
		if len(domains) == 0 {
			logger.Warn("directory: skipping vendor card with no usable domain", "name", name)
			continue
		}
		for _, domain := range domains {
			d.byDomain[domain] = entry
		}
	}

	return d, nil
}

// domainsFromCard extracts the lowercased host part of every EMAIL
// field on the card.
func domainsFromCard(card vcard.Card) []string {
	fields := card[vcard.FieldEmail]
	domains := make([]string, 0, len(fields))
	for _, f := range fields {
		at := strings.LastIndex(f.Value, "@")
		if at < 0 || at == len(f.Value)-1 {
			continue
		}
		domains = append(domains, strings.ToLower(f.Value[at+1:]))
	}
	return domains
}

// Lookup resolves a sender's email domain (case-insensitive) to a
// known vendor. The caller is expected to pass the domain already
// isolated from the local part.
func (d *Directory) Lookup(domain string) (Entry, bool) {
	if d == nil {
		return Entry{}, false
	}
	entry, ok := d.byDomain[strings.ToLower(domain)]
	return entry, ok
}

// Len reports how many domains the directory recognizes.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.byDomain)
}
