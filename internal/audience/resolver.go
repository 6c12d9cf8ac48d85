// Package audience expands audience descriptors into deduplicated recipient
// lists. Consent and address checks are applied to every lead and client; only
// explicitly listed raw addresses skip the consent gate.
package audience

import (
	"context"
	"fmt"
	"strings"

	"github.com/foxzi/courier/internal/models"
)

// Source provides the candidate records
type Source interface {
	Leads(ctx context.Context) ([]*models.Contact, error)
	Clients(ctx context.Context) ([]*models.Contact, error)
	GroupMembers(ctx context.Context, groupID string) ([]models.GroupMember, error)
}

// Resolver resolves audiences against a record source
type Resolver struct {
	source Source
}

// NewResolver creates a new resolver
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the recipients of an audience for a channel, in a stable order.
// Unknown descriptor kinds resolve to an empty list.
func (r *Resolver) Resolve(ctx context.Context, a models.Audience, ch models.Channel) ([]models.Recipient, error) {
	kind, arg := a.Parse()
	set := newRecipientSet()

	switch kind {
	case models.AudienceAll, models.AudienceLeads, models.AudienceClients:
		if kind != models.AudienceClients {
			leads, err := r.source.Leads(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to load leads: %w", err)
			}
			addContacts(set, leads, ch, a.Filter)
		}
		if kind != models.AudienceLeads {
			clients, err := r.source.Clients(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to load clients: %w", err)
			}
			addContacts(set, clients, ch, a.Filter)
		}

	case models.AudienceGroup:
		if arg == "" {
			return nil, nil
		}
		if err := r.resolveGroup(ctx, set, arg, ch, a.Filter); err != nil {
			return nil, err
		}

	case models.AudienceIndividual:
		if arg == "" {
			return nil, nil
		}
		dest, ok := Normalize(ch, arg)
		if !ok {
			// The adapter reports the invalid address as a failed delivery
			dest = arg
		}
		set.add(models.Recipient{
			Ref:         models.RecipientRef{Type: models.RecipientAddress, Address: dest},
			Destination: dest,
		})
	}

	return set.list, nil
}

func (r *Resolver) resolveGroup(ctx context.Context, set *recipientSet, groupID string, ch models.Channel, f *models.AudienceFilter) error {
	members, err := r.source.GroupMembers(ctx, groupID)
	if err != nil {
		return fmt.Errorf("failed to load group %s: %w", groupID, err)
	}

	var leads, clients map[string]*models.Contact
	for _, m := range members {
		switch {
		case m.LeadID != "":
			if leads == nil {
				if leads, err = r.index(ctx, r.source.Leads); err != nil {
					return fmt.Errorf("failed to load leads: %w", err)
				}
			}
			if c, ok := leads[m.LeadID]; ok {
				addContacts(set, []*models.Contact{c}, ch, f)
			}

		case m.ClientID != "":
			if clients == nil {
				if clients, err = r.index(ctx, r.source.Clients); err != nil {
					return fmt.Errorf("failed to load clients: %w", err)
				}
			}
			if c, ok := clients[m.ClientID]; ok {
				addContacts(set, []*models.Contact{c}, ch, f)
			}

		case m.Address != "":
			// Raw addresses carry no industry or tags, so a declared filter excludes them
			if !f.IsEmpty() {
				continue
			}
			if dest, ok := Normalize(ch, m.Address); ok {
				set.add(models.Recipient{
					Ref:         models.RecipientRef{Type: models.RecipientAddress, Address: dest},
					Destination: dest,
				})
			}
		}
	}
	return nil
}

func (r *Resolver) index(ctx context.Context, load func(context.Context) ([]*models.Contact, error)) (map[string]*models.Contact, error) {
	contacts, err := load(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]*models.Contact, len(contacts))
	for _, c := range contacts {
		m[c.ID] = c
	}
	return m, nil
}

func addContacts(set *recipientSet, contacts []*models.Contact, ch models.Channel, f *models.AudienceFilter) {
	for _, c := range contacts {
		if !Matches(c, f) {
			continue
		}
		if rcpt, ok := ForContact(c, ch); ok {
			set.add(rcpt)
		}
	}
}

// Matches reports whether a contact satisfies the filter.
// Industries must match one entry and tags must share at least one entry.
func Matches(c *models.Contact, f *models.AudienceFilter) bool {
	if f.IsEmpty() {
		return true
	}
	if len(f.Industries) > 0 && !containsFold(f.Industries, c.Industry) {
		return false
	}
	if len(f.Tags) > 0 {
		for _, tag := range c.Tags {
			if containsFold(f.Tags, tag) {
				return true
			}
		}
		return false
	}
	return true
}

func containsFold(list []string, s string) bool {
	s = strings.TrimSpace(s)
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}

// recipientSet keeps insertion order and drops repeated identities or destinations
type recipientSet struct {
	list  []models.Recipient
	keys  map[string]bool
	dests map[string]bool
}

func newRecipientSet() *recipientSet {
	return &recipientSet{keys: make(map[string]bool), dests: make(map[string]bool)}
}

func (s *recipientSet) add(r models.Recipient) {
	key := r.Ref.Key()
	if s.keys[key] || s.dests[r.Destination] {
		return
	}
	s.keys[key] = true
	s.dests[r.Destination] = true
	s.list = append(s.list, r)
}
