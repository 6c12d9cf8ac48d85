package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/foxzi/courier/internal/models"
)

// ErrNotFound is returned when a lead or client does not exist
var ErrNotFound = errors.New("record not found")

// Repository provides access to leads, clients and groups
type Repository struct {
	db *DB
}

// NewRepository creates a new record repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

const selectContact = `SELECT id, first_name, last_name, company, email, phone, chat_handle,
    industry, tags, opt_in_email, opt_in_sms FROM `

func table(kind models.RecipientType) (string, error) {
	switch kind {
	case models.RecipientLead:
		return "leads", nil
	case models.RecipientClient:
		return "clients", nil
	}
	return "", fmt.Errorf("unknown contact type: %s", kind)
}

// Leads returns all leads in insertion order
func (r *Repository) Leads(ctx context.Context) ([]*models.Contact, error) {
	return r.list(ctx, models.RecipientLead)
}

// Clients returns all clients in insertion order
func (r *Repository) Clients(ctx context.Context) ([]*models.Contact, error) {
	return r.list(ctx, models.RecipientClient)
}

// Lead returns one lead
func (r *Repository) Lead(ctx context.Context, id string) (*models.Contact, error) {
	return r.get(ctx, models.RecipientLead, id)
}

// Client returns one client
func (r *Repository) Client(ctx context.Context, id string) (*models.Contact, error) {
	return r.get(ctx, models.RecipientClient, id)
}

// Contact returns a lead or client by reference
func (r *Repository) Contact(ctx context.Context, ref models.RecipientRef) (*models.Contact, error) {
	return r.get(ctx, ref.Type, ref.ID)
}

func (r *Repository) list(ctx context.Context, kind models.RecipientType) ([]*models.Contact, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, selectContact+t+" ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t, err)
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		c, err := scanContact(rows, kind)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *Repository) get(ctx context.Context, kind models.RecipientType, id string) (*models.Contact, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRowContext(ctx, r.db.Rebind(selectContact+t+" WHERE id = ?"), id)
	c, err := scanContact(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContact(s scanner, kind models.RecipientType) (*models.Contact, error) {
	c := &models.Contact{Type: kind}
	var tags string
	err := s.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Company, &c.Email, &c.Phone, &c.ChatHandle,
		&c.Industry, &tags, &c.OptInEmail, &c.OptInSMS)
	if err != nil {
		return nil, err
	}
	c.Tags = splitTags(tags)
	return c, nil
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// GroupMembers returns the members of a group in their configured order
func (r *Repository) GroupMembers(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT group_id, lead_id, client_id, address FROM group_members
		WHERE group_id = ? ORDER BY position, lead_id, client_id, address`), groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query group members: %w", err)
	}
	defer rows.Close()

	var members []models.GroupMember
	for rows.Next() {
		var m models.GroupMember
		if err := rows.Scan(&m.GroupID, &m.LeadID, &m.ClientID, &m.Address); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// SaveContact inserts or replaces a lead or client
func (r *Repository) SaveContact(ctx context.Context, c *models.Contact) error {
	t, err := table(c.Type)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO `+t+` (id, first_name, last_name, company, email, phone, chat_handle, industry, tags, opt_in_email, opt_in_sms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			first_name = excluded.first_name, last_name = excluded.last_name, company = excluded.company,
			email = excluded.email, phone = excluded.phone, chat_handle = excluded.chat_handle,
			industry = excluded.industry, tags = excluded.tags,
			opt_in_email = excluded.opt_in_email, opt_in_sms = excluded.opt_in_sms`),
		c.ID, c.FirstName, c.LastName, c.Company, c.Email, c.Phone, c.ChatHandle,
		c.Industry, strings.Join(c.Tags, ","), c.OptInEmail, c.OptInSMS)
	if err != nil {
		return fmt.Errorf("failed to save %s %s: %w", c.Type, c.ID, err)
	}
	return nil
}

// SaveGroup creates a group or renames it
func (r *Repository) SaveGroup(ctx context.Context, id, name string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO contact_groups (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`), id, name)
	if err != nil {
		return fmt.Errorf("failed to save group %s: %w", id, err)
	}
	return nil
}

// AddGroupMember appends a member to a group
func (r *Repository) AddGroupMember(ctx context.Context, m models.GroupMember) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO group_members (group_id, lead_id, client_id, address, position)
		SELECT ?, ?, ?, ?, COALESCE(MAX(position), 0) + 1 FROM group_members WHERE group_id = ?
		ON CONFLICT DO NOTHING`),
		m.GroupID, m.LeadID, m.ClientID, m.Address, m.GroupID)
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}
