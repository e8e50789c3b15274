package slotswap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"go-slotswap/database"
)

var (
	// ErrInvalidTablePrefix is returned when the table prefix contains invalid characters
	ErrInvalidTablePrefix = errors.New("table prefix must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// validTablePrefixPattern validates PostgreSQL-safe identifiers
	validTablePrefixPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// postgresStore handles all database operations for users, slots, proposals and incidents.
type postgresStore struct {
	queries *database.Queries
}

var _ Store = (*postgresStore)(nil)

// NewPostgresStore migrates the schema and returns a Store backed by PostgreSQL.
// The tablePrefix must be a valid PostgreSQL identifier.
func NewPostgresStore(db *sql.DB, tablePrefix string) (Store, error) {
	if err := ValidateTablePrefix(tablePrefix); err != nil {
		return nil, fmt.Errorf("invalid table prefix: %w", err)
	}

	if err := database.Migrate(db, tablePrefix); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &postgresStore{queries: database.NewQueries(db, tablePrefix)}, nil
}

// ValidateTablePrefix checks if the prefix is valid for use in PostgreSQL table names.
func ValidateTablePrefix(prefix string) error {
	if prefix == "" {
		return errors.New("table prefix cannot be empty")
	}

	// Leave room for the longest suffix ("_proposals_recipient_idx").
	if len(prefix) > 38 {
		return errors.New("table prefix must be 38 characters or less")
	}

	if !validTablePrefixPattern.MatchString(prefix) {
		return ErrInvalidTablePrefix
	}

	return nil
}

// CreateUser inserts a user.
func (ps *postgresStore) CreateUser(ctx context.Context, user *User) error {
	var record = &database.UserRecord{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
	}

	if err := ps.queries.InsertUser(ctx, record); err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}

	return nil
}

// GetUser returns the user, or nil if not found.
func (ps *postgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var record, err = ps.queries.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}

	if record == nil {
		return nil, nil
	}

	return &User{
		ID:        record.ID,
		Name:      record.Name,
		Email:     record.Email,
		CreatedAt: record.CreatedAt.UTC(),
	}, nil
}

// CreateSlot inserts a slot.
func (ps *postgresStore) CreateSlot(ctx context.Context, slot *Slot) error {
	if err := ps.queries.InsertSlot(ctx, toSlotRecord(slot)); err != nil {
		return fmt.Errorf("failed to create slot %s: %w", slot.ID, err)
	}
	return nil
}

// GetSlot returns the slot, or nil if not found.
func (ps *postgresStore) GetSlot(ctx context.Context, id string) (*Slot, error) {
	var record, err = ps.queries.GetSlot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get slot %s: %w", id, err)
	}

	if record == nil {
		return nil, nil
	}

	return fromSlotRecord(record), nil
}

// UpdateSlotIf conditionally overwrites a slot.
func (ps *postgresStore) UpdateSlotIf(ctx context.Context, next *Slot, expect Expect) (bool, error) {
	var applied, err = ps.queries.UpdateSlotIf(ctx, toSlotRecord(next), expect.Status, expect.Version)
	if err != nil {
		return false, fmt.Errorf("failed to update slot %s: %w", next.ID, err)
	}
	return applied, nil
}

// DeleteSlotIf conditionally removes a slot.
func (ps *postgresStore) DeleteSlotIf(ctx context.Context, id string, expect Expect) (bool, error) {
	var deleted, err = ps.queries.DeleteSlotIf(ctx, id, expect.Status, expect.Version)
	if err != nil {
		return false, fmt.Errorf("failed to delete slot %s: %w", id, err)
	}
	return deleted, nil
}

// FindSlots returns matching slots ordered by start time.
func (ps *postgresStore) FindSlots(ctx context.Context, filter SlotFilter) ([]*Slot, error) {
	var records, err = ps.queries.ListSlots(ctx, database.SlotFilter{
		Owner:        filter.Owner,
		ExcludeOwner: filter.ExcludeOwner,
		Status:       string(filter.Status),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find slots: %w", err)
	}

	var slots = make([]*Slot, len(records))
	for i, record := range records {
		slots[i] = fromSlotRecord(record)
	}

	return slots, nil
}

// CreateProposal inserts a proposal.
func (ps *postgresStore) CreateProposal(ctx context.Context, proposal *Proposal) error {
	if err := ps.queries.InsertProposal(ctx, toProposalRecord(proposal)); err != nil {
		return fmt.Errorf("failed to create proposal %s: %w", proposal.ID, err)
	}
	return nil
}

// GetProposal returns the proposal, or nil if not found.
func (ps *postgresStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var record, err = ps.queries.GetProposal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal %s: %w", id, err)
	}

	if record == nil {
		return nil, nil
	}

	return fromProposalRecord(record), nil
}

// UpdateProposalIf conditionally updates a proposal.
func (ps *postgresStore) UpdateProposalIf(ctx context.Context, next *Proposal, expect Expect) (bool, error) {
	var applied, err = ps.queries.UpdateProposalIf(ctx, toProposalRecord(next), expect.Status, expect.Version)
	if err != nil {
		return false, fmt.Errorf("failed to update proposal %s: %w", next.ID, err)
	}
	return applied, nil
}

// FindProposals returns matching proposals newest first.
func (ps *postgresStore) FindProposals(ctx context.Context, filter ProposalFilter) ([]*Proposal, error) {
	var records, err = ps.queries.ListProposals(ctx, database.ProposalFilter{
		ProposerUser:  filter.ProposerUser,
		RecipientUser: filter.RecipientUser,
		Status:        string(filter.Status),
		SlotID:        filter.SlotID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find proposals: %w", err)
	}

	var proposals = make([]*Proposal, len(records))
	for i, record := range records {
		proposals[i] = fromProposalRecord(record)
	}

	return proposals, nil
}

// RecordIncident writes an incident marker.
func (ps *postgresStore) RecordIncident(ctx context.Context, incident *Incident) error {
	var record = &database.IncidentRecord{
		ID:         incident.ID,
		Key:        incident.Key,
		ProposalID: incident.ProposalID,
		Operation:  incident.Operation,
		Detail:     incident.Detail,
		CreatedAt:  incident.CreatedAt,
	}

	if err := ps.queries.InsertIncident(ctx, record); err != nil {
		return fmt.Errorf("failed to record incident %s: %w", incident.Key, err)
	}

	return nil
}

// ListIncidents returns all incident markers.
func (ps *postgresStore) ListIncidents(ctx context.Context) ([]*Incident, error) {
	var records, err = ps.queries.ListIncidents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}

	var incidents = make([]*Incident, len(records))
	for i, record := range records {
		incidents[i] = &Incident{
			ID:         record.ID,
			Key:        record.Key,
			ProposalID: record.ProposalID,
			Operation:  record.Operation,
			Detail:     record.Detail,
			CreatedAt:  record.CreatedAt.UTC(),
		}
	}

	return incidents, nil
}

func toSlotRecord(slot *Slot) *database.SlotRecord {
	return &database.SlotRecord{
		ID:            slot.ID,
		Owner:         slot.Owner,
		OriginalOwner: slot.OriginalOwner,
		Title:         slot.Title,
		Description:   slot.Description,
		StartTime:     slot.StartTime,
		EndTime:       slot.EndTime,
		Status:        string(slot.Status),
		LockedBy:      slot.LockedBy,
		Version:       slot.Version,
		CreatedAt:     slot.CreatedAt,
		UpdatedAt:     slot.UpdatedAt,
	}
}

func fromSlotRecord(record *database.SlotRecord) *Slot {
	return &Slot{
		ID:            record.ID,
		Owner:         record.Owner,
		OriginalOwner: record.OriginalOwner,
		Title:         record.Title,
		Description:   record.Description,
		StartTime:     record.StartTime.UTC(),
		EndTime:       record.EndTime.UTC(),
		Status:        SlotStatus(record.Status),
		LockedBy:      record.LockedBy,
		Version:       record.Version,
		CreatedAt:     record.CreatedAt.UTC(),
		UpdatedAt:     record.UpdatedAt.UTC(),
	}
}

func toProposalRecord(proposal *Proposal) *database.ProposalRecord {
	return &database.ProposalRecord{
		ID:            proposal.ID,
		ProposerUser:  proposal.ProposerUser,
		ProposerSlot:  proposal.ProposerSlot,
		RecipientUser: proposal.RecipientUser,
		RecipientSlot: proposal.RecipientSlot,
		Status:        string(proposal.Status),
		Version:       proposal.Version,
		CreatedAt:     proposal.CreatedAt,
		RespondedAt:   proposal.RespondedAt,
	}
}

func fromProposalRecord(record *database.ProposalRecord) *Proposal {
	var proposal = &Proposal{
		ID:            record.ID,
		ProposerUser:  record.ProposerUser,
		ProposerSlot:  record.ProposerSlot,
		RecipientUser: record.RecipientUser,
		RecipientSlot: record.RecipientSlot,
		Status:        ProposalStatus(record.Status),
		Version:       record.Version,
		CreatedAt:     record.CreatedAt.UTC(),
	}
	if record.RespondedAt != nil {
		var respondedAt = record.RespondedAt.UTC()
		proposal.RespondedAt = &respondedAt
	}
	return proposal
}
