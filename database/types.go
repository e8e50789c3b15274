package database

import "time"

// UserRecord represents a user record in the database.
type UserRecord struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

// SlotRecord represents a calendar slot record in the database.
type SlotRecord struct {
	ID            string
	Owner         string
	OriginalOwner string
	Title         string
	Description   string
	StartTime     time.Time
	EndTime       time.Time
	Status        string
	LockedBy      string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProposalRecord represents a swap proposal record in the database.
type ProposalRecord struct {
	ID            string
	ProposerUser  string
	ProposerSlot  string
	RecipientUser string
	RecipientSlot string
	Status        string
	Version       int64
	CreatedAt     time.Time
	RespondedAt   *time.Time
}

// IncidentRecord represents an inconsistency marker left for manual reconciliation.
type IncidentRecord struct {
	ID         string
	Key        string
	ProposalID string
	Operation  string
	Detail     string
	CreatedAt  time.Time
}

// SlotFilter narrows a slot listing. Empty fields do not filter.
type SlotFilter struct {
	Owner        string
	ExcludeOwner string
	Status       string
}

// ProposalFilter narrows a proposal listing. Empty fields do not filter.
type ProposalFilter struct {
	ProposerUser  string
	RecipientUser string
	Status        string
	// SlotID matches proposals referencing the slot on either side.
	SlotID string
}
