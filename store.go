package slotswap

import "context"

// SlotStore is the durable record store for slots.
// Point reads return (nil, nil) when the slot does not exist.
type SlotStore interface {
	CreateSlot(ctx context.Context, slot *Slot) error
	GetSlot(ctx context.Context, id string) (*Slot, error)
	// UpdateSlotIf writes next only if the stored slot still has the expected status and version.
	// On success the store bumps the version and reports true.
	UpdateSlotIf(ctx context.Context, next *Slot, expect Expect) (bool, error)
	DeleteSlotIf(ctx context.Context, id string, expect Expect) (bool, error)
	// FindSlots returns matching slots ordered by start time ascending.
	FindSlots(ctx context.Context, filter SlotFilter) ([]*Slot, error)
}

// ProposalStore is the durable record store for swap proposals.
type ProposalStore interface {
	CreateProposal(ctx context.Context, proposal *Proposal) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	UpdateProposalIf(ctx context.Context, next *Proposal, expect Expect) (bool, error)
	// FindProposals returns matching proposals newest first.
	FindProposals(ctx context.Context, filter ProposalFilter) ([]*Proposal, error)
}

// UserDirectory resolves user identities.
type UserDirectory interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
}

// IncidentLog keeps inconsistency markers for manual reconciliation.
type IncidentLog interface {
	// RecordIncident is idempotent on Incident.Key.
	RecordIncident(ctx context.Context, incident *Incident) error
	ListIncidents(ctx context.Context) ([]*Incident, error)
}

// Store is everything the Coordinator needs from persistence.
// Implementations only guarantee single-record atomicity.
type Store interface {
	SlotStore
	ProposalStore
	UserDirectory
	IncidentLog
}
