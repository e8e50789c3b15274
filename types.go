package slotswap

import "time"

// SlotStatus is the trading state of a slot.
type SlotStatus string

const (
	// SlotHeld is a slot kept by its owner and not up for trade.
	SlotHeld SlotStatus = "HELD"
	// SlotOffered is a slot its owner is willing to trade.
	SlotOffered SlotStatus = "OFFERED"
	// SlotLocked is a slot committed to exactly one pending proposal.
	SlotLocked SlotStatus = "LOCKED"
)

// ProposalStatus is the state of a swap proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "PENDING"
	ProposalAccepted ProposalStatus = "ACCEPTED"
	ProposalRejected ProposalStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalAccepted || s == ProposalRejected
}

// User is a participant that owns slots.
type User struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

// Slot is a unit of calendar time owned by one user.
type Slot struct {
	ID            string
	Owner         string
	OriginalOwner string
	Title         string
	Description   string
	StartTime     time.Time
	EndTime       time.Time
	Status        SlotStatus
	LockedBy      string // proposal holding the lock, set only while LOCKED
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Proposal is a proposed exchange of two slots between two users.
type Proposal struct {
	ID            string
	ProposerUser  string
	ProposerSlot  string
	RecipientUser string
	RecipientSlot string
	Status        ProposalStatus
	Version       int64
	CreatedAt     time.Time
	RespondedAt   *time.Time
}

// References reports whether the proposal names the slot on either side.
func (p *Proposal) References(slotID string) bool {
	return p.ProposerSlot == slotID || p.RecipientSlot == slotID
}

// ProposalView is a proposal with its participants and slots resolved.
type ProposalView struct {
	Proposal      Proposal
	ProposerUser  User
	RecipientUser User
	ProposerSlot  Slot
	RecipientSlot Slot
}

// Incident is a durable marker left when a multi-record operation could not be
// rolled back and needs manual reconciliation.
type Incident struct {
	ID         string
	Key        string
	ProposalID string
	Operation  string
	Detail     string
	CreatedAt  time.Time
}

// Expect is the precondition of a conditional write.
type Expect struct {
	Status  string
	Version int64
}

// SlotFilter narrows FindSlots. Empty fields do not filter.
type SlotFilter struct {
	Owner        string
	ExcludeOwner string
	Status       SlotStatus
}

// ProposalFilter narrows FindProposals. Empty fields do not filter.
type ProposalFilter struct {
	ProposerUser  string
	RecipientUser string
	Status        ProposalStatus
	SlotID        string
}

// SlotInput is the descriptive payload of a slot.
type SlotInput struct {
	Title       string
	Description string
	StartTime   time.Time
	EndTime     time.Time
}

func expectSlot(s *Slot) Expect {
	return Expect{Status: string(s.Status), Version: s.Version}
}

func expectProposal(p *Proposal) Expect {
	return Expect{Status: string(p.Status), Version: p.Version}
}
