package slotswap

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Records are kept by value and copied on every read and
// write, so callers never hold live references into the store.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]User
	slots        map[string]Slot
	proposals    map[string]Proposal
	incidents    []Incident
	incidentKeys map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]User),
		slots:        make(map[string]Slot),
		proposals:    make(map[string]Proposal),
		incidentKeys: make(map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

// CreateUser stores a new user.
func (m *MemoryStore) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.ID]; exists {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	m.users[user.ID] = *user
	return nil
}

// GetUser returns the user, or nil if it does not exist.
func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var user, ok = m.users[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

// CreateSlot stores a new slot.
func (m *MemoryStore) CreateSlot(_ context.Context, slot *Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slots[slot.ID]; exists {
		return fmt.Errorf("slot %s already exists", slot.ID)
	}
	m.slots[slot.ID] = *slot
	return nil
}

// GetSlot returns the slot, or nil if it does not exist.
func (m *MemoryStore) GetSlot(_ context.Context, id string) (*Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var slot, ok = m.slots[id]
	if !ok {
		return nil, nil
	}
	return &slot, nil
}

// UpdateSlotIf applies next when the stored slot matches expect.
func (m *MemoryStore) UpdateSlotIf(_ context.Context, next *Slot, expect Expect) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored, ok = m.slots[next.ID]
	if !ok || string(stored.Status) != expect.Status || stored.Version != expect.Version {
		return false, nil
	}

	stored.Owner = next.Owner
	stored.Title = next.Title
	stored.Description = next.Description
	stored.StartTime = next.StartTime
	stored.EndTime = next.EndTime
	stored.Status = next.Status
	stored.LockedBy = next.LockedBy
	stored.UpdatedAt = next.UpdatedAt
	stored.Version++
	m.slots[next.ID] = stored
	return true, nil
}

// DeleteSlotIf removes the slot when it matches expect.
func (m *MemoryStore) DeleteSlotIf(_ context.Context, id string, expect Expect) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored, ok = m.slots[id]
	if !ok || string(stored.Status) != expect.Status || stored.Version != expect.Version {
		return false, nil
	}
	delete(m.slots, id)
	return true, nil
}

// FindSlots returns matching slots ordered by start time.
func (m *MemoryStore) FindSlots(_ context.Context, filter SlotFilter) ([]*Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var slots []*Slot
	for _, slot := range m.slots {
		if filter.Owner != "" && slot.Owner != filter.Owner {
			continue
		}
		if filter.ExcludeOwner != "" && slot.Owner == filter.ExcludeOwner {
			continue
		}
		if filter.Status != "" && slot.Status != filter.Status {
			continue
		}
		var copied = slot
		slots = append(slots, &copied)
	}

	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].StartTime.Equal(slots[j].StartTime) {
			return slots[i].StartTime.Before(slots[j].StartTime)
		}
		return slots[i].ID < slots[j].ID
	})
	return slots, nil
}

// CreateProposal stores a new proposal.
func (m *MemoryStore) CreateProposal(_ context.Context, proposal *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.proposals[proposal.ID]; exists {
		return fmt.Errorf("proposal %s already exists", proposal.ID)
	}
	m.proposals[proposal.ID] = cloneProposal(*proposal)
	return nil
}

// GetProposal returns the proposal, or nil if it does not exist.
func (m *MemoryStore) GetProposal(_ context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var proposal, ok = m.proposals[id]
	if !ok {
		return nil, nil
	}
	var copied = cloneProposal(proposal)
	return &copied, nil
}

// UpdateProposalIf sets status and response time when the stored proposal matches expect.
func (m *MemoryStore) UpdateProposalIf(_ context.Context, next *Proposal, expect Expect) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored, ok = m.proposals[next.ID]
	if !ok || string(stored.Status) != expect.Status || stored.Version != expect.Version {
		return false, nil
	}

	var updated = cloneProposal(*next)
	stored.Status = updated.Status
	stored.RespondedAt = updated.RespondedAt
	stored.Version++
	m.proposals[next.ID] = stored
	return true, nil
}

// FindProposals returns matching proposals newest first.
func (m *MemoryStore) FindProposals(_ context.Context, filter ProposalFilter) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var proposals []*Proposal
	for _, proposal := range m.proposals {
		if filter.ProposerUser != "" && proposal.ProposerUser != filter.ProposerUser {
			continue
		}
		if filter.RecipientUser != "" && proposal.RecipientUser != filter.RecipientUser {
			continue
		}
		if filter.Status != "" && proposal.Status != filter.Status {
			continue
		}
		if filter.SlotID != "" && !proposal.References(filter.SlotID) {
			continue
		}
		var copied = cloneProposal(proposal)
		proposals = append(proposals, &copied)
	}

	sort.Slice(proposals, func(i, j int) bool {
		if !proposals[i].CreatedAt.Equal(proposals[j].CreatedAt) {
			return proposals[i].CreatedAt.After(proposals[j].CreatedAt)
		}
		return proposals[i].ID > proposals[j].ID
	})
	return proposals, nil
}

// RecordIncident appends an incident unless one with the same key exists.
func (m *MemoryStore) RecordIncident(_ context.Context, incident *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.incidentKeys[incident.Key] {
		return nil
	}
	m.incidentKeys[incident.Key] = true
	m.incidents = append(m.incidents, *incident)
	return nil
}

// ListIncidents returns all incidents in the order they were recorded.
func (m *MemoryStore) ListIncidents(_ context.Context) ([]*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var incidents = make([]*Incident, len(m.incidents))
	for i := range m.incidents {
		var copied = m.incidents[i]
		incidents[i] = &copied
	}
	return incidents, nil
}

func cloneProposal(p Proposal) Proposal {
	if p.RespondedAt != nil {
		var t = *p.RespondedAt
		p.RespondedAt = &t
	}
	return p
}
