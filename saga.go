package slotswap

import (
	"context"
	"fmt"
	"strings"
)

// saga applies an ordered sequence of conditional slot writes for one operation and can undo the
// applied ones in reverse order. It never spans more than one proposal.
type saga struct {
	c          *Coordinator
	ctx        context.Context
	proposalID string
	operation  string
	applied    []sagaStep
}

// sagaStep remembers the state a slot had before the operation touched it.
type sagaStep struct {
	before Slot
	after  Slot
	// uncertain marks a write whose outcome the store could not report.
	uncertain bool
}

// newSaga detaches from the caller's cancellation: once the first write starts, the operation
// and its compensations run to completion.
func (c *Coordinator) newSaga(ctx context.Context, proposalID, operation string) *saga {
	return &saga{
		c:          c,
		ctx:        context.WithoutCancel(ctx),
		proposalID: proposalID,
		operation:  operation,
	}
}

// writeSlot replaces before with next if before is still current.
func (s *saga) writeSlot(before *Slot, next Slot) error {
	var ok, err = s.c.store.UpdateSlotIf(s.ctx, &next, expectSlot(before))
	if err != nil {
		s.applied = append(s.applied, sagaStep{before: *before, after: next, uncertain: true})
		return internal(fmt.Errorf("failed to write slot %s: %w", before.ID, err))
	}
	if !ok {
		return conflict("slot %s was changed by another operation", before.ID)
	}

	next.Version = before.Version + 1
	s.applied = append(s.applied, sagaStep{before: *before, after: next})
	return nil
}

// rollback restores every applied slot, newest first. Steps that cannot be restored are recorded
// as a single incident.
func (s *saga) rollback() {
	var failures []string

	for i := len(s.applied) - 1; i >= 0; i-- {
		if err := s.undo(s.applied[i]); err != nil {
			failures = append(failures, err.Error())
		}
	}
	s.applied = nil

	if len(failures) > 0 {
		s.c.recordIncident(s.ctx, s.proposalID, s.operation, strings.Join(failures, "; "))
	}
}

func (s *saga) undo(step sagaStep) error {
	var restored = step.before
	restored.UpdatedAt = s.c.options.now()

	var ok, err = s.c.store.UpdateSlotIf(s.ctx, &restored, Expect{
		Status:  string(step.after.Status),
		Version: step.before.Version + 1,
	})
	if err != nil {
		return fmt.Errorf("restore slot %s: %w", step.before.ID, err)
	}
	if ok {
		s.c.options.logger.Warn("compensated slot write",
			"proposal_id", s.proposalID,
			"operation", s.operation,
			"slot_id", step.before.ID)
		return nil
	}

	// The restore lost its precondition. That is fine only when the original write never landed.
	var current, getErr = s.c.store.GetSlot(s.ctx, step.before.ID)
	if getErr != nil {
		return fmt.Errorf("restore slot %s: %w", step.before.ID, getErr)
	}
	if step.uncertain && current != nil && current.Version == step.before.Version {
		return nil
	}
	if current == nil {
		return fmt.Errorf("restore slot %s: slot disappeared", step.before.ID)
	}
	return fmt.Errorf("restore slot %s: found %s at version %d, expected %s at version %d",
		step.before.ID, current.Status, current.Version, step.after.Status, step.before.Version+1)
}

// recordIncident leaves a durable marker for manual reconciliation.
func (c *Coordinator) recordIncident(ctx context.Context, proposalID, operation, detail string) {
	var incident = &Incident{
		ID:         c.options.newID(),
		Key:        proposalID + ":" + operation,
		ProposalID: proposalID,
		Operation:  operation,
		Detail:     detail,
		CreatedAt:  c.options.now(),
	}

	if err := c.store.RecordIncident(ctx, incident); err != nil {
		c.options.logger.Error("failed to record incident, manual reconciliation required",
			"proposal_id", proposalID,
			"operation", operation,
			"detail", detail,
			"error", err)
		return
	}

	c.options.logger.Error("recorded incident for manual reconciliation",
		"incident_key", incident.Key,
		"detail", detail)
}
