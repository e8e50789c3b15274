package slotswap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// ViolationKind names a broken link between slots and pending proposals.
type ViolationKind string

const (
	// ViolationOrphanedLock is a LOCKED slot that no pending proposal holds.
	ViolationOrphanedLock ViolationKind = "orphaned_lock"
	// ViolationUnlockedProposal is a pending proposal whose slots are not locked for it.
	ViolationUnlockedProposal ViolationKind = "unlocked_proposal"
	// ViolationDoubleBooked is a slot referenced by more than one pending proposal.
	ViolationDoubleBooked ViolationKind = "double_booked"
)

// Violation is one inconsistency found by Audit.
type Violation struct {
	Kind       ViolationKind
	SlotID     string
	ProposalID string
	Detail     string
	// Since is the last time any record involved was written.
	Since time.Time
}

// SweepReport summarises one Sweep pass.
type SweepReport struct {
	Violations int
	Deferred   int
	Released   []string
	Incidents  int
}

// Audit checks that every LOCKED slot is held by exactly one pending proposal and that every
// pending proposal holds both of its slots.
//
// Audit reads without coordination, so an operation in flight shows up as a short-lived violation.
func (c *Coordinator) Audit(ctx context.Context) (_ []Violation, err error) {
	ctx, span := c.startSpan(ctx, "Audit")
	defer func() { endSpan(span, err) }()

	slots, err := c.store.FindSlots(ctx, SlotFilter{})
	if err != nil {
		return nil, internal(err)
	}
	pending, err := c.store.FindProposals(ctx, ProposalFilter{Status: ProposalPending})
	if err != nil {
		return nil, internal(err)
	}

	var (
		slotsByID   = make(map[string]*Slot, len(slots))
		pendingByID = make(map[string]*Proposal, len(pending))
		holders     = make(map[string][]*Proposal)
	)
	var violations []Violation
	for _, slot := range slots {
		slotsByID[slot.ID] = slot
	}
	for _, proposal := range pending {
		pendingByID[proposal.ID] = proposal
		holders[proposal.ProposerSlot] = append(holders[proposal.ProposerSlot], proposal)
		holders[proposal.RecipientSlot] = append(holders[proposal.RecipientSlot], proposal)
	}

	for _, slot := range slots {
		if slot.Status == SlotLocked {
			var holder, ok = pendingByID[slot.LockedBy]
			if !ok || !holder.References(slot.ID) {
				violations = append(violations, Violation{
					Kind:       ViolationOrphanedLock,
					SlotID:     slot.ID,
					ProposalID: slot.LockedBy,
					Detail:     fmt.Sprintf("slot is locked by %q, which is not a pending proposal for it", slot.LockedBy),
					Since:      slot.UpdatedAt,
				})
			}
		}

		if refs := holders[slot.ID]; len(refs) > 1 {
			var since time.Time
			for _, p := range refs {
				since = latest(since, p.CreatedAt)
			}
			violations = append(violations, Violation{
				Kind:   ViolationDoubleBooked,
				SlotID: slot.ID,
				Detail: fmt.Sprintf("slot is referenced by %d pending proposals", len(refs)),
				Since:  latest(since, slot.UpdatedAt),
			})
		}
	}

	for _, proposal := range pending {
		var (
			since    = proposal.CreatedAt
			problems []string
		)
		for _, side := range []struct{ slotID, owner string }{
			{proposal.ProposerSlot, proposal.ProposerUser},
			{proposal.RecipientSlot, proposal.RecipientUser},
		} {
			var slot, ok = slotsByID[side.slotID]
			if !ok {
				problems = append(problems, fmt.Sprintf("slot %s is missing", side.slotID))
				continue
			}
			since = latest(since, slot.UpdatedAt)
			if !lockedFor(slot, proposal.ID, side.owner) {
				problems = append(problems, fmt.Sprintf("slot %s is %s owned by %s", slot.ID, slot.Status, slot.Owner))
			}
		}
		if len(problems) > 0 {
			violations = append(violations, Violation{
				Kind:       ViolationUnlockedProposal,
				ProposalID: proposal.ID,
				Detail:     strings.Join(problems, "; "),
				Since:      since,
			})
		}
	}

	return violations, nil
}

// Sweep repairs what it safely can among violations older than the lock grace period. A lock
// whose proposal was never created is released back to OFFERED; every other violation is
// recorded as an incident.
func (c *Coordinator) Sweep(ctx context.Context) (report SweepReport, err error) {
	ctx, span := c.startSpan(ctx, "Sweep")
	defer func() {
		span.SetAttributes(
			attribute.Int("slotswap.violations", report.Violations),
			attribute.Int("slotswap.released", len(report.Released)))
		endSpan(span, err)
	}()

	violations, err := c.Audit(ctx)
	if err != nil {
		return report, err
	}
	report.Violations = len(violations)

	var cutoff = c.options.now().Add(-c.options.lockGrace)
	for _, violation := range violations {
		if violation.Since.After(cutoff) {
			report.Deferred++
			continue
		}

		if violation.Kind == ViolationOrphanedLock {
			released, err := c.releaseOrphanedLock(ctx, violation)
			if err != nil {
				return report, err
			}
			if released {
				report.Released = append(report.Released, violation.SlotID)
				continue
			}
		}

		var subject = violation.ProposalID
		if subject == "" || violation.Kind == ViolationOrphanedLock || violation.Kind == ViolationDoubleBooked {
			subject = violation.SlotID
		}
		c.recordIncident(ctx, subject, "sweep_"+string(violation.Kind), violation.Detail)
		report.Incidents++
	}

	if report.Violations > 0 {
		c.options.logger.Info("sweep finished",
			"violations", report.Violations,
			"deferred", report.Deferred,
			"released", len(report.Released),
			"incidents", report.Incidents)
	}

	return report, nil
}

// releaseOrphanedLock returns the slot to OFFERED when the proposal locking it does not exist.
func (c *Coordinator) releaseOrphanedLock(ctx context.Context, violation Violation) (bool, error) {
	slot, err := c.store.GetSlot(ctx, violation.SlotID)
	if err != nil {
		return false, internal(err)
	}
	if slot == nil || slot.Status != SlotLocked || slot.LockedBy != violation.ProposalID {
		return false, nil
	}

	proposal, err := c.store.GetProposal(ctx, slot.LockedBy)
	if err != nil {
		return false, internal(err)
	}
	if proposal != nil {
		return false, nil
	}

	var next = releasedSlot(slot, SlotOffered, slot.Owner, c.options.now())
	ok, err := c.store.UpdateSlotIf(ctx, &next, expectSlot(slot))
	if err != nil {
		return false, internal(err)
	}
	if ok {
		c.options.logger.Warn("released orphaned slot lock",
			"slot_id", slot.ID,
			"locked_by", violation.ProposalID)
	}
	return ok, nil
}

// RunSweeper runs Sweep immediately and then on every interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.options.lockGrace
	}

	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := c.Sweep(ctx); err != nil {
		c.options.logger.Error("failed to sweep", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.options.logger.Error("failed to sweep", "error", err)
			}
		}
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
