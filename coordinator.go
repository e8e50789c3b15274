package slotswap

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Coordinator moves swap proposals and the slots they reference through their coupled state
// machines. It holds no in-memory state between calls: every operation re-reads the records it
// needs and commits them with conditional writes, so many coordinators may share one store.
type Coordinator struct {
	store   Store
	options options
}

// NewCoordinator creates a Coordinator over the given store.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Coordinator{
		store:   store,
		options: options,
	}
}

// Propose locks both slots and creates a pending proposal to exchange them.
//
// Writes happen in the order: lock my slot, lock their slot, create the proposal. A failure after
// the first lock releases the locks already taken before the error is returned.
//
// Retrying a Propose whose first attempt succeeded returns the existing pending proposal.
func (c *Coordinator) Propose(ctx context.Context, callerID, mySlotID, theirSlotID string) (_ *Proposal, err error) {
	ctx, span := c.startSpan(ctx, "Propose",
		attribute.String("slotswap.caller", callerID),
		attribute.String("slotswap.my_slot", mySlotID),
		attribute.String("slotswap.their_slot", theirSlotID))
	defer func() { endSpan(span, err) }()

	if callerID == "" || mySlotID == "" || theirSlotID == "" {
		return nil, invalidArgument("caller and both slot ids are required")
	}
	if mySlotID == theirSlotID {
		return nil, invalidArgument("cannot swap a slot with itself")
	}

	mine, err := c.loadSlot(ctx, mySlotID)
	if err != nil {
		return nil, err
	}
	theirs, err := c.loadSlot(ctx, theirSlotID)
	if err != nil {
		return nil, err
	}

	if mine.Owner != callerID {
		return nil, forbidden("you do not own slot %s", mine.ID)
	}
	if theirs.Owner == callerID {
		return nil, conflict("slot %s is already yours", theirs.ID)
	}

	existing, err := c.findRetriedProposal(ctx, callerID, mine, theirs)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		c.options.logger.Info("returning existing proposal for retried propose",
			"proposal_id", existing.ID,
			"caller", callerID)
		return existing, nil
	}

	if mine.Status != SlotOffered {
		return nil, conflict("slot %s is %s, not OFFERED", mine.ID, mine.Status)
	}
	if theirs.Status != SlotOffered {
		return nil, conflict("slot %s is %s, not OFFERED", theirs.ID, theirs.Status)
	}

	var (
		now      = c.options.now()
		proposal = &Proposal{
			ID:            c.options.newID(),
			ProposerUser:  callerID,
			ProposerSlot:  mine.ID,
			RecipientUser: theirs.Owner,
			RecipientSlot: theirs.ID,
			Status:        ProposalPending,
			Version:       1,
			CreatedAt:     now,
		}
		tx = c.newSaga(ctx, proposal.ID, "propose")
	)

	if err := tx.writeSlot(mine, lockedSlot(mine, proposal.ID, now)); err != nil {
		tx.rollback()
		return nil, err
	}
	if err := tx.writeSlot(theirs, lockedSlot(theirs, proposal.ID, now)); err != nil {
		tx.rollback()
		return nil, err
	}

	if err := c.store.CreateProposal(tx.ctx, proposal); err != nil {
		// The insert may have landed even though the store reported an error.
		var stored, getErr = c.store.GetProposal(tx.ctx, proposal.ID)
		if getErr != nil {
			// Outcome unknown. The locks stay; a sweep releases them if the proposal never landed.
			c.recordIncident(tx.ctx, proposal.ID, "propose",
				fmt.Sprintf("create proposal: %v; re-read: %v", err, getErr))
			return nil, internal(fmt.Errorf("failed to create proposal: %w", err))
		}
		if stored == nil {
			tx.rollback()
			return nil, internal(fmt.Errorf("failed to create proposal: %w", err))
		}
		proposal = stored
	}

	c.options.logger.Info("swap proposed",
		"proposal_id", proposal.ID,
		"proposer", proposal.ProposerUser,
		"recipient", proposal.RecipientUser,
		"proposer_slot", proposal.ProposerSlot,
		"recipient_slot", proposal.RecipientSlot)

	return proposal, nil
}

// Respond accepts or rejects a pending proposal on behalf of its recipient.
//
// Both paths write the proposer slot, then the recipient slot, then the proposal. The proposal is
// written last because terminal states cannot be undone; if it cannot be written, the slot writes
// are compensated.
func (c *Coordinator) Respond(ctx context.Context, callerID, proposalID string, accept bool) (_ *Proposal, err error) {
	ctx, span := c.startSpan(ctx, "Respond",
		attribute.String("slotswap.caller", callerID),
		attribute.String("slotswap.proposal", proposalID),
		attribute.Bool("slotswap.accept", accept))
	defer func() { endSpan(span, err) }()

	if callerID == "" || proposalID == "" {
		return nil, invalidArgument("caller and proposal id are required")
	}

	proposal, err := c.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, internal(err)
	}
	if proposal == nil {
		return nil, notFound("proposal %s not found", proposalID)
	}
	if proposal.RecipientUser != callerID {
		return nil, forbidden("only the recipient can respond to proposal %s", proposalID)
	}
	if proposal.Status != ProposalPending {
		return nil, conflict("proposal %s is already %s", proposalID, proposal.Status)
	}

	proposerSlot, err := c.store.GetSlot(ctx, proposal.ProposerSlot)
	if err != nil {
		return nil, internal(err)
	}
	recipientSlot, err := c.store.GetSlot(ctx, proposal.RecipientSlot)
	if err != nil {
		return nil, internal(err)
	}
	if proposerSlot == nil || recipientSlot == nil {
		return nil, conflict("proposal %s references a slot that no longer exists", proposalID)
	}
	if !lockedFor(proposerSlot, proposal.ID, proposal.ProposerUser) ||
		!lockedFor(recipientSlot, proposal.ID, proposal.RecipientUser) {
		return nil, conflict("slots of proposal %s are no longer locked for it", proposalID)
	}

	var (
		now           = c.options.now()
		operation     = "reject"
		status        = ProposalRejected
		nextProposer  = releasedSlot(proposerSlot, SlotOffered, proposerSlot.Owner, now)
		nextRecipient = releasedSlot(recipientSlot, SlotOffered, recipientSlot.Owner, now)
	)
	if accept {
		operation = "accept"
		status = ProposalAccepted
		nextProposer = releasedSlot(proposerSlot, SlotHeld, recipientSlot.Owner, now)
		nextRecipient = releasedSlot(recipientSlot, SlotHeld, proposerSlot.Owner, now)
	}

	var tx = c.newSaga(ctx, proposal.ID, operation)

	if err := tx.writeSlot(proposerSlot, nextProposer); err != nil {
		tx.rollback()
		return nil, err
	}
	if err := tx.writeSlot(recipientSlot, nextRecipient); err != nil {
		tx.rollback()
		return nil, err
	}

	var next = *proposal
	next.Status = status
	next.RespondedAt = &now

	applied, err := c.store.UpdateProposalIf(tx.ctx, &next, expectProposal(proposal))
	if err != nil {
		// The write may have landed even though the store reported an error.
		var stored, getErr = c.store.GetProposal(tx.ctx, proposal.ID)
		if getErr != nil {
			// Outcome unknown, so the slot writes are left for manual reconciliation.
			c.recordIncident(tx.ctx, proposal.ID, operation,
				fmt.Sprintf("update proposal to %s: %v; re-read: %v", status, err, getErr))
			return nil, internal(fmt.Errorf("failed to update proposal: %w", err))
		}
		if stored == nil || stored.Status != status {
			tx.rollback()
			return nil, internal(fmt.Errorf("failed to update proposal: %w", err))
		}
		applied = true
	}
	if !applied {
		tx.rollback()
		return nil, conflict("proposal %s was changed by another operation", proposalID)
	}
	next.Version = proposal.Version + 1

	c.options.logger.Info("swap "+operation+"ed",
		"proposal_id", next.ID,
		"proposer", next.ProposerUser,
		"recipient", next.RecipientUser)

	return &next, nil
}

// findRetriedProposal returns the pending proposal this caller already holds on exactly this slot
// pair, if both slots are locked for it.
func (c *Coordinator) findRetriedProposal(ctx context.Context, callerID string, mine, theirs *Slot) (*Proposal, error) {
	if mine.Status != SlotLocked || theirs.Status != SlotLocked || mine.LockedBy != theirs.LockedBy {
		return nil, nil
	}

	var proposal, err = c.store.GetProposal(ctx, mine.LockedBy)
	if err != nil {
		return nil, internal(err)
	}
	if proposal == nil || proposal.Status != ProposalPending {
		return nil, nil
	}
	if proposal.ProposerUser != callerID || proposal.ProposerSlot != mine.ID || proposal.RecipientSlot != theirs.ID {
		return nil, nil
	}

	return proposal, nil
}

func (c *Coordinator) loadSlot(ctx context.Context, id string) (*Slot, error) {
	var slot, err = c.store.GetSlot(ctx, id)
	if err != nil {
		return nil, internal(err)
	}
	if slot == nil {
		return nil, notFound("slot %s not found", id)
	}
	return slot, nil
}

func (c *Coordinator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.options.tracer.Start(ctx, "slotswap."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("slotswap.error_kind", string(KindOf(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// lockedFor reports whether the slot is locked by the proposal and still held by owner.
func lockedFor(slot *Slot, proposalID, owner string) bool {
	return slot.Status == SlotLocked && slot.LockedBy == proposalID && slot.Owner == owner
}

func lockedSlot(slot *Slot, proposalID string, now time.Time) Slot {
	var next = *slot
	next.Status = SlotLocked
	next.LockedBy = proposalID
	next.UpdatedAt = now
	return next
}

func releasedSlot(slot *Slot, status SlotStatus, owner string, now time.Time) Slot {
	var next = *slot
	next.Status = status
	next.Owner = owner
	next.LockedBy = ""
	next.UpdatedAt = now
	return next
}
