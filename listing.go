package slotswap

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// ListOffered returns every OFFERED slot not owned by the caller, earliest first.
func (c *Coordinator) ListOffered(ctx context.Context, callerID string) (_ []*Slot, err error) {
	ctx, span := c.startSpan(ctx, "ListOffered", attribute.String("slotswap.caller", callerID))
	defer func() { endSpan(span, err) }()

	slots, err := c.store.FindSlots(ctx, SlotFilter{ExcludeOwner: callerID, Status: SlotOffered})
	if err != nil {
		return nil, internal(err)
	}
	return slots, nil
}

// ListIncoming returns proposals addressed to the caller, newest first.
func (c *Coordinator) ListIncoming(ctx context.Context, callerID string) (_ []ProposalView, err error) {
	ctx, span := c.startSpan(ctx, "ListIncoming", attribute.String("slotswap.caller", callerID))
	defer func() { endSpan(span, err) }()

	return c.listProposals(ctx, ProposalFilter{RecipientUser: callerID})
}

// ListOutgoing returns proposals made by the caller, newest first.
func (c *Coordinator) ListOutgoing(ctx context.Context, callerID string) (_ []ProposalView, err error) {
	ctx, span := c.startSpan(ctx, "ListOutgoing", attribute.String("slotswap.caller", callerID))
	defer func() { endSpan(span, err) }()

	return c.listProposals(ctx, ProposalFilter{ProposerUser: callerID})
}

func (c *Coordinator) listProposals(ctx context.Context, filter ProposalFilter) ([]ProposalView, error) {
	var proposals, err = c.store.FindProposals(ctx, filter)
	if err != nil {
		return nil, internal(err)
	}

	var views = make([]ProposalView, 0, len(proposals))
	for _, proposal := range proposals {
		var view, ok, err = c.resolve(ctx, proposal)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.options.logger.Debug("skipping proposal with dangling reference", "proposal_id", proposal.ID)
			continue
		}
		views = append(views, view)
	}

	return views, nil
}

// resolve loads the users and slots a proposal names. ok is false when any of them is gone.
func (c *Coordinator) resolve(ctx context.Context, proposal *Proposal) (view ProposalView, ok bool, err error) {
	proposer, err := c.store.GetUser(ctx, proposal.ProposerUser)
	if err != nil {
		return view, false, internal(err)
	}
	recipient, err := c.store.GetUser(ctx, proposal.RecipientUser)
	if err != nil {
		return view, false, internal(err)
	}
	proposerSlot, err := c.store.GetSlot(ctx, proposal.ProposerSlot)
	if err != nil {
		return view, false, internal(err)
	}
	recipientSlot, err := c.store.GetSlot(ctx, proposal.RecipientSlot)
	if err != nil {
		return view, false, internal(err)
	}
	if proposer == nil || recipient == nil || proposerSlot == nil || recipientSlot == nil {
		return view, false, nil
	}

	return ProposalView{
		Proposal:      *proposal,
		ProposerUser:  *proposer,
		RecipientUser: *recipient,
		ProposerSlot:  *proposerSlot,
		RecipientSlot: *recipientSlot,
	}, true, nil
}
