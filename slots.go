package slotswap

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// RegisterUser creates a user with a generated id.
func (c *Coordinator) RegisterUser(ctx context.Context, name, email string) (_ *User, err error) {
	ctx, span := c.startSpan(ctx, "RegisterUser")
	defer func() { endSpan(span, err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidArgument("name is required")
	}

	var user = &User{
		ID:        c.options.newID(),
		Name:      name,
		Email:     strings.TrimSpace(email),
		CreatedAt: c.options.now(),
	}
	if err := c.store.CreateUser(ctx, user); err != nil {
		return nil, internal(err)
	}

	c.options.logger.Info("user registered", "user_id", user.ID)
	return user, nil
}

// GetUser returns a user by id.
func (c *Coordinator) GetUser(ctx context.Context, userID string) (*User, error) {
	var user, err = c.store.GetUser(ctx, userID)
	if err != nil {
		return nil, internal(err)
	}
	if user == nil {
		return nil, notFound("user %s not found", userID)
	}
	return user, nil
}

// CreateSlot creates a HELD slot owned by the caller.
func (c *Coordinator) CreateSlot(ctx context.Context, callerID string, input SlotInput) (_ *Slot, err error) {
	ctx, span := c.startSpan(ctx, "CreateSlot", attribute.String("slotswap.caller", callerID))
	defer func() { endSpan(span, err) }()

	if callerID == "" {
		return nil, invalidArgument("caller is required")
	}
	if err := validateSlotInput(&input); err != nil {
		return nil, err
	}

	var (
		now  = c.options.now()
		slot = &Slot{
			ID:            c.options.newID(),
			Owner:         callerID,
			OriginalOwner: callerID,
			Title:         input.Title,
			Description:   input.Description,
			StartTime:     input.StartTime.UTC(),
			EndTime:       input.EndTime.UTC(),
			Status:        SlotHeld,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	)
	if err := c.store.CreateSlot(ctx, slot); err != nil {
		return nil, internal(err)
	}

	c.options.logger.Info("slot created", "slot_id", slot.ID, "owner", callerID)
	return slot, nil
}

// UpdateSlot replaces the descriptive fields of a slot the caller owns. Locked slots cannot change.
func (c *Coordinator) UpdateSlot(ctx context.Context, callerID, slotID string, input SlotInput) (_ *Slot, err error) {
	ctx, span := c.startSpan(ctx, "UpdateSlot",
		attribute.String("slotswap.caller", callerID),
		attribute.String("slotswap.slot", slotID))
	defer func() { endSpan(span, err) }()

	if err := validateSlotInput(&input); err != nil {
		return nil, err
	}

	slot, err := c.ownedSlot(ctx, callerID, slotID)
	if err != nil {
		return nil, err
	}
	if slot.Status == SlotLocked {
		return nil, conflict("slot %s is locked by a pending proposal", slotID)
	}

	var next = *slot
	next.Title = input.Title
	next.Description = input.Description
	next.StartTime = input.StartTime.UTC()
	next.EndTime = input.EndTime.UTC()
	next.UpdatedAt = c.options.now()

	if err := c.commitSlot(ctx, slot, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// SetSlotStatus moves a slot the caller owns between HELD and OFFERED.
func (c *Coordinator) SetSlotStatus(ctx context.Context, callerID, slotID string, status SlotStatus) (_ *Slot, err error) {
	ctx, span := c.startSpan(ctx, "SetSlotStatus",
		attribute.String("slotswap.caller", callerID),
		attribute.String("slotswap.slot", slotID),
		attribute.String("slotswap.status", string(status)))
	defer func() { endSpan(span, err) }()

	if status != SlotHeld && status != SlotOffered {
		return nil, invalidArgument("status must be %s or %s", SlotHeld, SlotOffered)
	}

	slot, err := c.ownedSlot(ctx, callerID, slotID)
	if err != nil {
		return nil, err
	}
	if slot.Status == SlotLocked {
		return nil, conflict("slot %s is locked by a pending proposal", slotID)
	}
	if slot.Status == status {
		return slot, nil
	}

	var next = *slot
	next.Status = status
	next.UpdatedAt = c.options.now()

	if err := c.commitSlot(ctx, slot, &next); err != nil {
		return nil, err
	}

	c.options.logger.Info("slot status changed", "slot_id", slotID, "status", status)
	return &next, nil
}

// DeleteSlot removes a slot the caller owns. Locked slots cannot be deleted.
func (c *Coordinator) DeleteSlot(ctx context.Context, callerID, slotID string) (err error) {
	ctx, span := c.startSpan(ctx, "DeleteSlot",
		attribute.String("slotswap.caller", callerID),
		attribute.String("slotswap.slot", slotID))
	defer func() { endSpan(span, err) }()

	slot, err := c.ownedSlot(ctx, callerID, slotID)
	if err != nil {
		return err
	}
	if slot.Status == SlotLocked {
		return conflict("slot %s is locked by a pending proposal", slotID)
	}

	deleted, err := c.store.DeleteSlotIf(ctx, slotID, expectSlot(slot))
	if err != nil {
		return internal(err)
	}
	if !deleted {
		return conflict("slot %s was changed by another operation", slotID)
	}

	c.options.logger.Info("slot deleted", "slot_id", slotID)
	return nil
}

// GetSlot returns a slot by id.
func (c *Coordinator) GetSlot(ctx context.Context, slotID string) (*Slot, error) {
	return c.loadSlot(ctx, slotID)
}

// ListSlots returns the caller's slots ordered by start time.
func (c *Coordinator) ListSlots(ctx context.Context, callerID string) ([]*Slot, error) {
	var slots, err = c.store.FindSlots(ctx, SlotFilter{Owner: callerID})
	if err != nil {
		return nil, internal(err)
	}
	return slots, nil
}

func (c *Coordinator) ownedSlot(ctx context.Context, callerID, slotID string) (*Slot, error) {
	var slot, err = c.loadSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if slot.Owner != callerID {
		return nil, forbidden("you do not own slot %s", slotID)
	}
	return slot, nil
}

// commitSlot writes next over current and advances next's version on success.
func (c *Coordinator) commitSlot(ctx context.Context, current, next *Slot) error {
	var ok, err = c.store.UpdateSlotIf(ctx, next, expectSlot(current))
	if err != nil {
		return internal(err)
	}
	if !ok {
		return conflict("slot %s was changed by another operation", current.ID)
	}
	next.Version = current.Version + 1
	return nil
}

func validateSlotInput(input *SlotInput) error {
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return invalidArgument("title is required")
	}
	if input.StartTime.IsZero() || input.EndTime.IsZero() {
		return invalidArgument("start and end time are required")
	}
	if !input.EndTime.After(input.StartTime) {
		return invalidArgument("end time must be after start time")
	}
	return nil
}
