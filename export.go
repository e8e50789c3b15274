package slotswap

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-ical"
	"go.opentelemetry.io/otel/attribute"
)

const calendarProductID = "-//go-slotswap//EN"

// ExportCalendar writes the user's slots to w as an iCalendar document, one event per slot.
func (c *Coordinator) ExportCalendar(ctx context.Context, userID string, w io.Writer) (err error) {
	ctx, span := c.startSpan(ctx, "ExportCalendar", attribute.String("slotswap.user", userID))
	defer func() { endSpan(span, err) }()

	user, err := c.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	slots, err := c.ListSlots(ctx, userID)
	if err != nil {
		return err
	}

	var cal = ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, calendarProductID)
	cal.Props.SetText("X-WR-CALNAME", user.Name)
	for _, slot := range slots {
		cal.Children = append(cal.Children, toEvent(slot))
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return internal(fmt.Errorf("failed to encode calendar: %w", err))
	}

	c.options.logger.Debug("calendar exported", "user_id", userID, "events", len(slots))
	return nil
}

func toEvent(slot *Slot) *ical.Component {
	var event = ical.NewComponent(ical.CompEvent)
	event.Props.SetText(ical.PropUID, slot.ID)
	event.Props.SetText(ical.PropSummary, slot.Title)
	event.Props.SetDateTime(ical.PropDateTimeStamp, slot.UpdatedAt.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, slot.StartTime.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, slot.EndTime.UTC())
	event.Props.SetText(ical.PropCategories, string(slot.Status))

	if slot.Description != "" {
		event.Props.SetText(ical.PropDescription, slot.Description)
	}

	// Only a HELD slot is a firm commitment.
	var status = "TENTATIVE"
	if slot.Status == SlotHeld {
		status = "CONFIRMED"
	}
	event.Props.SetText(ical.PropStatus, status)

	return event
}
