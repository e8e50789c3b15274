package slotswap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		newSlot = func(id, owner string, start time.Time) *Slot {
			return &Slot{
				ID:            id,
				Owner:         owner,
				OriginalOwner: owner,
				Title:         "slot " + id,
				StartTime:     start,
				EndTime:       start.Add(time.Hour),
				Status:        SlotOffered,
				Version:       1,
			}
		}
	)

	t.Run("should never hand out live references", func(t *testing.T) {
		// Arrange
		var (
			sut  = NewMemoryStore()
			ctx  = newCtx()
			slot = newSlot("a", "alice", testEpoch)
		)
		require.NoError(t, sut.CreateSlot(ctx, slot))

		// Act
		slot.Owner = "mallory"
		read, err := sut.GetSlot(ctx, "a")
		require.NoError(t, err)
		read.Status = SlotHeld

		// Assert
		again, err := sut.GetSlot(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "alice", again.Owner)
		assert.Equal(t, SlotOffered, again.Status)
	})

	t.Run("should apply a conditional write only once per version", func(t *testing.T) {
		// Arrange
		var (
			sut  = NewMemoryStore()
			ctx  = newCtx()
			slot = newSlot("a", "alice", testEpoch)
		)
		require.NoError(t, sut.CreateSlot(ctx, slot))

		var next = *slot
		next.Status = SlotLocked
		next.LockedBy = "p1"

		// Act
		first, errFirst := sut.UpdateSlotIf(ctx, &next, expectSlot(slot))
		second, errSecond := sut.UpdateSlotIf(ctx, &next, expectSlot(slot))

		// Assert
		require.NoError(t, errFirst)
		require.NoError(t, errSecond)
		assert.True(t, first)
		assert.False(t, second)

		stored, err := sut.GetSlot(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.Version)
		assert.Equal(t, "p1", stored.LockedBy)
		assert.Equal(t, int64(1), next.Version, "caller's record must not be mutated")
	})

	t.Run("should reject a write that matches status but not version", func(t *testing.T) {
		// Arrange
		var (
			sut  = NewMemoryStore()
			ctx  = newCtx()
			slot = newSlot("a", "alice", testEpoch)
		)
		require.NoError(t, sut.CreateSlot(ctx, slot))

		var locked = *slot
		locked.Status = SlotLocked
		ok, err := sut.UpdateSlotIf(ctx, &locked, expectSlot(slot))
		require.NoError(t, err)
		require.True(t, ok)

		var reoffered = *slot
		ok, err = sut.UpdateSlotIf(ctx, &reoffered, Expect{Status: string(SlotLocked), Version: 2})
		require.NoError(t, err)
		require.True(t, ok)

		// Act
		var stale = *slot
		stale.Owner = "mallory"
		ok, err = sut.UpdateSlotIf(ctx, &stale, expectSlot(slot))

		// Assert
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should filter and order slots by start time", func(t *testing.T) {
		// Arrange
		var (
			sut = NewMemoryStore()
			ctx = newCtx()
		)
		require.NoError(t, sut.CreateSlot(ctx, newSlot("late", "bob", testEpoch.Add(2*time.Hour))))
		require.NoError(t, sut.CreateSlot(ctx, newSlot("early", "bob", testEpoch)))
		require.NoError(t, sut.CreateSlot(ctx, newSlot("own", "alice", testEpoch.Add(time.Hour))))

		// Act
		slots, err := sut.FindSlots(ctx, SlotFilter{ExcludeOwner: "alice", Status: SlotOffered})

		// Assert
		require.NoError(t, err)
		require.Len(t, slots, 2)
		assert.Equal(t, "early", slots[0].ID)
		assert.Equal(t, "late", slots[1].ID)
	})

	t.Run("should refuse duplicate records", func(t *testing.T) {
		var (
			sut = NewMemoryStore()
			ctx = newCtx()
		)
		require.NoError(t, sut.CreateSlot(ctx, newSlot("a", "alice", testEpoch)))

		assert.Error(t, sut.CreateSlot(ctx, newSlot("a", "bob", testEpoch)))
	})

	t.Run("should keep one incident per key", func(t *testing.T) {
		var (
			sut = NewMemoryStore()
			ctx = newCtx()
		)

		require.NoError(t, sut.RecordIncident(ctx, &Incident{ID: "1", Key: "p:accept", Detail: "first"}))
		require.NoError(t, sut.RecordIncident(ctx, &Incident{ID: "2", Key: "p:accept", Detail: "second"}))

		incidents, err := sut.ListIncidents(ctx)
		require.NoError(t, err)
		require.Len(t, incidents, 1)
		assert.Equal(t, "first", incidents[0].Detail)
	})
}
