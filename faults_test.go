package slotswap

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store unavailable")

func TestCompensation(t *testing.T) {
	type setup struct {
		f      *fixture
		faults *faultStore
		alice  string
		bob    string
		mine   *Slot
		theirs *Slot
	}

	var newSetup = func(t *testing.T) setup {
		var faults *faultStore
		var f = newFixture(t, func(s Store) Store {
			faults = &faultStore{Store: s}
			return faults
		})

		var (
			alice = f.user("alice")
			bob   = f.user("bob")
		)
		return setup{
			f:      f,
			faults: faults,
			alice:  alice,
			bob:    bob,
			mine:   f.slot(alice, SlotOffered),
			theirs: f.slot(bob, SlotOffered),
		}
	}

	var failOn = func(target int) func(int, *Slot) error {
		return func(n int, _ *Slot) error {
			if n == target {
				return errStoreDown
			}
			return nil
		}
	}

	var requireIncidents = func(t *testing.T, f *fixture, n int) []*Incident {
		incidents, err := f.mem.ListIncidents(f.ctx)
		require.NoError(t, err)
		require.Len(t, incidents, n)
		return incidents
	}

	t.Run("should release the first lock when the second lock fails", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		s.faults.armSlotWrites(failOn(2))

		// Act
		_, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)

		// Assert
		assert.ErrorIs(t, err, ErrInternal)
		assert.Equal(t, "internal error", err.Error())

		var mine = s.f.getSlot(s.mine.ID)
		assert.Equal(t, SlotOffered, mine.Status)
		assert.Empty(t, mine.LockedBy)
		assert.Equal(t, s.mine.Version+2, mine.Version)
		assert.Equal(t, s.theirs, s.f.getSlot(s.theirs.ID))

		proposals, err := s.f.mem.FindProposals(s.f.ctx, ProposalFilter{})
		require.NoError(t, err)
		assert.Empty(t, proposals)
		requireIncidents(t, s.f, 0)
		s.f.requireConsistent()
	})

	t.Run("should release the first lock when the second slot changes underneath", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		s.faults.armSlotWrites(func(n int, _ *Slot) error {
			if n != 2 {
				return nil
			}
			var current = s.f.getSlot(s.theirs.ID)
			var held = *current
			held.Status = SlotHeld
			_, err := s.f.mem.UpdateSlotIf(s.f.ctx, &held, expectSlot(current))
			return err
		})

		// Act
		_, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)

		// Assert
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, SlotOffered, s.f.getSlot(s.mine.ID).Status)
		assert.Equal(t, SlotHeld, s.f.getSlot(s.theirs.ID).Status)
		s.f.requireConsistent()
	})

	t.Run("should release both locks when the proposal cannot be created", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		s.faults.failCreateProposal = errStoreDown

		// Act
		_, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)

		// Assert
		assert.ErrorIs(t, err, ErrInternal)
		assert.Equal(t, SlotOffered, s.f.getSlot(s.mine.ID).Status)
		assert.Equal(t, SlotOffered, s.f.getSlot(s.theirs.ID).Status)

		proposals, err := s.f.mem.FindProposals(s.f.ctx, ProposalFilter{})
		require.NoError(t, err)
		assert.Empty(t, proposals)
		s.f.requireConsistent()
	})

	t.Run("should keep the proposal when its creation landed despite an error", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		s.faults.failCreateProposal = errStoreDown
		s.faults.landFailedWrites = true

		// Act
		proposal, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, ProposalPending, s.f.getProposal(proposal.ID).Status)
		assert.Equal(t, proposal.ID, s.f.getSlot(s.mine.ID).LockedBy)
		s.f.requireConsistent()
	})

	t.Run("should undo a lock whose write landed but reported an error", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		s.faults.landFailedWrites = true
		s.faults.armSlotWrites(failOn(2))

		// Act
		_, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)

		// Assert
		assert.ErrorIs(t, err, ErrInternal)
		assert.Equal(t, SlotOffered, s.f.getSlot(s.mine.ID).Status)
		assert.Equal(t, SlotOffered, s.f.getSlot(s.theirs.ID).Status)
		assert.Empty(t, s.f.getSlot(s.theirs.ID).LockedBy)
		requireIncidents(t, s.f, 0)
		s.f.requireConsistent()
	})

	t.Run("should restore the first slot when accepting fails midway and allow a retry", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		proposal, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)
		require.NoError(t, err)
		s.faults.armSlotWrites(failOn(2))

		// Act
		_, err = s.f.sut.Respond(s.f.ctx, s.bob, proposal.ID, true)

		// Assert
		assert.ErrorIs(t, err, ErrInternal)

		var mine = s.f.getSlot(s.mine.ID)
		assert.Equal(t, s.alice, mine.Owner)
		assert.Equal(t, SlotLocked, mine.Status)
		assert.Equal(t, proposal.ID, mine.LockedBy)
		assert.Equal(t, ProposalPending, s.f.getProposal(proposal.ID).Status)
		s.f.requireConsistent()

		// Act
		s.faults.armSlotWrites(nil)
		accepted, err := s.f.sut.Respond(s.f.ctx, s.bob, proposal.ID, true)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, ProposalAccepted, accepted.Status)
		assert.Equal(t, s.bob, s.f.getSlot(s.mine.ID).Owner)
		assert.Equal(t, s.alice, s.f.getSlot(s.theirs.ID).Owner)
		s.f.requireConsistent()
	})

	t.Run("should restore both slots when the proposal cannot be updated", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		proposal, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)
		require.NoError(t, err)
		s.faults.failUpdateProposal = errStoreDown

		// Act
		_, err = s.f.sut.Respond(s.f.ctx, s.bob, proposal.ID, true)

		// Assert
		assert.ErrorIs(t, err, ErrInternal)
		assert.Equal(t, s.alice, s.f.getSlot(s.mine.ID).Owner)
		assert.Equal(t, s.bob, s.f.getSlot(s.theirs.ID).Owner)
		assert.Equal(t, SlotLocked, s.f.getSlot(s.mine.ID).Status)
		assert.Equal(t, SlotLocked, s.f.getSlot(s.theirs.ID).Status)
		assert.Equal(t, ProposalPending, s.f.getProposal(proposal.ID).Status)
		requireIncidents(t, s.f, 0)
		s.f.requireConsistent()
	})

	t.Run("should complete the response when the proposal update landed despite an error", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		proposal, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)
		require.NoError(t, err)
		s.faults.failUpdateProposal = errStoreDown
		s.faults.landFailedWrites = true

		// Act
		rejected, err := s.f.sut.Respond(s.f.ctx, s.bob, proposal.ID, false)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, ProposalRejected, rejected.Status)
		assert.Equal(t, ProposalRejected, s.f.getProposal(proposal.ID).Status)
		assert.Equal(t, SlotOffered, s.f.getSlot(s.mine.ID).Status)
		s.f.requireConsistent()
	})

	t.Run("should record an incident when compensation itself fails", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		proposal, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)
		require.NoError(t, err)
		s.faults.armSlotWrites(func(n int, _ *Slot) error {
			if n >= 2 {
				return errStoreDown
			}
			return nil
		})

		// Act
		_, err = s.f.sut.Respond(s.f.ctx, s.bob, proposal.ID, true)

		// Assert
		assert.ErrorIs(t, err, ErrInternal)

		var incidents = requireIncidents(t, s.f, 1)
		assert.Equal(t, proposal.ID+":accept", incidents[0].Key)
		assert.Equal(t, proposal.ID, incidents[0].ProposalID)
		assert.Equal(t, "accept", incidents[0].Operation)
		assert.Contains(t, incidents[0].Detail, s.mine.ID)

		// The first slot is stuck half-swapped, which the audit must surface.
		violations, err := s.f.sut.Audit(s.f.ctx)
		require.NoError(t, err)
		require.Len(t, violations, 1)
		assert.Equal(t, ViolationUnlockedProposal, violations[0].Kind)
		assert.Equal(t, proposal.ID, violations[0].ProposalID)
	})

	t.Run("should record one incident per operation across repeated failures", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		proposal, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)
		require.NoError(t, err)
		s.faults.armSlotWrites(func(n int, _ *Slot) error {
			if n >= 2 {
				return errStoreDown
			}
			return nil
		})
		_, err = s.f.sut.Respond(s.f.ctx, s.bob, proposal.ID, true)
		require.Error(t, err)

		// Act
		_, err = s.f.sut.Respond(s.f.ctx, s.bob, proposal.ID, true)

		// Assert
		assert.ErrorIs(t, err, ErrConflict)
		requireIncidents(t, s.f, 1)
	})

	t.Run("should keep the locks when a proposal create of unknown outcome cannot be confirmed", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		s.faults.failCreateProposal = errStoreDown
		s.faults.landFailedWrites = true
		s.faults.failReadAfterWrite = true
		var carol = s.f.user("carol")
		var carols = s.f.slot(carol, SlotOffered)

		// Act
		_, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)

		// Assert
		assert.ErrorIs(t, err, ErrInternal)

		proposals, err := s.f.mem.FindProposals(s.f.ctx, ProposalFilter{Status: ProposalPending})
		require.NoError(t, err)
		require.Len(t, proposals, 1)
		assert.Equal(t, SlotLocked, s.f.getSlot(s.theirs.ID).Status)
		assert.Equal(t, proposals[0].ID, s.f.getSlot(s.theirs.ID).LockedBy)

		var incidents = requireIncidents(t, s.f, 1)
		assert.Equal(t, proposals[0].ID+":propose", incidents[0].Key)
		s.f.requireConsistent()

		// Act
		s.faults.failCreateProposal = nil
		_, err = s.f.sut.Propose(s.f.ctx, carol, carols.ID, s.theirs.ID)

		// Assert
		assert.ErrorIs(t, err, ErrConflict)

		// Act
		retried, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, proposals[0].ID, retried.ID)
	})

	t.Run("should leave unconfirmed locks for the sweeper when the create did not land", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		s.faults.failCreateProposal = errStoreDown
		s.faults.failReadAfterWrite = true

		// Act
		_, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)

		// Assert
		assert.ErrorIs(t, err, ErrInternal)
		assert.Equal(t, SlotLocked, s.f.getSlot(s.mine.ID).Status)
		assert.Equal(t, SlotLocked, s.f.getSlot(s.theirs.ID).Status)
		requireIncidents(t, s.f, 1)

		// Act
		s.f.clock.Advance(2 * time.Minute)
		report, err := s.f.sut.Sweep(s.f.ctx)

		// Assert
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{s.mine.ID, s.theirs.ID}, report.Released)
		assert.Equal(t, SlotOffered, s.f.getSlot(s.mine.ID).Status)
		assert.Equal(t, SlotOffered, s.f.getSlot(s.theirs.ID).Status)
		s.f.requireConsistent()
	})

	t.Run("should not roll back a response whose proposal update cannot be confirmed", func(t *testing.T) {
		// Arrange
		var s = newSetup(t)
		proposal, err := s.f.sut.Propose(s.f.ctx, s.alice, s.mine.ID, s.theirs.ID)
		require.NoError(t, err)
		s.faults.failUpdateProposal = errStoreDown
		s.faults.landFailedWrites = true
		s.faults.failReadAfterWrite = true

		// Act
		_, err = s.f.sut.Respond(s.f.ctx, s.bob, proposal.ID, true)

		// Assert
		assert.ErrorIs(t, err, ErrInternal)
		assert.Equal(t, ProposalAccepted, s.f.getProposal(proposal.ID).Status)

		var mine, theirs = s.f.getSlot(s.mine.ID), s.f.getSlot(s.theirs.ID)
		assert.Equal(t, SlotHeld, mine.Status)
		assert.Equal(t, s.bob, mine.Owner)
		assert.Equal(t, SlotHeld, theirs.Status)
		assert.Equal(t, s.alice, theirs.Owner)

		var incidents = requireIncidents(t, s.f, 1)
		assert.Equal(t, proposal.ID+":accept", incidents[0].Key)
		s.f.requireConsistent()
	})
}
