package slotswap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sequentialIDs returns an id generator producing id-1, id-2, ...
func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("id-%d", n.Add(1))
	}
}

// fixture is a coordinator over an in-memory store with a fake clock.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	mem   *MemoryStore
	clock *fakeClock
	sut   *Coordinator
	slots int
}

func newFixture(t *testing.T, wrap func(Store) Store, opts ...Option) *fixture {
	var (
		mem   = NewMemoryStore()
		clock = newFakeClock()
		store Store = mem
	)
	if wrap != nil {
		store = wrap(mem)
	}

	opts = append([]Option{WithClock(clock.Now), WithIDGenerator(sequentialIDs())}, opts...)

	return &fixture{
		t:     t,
		ctx:   context.Background(),
		mem:   mem,
		clock: clock,
		sut:   NewCoordinator(store, opts...),
	}
}

func (f *fixture) user(name string) string {
	f.t.Helper()

	user, err := f.sut.RegisterUser(f.ctx, name, name+"@example.com")
	require.NoError(f.t, err)
	return user.ID
}

// slot creates a slot for owner with the given status, starting one hour after the previous one.
func (f *fixture) slot(owner string, status SlotStatus) *Slot {
	f.t.Helper()

	var start = testEpoch.Add(time.Duration(f.slots) * time.Hour)
	f.slots++

	slot, err := f.sut.CreateSlot(f.ctx, owner, SlotInput{
		Title:     fmt.Sprintf("slot %d", f.slots),
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
	})
	require.NoError(f.t, err)

	if status == SlotOffered {
		slot, err = f.sut.SetSlotStatus(f.ctx, owner, slot.ID, SlotOffered)
		require.NoError(f.t, err)
	}
	return slot
}

func (f *fixture) getSlot(id string) *Slot {
	f.t.Helper()

	slot, err := f.mem.GetSlot(f.ctx, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, slot)
	return slot
}

func (f *fixture) getProposal(id string) *Proposal {
	f.t.Helper()

	proposal, err := f.mem.GetProposal(f.ctx, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, proposal)
	return proposal
}

func (f *fixture) requireConsistent() {
	f.t.Helper()

	violations, err := f.sut.Audit(f.ctx)
	require.NoError(f.t, err)
	require.Empty(f.t, violations)
}

// faultStore injects failures into writes. A failed write optionally lands before the error is
// returned, modelling a store that committed but lost the acknowledgement.
type faultStore struct {
	Store

	mu         sync.Mutex
	slotWrites int
	// failSlotWrite is called before the nth slot write (1-based); a non-nil error fails it.
	failSlotWrite      func(n int, next *Slot) error
	failCreateProposal error
	failUpdateProposal error
	landFailedWrites   bool
	// failReadAfterWrite fails the first proposal read that follows a failed proposal write.
	failReadAfterWrite bool
	readFailures       int
}

func (s *faultStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	var fail = s.readFailures > 0
	if fail {
		s.readFailures--
	}
	s.mu.Unlock()

	if fail {
		return nil, errStoreDown
	}
	return s.Store.GetProposal(ctx, id)
}

func (s *faultStore) proposalWriteFailed() {
	if !s.failReadAfterWrite {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readFailures++
}

func (s *faultStore) UpdateSlotIf(ctx context.Context, next *Slot, expect Expect) (bool, error) {
	s.mu.Lock()
	s.slotWrites++
	var n, hook = s.slotWrites, s.failSlotWrite
	s.mu.Unlock()

	if hook != nil {
		if err := hook(n, next); err != nil {
			if s.landFailedWrites {
				_, _ = s.Store.UpdateSlotIf(ctx, next, expect)
			}
			return false, err
		}
	}
	return s.Store.UpdateSlotIf(ctx, next, expect)
}

func (s *faultStore) CreateProposal(ctx context.Context, proposal *Proposal) error {
	if s.failCreateProposal != nil {
		if s.landFailedWrites {
			_ = s.Store.CreateProposal(ctx, proposal)
		}
		s.proposalWriteFailed()
		return s.failCreateProposal
	}
	return s.Store.CreateProposal(ctx, proposal)
}

func (s *faultStore) UpdateProposalIf(ctx context.Context, next *Proposal, expect Expect) (bool, error) {
	if s.failUpdateProposal != nil {
		if s.landFailedWrites {
			_, _ = s.Store.UpdateProposalIf(ctx, next, expect)
		}
		s.proposalWriteFailed()
		return false, s.failUpdateProposal
	}
	return s.Store.UpdateProposalIf(ctx, next, expect)
}

// armSlotWrites resets the write counter so hooks count from the next write.
func (s *faultStore) armSlotWrites(hook func(n int, next *Slot) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slotWrites = 0
	s.failSlotWrite = hook
}

// gatedStore holds the first slot write of each of parties callers until all of them have
// arrived, so every caller has finished its reads before anyone writes.
type gatedStore struct {
	Store

	armed   atomic.Bool
	writes  atomic.Int64
	parties int64
	barrier sync.WaitGroup
}

func (s *gatedStore) arm(parties int) {
	s.parties = int64(parties)
	s.writes.Store(0)
	s.barrier.Add(parties)
	s.armed.Store(true)
}

func (s *gatedStore) UpdateSlotIf(ctx context.Context, next *Slot, expect Expect) (bool, error) {
	if s.armed.Load() && s.writes.Add(1) <= s.parties {
		s.barrier.Done()
		s.barrier.Wait()
	}
	return s.Store.UpdateSlotIf(ctx, next, expect)
}
