package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/infra/logger"
	"github.com/nexora/dispatch/infra/store/memory"
)

func newLedger() *Ledger {
	return New(memory.New(), logger.NopLogger{})
}

func TestCreateRejectsDuplicateOpenEntry(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	a, err := l.Create(ctx, "o1", []string{"c1", "c2", "c1", ""}, 10000)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentBroadcasted, a.Status)
	assert.Equal(t, []string{"c1", "c2"}, a.BroadcastTo)

	_, err = l.Create(ctx, "o1", []string{"c3"}, 10000)
	assert.ErrorIs(t, err, ErrOpenAssignment)

	_, err = l.Create(ctx, "o2", nil, 10000)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestAcceptTransitions(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	a, err := l.Create(ctx, "o1", []string{"c1", "c2"}, 10000)
	require.NoError(t, err)

	_, err = l.Accept(ctx, a.ID, "stranger")
	assert.ErrorIs(t, err, ErrAssignmentExpired)

	won, err := l.Accept(ctx, a.ID, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentAssigned, won.Status)
	assert.Equal(t, "c1", won.AssignedTo)
	require.NotNil(t, won.AcceptedAt)

	again, err := l.Accept(ctx, a.ID, "c1")
	require.NoError(t, err, "repeated accept by the winner")
	assert.Equal(t, "c1", again.AssignedTo)

	_, err = l.Accept(ctx, a.ID, "c2")
	assert.ErrorIs(t, err, ErrAssignmentExpired)

	_, err = l.Accept(ctx, "missing", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptWhileBusy(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	first, err := l.Create(ctx, "o1", []string{"c1"}, 10000)
	require.NoError(t, err)
	second, err := l.Create(ctx, "o2", []string{"c1", "c2"}, 10000)
	require.NoError(t, err)

	_, err = l.Accept(ctx, first.ID, "c1")
	require.NoError(t, err)
	_, err = l.Accept(ctx, second.ID, "c1")
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	busy, err := l.Busy(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"c1": true}, busy)

	_, err = l.Complete(ctx, first.ID)
	require.NoError(t, err)
	_, err = l.Accept(ctx, second.ID, "c1")
	assert.NoError(t, err, "courier is free again after completion")
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	couriers := make([]string, 32)
	for i := range couriers {
		couriers[i] = fmt.Sprintf("c%02d", i)
	}
	a, err := l.Create(ctx, "o1", couriers, 10000)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		expired int
	)
	start := make(chan struct{})
	for _, c := range couriers {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			<-start
			_, err := l.Accept(ctx, a.ID, c)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, c)
			case errors.Is(err, ErrAssignmentExpired):
				expired++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(c)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, len(couriers)-1, expired)
	got, err := l.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.AssignedTo)
}

func TestRejectShrinksNeverResolves(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	a, err := l.Create(ctx, "o1", []string{"c1", "c2"}, 10000)
	require.NoError(t, err)

	a, err = l.Reject(ctx, a.ID, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, a.BroadcastTo)
	a, err = l.Reject(ctx, a.ID, "c2")
	require.NoError(t, err)
	assert.Empty(t, a.BroadcastTo)
	assert.Equal(t, []string{"c1", "c2"}, a.DeclinedBy)
	assert.Equal(t, model.AssignmentBroadcasted, a.Status)

	stale, err := l.Stale(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, a.ID, stale[0].ID)
}

func TestRejectAfterResolutionIsExpired(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	a, err := l.Create(ctx, "o1", []string{"c1", "c2"}, 10000)
	require.NoError(t, err)
	_, err = l.Accept(ctx, a.ID, "c1")
	require.NoError(t, err)

	got, err := l.Reject(ctx, a.ID, "c2")
	assert.ErrorIs(t, err, ErrAssignmentExpired)
	assert.Equal(t, model.AssignmentAssigned, got.Status)
	assert.Equal(t, []string{"c1", "c2"}, got.BroadcastTo)
}

func TestCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	a, err := l.Create(ctx, "o1", []string{"c1"}, 10000)
	require.NoError(t, err)

	_, err = l.Complete(ctx, a.ID)
	assert.ErrorIs(t, err, ErrAssignmentExpired, "broadcasted entries cannot complete")

	_, err = l.Accept(ctx, a.ID, "c1")
	require.NoError(t, err)
	done, err := l.Complete(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentCompleted, done.Status)
	assert.Empty(t, done.AssignedTo)
	require.NotNil(t, done.CompletedAt)

	_, err = l.Complete(ctx, a.ID)
	assert.NoError(t, err)
	_, err = l.OpenForOrder(ctx, "o1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtendAndWithdraw(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	a, err := l.Create(ctx, "o1", []string{"c1"}, 5000)
	require.NoError(t, err)
	b, err := l.Create(ctx, "o2", []string{"c1", "c2"}, 5000)
	require.NoError(t, err)

	a, err = l.Extend(ctx, a.ID, []string{"c1", "c3"}, 7500)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3"}, a.BroadcastTo)
	assert.Equal(t, 7500.0, a.RadiusM)

	changed, err := l.Withdraw(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, changed, 2)

	offers, err := l.OpenOffers(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, offers)
	b, err = l.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, b.BroadcastTo)

	_, err = l.Accept(ctx, b.ID, "c2")
	require.NoError(t, err)
	_, err = l.Extend(ctx, b.ID, []string{"c4"}, 9000)
	assert.ErrorIs(t, err, ErrAssignmentExpired)
}
