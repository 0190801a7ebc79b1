package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexora/dispatch/core/events"
	"github.com/nexora/dispatch/core/geo"
	"github.com/nexora/dispatch/core/ledger"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/presence"
	"github.com/nexora/dispatch/core/push"
	"github.com/nexora/dispatch/infra/logger"
)

func rebroadcastConfig() Config {
	return Config{
		RadiusMeters: 10000,
		Rebroadcast: RebroadcastConfig{
			Enabled:          true,
			OfferTTLSeconds:  3600,
			RadiusStepMeters: 5000,
			MaxRadiusMeters:  20000,
		},
	}
}

func TestSweepWidensExhaustedOffer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, rebroadcastConfig())
	f.customer(t, "c1")
	f.courier(t, "d1", north(1))
	f.courier(t, "d9", north(14))
	res, err := f.coord.Dispatch(ctx, f.order(t, "o1", "c1", center))
	require.NoError(t, err)
	require.Equal(t, []string{"d1"}, res.Assignment.BroadcastTo)

	_, err = f.coord.Reject(ctx, res.Assignment.ID, "d1")
	require.NoError(t, err)
	f.push.Reset()

	added, err := f.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	a, err := f.ledger.Get(ctx, res.Assignment.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"d9"}, a.BroadcastTo, "the courier who declined is not asked again")
	assert.Equal(t, 15000.0, a.RadiusM)
	assert.Equal(t, model.AssignmentBroadcasted, a.Status)
	assert.Equal(t, []string{"ws:d9"}, f.push.Targets(push.EventNewAssignment))
	assert.Contains(t, f.events.kinds(), events.Rebroadcast)
}

func TestSweepCapsRadius(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, rebroadcastConfig())
	f.customer(t, "c1")
	f.courier(t, "d1", north(1))
	res, err := f.coord.Dispatch(ctx, f.order(t, "o1", "c1", center))
	require.NoError(t, err)
	_, err = f.coord.Reject(ctx, res.Assignment.ID, "d1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.coord.Sweep(ctx)
		require.NoError(t, err)
	}
	a, err := f.ledger.Get(ctx, res.Assignment.ID)
	require.NoError(t, err)
	assert.Equal(t, 20000.0, a.RadiusM)
	assert.Empty(t, a.BroadcastTo)
}

func TestSweepLeavesFreshOffers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, rebroadcastConfig())
	f.customer(t, "c1")
	f.courier(t, "d1", north(1))
	f.courier(t, "d9", north(14))
	res, err := f.coord.Dispatch(ctx, f.order(t, "o1", "c1", center))
	require.NoError(t, err)

	added, err := f.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
	a, err := f.ledger.Get(ctx, res.Assignment.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, a.BroadcastTo)
}

func TestSweepSkipsOrderNotOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, rebroadcastConfig())
	f.customer(t, "c1")
	f.courier(t, "d9", north(14))
	o := f.order(t, "o1", "c1", center)
	orphan, err := f.ledger.Create(ctx, o.ID, []string{"d1"}, 10000)
	require.NoError(t, err)
	_, err = f.ledger.Reject(ctx, orphan.ID, "d1")
	require.NoError(t, err)

	added, err := f.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
	a, err := f.ledger.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Empty(t, a.BroadcastTo)
	assert.Empty(t, f.push.All())
}

func TestSweepRemembersDeclinesAcrossRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, rebroadcastConfig())
	f.customer(t, "c1")
	f.courier(t, "d1", north(1))
	f.courier(t, "d2", north(2))
	f.courier(t, "d9", north(14))
	res, err := f.coord.Dispatch(ctx, f.order(t, "o1", "c1", center))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"d1", "d2"}, res.Assignment.BroadcastTo)
	_, err = f.coord.Reject(ctx, res.Assignment.ID, "d1")
	require.NoError(t, err)
	_, err = f.coord.Reject(ctx, res.Assignment.ID, "d2")
	require.NoError(t, err)

	// a fresh process sees only what the store kept
	l := ledger.New(f.st, logger.NopLogger{})
	reg := presence.NewRegistry(f.st, logger.NopLogger{})
	restarted, err := NewCoordinator(rebroadcastConfig(), f.st, f.st, l, geo.NewKDIndex(f.st), reg, f.push, logger.NopLogger{})
	require.NoError(t, err)
	f.push.Reset()

	added, err := restarted.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	a, err := l.Get(ctx, res.Assignment.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"d9"}, a.BroadcastTo)
	assert.ElementsMatch(t, []string{"d1", "d2"}, a.DeclinedBy)
	assert.Equal(t, []string{"ws:d9"}, f.push.Targets(push.EventNewAssignment))
}

func TestSweepSkipsCourierWithdrawnOnDisconnect(t *testing.T) {
	ctx := context.Background()
	cfg := rebroadcastConfig()
	cfg.OnDisconnect = DisconnectRetract
	f := newFixture(t, cfg)
	f.customer(t, "c1")
	f.courier(t, "d1", north(1))
	f.courier(t, "d9", north(14))
	res, err := f.coord.Dispatch(ctx, f.order(t, "o1", "c1", center))
	require.NoError(t, err)

	d1, err := f.st.GetUser(ctx, "d1")
	require.NoError(t, err)
	f.coord.OnDisconnect(ctx, d1)
	f.push.Reset()

	_, err = f.coord.Sweep(ctx)
	require.NoError(t, err)
	a, err := f.ledger.Get(ctx, res.Assignment.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"d9"}, a.BroadcastTo)
	assert.Equal(t, []string{"d1"}, a.DeclinedBy)
}

func TestRunDisabledReturns(t *testing.T) {
	f := newFixture(t, Config{})
	done := make(chan struct{})
	go func() {
		f.coord.Run(context.Background())
		close(done)
	}()
	<-done
}
