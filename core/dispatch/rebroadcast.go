package dispatch

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/nexora/dispatch/core/events"
	"github.com/nexora/dispatch/core/geo"
	"github.com/nexora/dispatch/core/ledger"
	"github.com/nexora/dispatch/core/metrics"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/monitoring"
)

// Run sweeps stale offers every sweep interval until ctx is done. It
// returns immediately when rebroadcast is disabled.
func (c *Coordinator) Run(ctx context.Context) {
	if !c.cfg.Rebroadcast.Enabled {
		return
	}
	defer monitoring.Recover()
	t := time.NewTicker(c.cfg.Rebroadcast.SweepInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := c.Sweep(ctx)
			if err != nil {
				c.log.Errorf("rebroadcast sweep: %v", err)
			} else if n > 0 {
				c.log.Infof("rebroadcast sweep added %d candidates", n)
			}
		}
	}
}

// Sweep widens every open entry that is older than the offer TTL or has
// run out of candidates. Candidates are only added, never removed, and
// couriers who declined the entry are not asked again. It returns the
// number of couriers added.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	defer observe("sweep", time.Now())
	stale, err := c.ledger.Stale(ctx, c.cfg.Rebroadcast.OfferTTL())
	if err != nil {
		return 0, c.storeFailure("stale_offers", "", err)
	}
	added := 0
	for _, a := range stale {
		n, err := c.widen(ctx, a)
		if err != nil {
			c.log.Warnf("rebroadcast %s: %v", a.ID, err)
			continue
		}
		added += n
	}
	return added, nil
}

func (c *Coordinator) widen(ctx context.Context, a model.Assignment) (int, error) {
	o, err := c.orders.GetOrder(ctx, a.OrderID)
	if err != nil {
		return 0, err
	}
	if o.Status != model.OrderOutForDelivery {
		// the next dispatch of the order offers it
		return 0, nil
	}
	radius := math.Min(a.RadiusM+c.cfg.Rebroadcast.RadiusStepMeters, c.cfg.Rebroadcast.MaxRadiusMeters)
	radius = math.Max(radius, a.RadiusM)

	exclude := make(map[string]struct{}, len(a.BroadcastTo)+len(a.DeclinedBy))
	for _, id := range a.BroadcastTo {
		exclude[id] = struct{}{}
	}
	for _, id := range a.DeclinedBy {
		exclude[id] = struct{}{}
	}
	cands, err := c.eligible(ctx, o.Address.Location, radius, exclude)
	if err != nil {
		return 0, err
	}
	if len(cands) == 0 && radius == a.RadiusM {
		return 0, nil
	}
	updated, err := c.ledger.Extend(ctx, a.ID, geo.IDs(cands), radius)
	if errors.Is(err, ledger.ErrAssignmentExpired) {
		// accepted while we were looking
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(cands) == 0 {
		return 0, nil
	}
	c.offer(ctx, o, updated, cands)
	c.recordDispatch(metrics.DispatchEvent{
		OrderID: o.ID, AssignmentID: a.ID, Outcome: metrics.OutcomeRebroadcast,
		Candidates: len(cands), RadiusM: radius,
	})
	events.Publish(c.bus, events.Event{
		Kind: events.Rebroadcast, OrderID: o.ID, AssignmentID: a.ID,
		Candidates: geo.IDs(cands), RadiusM: radius,
	})
	return len(cands), nil
}
