// Package ledger is the assignment state machine: Broadcasted, then
// Assigned, then Completed. Every transition is a single conditional write
// in the store, so concurrent accepts on one entry have exactly one winner.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexora/dispatch/core/logger"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/store"
)

var (
	// ErrAssignmentExpired means the entry is no longer claimable by the
	// caller. It is the normal outcome for couriers losing a race.
	ErrAssignmentExpired = errors.New("assignment expired")
	// ErrAlreadyAssigned means the courier already holds an active entry.
	ErrAlreadyAssigned = errors.New("courier already holds an active assignment")
	// ErrOpenAssignment means the order already has an open entry.
	ErrOpenAssignment = errors.New("order already has an open assignment")
	// ErrNotFound means no entry matches the id.
	ErrNotFound = errors.New("assignment not found")
	// ErrNoCandidates is returned by Create for an empty broadcast set.
	ErrNoCandidates = errors.New("assignment needs at least one candidate")
)

// Ledger wraps an AssignmentStore with the state machine rules.
type Ledger struct {
	store store.AssignmentStore
	log   logger.Logger
	now   func() time.Time
}

// New creates a Ledger on top of s.
func New(s store.AssignmentStore, log logger.Logger) *Ledger {
	return &Ledger{store: s, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrStale):
		return ErrAssignmentExpired
	case errors.Is(err, store.ErrBusy):
		return ErrAlreadyAssigned
	case errors.Is(err, store.ErrDuplicate):
		return ErrOpenAssignment
	}
	return err
}

// Create opens a Broadcasted entry for the order offered to candidates.
func (l *Ledger) Create(ctx context.Context, orderID string, candidates []string, radiusM float64) (model.Assignment, error) {
	set := dedupe(candidates)
	if len(set) == 0 {
		return model.Assignment{}, ErrNoCandidates
	}
	a := model.Assignment{OrderID: orderID, BroadcastTo: set, RadiusM: radiusM}
	if err := l.store.CreateAssignment(ctx, &a); err != nil {
		return model.Assignment{}, fmt.Errorf("create assignment for order %s: %w", orderID, translate(err))
	}
	l.log.Debugw("assignment broadcasted", map[string]any{
		"assignment_id": a.ID, "order_id": orderID, "candidates": len(set),
	})
	return a, nil
}

// Accept claims the entry for courierID. A repeated accept by the courier
// already holding the entry succeeds again without side effects.
func (l *Ledger) Accept(ctx context.Context, id, courierID string) (model.Assignment, error) {
	a, err := l.store.ClaimAssignment(ctx, id, courierID, l.now())
	if err == nil {
		l.log.Infof("assignment %s accepted by %s", id, courierID)
		return a, nil
	}
	if errors.Is(err, store.ErrStale) && a.Status == model.AssignmentAssigned && a.AssignedTo == courierID {
		return a, nil
	}
	err = translate(err)
	if errors.Is(err, ErrAssignmentExpired) || errors.Is(err, ErrAlreadyAssigned) {
		l.log.Debugf("accept %s by %s refused: %v", id, courierID, err)
	}
	return a, err
}

// Reject removes courierID from the broadcast set and records the decline
// on the entry. On an entry that is no
// longer Broadcasted it returns ErrAssignmentExpired and changes nothing.
func (l *Ledger) Reject(ctx context.Context, id, courierID string) (model.Assignment, error) {
	a, err := l.store.RemoveCandidate(ctx, id, courierID, l.now())
	if err != nil {
		return a, translate(err)
	}
	if len(a.BroadcastTo) == 0 {
		l.log.Warnf("assignment %s for order %s has no candidates left", a.ID, a.OrderID)
	}
	return a, nil
}

// Complete closes an Assigned entry and clears the assignee. Completing an
// already Completed entry is a no-op.
func (l *Ledger) Complete(ctx context.Context, id string) (model.Assignment, error) {
	a, err := l.store.CompleteAssignment(ctx, id, l.now())
	if errors.Is(err, store.ErrStale) && a.Status == model.AssignmentCompleted {
		return a, nil
	}
	if err != nil {
		return a, translate(err)
	}
	return a, nil
}

// Extend adds candidates to a Broadcasted entry. Existing candidates are kept.
func (l *Ledger) Extend(ctx context.Context, id string, candidates []string, radiusM float64) (model.Assignment, error) {
	a, err := l.store.AddCandidates(ctx, id, dedupe(candidates), radiusM, l.now())
	return a, translate(err)
}

// Withdraw removes courierID from every open broadcast set it belongs to
// and returns the entries that changed.
func (l *Ledger) Withdraw(ctx context.Context, courierID string) ([]model.Assignment, error) {
	offers, err := l.store.OpenOffersFor(ctx, courierID)
	if err != nil {
		return nil, err
	}
	changed := make([]model.Assignment, 0, len(offers))
	for _, o := range offers {
		a, err := l.Reject(ctx, o.ID, courierID)
		if errors.Is(err, ErrAssignmentExpired) {
			continue
		}
		if err != nil {
			return changed, err
		}
		changed = append(changed, a)
	}
	return changed, nil
}

// Get returns the entry with the given id. ErrNotFound when none exists.
func (l *Ledger) Get(ctx context.Context, id string) (model.Assignment, error) {
	a, err := l.store.GetAssignment(ctx, id)
	return a, translate(err)
}

// OpenForOrder returns the Broadcasted or Assigned entry of the order.
func (l *Ledger) OpenForOrder(ctx context.Context, orderID string) (model.Assignment, error) {
	a, err := l.store.OpenAssignmentForOrder(ctx, orderID)
	return a, translate(err)
}

// ActiveFor returns the Assigned entry held by courierID.
func (l *Ledger) ActiveFor(ctx context.Context, courierID string) (model.Assignment, error) {
	a, err := l.store.ActiveAssignmentFor(ctx, courierID)
	return a, translate(err)
}

// Busy returns the subset of ids holding an Assigned entry.
func (l *Ledger) Busy(ctx context.Context, ids []string) (map[string]bool, error) {
	return l.store.BusyCouriers(ctx, ids)
}

// OpenOffers lists the Broadcasted entries still offered to courierID.
func (l *Ledger) OpenOffers(ctx context.Context, courierID string) ([]model.Assignment, error) {
	return l.store.OpenOffersFor(ctx, courierID)
}

// Stale lists Broadcasted entries older than ttl or with an empty set.
func (l *Ledger) Stale(ctx context.Context, ttl time.Duration) ([]model.Assignment, error) {
	return l.store.StaleOffers(ctx, l.now().Add(-ttl))
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
