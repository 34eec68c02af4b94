package geo

import (
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/models"
)

// Track folds one change event into the open-ride index: rides entering
// pending are registered, rides leaving pending (or deleted) are dropped.
func Track(idx Index, ev feed.ChangeEvent) {
	if ev.Entity != feed.EntityRide {
		return
	}
	switch ev.Type {
	case feed.EventDelete:
		if ev.OldRide != nil {
			idx.Remove(ev.OldRide.ID)
		}
	default:
		r := ev.NewRide
		if r == nil {
			return
		}
		if r.Status == models.StatusPending {
			idx.Upsert(r.ID, r.Pickup)
		} else {
			idx.Remove(r.ID)
		}
	}
}

// Maintain consumes a feed subscription until it closes, keeping idx
// current. Run it on its own goroutine.
func Maintain(sub *feed.Subscription, idx Index) {
	for ev := range sub.C {
		Track(idx, ev)
	}
}
