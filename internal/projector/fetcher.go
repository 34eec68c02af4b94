package projector

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// StoreFetcher serves authoritative category refreshes straight from the
// ride store. Reads never take the per-ride write locks.
type StoreFetcher struct {
	Store storage.RideStore
}

func (f *StoreFetcher) FetchCategory(ctx context.Context, role Role, observerID string, cat Category) ([]*models.Ride, error) {
	if role == RoleProvider {
		return f.fetchProvider(ctx, observerID, cat)
	}
	return f.fetchRequester(ctx, observerID, cat)
}

func (f *StoreFetcher) fetchRequester(ctx context.Context, observerID string, cat Category) ([]*models.Ride, error) {
	rides, err := f.Store.ListRidesByRequester(ctx, observerID)
	if err != nil {
		return nil, err
	}
	out := rides[:0:0]
	for _, r := range rides {
		if got, ok := Categorize(r, RoleRequester, observerID, nil); ok && got == cat {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *StoreFetcher) fetchProvider(ctx context.Context, observerID string, cat Category) ([]*models.Ride, error) {
	switch cat {
	case CatAvailable, CatMyBids:
		pending, err := f.Store.ListPendingRides(ctx)
		if err != nil {
			return nil, err
		}
		offers, err := f.Store.ListOffersByDriver(ctx, observerID)
		if err != nil {
			return nil, err
		}
		mine := make(map[string]*models.Offer, len(offers))
		for _, o := range offers {
			mine[o.RideID] = o
		}
		out := pending[:0:0]
		for _, r := range pending {
			if got, ok := Categorize(r, RoleProvider, observerID, mine[r.ID]); ok && got == cat {
				out = append(out, r)
			}
		}
		return out, nil
	default:
		rides, err := f.Store.ListRidesByDriver(ctx, observerID)
		if err != nil {
			return nil, err
		}
		out := rides[:0:0]
		for _, r := range rides {
			if got, ok := Categorize(r, RoleProvider, observerID, nil); ok && got == cat {
				out = append(out, r)
			}
		}
		return out, nil
	}
}
