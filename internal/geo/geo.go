package geo

import (
	"math"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Index tracks open (pending) rides by pickup location so providers can
// browse the nearest work first.
type Index interface {
	// Upsert registers or refreshes a pending ride's pickup point.
	Upsert(rideID string, pickup models.Coord)
	// Remove drops a ride once it leaves pending.
	Remove(rideID string)
	// Nearby returns up to limit ride ids ordered by distance from the
	// given point.
	Nearby(lat, lon float64, limit int) []string
}

type MemoryIndex struct {
	mu      sync.RWMutex
	pickups map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{pickups: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(rideID string, pickup models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pickups[rideID] = pickup
}

func (g *MemoryIndex) Remove(rideID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pickups, rideID)
}

// naive scan; in prod use geo-hash or H3
func (g *MemoryIndex) Nearby(lat, lon float64, limit int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(g.pickups))
	for id, c := range g.pickups {
		arr = append(arr, pair{id, Haversine(lat, lon, c.Lat, c.Lon)})
	}
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	// partial selection sort for top-N
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].id)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
