// Package couriers exposes the nearby-courier query used by admin
// dashboards.
package couriers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nexora/dispatch/api/httpx"
	"github.com/nexora/dispatch/core/geo"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/push"
)

// BusyChecker reports which couriers hold an accepted delivery.
type BusyChecker interface {
	Busy(ctx context.Context, ids []string) (map[string]bool, error)
}

// Nearby is one row of the response.
type Nearby struct {
	push.Contact
	DistanceMeters float64 `json:"distanceMeters"`
	Busy           bool    `json:"busy"`
}

// NewNearbyHandler returns the GET /api/couriers/nearby?lat=&lon=&radius=
// handler. radius is in meters and defaults to defaultRadius.
func NewNearbyHandler(index geo.Index, busy BusyChecker, defaultRadius float64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
		if errLat != nil || errLon != nil {
			httpx.WriteJSON(w, http.StatusBadRequest, httpx.Error{Error: "lat and lon are required"})
			return
		}
		p := model.GeoPoint{Latitude: lat, Longitude: lon}
		if err := p.Validate(); err != nil {
			httpx.WriteJSON(w, http.StatusBadRequest, httpx.Error{Error: err.Error()})
			return
		}
		radius := defaultRadius
		if s := q.Get("radius"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || v <= 0 {
				httpx.WriteJSON(w, http.StatusBadRequest, httpx.Error{Error: "radius must be a positive number"})
				return
			}
			radius = v
		}
		cands, err := index.Nearby(r.Context(), p, radius)
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		busySet, err := busy.Busy(r.Context(), geo.IDs(cands))
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		out := make([]Nearby, 0, len(cands))
		for _, c := range cands {
			out = append(out, Nearby{
				Contact:        *push.ContactOf(c.Courier),
				DistanceMeters: c.DistanceMeters,
				Busy:           busySet[c.Courier.ID],
			})
		}
		httpx.WriteJSON(w, http.StatusOK, out)
	})
}
