package couriers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexora/dispatch/core/geo"
	"github.com/nexora/dispatch/core/model"
)

type staticSource []model.User

func (s staticSource) OnlineCouriers(context.Context) ([]model.User, error) { return s, nil }

type busySet map[string]bool

func (b busySet) Busy(_ context.Context, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		if b[id] {
			out[id] = true
		}
	}
	return out, nil
}

func courier(id string, lat, lon float64) model.User {
	return model.User{ID: id, Name: id, Role: model.RoleCourier, Online: true, ConnectionID: "ws:" + id,
		Location: model.GeoPoint{Latitude: lat, Longitude: lon}, LocationUpdatedAt: time.Now()}
}

func TestNearbyHandler(t *testing.T) {
	src := staticSource{
		courier("near", 12.9720, 77.5946),
		courier("mid", 13.0000, 77.5946),
		courier("far", 14.0000, 77.5946),
	}
	h := NewNearbyHandler(geo.NewKDIndex(src), busySet{"mid": true}, 10000)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/api/couriers/nearby?lat=12.9716&lon=77.5946", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var out []Nearby
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].ID != "near" || out[1].ID != "mid" {
		t.Fatalf("unexpected result %#v", out)
	}
	if out[0].Busy || !out[1].Busy {
		t.Fatalf("busy flags wrong: %#v", out)
	}
	if out[0].DistanceMeters >= out[1].DistanceMeters {
		t.Fatalf("expected nearest first")
	}
}

func TestNearbyHandlerRadius(t *testing.T) {
	h := NewNearbyHandler(geo.NewKDIndex(staticSource{courier("far", 14.0, 77.5946)}), busySet{}, 10000)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/api/couriers/nearby?lat=12.9716&lon=77.5946&radius=200000", nil))
	var out []Nearby
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil || len(out) != 1 {
		t.Fatalf("expected widened radius to include far courier: %v %s", err, rr.Body.String())
	}
}

func TestNearbyHandlerBadInput(t *testing.T) {
	h := NewNearbyHandler(geo.NewKDIndex(staticSource{}), busySet{}, 10000)
	for _, target := range []string{
		"/api/couriers/nearby",
		"/api/couriers/nearby?lat=95&lon=0",
		"/api/couriers/nearby?lat=1&lon=1&radius=-5",
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("GET", target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d", target, rr.Code)
		}
	}
}
