package dispatch

import (
	"net/http"
	"time"

	"github.com/nexora/dispatch/api/httpx"
	"github.com/nexora/dispatch/core/dispatch/logging"
)

// NewLogHandler returns an HTTP handler exposing the dispatch audit log via
// GET /api/dispatch/logs?start=&end=&order_id=&courier_id=&kind=. Requests
// must include an Authorization header with "Bearer <token>" when token is
// non-empty.
func NewLogHandler(store logging.LogStore, token string) http.Handler {
	return httpx.StaticToken(token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := r.URL.Query()
		q := logging.LogQuery{
			OrderID:   v.Get("order_id"),
			CourierID: v.Get("courier_id"),
			Kind:      v.Get("kind"),
		}
		for name, dst := range map[string]*time.Time{"start": &q.Start, "end": &q.End} {
			s := v.Get(name)
			if s == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				httpx.WriteJSON(w, http.StatusBadRequest, httpx.Error{Error: name + " must be RFC3339"})
				return
			}
			*dst = t
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		if records == nil {
			records = []logging.LogRecord{}
		}
		httpx.WriteJSON(w, http.StatusOK, records)
	}))
}
