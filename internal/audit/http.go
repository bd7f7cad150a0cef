package audit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// Routes mounts the read-only audit surface. Downstream dashboards and
// backtests poll these; writes only ever happen through the Recorder.
func Routes(r *mux.Router, t *Trail) {
	r.HandleFunc("/audit/cycles", listHandler(t, "cycle")).Methods(http.MethodGet)
	r.HandleFunc("/audit/transitions", listHandler(t, "transition")).Methods(http.MethodGet)
	r.HandleFunc("/audit/criticals", listHandler(t, "critical")).Methods(http.MethodGet)
}

func listHandler(t *Trail, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		limit := 100
		if v := req.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 10000 {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		entries, err := t.ReadRecent(kind, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count":   len(entries),
			"entries": entries,
		})
	}
}
