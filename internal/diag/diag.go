// Package diag serves an optional bench-only HTTP status endpoint, for
// engineers validating a unit on the bench over a USB-Ethernet gadget
// rather than SMS. It mirrors the `rs` command's reply and is not part of
// the field deployment path (spec.md's command pipeline is the only
// operator-facing surface once installed).
//
// Grounded on the teacher's cmd/dashboard/server.go router wiring
// (gorilla/mux route registration, JSON handler shape), generalized from a
// dashboard of persisted SMS logs to a single read-only status mirror.
package diag

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	gcontext "github.com/gorilla/context"
	"github.com/gorilla/mux"
)

// StatusResponse is the JSON shape of GET /status, one field per line of
// the `rs` command's reply (spec.md §6's status SMS schema).
type StatusResponse struct {
	Mode     string   `json:"mode"`
	Faulted  []int    `json:"faulted"`
	CSQ      int      `json:"csq"`
	Quality  string   `json:"quality"`
	Enabled  []int    `json:"enabled"`
	Critical []int    `json:"critical"`
}

// Reporter is the narrow collaborator diag needs: whatever already backs
// the `rs` command's reply. Bound to *controller.Controller in cmd/rfn.
type Reporter interface {
	Status(ctx context.Context) (StatusResponse, error)
}

// statusHandler renders the current status as JSON, logged the way the
// teacher's getLogsHandler does ("--- handlerName").
func statusHandler(rep Reporter) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Println("--- statusHandler")
		status, err := rep.Status(r.Context())
		w.Header().Set("Content-type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(status)
	}
}

// NewRouter builds the bench-diagnostics router: a single GET /status
// route, wrapped the same way the teacher wraps its dashboard router in
// gorilla/context's per-request var scope (required by older gorilla/mux
// releases that don't clear their own request-scoped state).
func NewRouter(rep Reporter) http.Handler {
	r := mux.NewRouter()
	r.StrictSlash(true)
	r.Methods("GET").Path("/status").HandlerFunc(statusHandler(rep))
	return gcontext.ClearHandler(r)
}

// ListenAndServe starts the bench HTTP server, matching the teacher's
// InitServer bind/log-then-serve shape.
func ListenAndServe(bind string, rep Reporter) error {
	log.Println("diag: listening on ", bind)
	return http.ListenAndServe(bind, NewRouter(rep))
}
