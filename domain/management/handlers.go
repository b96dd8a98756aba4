// Package management implements the operator-facing HTTP surface: trigger
// execution audit, circuit breaker inspection/reset, and dead-letter replay
// (SPEC_FULL.md "Supplemented features").
package management

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/trigger-pipeline/domain/breaker"
	"github.com/R3E-Network/trigger-pipeline/domain/queue"
	"github.com/R3E-Network/trigger-pipeline/domain/store"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/httputil"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
)

// Handlers groups the management endpoints' dependencies.
type Handlers struct {
	reader  *store.Reader
	results *store.ResultStore
	queue   *queue.Queue
	breaker *breaker.Breaker
	logger  *logging.Logger
}

// New constructs Handlers.
func New(reader *store.Reader, results *store.ResultStore, q *queue.Queue, b *breaker.Breaker, logger *logging.Logger) *Handlers {
	return &Handlers{reader: reader, results: results, queue: q, breaker: b, logger: logger}
}

// Register mounts every management endpoint onto router under /api/v1.
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/triggers/{id}/results", h.ListResults).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/triggers/{id}/breaker", h.InspectBreaker).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/triggers/{id}/breaker/reset", h.ResetBreaker).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/dead-letter", h.ListDeadLetter).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/dead-letter/{action_type}/{job_id}/replay", h.ReplayDeadLetter).Methods(http.MethodPost)
}

// ListResults returns a paginated page of a trigger's ActionResult audit
// rows, newest first.
func (h *Handlers) ListResults(w http.ResponseWriter, r *http.Request) {
	triggerID := mux.Vars(r)["id"]
	offset, limit := httputil.PaginationParams(r, 50, 500)

	results, err := h.results.ListForTrigger(r.Context(), triggerID, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"offset":  offset,
		"limit":   limit,
	})
}

// InspectBreaker reports a trigger's current circuit breaker state.
func (h *Handlers) InspectBreaker(w http.ResponseWriter, r *http.Request) {
	triggerID := mux.Vars(r)["id"]

	t, err := h.reader.GetByID(r.Context(), triggerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t.BreakerState)
}

// ResetBreaker forces a trigger's circuit breaker back to Closed.
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	triggerID := mux.Vars(r)["id"]

	t, err := h.reader.GetByID(r.Context(), triggerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.breaker.Reset(r.Context(), t); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t.BreakerState)
}

// ListDeadLetter lists dead-lettered action jobs, optionally filtered by
// action_type query parameter.
func (h *Handlers) ListDeadLetter(w http.ResponseWriter, r *http.Request) {
	actionType := httputil.QueryString(r, "action_type", "")
	limit := httputil.QueryInt(r, "limit", 100)

	jobs, err := h.queue.ListDeadLetter(r.Context(), actionType, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// ReplayDeadLetter resets one dead-lettered job back to pending with a fresh
// attempt budget.
func (h *Handlers) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	if err := h.queue.Replay(r.Context(), jobID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "status": "pending"})
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if se := errors.GetServiceError(err); se != nil {
		httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
		return
	}
	if h.logger != nil {
		h.logger.WithContext(r.Context()).WithError(err).Warn("management endpoint failed")
	}
	httputil.InternalError(w, "")
}
