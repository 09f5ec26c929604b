package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "auditlog/pkg/domain-errors"
	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/audit/history"
	"auditlog/pkg/platform/httputil"
	request "auditlog/pkg/platform/middleware/request"
)

// Reconstructor answers history queries.
type Reconstructor interface {
	ForTarget(ctx context.Context, targetType string, targetID audit.ID) (*history.Sequence, error)
	ByActor(ctx context.Context, actorType string, actorID audit.ID) (*history.Sequence, error)
}

// Metrics counts history requests.
type Metrics interface {
	IncHistoryRequests(by string)
}

// Handler serves audit history.
type Handler struct {
	history Reconstructor
	metrics Metrics
	logger  *slog.Logger
}

func New(history Reconstructor, metrics Metrics, logger *slog.Logger) *Handler {
	return &Handler{history: history, metrics: metrics, logger: logger}
}

// Register registers the history routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/logs/for/{type}/{id}", h.handleForTarget)
	r.Get("/logs/by/{type}/{id}", h.handleByActor)
}

type listResponse struct {
	Data []audit.Event `json:"data"`
}

func (h *Handler) handleForTarget(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "target", h.history.ForTarget)
}

func (h *Handler) handleByActor(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "actor", h.history.ByActor)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, by string,
	query func(context.Context, string, audit.ID) (*history.Sequence, error)) {
	ctx := r.Context()
	entityType := chi.URLParam(r, "type")
	id := audit.ParseID(chi.URLParam(r, "id"))
	if entityType == "" || id.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "type and id are required"))
		return
	}
	if h.metrics != nil {
		h.metrics.IncHistoryRequests(by)
	}

	seq, err := query(ctx, entityType, id)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load audit history",
			"by", by,
			"type", entityType,
			"id", id.String(),
			"error", err,
			"request_id", request.GetRequestID(ctx),
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load history"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse{Data: seq.Collect()})
}
