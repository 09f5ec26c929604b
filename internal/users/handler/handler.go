package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"auditlog/internal/jwttoken"
	"auditlog/internal/users/models"
	dErrors "auditlog/pkg/domain-errors"
	"auditlog/pkg/platform/httputil"
	request "auditlog/pkg/platform/middleware/request"
)

// Service defines the users operations the handler exposes.
type Service interface {
	Get(ctx context.Context, id int64) (*models.User, error)
	Create(ctx context.Context, req models.CreateRequest) (*models.User, error)
	Update(ctx context.Context, id int64, attrs map[string]any) (*models.User, error)
	Delete(ctx context.Context, id int64) error
	FindForToken(ctx context.Context, id int64) (*models.User, error)
}

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	GenerateAccessToken(subject jwttoken.Subject) (string, error)
}

// Handler serves the users resource and token issuance.
type Handler struct {
	users  Service
	tokens TokenIssuer
	logger *slog.Logger
}

func New(users Service, tokens TokenIssuer, logger *slog.Logger) *Handler {
	return &Handler{users: users, tokens: tokens, logger: logger}
}

// RegisterPublic registers routes that need no authentication.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Get("/token/{id}", h.handleToken)
}

// Register registers the users routes. The router is expected to enforce
// authentication.
func (h *Handler) Register(r chi.Router) {
	r.Get("/api/users/{id}", h.handleGet)
	r.Post("/api/users", h.handleCreate)
	r.Patch("/api/users/{id}", h.handleUpdate)
	r.Delete("/api/users/{id}", h.handleDelete)
}

type document struct {
	Data resource `json:"data"`
}

type resource struct {
	ID         json.RawMessage `json:"id,omitempty"`
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes"`
}

type responseDoc struct {
	Data responseResource `json:"data"`
}

type responseResource struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

func userDoc(u *models.User) responseDoc {
	return responseDoc{Data: responseResource{ID: u.ID, Type: models.TargetType, Attributes: u.Attributes()}}
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	u, err := h.users.FindForToken(ctx, id)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "the user id is not valid"))
			return
		}
		h.fail(ctx, w, "failed to load user for token", err)
		return
	}
	token, err := h.tokens.GenerateAccessToken(jwttoken.Subject{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		AgreedTos: u.AgreedTos,
	})
	if err != nil {
		h.fail(ctx, w, "failed to issue token", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(token))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	u, err := h.users.Get(r.Context(), id)
	if err != nil {
		h.fail(r.Context(), w, "failed to get user", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, userDoc(u))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var doc document
	if err := decodeDocument(r, &doc); err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req models.CreateRequest
	if err := json.Unmarshal(doc.Data.Attributes, &req); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid attributes"))
		return
	}
	u, err := h.users.Create(r.Context(), req)
	if err != nil {
		h.fail(r.Context(), w, "failed to create user", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, userDoc(u))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var doc document
	if err := decodeDocument(r, &doc); err != nil {
		httputil.WriteError(w, err)
		return
	}
	var attrs map[string]any
	if err := json.Unmarshal(doc.Data.Attributes, &attrs); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid attributes"))
		return
	}
	u, err := h.users.Update(r.Context(), id, attrs)
	if err != nil {
		h.fail(r.Context(), w, "failed to update user", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, userDoc(u))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.users.Delete(r.Context(), id); err != nil {
		h.fail(r.Context(), w, "failed to delete user", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// fail logs server-side failures and writes err.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	if httputil.StatusFor(codeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, "error", err, "request_id", request.GetRequestID(ctx))
	} else {
		h.logger.WarnContext(ctx, msg, "error", err, "request_id", request.GetRequestID(ctx))
	}
	httputil.WriteError(w, err)
}

func codeOf(err error) dErrors.Code {
	if de, ok := dErrors.As(err); ok {
		return de.Code
	}
	return dErrors.CodeInternal
}

func decodeDocument(r *http.Request, doc *document) error {
	if err := httputil.DecodeJSON(r, doc); err != nil {
		return err
	}
	if doc.Data.Type == "" || len(doc.Data.Attributes) == 0 {
		return dErrors.New(dErrors.CodeBadRequest, "body must be a document with data.type and data.attributes")
	}
	if doc.Data.Type != models.TargetType {
		return dErrors.New(dErrors.CodeBadRequest, "data.type must be users")
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "user id must be a positive integer")
	}
	return id, nil
}
