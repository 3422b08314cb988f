// Package triageapi exposes the triage service over HTTP.
package triageapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sift/internal/authmw"
	"github.com/linnemanlabs/sift/internal/queue"
	"github.com/linnemanlabs/sift/internal/triage"
)

// TriageService defines the business operations triageapi needs.
type TriageService interface {
	IngestMessage(ctx context.Context, msg *triage.Message) (*triage.Message, error)
	GetMessage(ctx context.Context, id string) (*triage.Message, bool, error)
	ProcessMessage(ctx context.Context, id string) (*triage.ClassificationResult, error)
	GenerateDraft(ctx context.Context, id string, req triage.DraftRequest) (*triage.Draft, error)
	GenerateOptions(ctx context.Context, id string, n int, req triage.DraftRequest) ([]*triage.Draft, error)
	GetDraft(ctx context.Context, id string) (*triage.Draft, bool, error)
	UpdateDraft(ctx context.Context, draftID string, status triage.DraftStatus, text string) (*triage.Draft, error)
	ListDrafts(ctx context.Context, messageID string) ([]*triage.Draft, error)
	RecordFeedback(ctx context.Context, messageID string, f *triage.Feedback) (*triage.Feedback, error)
	ListFeedback(ctx context.Context, messageID string) ([]*triage.Feedback, error)
	GetPreferences(ctx context.Context, ownerID string) (*triage.Preferences, bool, error)
	PutPreferences(ctx context.Context, prefs *triage.Preferences) error
}

// Enqueuer hands a message to the background workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Option configures an API.
type Option func(*API)

// WithEnqueuer makes ingestion with process=true asynchronous.
func WithEnqueuer(q Enqueuer) Option {
	return func(a *API) { a.queue = q }
}

// WithDefaultOwner sets the owner used when no authenticated owner is present
// on the request, for single-user deployments without API tokens.
func WithDefaultOwner(owner string) Option {
	return func(a *API) { a.defaultOwner = owner }
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger       log.Logger
	svc          TriageService
	queue        Enqueuer
	defaultOwner string
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	a := &API{
		logger: logger,
		svc:    svc,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", a.handleIngestMessage)
		r.Route("/messages/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetMessage)
			r.Post("/triage", a.handleTriage)
			r.Post("/drafts", a.handleGenerateDrafts)
			r.Get("/drafts", a.handleListDrafts)
			r.Post("/feedback", a.handleRecordFeedback)
			r.Get("/feedback", a.handleListFeedback)
		})
		r.Patch("/drafts/{id}", a.handleUpdateDraft)
		r.Get("/preferences", a.handleGetPreferences)
		r.Put("/preferences", a.handlePutPreferences)
	})
}

func (a *API) owner(r *http.Request) (string, bool) {
	if owner, ok := authmw.OwnerFromContext(r.Context()); ok {
		return owner, true
	}
	return a.defaultOwner, a.defaultOwner != ""
}

// ownedMessage loads the message named in the URL and hides messages that
// belong to someone else behind a 404.
func (a *API) ownedMessage(w http.ResponseWriter, r *http.Request) (*triage.Message, bool) {
	owner, ok := a.owner(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "no owner for request")
		return nil, false
	}

	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sift.message.id", id))

	msg, found, err := a.svc.GetMessage(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	if !found || msg.OwnerID != owner {
		writeJSONError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return msg, true
}

// writeError maps service errors onto status codes.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, triage.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, triage.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, triage.ErrNotClassified):
		writeJSONError(w, http.StatusConflict, "message has not been classified")
	case triage.IsTransient(err):
		a.logger.Warn(r.Context(), "upstream unavailable", "error", err, "path", r.URL.Path)
		w.Header().Set("Retry-After", "30")
		writeJSONError(w, http.StatusServiceUnavailable, "upstream unavailable, retry later")
	default:
		a.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
