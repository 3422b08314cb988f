package triageapi

import (
	"net/http"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sift/internal/queue"
	"github.com/linnemanlabs/sift/internal/triage"
)

type ingestRequest struct {
	ExternalID string    `json:"external_id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
	Process    bool      `json:"process"`
}

type ingestResponse struct {
	Message *triage.Message              `json:"message"`
	Queued  bool                         `json:"queued,omitempty"`
	Result  *triage.ClassificationResult `json:"result,omitempty"`
}

func (a *API) handleIngestMessage(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "no owner for request")
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	addr, err := mail.ParseAddress(strings.TrimSpace(req.From))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid from address")
		return
	}

	msg, err := a.svc.IngestMessage(r.Context(), &triage.Message{
		OwnerID:    owner,
		ExternalID: req.ExternalID,
		Subject:    req.Subject,
		Sender:     strings.ToLower(addr.Address),
		SenderName: addr.Name,
		Body:       req.Body,
		ReceivedAt: req.ReceivedAt,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sift.message.id", msg.ID))

	if !req.Process {
		writeJSON(w, http.StatusCreated, ingestResponse{Message: msg})
		return
	}

	if a.queue != nil {
		if err := a.queue.Enqueue(r.Context(), queue.Task{MessageID: msg.ID, OwnerID: owner}); err != nil {
			a.logger.Error(r.Context(), err, "failed to enqueue message", "message_id", msg.ID)
			writeJSONError(w, http.StatusServiceUnavailable, "message stored but could not be queued")
			return
		}
		writeJSON(w, http.StatusAccepted, ingestResponse{Message: msg, Queued: true})
		return
	}

	res, err := a.svc.ProcessMessage(r.Context(), msg.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	msg.Classification = res.Classification
	writeJSON(w, http.StatusCreated, ingestResponse{Message: msg, Result: res})
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := a.ownedMessage(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) handleTriage(w http.ResponseWriter, r *http.Request) {
	msg, ok := a.ownedMessage(w, r)
	if !ok {
		return
	}
	res, err := a.svc.ProcessMessage(r.Context(), msg.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("sift.priority", string(res.Classification.Priority)),
		attribute.Float64("sift.confidence", res.Classification.Confidence),
	)
	writeJSON(w, http.StatusOK, res)
}
