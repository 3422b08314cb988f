package triageapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sift/internal/triage"
)

type draftRequest struct {
	Tone       triage.Tone   `json:"tone"`
	Length     triage.Length `json:"length"`
	UseHistory bool          `json:"use_history"`
	Evaluate   bool          `json:"evaluate"`
	Options    int           `json:"options"`
}

type draftUpdate struct {
	Status triage.DraftStatus `json:"status"`
	Text   string             `json:"text"`
}

func (a *API) handleGenerateDrafts(w http.ResponseWriter, r *http.Request) {
	msg, ok := a.ownedMessage(w, r)
	if !ok {
		return
	}

	var req draftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	dr := triage.DraftRequest{Tone: req.Tone, Length: req.Length, UseHistory: req.UseHistory, Evaluate: req.Evaluate}

	if req.Options > 0 {
		drafts, err := a.svc.GenerateOptions(r.Context(), msg.ID, req.Options, dr)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"drafts": drafts})
		return
	}

	d, err := a.svc.GenerateDraft(r.Context(), msg.ID, dr)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	msg, ok := a.ownedMessage(w, r)
	if !ok {
		return
	}
	drafts, err := a.svc.ListDrafts(r.Context(), msg.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": drafts})
}

func (a *API) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "no owner for request")
		return
	}

	var req draftUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	id := chi.URLParam(r, "id")
	d, found, err := a.svc.GetDraft(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	msg, found, err := a.svc.GetMessage(r.Context(), d.MessageID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !found || msg.OwnerID != owner {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	updated, err := a.svc.UpdateDraft(r.Context(), id, req.Status, req.Text)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
