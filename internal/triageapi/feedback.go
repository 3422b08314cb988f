package triageapi

import (
	"net/http"

	"github.com/linnemanlabs/sift/internal/triage"
)

type feedbackRequest struct {
	DraftID           string          `json:"draft_id"`
	CorrectedCategory triage.Category `json:"corrected_category"`
	CorrectedPriority triage.Priority `json:"corrected_priority"`
	Rating            int             `json:"rating"`
	Comment           string          `json:"comment"`
}

func (a *API) handleRecordFeedback(w http.ResponseWriter, r *http.Request) {
	msg, ok := a.ownedMessage(w, r)
	if !ok {
		return
	}

	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	rec, err := a.svc.RecordFeedback(r.Context(), msg.ID, &triage.Feedback{
		DraftID:           req.DraftID,
		CorrectedCategory: req.CorrectedCategory,
		CorrectedPriority: req.CorrectedPriority,
		Rating:            req.Rating,
		Comment:           req.Comment,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	msg, ok := a.ownedMessage(w, r)
	if !ok {
		return
	}
	fs, err := a.svc.ListFeedback(r.Context(), msg.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedback": fs})
}

func (a *API) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "no owner for request")
		return
	}
	prefs, found, err := a.svc.GetPreferences(r.Context(), owner)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (a *API) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "no owner for request")
		return
	}

	var prefs triage.Preferences
	if err := decodeJSON(r, &prefs); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	prefs.OwnerID = owner

	if err := a.svc.PutPreferences(r.Context(), &prefs); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &prefs)
}
