package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gridline/fieldbus/internal/codec"
	"github.com/gridline/fieldbus/internal/model"
	"github.com/gridline/fieldbus/internal/writeq"
)

func (s *Server) handleTagWrite(w http.ResponseWriter, r *http.Request) {
	externalID, err := uuid.Parse(mux.Vars(r)["external_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tag id")
		return
	}

	var req struct {
		Value *model.Value `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Value == nil {
		respondError(w, http.StatusBadRequest, "value is required")
		return
	}

	_, err = s.writes.Enqueue(r.Context(), externalID, *req.Value)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case isNotFound(err):
		respondError(w, http.StatusNotFound, "tag not found")
	case errors.Is(err, writeq.ErrNotWritable):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, codec.ErrBadType),
		errors.Is(err, codec.ErrOverflow),
		errors.Is(err, codec.ErrUnderflow):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "storage failure")
	}
}
