package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gridline/fieldbus/internal/model"
)

// tagValueView is the client-facing shape of one tag reading.
type tagValueView struct {
	Value     model.Value `json:"value"`
	Timestamp *time.Time  `json:"time"`
	AgeMs     *int64      `json:"age_ms"`
	Alarm     *alarmView  `json:"alarm"`
}

type alarmView struct {
	Alias       string            `json:"alias"`
	Message     string            `json:"message"`
	ThreatLevel model.ThreatLevel `json:"threat_level"`
}

// tagView builds the reading view for one tag, preferring the cache over
// the persisted value.
func (s *Server) tagView(r *http.Request, t *model.Tag) tagValueView {
	view := tagValueView{Value: t.CurrentValue, Timestamp: t.LastUpdated}
	if e, ok := s.cache.Get(t.ID); ok {
		at := e.UpdatedAt
		view.Value = e.Value
		view.Timestamp = &at
	}
	if view.Timestamp != nil {
		age := time.Since(*view.Timestamp).Milliseconds()
		view.AgeMs = &age
	}

	cfg, err := s.store.ActiveAlarmConfigForTag(r.Context(), t.ID)
	if err != nil {
		slog.Error("load active alarm", "tag", t.Alias, "error", err)
	} else if cfg != nil {
		view.Alarm = &alarmView{Alias: cfg.Alias, Message: cfg.Message, ThreatLevel: cfg.ThreatLevel}
	}
	return view
}

func (s *Server) handleTagValue(w http.ResponseWriter, r *http.Request) {
	externalID, err := uuid.Parse(mux.Vars(r)["external_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tag id")
		return
	}

	tag, err := s.store.TagByExternalID(r.Context(), externalID)
	if isNotFound(err) {
		respondError(w, http.StatusNotFound, "tag not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	respondJSON(w, http.StatusOK, s.tagView(r, tag))
}

func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TagIDs []string `json:"tag_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.TagIDs) == 0 {
		respondError(w, http.StatusBadRequest, "tag_ids is required")
		return
	}

	ids := make([]uuid.UUID, len(req.TagIDs))
	for i, raw := range req.TagIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid tag id "+raw)
			return
		}
		ids[i] = id
	}

	tags, err := s.store.TagsByExternalIDs(r.Context(), ids)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if len(tags) == 0 {
		respondError(w, http.StatusNotFound, "requested tags not found")
		return
	}

	out := make(map[string]tagValueView, len(tags))
	for i := range tags {
		t := &tags[i]
		out[t.ExternalID.String()] = s.tagView(r, t)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTagHistory(w http.ResponseWriter, r *http.Request) {
	externalID, err := uuid.Parse(mux.Vars(r)["external_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tag id")
		return
	}

	seconds := 3600
	if raw := r.URL.Query().Get("seconds"); raw != "" {
		seconds, err = strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			respondError(w, http.StatusBadRequest, "seconds must be a positive integer")
			return
		}
	}

	tag, err := s.store.TagByExternalID(r.Context(), externalID)
	if isNotFound(err) {
		respondError(w, http.StatusNotFound, "tag not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	since := time.Now().Add(-time.Duration(seconds) * time.Second)
	entries, err := s.store.HistorySince(r.Context(), tag.ID, since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	respondJSON(w, http.StatusOK, map[string][]model.HistoryEntry{"history": entries})
}
