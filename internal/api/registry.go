package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gridline/fieldbus/internal/model"
)

// --- Devices ---

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if devices == nil {
		devices = []model.Device{}
	}
	respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias     string `json:"alias"`
		Host      string `json:"host"`
		Port      int    `json:"port"`
		Protocol  string `json:"protocol"`
		WordOrder string `json:"word_order"`
		Active    *bool  `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Alias == "" {
		respondError(w, http.StatusBadRequest, "alias is required")
		return
	}

	protocol, err := model.ParseProtocol(req.Protocol)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WordOrder == "" {
		req.WordOrder = string(model.WordOrderBig)
	}
	wordOrder, err := model.ParseWordOrder(req.WordOrder)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// RTU devices carry a serial device path; the network protocols
	// require a dotted-quad host and a usable port.
	if protocol != model.ProtocolRTU {
		if ip := net.ParseIP(req.Host); ip == nil || ip.To4() == nil {
			respondError(w, http.StatusBadRequest, "host must be an IPv4 address")
			return
		}
		if req.Port < 1 || req.Port > 65535 {
			respondError(w, http.StatusBadRequest, "port must be in 1..65535")
			return
		}
	} else if req.Host == "" {
		respondError(w, http.StatusBadRequest, "host (serial device path) is required")
		return
	}

	if !s.underCap(w, r, s.store.CountDevices, "device") {
		return
	}

	dev := model.Device{
		Alias:     req.Alias,
		Host:      req.Host,
		Port:      req.Port,
		Protocol:  protocol,
		WordOrder: wordOrder,
		Active:    req.Active == nil || *req.Active,
	}
	created, err := s.store.CreateDevice(r.Context(), &dev)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if !created {
		respondError(w, http.StatusBadRequest, "device alias already registered")
		return
	}
	respondJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	err := s.store.DeleteDevice(r.Context(), alias)
	if isNotFound(err) {
		respondError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	s.sessions.Remove(alias)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Tags ---

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.ListTags(r.Context(), r.URL.Query().Get("device"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if tags == nil {
		tags = []model.Tag{}
	}
	respondJSON(w, http.StatusOK, tags)
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Device           string `json:"device"`
		Alias            string `json:"alias"`
		Description      string `json:"description"`
		Channel          string `json:"channel"`
		DataType         string `json:"data_type"`
		Address          int    `json:"address"`
		UnitID           int    `json:"unit_id"`
		ReadAmount       int    `json:"read_amount"`
		HistoryIntervalS int64  `json:"history_interval_s"`
		HistoryRetainS   int64  `json:"history_retention_s"`
		Active           *bool  `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Alias == "" {
		respondError(w, http.StatusBadRequest, "alias is required")
		return
	}

	channel, err := model.ParseChannel(req.Channel)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	dataType, err := model.ParseDataType(req.DataType)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if channel.Bit() && dataType != model.TypeBool {
		respondError(w, http.StatusBadRequest, "bit channels only carry bool tags")
		return
	}
	if req.Address < 0 || req.Address > 65535 {
		respondError(w, http.StatusBadRequest, "address must be in 0..65535")
		return
	}
	if req.UnitID < 0 || req.UnitID > 255 {
		respondError(w, http.StatusBadRequest, "unit_id must be in 0..255")
		return
	}
	if req.ReadAmount < 1 {
		req.ReadAmount = 1
	}

	dev, err := s.store.DeviceByAlias(r.Context(), req.Device)
	if isNotFound(err) {
		respondError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	if !s.underCap(w, r, s.store.CountTags, "tag") {
		return
	}

	tag := model.Tag{
		DeviceID:         dev.ID,
		Alias:            req.Alias,
		Description:      req.Description,
		Channel:          channel,
		DataType:         dataType,
		Address:          uint16(req.Address),
		UnitID:           uint8(req.UnitID),
		ReadAmount:       req.ReadAmount,
		HistoryInterval:  time.Duration(req.HistoryIntervalS) * time.Second,
		HistoryRetention: time.Duration(req.HistoryRetainS) * time.Second,
		Active:           req.Active == nil || *req.Active,
	}
	created, err := s.store.CreateTag(r.Context(), &tag)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if !created {
		respondError(w, http.StatusBadRequest, "tag address already registered on this device")
		return
	}
	respondJSON(w, http.StatusCreated, tag)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	externalID, err := uuid.Parse(mux.Vars(r)["external_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tag id")
		return
	}

	tagID, err := s.store.DeleteTag(r.Context(), externalID)
	if isNotFound(err) {
		respondError(w, http.StatusNotFound, "tag not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	s.cache.Delete(tagID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Alarms ---

func (s *Server) handleListAlarms(w http.ResponseWriter, r *http.Request) {
	var tagID *uuid.UUID
	if raw := r.URL.Query().Get("tag"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid tag id")
			return
		}
		tagID = &id
	}

	configs, err := s.store.ListAlarmConfigs(r.Context(), tagID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if configs == nil {
		configs = []model.AlarmConfig{}
	}
	respondJSON(w, http.StatusOK, configs)
}

func (s *Server) handleCreateAlarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag          string      `json:"tag"`
		Alias        string      `json:"alias"`
		TriggerValue model.Value `json:"trigger_value"`
		Operator     string      `json:"operator"`
		ThreatLevel  string      `json:"threat_level"`
		Message      string      `json:"message"`
		Enabled      *bool       `json:"enabled"`
		CooldownS    int64       `json:"notification_cooldown_s"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Alias == "" {
		respondError(w, http.StatusBadRequest, "alias is required")
		return
	}

	operator, err := model.ParseOperator(req.Operator)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	threat, err := model.ParseThreatLevel(req.ThreatLevel)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tagExternalID, err := uuid.Parse(req.Tag)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tag id")
		return
	}

	tag, err := s.store.TagByExternalID(r.Context(), tagExternalID)
	if isNotFound(err) {
		respondError(w, http.StatusNotFound, "tag not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	if !s.underCap(w, r, s.store.CountAlarmConfigs, "alarm") {
		return
	}

	if req.CooldownS <= 0 {
		req.CooldownS = 60
	}
	cfg := model.AlarmConfig{
		TagID:                tag.ID,
		Alias:                req.Alias,
		TriggerValue:         req.TriggerValue,
		Operator:             operator,
		ThreatLevel:          threat,
		Message:              req.Message,
		Enabled:              req.Enabled == nil || *req.Enabled,
		NotificationCooldown: time.Duration(req.CooldownS) * time.Second,
	}
	created, err := s.store.CreateAlarmConfig(r.Context(), &cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if !created {
		respondError(w, http.StatusBadRequest, "alarm alias already registered for this tag")
		return
	}
	respondJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	configID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid alarm id")
		return
	}

	var req struct {
		Email        string `json:"email"`
		Phone        string `json:"phone"`
		EmailEnabled bool   `json:"email_enabled"`
		SMSEnabled   bool   `json:"sms_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EmailEnabled && req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required when email_enabled")
		return
	}
	if req.SMSEnabled && req.Phone == "" {
		respondError(w, http.StatusBadRequest, "phone is required when sms_enabled")
		return
	}

	sub := model.Subscription{
		ConfigID:     configID,
		Email:        req.Email,
		Phone:        req.Phone,
		EmailEnabled: req.EmailEnabled,
		SMSEnabled:   req.SMSEnabled,
	}
	if err := s.store.CreateSubscription(r.Context(), &sub); err != nil {
		respondError(w, http.StatusBadRequest, "alarm config not found")
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

// --- Schedules ---

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag        string      `json:"tag"`
		Alias      string      `json:"alias"`
		WriteValue model.Value `json:"write_value"`
		Hour       int         `json:"hour"`
		Minute     int         `json:"minute"`
		Days       []bool      `json:"days"`
		Enabled    *bool       `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Alias == "" {
		respondError(w, http.StatusBadRequest, "alias is required")
		return
	}
	if req.Hour < 0 || req.Hour > 23 || req.Minute < 0 || req.Minute > 59 {
		respondError(w, http.StatusBadRequest, "invalid time of day")
		return
	}
	if len(req.Days) != 7 {
		respondError(w, http.StatusBadRequest, "days must list all seven weekdays, Monday first")
		return
	}
	tagExternalID, err := uuid.Parse(req.Tag)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tag id")
		return
	}

	tag, err := s.store.TagByExternalID(r.Context(), tagExternalID)
	if isNotFound(err) {
		respondError(w, http.StatusNotFound, "tag not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if !tag.Writable() {
		respondError(w, http.StatusBadRequest, "schedules can only target writable tags")
		return
	}

	sch := model.Schedule{
		TagID:      tag.ID,
		Alias:      req.Alias,
		WriteValue: req.WriteValue,
		Hour:       req.Hour,
		Minute:     req.Minute,
		Days:       req.Days,
		Enabled:    req.Enabled == nil || *req.Enabled,
	}
	if err := s.store.CreateSchedule(r.Context(), &sch); err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	respondJSON(w, http.StatusCreated, sch)
}

// underCap enforces the fleet-size limits shared by the registration
// endpoints.
func (s *Server) underCap(w http.ResponseWriter, r *http.Request, count func(ctx context.Context) (int, error), kind string) bool {
	n, err := count(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "storage failure")
		return false
	}
	if n >= maxFleetSize {
		respondError(w, http.StatusServiceUnavailable, kind+" capacity reached")
		return false
	}
	return true
}
