// Package api exposes the supervisor over REST/JSON plus a websocket
// stream of live tag values. Reads are served from the in-memory cache
// with the store as fallback; writes go through the validated queue.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridline/fieldbus/internal/cache"
	"github.com/gridline/fieldbus/internal/events"
	"github.com/gridline/fieldbus/internal/model"
	"github.com/gridline/fieldbus/internal/store"
)

// Registration caps, matching the original fleet limits.
const maxFleetSize = 999

// Store is the persistence surface the handlers need.
type Store interface {
	Ping(ctx context.Context) error

	ListDevices(ctx context.Context) ([]model.Device, error)
	CreateDevice(ctx context.Context, d *model.Device) (bool, error)
	DeleteDevice(ctx context.Context, alias string) error
	DeviceByAlias(ctx context.Context, alias string) (*model.Device, error)
	CountDevices(ctx context.Context) (int, error)

	ListTags(ctx context.Context, deviceAlias string) ([]model.Tag, error)
	TagByExternalID(ctx context.Context, externalID uuid.UUID) (*model.Tag, error)
	TagsByExternalIDs(ctx context.Context, ids []uuid.UUID) ([]model.Tag, error)
	CreateTag(ctx context.Context, t *model.Tag) (bool, error)
	DeleteTag(ctx context.Context, externalID uuid.UUID) (int64, error)
	CountTags(ctx context.Context) (int, error)

	HistorySince(ctx context.Context, tagID int64, since time.Time) ([]model.HistoryEntry, error)

	ListAlarmConfigs(ctx context.Context, tagExternalID *uuid.UUID) ([]model.AlarmConfig, error)
	CreateAlarmConfig(ctx context.Context, c *model.AlarmConfig) (bool, error)
	CountAlarmConfigs(ctx context.Context) (int, error)
	ActiveAlarmConfigForTag(ctx context.Context, tagID int64) (*model.AlarmConfig, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) error

	CreateSchedule(ctx context.Context, sch *model.Schedule) error
}

// WriteQueue accepts validated write requests.
type WriteQueue interface {
	Enqueue(ctx context.Context, externalID uuid.UUID, v model.Value) (*model.Tag, error)
}

// Sessions lets the API drop a device's connection when the device is
// deleted.
type Sessions interface {
	Remove(alias string)
}

// Server wires the handlers, the websocket hub and the router.
type Server struct {
	store    Store
	cache    *cache.TagCache
	writes   WriteQueue
	sessions Sessions
	hub      *Hub

	unsubscribe func()
}

func NewServer(s Store, c *cache.TagCache, writes WriteQueue, sessions Sessions, bus events.Bus) *Server {
	srv := &Server{
		store:    s,
		cache:    c,
		writes:   writes,
		sessions: sessions,
		hub:      newHub(),
	}
	srv.unsubscribe = bus.Subscribe(events.EventTagValue, srv.hub.handleEvent)
	return srv
}

// Close detaches the server from the event bus and drops websocket
// clients.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.hub.closeAll()
}

// Router builds the HTTP routing table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware, loggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/ws/tags", s.handleTagStream)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/tags/{external_id}/value", s.handleTagValue).Methods("GET")
	api.HandleFunc("/tags/{external_id}/history", s.handleTagHistory).Methods("GET")
	api.HandleFunc("/tags/{external_id}/write", s.handleTagWrite).Methods("POST")
	api.HandleFunc("/values", s.handleValues).Methods("POST")

	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices", s.handleCreateDevice).Methods("POST")
	api.HandleFunc("/devices/{alias}", s.handleDeleteDevice).Methods("DELETE")

	api.HandleFunc("/tags", s.handleListTags).Methods("GET")
	api.HandleFunc("/tags", s.handleCreateTag).Methods("POST")
	api.HandleFunc("/tags/{external_id}", s.handleDeleteTag).Methods("DELETE")

	api.HandleFunc("/alarms", s.handleListAlarms).Methods("GET")
	api.HandleFunc("/alarms", s.handleCreateAlarm).Methods("POST")
	api.HandleFunc("/alarms/{id}/subscriptions", s.handleCreateSubscription).Methods("POST")

	api.HandleFunc("/schedules", s.handleCreateSchedule).Methods("POST")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ErrNotFound from the store maps to a 404 in several handlers.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
