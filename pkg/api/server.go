// Package api serves the backend HTTP surface: location ingestion, trip
// management, arrival checks, messaging and nearby-place lookup.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/geo"
	"github.com/safereach/safereach/pkg/logx"
	"github.com/safereach/safereach/pkg/metrics"
	"github.com/safereach/safereach/pkg/notifications"
	"github.com/safereach/safereach/pkg/places"
	"github.com/safereach/safereach/pkg/store"
)

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// APIKeyHash is a bcrypt hash of the shared client key. Empty
	// disables authentication. /health and /metrics are always open.
	APIKeyHash string `json:"api_key_hash" yaml:"api_key_hash"`

	// Per-route request limits, per client per minute.
	GPSRateLimit       int `json:"gps_rate_limit" yaml:"gps_rate_limit"`
	LocationsRateLimit int `json:"locations_rate_limit" yaml:"locations_rate_limit"`
	TripRateLimit      int `json:"trip_rate_limit" yaml:"trip_rate_limit"`
	PlacesRateLimit    int `json:"places_rate_limit" yaml:"places_rate_limit"`

	ReadTimeout  pkg.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout pkg.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultServerConfig returns default API configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:         ":8000",
		GPSRateLimit:       60,
		LocationsRateLimit: 30,
		TripRateLimit:      10,
		PlacesRateLimit:    20,
		ReadTimeout:        pkg.Duration(15 * time.Second),
		WriteTimeout:       pkg.Duration(30 * time.Second),
	}
}

// PlaceFinder is the nearby-search collaborator, satisfied by the
// places client.
type PlaceFinder interface {
	Nearby(ctx context.Context, q places.Query) ([]places.Place, error)
}

// Notifier is the message fan-out collaborator, satisfied by the
// notifications manager.
type Notifier interface {
	Send(ctx context.Context, recipients []string, message string) (notifications.Result, error)
	AnnounceArrival(ctx context.Context, tripID string, recipients []string, message string) (notifications.Result, error)
}

// Server is the backend HTTP API.
type Server struct {
	config   *ServerConfig
	logger   *logx.Logger
	store    *store.Store
	notifier Notifier
	finder   PlaceFinder
	metrics  *metrics.Metrics

	gpsLimiter       *rateLimiter
	locationsLimiter *rateLimiter
	tripLimiter      *rateLimiter
	placesLimiter    *rateLimiter

	httpServer *http.Server
}

// NewServer creates the API server. finder and m may be nil when those
// features are disabled.
func NewServer(config *ServerConfig, st *store.Store, notifier Notifier, finder PlaceFinder, m *metrics.Metrics, logger *logx.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		config:           config,
		logger:           logger,
		store:            st,
		notifier:         notifier,
		finder:           finder,
		metrics:          m,
		gpsLimiter:       newRateLimiter(config.GPSRateLimit),
		locationsLimiter: newRateLimiter(config.LocationsRateLimit),
		tripLimiter:      newRateLimiter(config.TripRateLimit),
		placesLimiter:    newRateLimiter(config.PlacesRateLimit),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /gps", s.instrument("/gps", s.auth(s.limit(s.gpsLimiter, s.handleGPS))))
	mux.HandleFunc("GET /locations/{user_id}", s.instrument("/locations", s.auth(s.limit(s.locationsLimiter, s.handleLocations))))
	mux.HandleFunc("POST /trip/set-destination", s.instrument("/trip/set-destination", s.auth(s.limit(s.tripLimiter, s.handleSetDestination))))
	mux.HandleFunc("POST /trip/check-arrival", s.instrument("/trip/check-arrival", s.auth(s.limit(s.tripLimiter, s.handleCheckArrival))))
	mux.HandleFunc("POST /trip/reset", s.instrument("/trip/reset", s.auth(s.limit(s.tripLimiter, s.handleResetTrip))))
	mux.HandleFunc("POST /send-message", s.instrument("/send-message", s.auth(s.limit(s.tripLimiter, s.handleSendMessage))))
	mux.HandleFunc("GET /nearby-places", s.instrument("/nearby-places", s.auth(s.limit(s.placesLimiter, s.handleNearbyPlaces))))
	mux.HandleFunc("POST /admin/cleanup", s.instrument("/admin/cleanup", s.auth(s.handleCleanup)))
	mux.HandleFunc("GET /health", s.instrument("/health", s.handleHealth))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout.Duration(),
		WriteTimeout: s.config.WriteTimeout.Duration(),
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api_server_failed", "error", err)
		}
	}()

	s.logger.Info("api_server_started", "addr", s.config.ListenAddr)
	return nil
}

// Shutdown stops the server, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// instrument wraps a handler with request metrics and access logging.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(route, strconv.Itoa(sw.status), elapsed.Seconds())
		}
		s.logger.Debug("http_request",
			"route", route,
			"method", r.Method,
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", clientAddr(r))
	}
}

// auth enforces the shared API key when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" || bcrypt.CompareHashAndPassword([]byte(s.config.APIKeyHash), []byte(key)) != nil {
			s.logger.Warn("unauthorized_request", "remote_addr", clientAddr(r))
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	}
}

// limit enforces the route's per-client request allowance.
func (s *Server) limit(rl *rateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientAddr(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	}
}

type gpsRequest struct {
	UserID    string  `json:"user_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

func (s *Server) handleGPS(w http.ResponseWriter, r *http.Request) {
	var req gpsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	fix := pkg.GeoFix{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Accuracy:  req.Accuracy,
		Timestamp: time.Now().UTC(),
		Source:    "api",
	}
	if err := fix.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SaveLocation(r.Context(), req.UserID, fix); err != nil {
		s.logger.Error("save_location_failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save location")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.store.RecentLocations(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("fetch_locations_failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch locations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"locations": records,
		"count":     len(records),
	})
}

type setDestinationRequest struct {
	UserID         string   `json:"user_id"`
	DestinationLat float64  `json:"destination_lat"`
	DestinationLng float64  `json:"destination_lng"`
	GeofenceRadius float64  `json:"geofence_radius"`
	ContactNumbers []string `json:"contact_numbers"`
}

func (s *Server) handleSetDestination(w http.ResponseWriter, r *http.Request) {
	var req setDestinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	target := pkg.TripTarget{
		Latitude:        req.DestinationLat,
		Longitude:       req.DestinationLng,
		GeofenceRadiusM: req.GeofenceRadius,
		Recipients:      req.ContactNumbers,
	}
	if err := target.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SetDestination(r.Context(), req.UserID, target); err != nil {
		s.logger.Error("set_destination_failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save destination")
		return
	}

	s.logger.Info("destination_set",
		"user_id", req.UserID,
		"radius_m", req.GeofenceRadius,
		"contacts", len(req.ContactNumbers))
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type checkArrivalRequest struct {
	UserID     string  `json:"user_id"`
	CurrentLat float64 `json:"current_lat"`
	CurrentLng float64 `json:"current_lng"`
}

func (s *Server) handleCheckArrival(w http.ResponseWriter, r *http.Request) {
	var req checkArrivalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	trip, err := s.store.ActiveTrip(r.Context(), req.UserID)
	if err != nil {
		s.logger.Error("fetch_trip_failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch trip")
		return
	}
	if trip == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"arrived":     false,
			"active_trip": false,
		})
		return
	}

	distance := geo.Distance(req.CurrentLat, req.CurrentLng, trip.Target.Latitude, trip.Target.Longitude)
	arrived := distance <= trip.Target.GeofenceRadiusM

	resp := map[string]interface{}{
		"arrived":     arrived,
		"active_trip": true,
		"distance_m":  distance,
	}

	if arrived && !trip.MessageSent {
		message := fmt.Sprintf("SafeReach: %s has safely reached their destination!", req.UserID)
		if s.notifier != nil {
			tripID := strconv.FormatInt(trip.ID, 10)
			if _, err := s.notifier.AnnounceArrival(r.Context(), tripID, trip.Target.Recipients, message); err != nil {
				s.logger.Warn("arrival_notification_failed", "user_id", req.UserID, "error", err)
				resp["notification_sent"] = false
			} else {
				resp["notification_sent"] = true
			}
		}
		if err := s.store.CompleteTrip(r.Context(), trip.ID); err != nil {
			s.logger.Error("complete_trip_failed", "trip_id", trip.ID, "error", err)
		}
		s.logger.Info("arrival_detected",
			"user_id", req.UserID,
			"trip_id", trip.ID,
			"distance_m", distance)
	}

	writeJSON(w, http.StatusOK, resp)
}

type resetTripRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	var req resetTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	n, err := s.store.ResetTrip(r.Context(), req.UserID)
	if err != nil {
		s.logger.Error("reset_trip_failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset trip")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "success",
		"trips_reset": n,
	})
}

type sendMessageRequest struct {
	Message string   `json:"message"`
	Numbers []string `json:"numbers"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(req.Numbers) == 0 {
		writeError(w, http.StatusBadRequest, "numbers is required")
		return
	}
	if s.notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "messaging not configured")
		return
	}

	res, err := s.notifier.Send(r.Context(), req.Numbers, req.Message)
	if err != nil {
		s.logger.Warn("send_message_failed", "recipients", len(req.Numbers), "error", err)
		writeError(w, http.StatusBadGateway, "message delivery failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"sent":   res.Sent,
		"failed": res.Failed,
	})
}

func (s *Server) handleNearbyPlaces(w http.ResponseWriter, r *http.Request) {
	if s.finder == nil {
		writeError(w, http.StatusServiceUnavailable, "places lookup not configured")
		return
	}

	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}

	query := places.Query{
		Latitude:  lat,
		Longitude: lng,
		Keyword:   q.Get("keyword"),
		Type:      q.Get("type"),
	}
	if v := q.Get("radius"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "radius must be a positive integer")
			return
		}
		query.RadiusM = n
	}

	results, err := s.finder.Nearby(r.Context(), query)
	if err != nil {
		s.logger.Warn("nearby_search_failed", "error", err)
		writeError(w, http.StatusBadGateway, "nearby search failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"places": results,
		"count":  len(results),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = n
	}

	locations, trips, err := s.store.Cleanup(r.Context(), days)
	if err != nil {
		s.logger.Error("cleanup_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}

	s.logger.Info("cleanup_completed",
		"older_than_days", days,
		"locations_deleted", locations,
		"trips_deleted", trips)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "success",
		"locations_deleted": locations,
		"trips_deleted":     trips,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "ok"
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		dbStatus = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]string{
		"status":   "ok",
		"database": dbStatus,
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
