// Package store persists location history and trips in SQLite for the
// backend service.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/logx"
)

// Config holds store configuration.
type Config struct {
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{DatabasePath: "locations.db"}
}

// Store wraps the SQLite database holding locations and trips.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// LocationRecord is one persisted position report.
type LocationRecord struct {
	UserID    string    `json:"user_id"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// TripRecord is one persisted trip.
type TripRecord struct {
	ID          int64          `json:"id"`
	UserID      string         `json:"user_id"`
	Target      pkg.TripTarget `json:"target"`
	MessageSent bool           `json:"message_sent"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// NewStore opens (creating if needed) the database and ensures the
// schema exists.
func NewStore(config *Config, logger *logx.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store_initialized", "path", config.DatabasePath)
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS locations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			accuracy REAL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_user_id ON locations(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_timestamp ON locations(timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS user_trips (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			destination_lat REAL NOT NULL,
			destination_lng REAL NOT NULL,
			geofence_radius REAL NOT NULL,
			contacts TEXT,
			message_sent BOOLEAN DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trips_user_active ON user_trips(user_id, message_sent)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveLocation persists one position report.
func (s *Store) SaveLocation(ctx context.Context, userID string, fix pkg.GeoFix) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (user_id, latitude, longitude, accuracy) VALUES (?, ?, ?, ?)`,
		userID, fix.Latitude, fix.Longitude, fix.Accuracy,
	)
	if err != nil {
		return fmt.Errorf("failed to save location: %w", err)
	}
	return nil
}

// RecentLocations returns up to limit locations for a user, newest
// first.
func (s *Store) RecentLocations(ctx context.Context, userID string, limit int) ([]LocationRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT latitude, longitude, COALESCE(accuracy, 0), timestamp
		 FROM locations WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch locations: %w", err)
	}
	defer rows.Close()

	var records []LocationRecord
	for rows.Next() {
		rec := LocationRecord{UserID: userID}
		if err := rows.Scan(&rec.Latitude, &rec.Longitude, &rec.Accuracy, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetDestination creates the user's active trip, or updates it when one
// already exists.
func (s *Store) SetDestination(ctx context.Context, userID string, target pkg.TripTarget) error {
	contacts, err := json.Marshal(target.Recipients)
	if err != nil {
		return fmt.Errorf("failed to encode contacts: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE user_trips
		 SET destination_lat = ?, destination_lng = ?, geofence_radius = ?, contacts = ?
		 WHERE user_id = ? AND message_sent = 0`,
		target.Latitude, target.Longitude, target.GeofenceRadiusM, string(contacts), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trip: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update trip: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_trips (user_id, destination_lat, destination_lng, geofence_radius, contacts)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, target.Latitude, target.Longitude, target.GeofenceRadiusM, string(contacts),
	)
	if err != nil {
		return fmt.Errorf("failed to create trip: %w", err)
	}
	return nil
}

// ActiveTrip returns the user's active (not yet completed) trip, or nil
// when none exists.
func (s *Store) ActiveTrip(ctx context.Context, userID string) (*TripRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, destination_lat, destination_lng, geofence_radius, COALESCE(contacts, '[]'), message_sent, created_at
		 FROM user_trips WHERE user_id = ? AND message_sent = 0`,
		userID,
	)

	rec := TripRecord{UserID: userID}
	var contacts string
	err := row.Scan(&rec.ID, &rec.Target.Latitude, &rec.Target.Longitude,
		&rec.Target.GeofenceRadiusM, &contacts, &rec.MessageSent, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch active trip: %w", err)
	}
	if err := json.Unmarshal([]byte(contacts), &rec.Target.Recipients); err != nil {
		return nil, fmt.Errorf("failed to decode contacts: %w", err)
	}
	return &rec, nil
}

// CompleteTrip marks a trip as completed with the arrival message sent.
func (s *Store) CompleteTrip(ctx context.Context, tripID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_trips SET message_sent = 1, completed_at = ? WHERE id = ?`,
		time.Now().UTC(), tripID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete trip: %w", err)
	}
	return nil
}

// ResetTrip completes any active trip for the user without sending a
// message. Returns the number of trips reset.
func (s *Store) ResetTrip(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_trips SET message_sent = 1, completed_at = ? WHERE user_id = ? AND message_sent = 0`,
		time.Now().UTC(), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset trip: %w", err)
	}
	return res.RowsAffected()
}

// Cleanup deletes location rows older than the cutoff and completed
// trips finished before it. Returns deleted (locations, trips).
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int64, int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	locRes, err := s.db.ExecContext(ctx, `DELETE FROM locations WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("cleanup of locations failed: %w", err)
	}
	locations, _ := locRes.RowsAffected()

	tripRes, err := s.db.ExecContext(ctx,
		`DELETE FROM user_trips WHERE completed_at < ? AND message_sent = 1`, cutoff)
	if err != nil {
		return locations, 0, fmt.Errorf("cleanup of trips failed: %w", err)
	}
	trips, _ := tripRes.RowsAffected()

	s.logger.Info("store_cleanup",
		"deleted_locations", locations,
		"deleted_trips", trips,
		"cutoff", cutoff.Format(time.RFC3339),
	)
	return locations, trips, nil
}
