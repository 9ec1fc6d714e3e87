// Package places finds points of interest near a coordinate through the
// Google Places API, used to suggest destinations when setting up a trip.
package places

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/safereach/safereach/pkg/logx"
)

// Config holds Places API configuration.
type Config struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	// DefaultRadiusM is used when a search does not specify a radius.
	DefaultRadiusM int `json:"default_radius_m" yaml:"default_radius_m"`
	MaxResults     int `json:"max_results" yaml:"max_results"`
}

// DefaultConfig returns default Places configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultRadiusM: 1500,
		MaxResults:     20,
	}
}

// Place is one nearby point of interest.
type Place struct {
	Name      string  `json:"name"`
	Rating    float32 `json:"rating,omitempty"`
	Vicinity  string  `json:"vicinity,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Query describes a nearby search.
type Query struct {
	Latitude  float64
	Longitude float64
	RadiusM   int
	Keyword   string
	Type      string
}

// Client wraps the Google Places nearby search.
type Client struct {
	config *Config
	logger *logx.Logger
	maps   *maps.Client
}

// NewClient creates a Places client. The API key is required.
func NewClient(config *Config, logger *logx.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("places API key not configured")
	}

	mc, err := maps.NewClient(maps.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}

	return &Client{config: config, logger: logger, maps: mc}, nil
}

// Nearby returns points of interest around the query coordinate.
func (c *Client) Nearby(ctx context.Context, q Query) ([]Place, error) {
	radius := q.RadiusM
	if radius <= 0 {
		radius = c.config.DefaultRadiusM
	}

	req := &maps.NearbySearchRequest{
		Location: &maps.LatLng{Lat: q.Latitude, Lng: q.Longitude},
		Radius:   uint(radius),
		Keyword:  q.Keyword,
	}
	if q.Type != "" {
		req.Type = maps.PlaceType(q.Type)
	}

	resp, err := c.maps.NearbySearch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("nearby search failed: %w", err)
	}

	places := make([]Place, 0, len(resp.Results))
	for _, r := range resp.Results {
		places = append(places, Place{
			Name:      r.Name,
			Rating:    r.Rating,
			Vicinity:  r.Vicinity,
			Latitude:  r.Geometry.Location.Lat,
			Longitude: r.Geometry.Location.Lng,
		})
		if c.config.MaxResults > 0 && len(places) >= c.config.MaxResults {
			break
		}
	}

	c.logger.Debug("nearby_search_completed",
		"lat", q.Latitude,
		"lng", q.Longitude,
		"radius_m", radius,
		"results", len(places))
	return places, nil
}
