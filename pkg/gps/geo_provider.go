package gps

import (
	"context"
	"sync"
	"time"

	"googlemaps.github.io/maps"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/logx"
	"github.com/safereach/safereach/pkg/tracking"
)

// GeoConfig holds settings for the network geolocation provider.
type GeoConfig struct {
	APIKey        string       `json:"api_key" yaml:"api_key"`
	WatchInterval pkg.Duration `json:"watch_interval" yaml:"watch_interval"`
}

// DefaultGeoConfig returns the geolocation provider defaults.
func DefaultGeoConfig() *GeoConfig {
	return &GeoConfig{WatchInterval: pkg.Duration(5 * time.Second)}
}

// GeoProvider resolves position through the Google Geolocation API. It
// implements tracking.PositionProvider; it is never background-capable,
// so sessions that land here still exercise the fallback chain. The last
// result is cached to honor max-age tolerances without a network
// round-trip.
type GeoProvider struct {
	config *GeoConfig
	logger *logx.Logger
	client *maps.Client

	mu      sync.Mutex
	lastFix *pkg.GeoFix
	nextID  tracking.WatchID
	watches map[tracking.WatchID]context.CancelFunc
}

// NewGeoProvider creates a provider using the configured API key.
func NewGeoProvider(config *GeoConfig, logger *logx.Logger) (*GeoProvider, error) {
	if config == nil {
		config = DefaultGeoConfig()
	}
	client, err := maps.NewClient(maps.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, tracking.NewAcquisitionError(tracking.ReasonUnavailable, "geolocation client setup failed", err)
	}
	if config.WatchInterval <= 0 {
		config.WatchInterval = pkg.Duration(5 * time.Second)
	}
	return &GeoProvider{
		config:  config,
		logger:  logger,
		client:  client,
		watches: make(map[tracking.WatchID]context.CancelFunc),
	}, nil
}

// RequestPermission always grants: network geolocation needs no runtime
// permission.
func (p *GeoProvider) RequestPermission(_ context.Context) (bool, error) {
	return true, nil
}

// GetCurrentFix resolves the current position. A cached fix newer than
// opts.MaxFixAge is reused instead of querying the API again.
func (p *GeoProvider) GetCurrentFix(ctx context.Context, opts tracking.WatchOptions) (*pkg.GeoFix, error) {
	if opts.MaxFixAge > 0 {
		p.mu.Lock()
		if p.lastFix != nil && time.Since(p.lastFix.Timestamp) <= opts.MaxFixAge {
			fix := *p.lastFix
			p.mu.Unlock()
			return &fix, nil
		}
		p.mu.Unlock()
	}

	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	res, err := p.client.Geolocate(reqCtx, &maps.GeolocationRequest{ConsiderIP: true})
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, tracking.NewAcquisitionError(tracking.ReasonTimeout, "geolocation request timed out", err)
		}
		return nil, tracking.NewAcquisitionError(tracking.ReasonUnavailable, "geolocation request failed", err)
	}

	fix := &pkg.GeoFix{
		Latitude:  res.Location.Lat,
		Longitude: res.Location.Lng,
		Accuracy:  res.Accuracy,
		Timestamp: time.Now(),
		Source:    "geolocation",
	}

	p.mu.Lock()
	p.lastFix = fix
	p.mu.Unlock()

	cached := *fix
	return &cached, nil
}

// Watch emulates a continuous position-change subscription with an
// internal polling loop at the configured interval.
func (p *GeoProvider) Watch(opts tracking.WatchOptions, onFix tracking.FixCallback, onError tracking.ErrorCallback) (tracking.WatchID, error) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.watches[id] = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.config.WatchInterval.Duration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fix, err := p.GetCurrentFix(ctx, opts)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					onError(err)
					continue
				}
				onFix(*fix)
			}
		}
	}()

	p.logger.Debug("geolocation_watch_started", "watch_id", int64(id), "interval_s", p.config.WatchInterval.Duration().Seconds())
	return id, nil
}

// ClearWatch stops a watch loop. Unknown IDs are ignored.
func (p *GeoProvider) ClearWatch(id tracking.WatchID) {
	p.mu.Lock()
	cancel, ok := p.watches[id]
	if ok {
		delete(p.watches, id)
	}
	p.mu.Unlock()

	if ok {
		cancel()
	}
}
