// Package gps contains the concrete position providers behind the
// tracking core's provider interfaces: an onboard GPS unit reached over
// gRPC reflection and a network geolocation fallback.
package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection/grpc_reflection_v1alpha"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/geo"
	"github.com/safereach/safereach/pkg/logx"
	"github.com/safereach/safereach/pkg/tracking"
)

// UnitConfig holds connection settings for an onboard GPS unit that
// exposes its API through gRPC server reflection.
type UnitConfig struct {
	Enabled bool         `json:"enabled" yaml:"enabled"`
	Host    string       `json:"host" yaml:"host"`
	Port    int          `json:"port" yaml:"port"`
	Timeout pkg.Duration `json:"timeout" yaml:"timeout"`
	// Method is the fully qualified dispatch method; the unit multiplexes
	// requests through a single Handle RPC, grpcurl style.
	Method string `json:"method" yaml:"method"`
}

// DefaultUnitConfig returns defaults for the common unit wiring.
func DefaultUnitConfig() *UnitConfig {
	return &UnitConfig{
		Enabled: false,
		Host:    "192.168.100.1",
		Port:    9200,
		Timeout: pkg.Duration(10 * time.Second),
		Method:  "SafeReach.Device.Unit/Handle",
	}
}

// UnitProvider is the background-capable provider: the unit keeps
// producing fixes while the app process is suspended, and it owns the
// user-visible tracking indicator lamp. Implements
// tracking.BackgroundProvider.
type UnitProvider struct {
	config *UnitConfig
	logger *logx.Logger

	mu        sync.Mutex
	nextID    tracking.WatcherID
	watchers  map[tracking.WatcherID]context.CancelFunc
	indicator bool
}

// NewUnitProvider creates a provider for the configured unit.
func NewUnitProvider(config *UnitConfig, logger *logx.Logger) *UnitProvider {
	if config == nil {
		config = DefaultUnitConfig()
	}
	return &UnitProvider{
		config:   config,
		logger:   logger,
		watchers: make(map[tracking.WatcherID]context.CancelFunc),
	}
}

// unitLocationResponse mirrors the unit's get_location JSON shape.
type unitLocationResponse struct {
	GetLocation struct {
		LLA struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
			Alt float64 `json:"alt"`
		} `json:"lla"`
		SigmaM float64 `json:"sigmaM"`
	} `json:"getLocation"`
}

// callUnit invokes one named operation through the unit's Handle RPC
// using dynamic protobuf reflection, so no compiled stubs are needed.
func (p *UnitProvider) callUnit(ctx context.Context, operation string) (string, error) {
	conn, err := grpc.DialContext(ctx, fmt.Sprintf("%s:%d", p.config.Host, p.config.Port),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("failed to connect to GPS unit: %w", err)
	}
	defer conn.Close()

	reflectionClient := grpcreflect.NewClient(ctx, grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	descSource := grpcurl.DescriptorSourceFromServer(ctx, reflectionClient)

	requestJSON := fmt.Sprintf(`{"%s":{}}`, operation)
	requestReader := grpcurl.NewJSONRequestParser(strings.NewReader(requestJSON), grpcurl.AnyResolverFromDescriptorSource(descSource))

	var responseBuffer strings.Builder
	formatter := grpcurl.NewJSONFormatter(false, grpcurl.AnyResolverFromDescriptorSource(descSource))
	handler := &grpcurl.DefaultEventHandler{
		Out:       &responseBuffer,
		Formatter: formatter,
	}

	if err := grpcurl.InvokeRPC(ctx, descSource, conn, p.config.Method, nil, handler, requestReader.Next); err != nil {
		return "", fmt.Errorf("gRPC call failed: %w", err)
	}

	return responseBuffer.String(), nil
}

// GetLocation retrieves the unit's current position fix.
func (p *UnitProvider) GetLocation(ctx context.Context) (*pkg.GeoFix, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout.Duration())
	defer cancel()

	response, err := p.callUnit(reqCtx, "get_location")
	if err != nil {
		return nil, tracking.NewAcquisitionError(tracking.ReasonUnavailable, "unit unreachable", err)
	}

	var locationResp unitLocationResponse
	if err := json.Unmarshal([]byte(response), &locationResp); err != nil {
		return nil, tracking.NewAcquisitionError(tracking.ReasonUnknown, "failed to parse location response", err)
	}

	fix := &pkg.GeoFix{
		Latitude:  locationResp.GetLocation.LLA.Lat,
		Longitude: locationResp.GetLocation.LLA.Lon,
		Accuracy:  locationResp.GetLocation.SigmaM,
		Timestamp: time.Now(),
		Source:    "unit",
	}
	if fix.Latitude == 0 && fix.Longitude == 0 {
		return nil, tracking.NewAcquisitionError(tracking.ReasonTimeout, "unit has no fix yet", nil)
	}
	return fix, nil
}

// AddWatcher starts a persistent polling subscription on the unit. The
// initial probe doubles as the availability check: an unreachable unit
// fails setup with ReasonUnavailable so the session falls back.
func (p *UnitProvider) AddWatcher(cfg tracking.WatcherConfig, onFix tracking.FixCallback, onError tracking.ErrorCallback) (tracking.WatcherID, error) {
	if !p.config.Enabled {
		return 0, tracking.NewAcquisitionError(tracking.ReasonUnavailable, "gps unit not configured", nil)
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), p.config.Timeout.Duration())
	_, err := p.GetLocation(probeCtx)
	cancel()
	if err != nil {
		return 0, err
	}

	ctx, stop := context.WithCancel(context.Background())

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.watchers[id] = stop
	if cfg.ShowIndicator && !p.indicator {
		p.indicator = true
		p.logger.Info("tracking_indicator_on", "watcher_id", int64(id))
	}
	p.mu.Unlock()

	go p.watchLoop(ctx, id, cfg, onFix, onError)
	return id, nil
}

func (p *UnitProvider) watchLoop(ctx context.Context, id tracking.WatcherID, cfg tracking.WatcherConfig, onFix tracking.FixCallback, onError tracking.ErrorCallback) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *pkg.GeoFix
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fix, err := p.GetLocation(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				onError(err)
				continue
			}
			// Minimum-movement threshold: suppress updates the unit
			// produces without real displacement.
			if last != nil && cfg.MinDistanceM > 0 {
				moved := geo.Distance(last.Latitude, last.Longitude, fix.Latitude, fix.Longitude)
				if moved < cfg.MinDistanceM {
					p.logger.Debug("unit_fix_below_movement_threshold",
						"watcher_id", int64(id),
						"moved_m", moved,
					)
					continue
				}
			}
			last = fix
			onFix(*fix)
		}
	}
}

// RemoveWatcher cancels a watcher subscription. Removing the last
// watcher turns the tracking indicator off. Unknown IDs are ignored.
func (p *UnitProvider) RemoveWatcher(id tracking.WatcherID) {
	p.mu.Lock()
	stop, ok := p.watchers[id]
	if ok {
		delete(p.watchers, id)
	}
	if len(p.watchers) == 0 && p.indicator {
		p.indicator = false
		p.logger.Info("tracking_indicator_off", "watcher_id", int64(id))
	}
	p.mu.Unlock()

	if ok {
		stop()
	}
}
