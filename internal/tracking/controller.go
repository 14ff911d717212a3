// Package tracking owns the sensor subscription lifecycle: one-shot reads,
// continuous watches, the accuracy policy and the IP fallback on failure.
package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/tabular/location-collector/internal/location"
	"github.com/tabular/location-collector/internal/logging"
	"github.com/tabular/location-collector/internal/sensor"
)

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateOneShot  State = "one_shot"
	StateWatching State = "watching"
	StateError    State = "error"
)

func (s State) Active() bool {
	return s == StateStarting || s == StateOneShot || s == StateWatching
}

// FallbackAccuracy is the accuracy, in metres, reported for IP-derived fixes.
const FallbackAccuracy = 10000

// Policy maps an accuracy level to sensor options. ok is false for
// AccuracyDisabled, which never reaches the sensor.
func Policy(level location.AccuracyLevel) (opts sensor.Options, ok bool) {
	switch level {
	case location.AccuracyHigh:
		return sensor.Options{HighAccuracy: true, Timeout: 30 * time.Second, MaximumAge: 60 * time.Second}, true
	case location.AccuracyMedium:
		return sensor.Options{HighAccuracy: false, Timeout: 15 * time.Second, MaximumAge: 300 * time.Second}, true
	case location.AccuracyLow:
		return sensor.Options{HighAccuracy: false, Timeout: 10 * time.Second, MaximumAge: 600 * time.Second}, true
	}
	return sensor.Options{}, false
}

// Pipeline receives what the controller acquires.
type Pipeline interface {
	Process(ctx context.Context, pos sensor.Position, source location.Source)
	Fail(code sensor.ErrorCode, err error)
}

type Controller struct {
	sensor   sensor.Sensor
	ip       sensor.IPProvider
	pipeline Pipeline
	settings func() location.Settings
	logger   *logging.Logger
	now      func() time.Time

	mu          sync.Mutex
	state       State
	gen         uint64
	watchID     sensor.WatchID
	cancelWatch context.CancelFunc

	wg sync.WaitGroup
}

// NewController builds a controller. settings must be safe to call from any
// goroutine and must not block on the pipeline.
func NewController(s sensor.Sensor, ip sensor.IPProvider, pipeline Pipeline, settings func() location.Settings, logger *logging.Logger, now func() time.Time) *Controller {
	if logger == nil {
		logger = logging.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Controller{
		sensor:   s,
		ip:       ip,
		pipeline: pipeline,
		settings: settings,
		logger:   logger.With("component", "tracking"),
		now:      now,
		state:    StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) IsTracking() bool {
	return c.State().Active()
}

// Start begins acquisition in the background and reports whether it did.
// It is a no-op when collection is disabled or tracking is already active.
func (c *Controller) Start(ctx context.Context) bool {
	return c.start(ctx, false)
}

// RequestOnce takes a single sample whatever the collection method.
func (c *Controller) RequestOnce(ctx context.Context) bool {
	return c.start(ctx, true)
}

func (c *Controller) start(ctx context.Context, once bool) bool {
	s := c.settings()
	if !s.CollectionEnabled {
		c.logger.Debug("Collection disabled, not starting")
		return false
	}
	opts, ok := Policy(s.AccuracyLevel)
	if !ok {
		c.logger.Debug("Accuracy disabled, not starting")
		return false
	}

	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return false
	}
	c.gen++
	gen := c.gen
	c.state = StateStarting
	c.wg.Add(1)
	c.mu.Unlock()

	watch := s.WantsWatch() && !once
	c.logger.Info("Tracking starting",
		"accuracy", s.AccuracyLevel,
		"method", s.CollectionMethod,
		"watch", watch,
	)

	go c.acquire(context.WithoutCancel(ctx), gen, watch, opts)
	return true
}

func (c *Controller) acquire(ctx context.Context, gen uint64, watch bool, opts sensor.Options) {
	defer c.wg.Done()

	if c.sensor == nil || !c.sensor.Available() {
		c.fail(ctx, gen, sensor.NewError(sensor.CodePositionUnavailable, "geolocation is not supported"))
		c.finish(gen)
		return
	}

	perm, err := c.sensor.Permission(ctx)
	if err != nil {
		c.logger.Warn("Permission query failed, continuing", "error", err)
	}
	if perm == sensor.PermissionDenied {
		c.fail(ctx, gen, sensor.NewError(sensor.CodePermissionDenied, "location permission denied"))
		c.finish(gen)
		return
	}

	if watch {
		c.watch(ctx, gen, opts)
		return
	}

	c.setState(gen, StateOneShot)
	pos, err := c.sensor.CurrentPosition(ctx, opts)
	if err != nil {
		c.fail(ctx, gen, err)
	} else {
		c.deliver(ctx, pos, location.SourceGPS)
	}
	c.finish(gen)
}

func (c *Controller) watch(ctx context.Context, gen uint64, opts sensor.Options) {
	watchCtx, cancel := context.WithCancel(ctx)
	id, err := c.sensor.Watch(watchCtx, opts,
		func(pos sensor.Position) {
			if c.current(gen) {
				c.deliver(watchCtx, pos, location.SourceGPS)
			}
		},
		func(err error) {
			if c.current(gen) {
				c.onWatchError(watchCtx, gen, err)
			}
		},
	)
	if err != nil {
		cancel()
		c.fail(ctx, gen, err)
		c.finish(gen)
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.sensor.ClearWatch(id)
		cancel()
		return
	}
	c.state = StateWatching
	c.watchID = id
	c.cancelWatch = cancel
	c.mu.Unlock()

	c.logger.Info("Watching position", "watch_id", id)
}

// A watch survives transient errors; a permission denial ends it.
func (c *Controller) onWatchError(ctx context.Context, gen uint64, err error) {
	code := sensor.Classify(err)
	c.report(ctx, code, err)
	if code == sensor.CodePermissionDenied && c.current(gen) {
		c.Stop()
	}
}

// Stop cancels any active watch and returns to idle. An in-flight one-shot
// read still completes.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	was := c.state
	id, cancel := c.watchID, c.cancelWatch
	c.watchID, c.cancelWatch = "", nil
	c.state = StateIdle
	c.mu.Unlock()

	if id != "" {
		c.sensor.ClearWatch(id)
	}
	if cancel != nil {
		cancel()
	}
	if was.Active() {
		c.logger.Info("Tracking stopped", "previous_state", was)
	}
}

// SetVisible reacts to the host view being hidden or shown.
func (c *Controller) SetVisible(ctx context.Context, visible bool) {
	s := c.settings()
	if !visible {
		if !s.BackgroundTracking {
			c.Stop()
		}
		return
	}
	if s.CollectionEnabled {
		c.Start(ctx)
	}
}

// Wait blocks until no acquisition goroutine is running.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) deliver(ctx context.Context, pos sensor.Position, source location.Source) {
	if !c.settings().CollectionEnabled {
		c.logger.Debug("Dropping sample, collection disabled", "source", source)
		return
	}
	c.pipeline.Process(ctx, pos, source)
}

func (c *Controller) fail(ctx context.Context, gen uint64, err error) {
	c.setState(gen, StateError)
	c.report(ctx, sensor.Classify(err), err)
}

func (c *Controller) report(ctx context.Context, code sensor.ErrorCode, err error) {
	if !c.settings().CollectionEnabled {
		return
	}
	c.logger.Warn("Location error", "kind", code, "error", err)
	c.pipeline.Fail(code, err)
	c.fallback(ctx)
}

// fallback tries the IP provider once. Its failures are logged only.
func (c *Controller) fallback(ctx context.Context) {
	if c.ip == nil {
		return
	}
	loc, err := c.ip.Lookup(ctx)
	if err != nil {
		c.logger.Warn("IP fallback failed", "kind", "provider_unavailable", "error", err)
		return
	}
	c.logger.Info("Using IP fallback location", "city", loc.City, "country", loc.CountryName)
	c.deliver(ctx, sensor.Position{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Accuracy:  location.Float(FallbackAccuracy),
		Timestamp: c.now(),
	}, location.SourceIP)
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Controller) setState(gen uint64, st State) {
	c.mu.Lock()
	if c.gen == gen {
		c.state = st
	}
	c.mu.Unlock()
}

func (c *Controller) finish(gen uint64) {
	c.mu.Lock()
	if c.gen == gen && c.state != StateWatching {
		c.state = StateIdle
	}
	c.mu.Unlock()
}
