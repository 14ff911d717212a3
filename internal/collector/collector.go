// Package collector composes settings, tracking, privacy filtering, the
// history ledger, analytics and the consent log behind one instance.
package collector

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/tabular/location-collector/internal/export"
	"github.com/tabular/location-collector/internal/location"
	"github.com/tabular/location-collector/internal/logging"
	"github.com/tabular/location-collector/internal/sensor"
	"github.com/tabular/location-collector/internal/storage"
	"github.com/tabular/location-collector/internal/tracking"
)

const (
	defaultUserAgent     = "location-collector"
	defaultBatchSize     = 16
	defaultFlushInterval = 250 * time.Millisecond
)

// Deps are the collaborators a Collector is built from. Store is required;
// a nil Geocoder resolves every country to the sentinel.
type Deps struct {
	Store      storage.Store
	Sensor     sensor.Sensor
	IPProvider sensor.IPProvider
	Geocoder   sensor.Geocoder
	Logger     *logging.Logger
}

type Option func(*Collector)

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func WithUserAgent(ua string) Option {
	return func(c *Collector) { c.userAgent = ua }
}

// WithWriter routes persistence through w. The caller keeps ownership and
// must stop it after Close.
func WithWriter(w *storage.AsyncWriter) Option {
	return func(c *Collector) { c.writer = w }
}

// State is the observable status a UI renders.
type State struct {
	IsTracking      bool             `json:"isTracking"`
	TrackingState   tracking.State   `json:"trackingState"`
	CurrentLocation *location.Record `json:"currentLocation"`
	Error           string           `json:"error,omitempty"`
	ErrorCode       sensor.ErrorCode `json:"errorCode,omitempty"`
}

// Summary describes the retained history. TotalLocations counts samples
// folded into analytics since startup.
type Summary struct {
	HistoryCount     int        `json:"historyCount"`
	ConsentCount     int        `json:"consentCount"`
	TotalLocations   int        `json:"totalLocations"`
	TotalDistanceKm  float64    `json:"totalDistanceKm"`
	FirstCollectedAt *time.Time `json:"firstCollectedAt,omitempty"`
	LastCollectedAt  *time.Time `json:"lastCollectedAt,omitempty"`
}

type Collector struct {
	store     storage.Store
	writer    *storage.AsyncWriter
	ownWriter bool
	logger    *logging.Logger
	now       func() time.Time
	userAgent string

	settings atomic.Pointer[location.Settings]
	updateMu sync.Mutex

	// mu guards everything below up to filter. epoch advances whenever
	// collected data is cleared, replaced or collection is revoked.
	mu        sync.Mutex
	epoch     uint64
	ledger    *location.Ledger
	consent   *location.ConsentLog
	analytics location.Analytics
	current   *location.Record
	lastErr   string
	lastCode  sensor.ErrorCode

	filter *location.PrivacyFilter
	ctrl   *tracking.Controller
	events *broadcaster
}

func New(deps Deps, opts ...Option) *Collector {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Collector{
		store:     deps.Store,
		logger:    logger.With("component", "collector"),
		now:       time.Now,
		userAgent: defaultUserAgent,
		ledger:    location.NewLedger(nil),
		events:    newBroadcaster(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// Own a writer unless the caller supplied one
	if c.writer == nil {
		c.writer = storage.NewAsyncWriter(deps.Store, logger, defaultBatchSize, defaultFlushInterval)
		c.ownWriter = true
	}
	c.consent = location.NewConsentLog(c.userAgent, nil)

	// Start from defaults until Restore or Init loads persisted settings
	defaults := location.DefaultSettings()
	c.settings.Store(&defaults)

	// The controller reads settings through the atomic snapshot and
	// delivers samples back into Process and Fail
	c.filter = location.NewPrivacyFilter(deps.Geocoder, logger, c.now)
	c.ctrl = tracking.NewController(deps.Sensor, deps.IPProvider, c, c.Settings, logger, c.now)
	return c
}

// Init restores persisted state and starts tracking when the loaded
// settings call for it.
func (c *Collector) Init(ctx context.Context) {
	s := c.Restore()
	if s.CollectionEnabled && s.AutoStart() {
		c.ctrl.Start(ctx)
	}
}

// Restore loads persisted state and applies retention without touching the
// sensor. Unreadable keys fall back to empty state.
func (c *Collector) Restore() location.Settings {
	s := c.loadSettings()
	c.settings.Store(&s)

	// Load history and consent log; unreadable keys leave them empty
	var history []location.Record
	c.loadJSON(location.HistoryKey, &history)
	var consent []location.ConsentRecord
	c.loadJSON(location.ConsentKey, &consent)

	c.mu.Lock()
	c.ledger.Replace(history)
	c.consent.Replace(consent)

	// Apply retention before anything reads the ledger
	pruned := c.ledger.Prune(s.RetentionPeriodDays, c.now())
	if pruned > 0 {
		c.persistLocked(location.HistoryKey, c.ledger.All())
	}
	loaded := c.ledger.Len()
	c.mu.Unlock()

	c.logger.Info("Collector state restored",
		"collection_enabled", s.CollectionEnabled,
		"history", loaded,
		"pruned", pruned,
		"consent_records", len(consent),
	)
	return s
}

func (c *Collector) loadSettings() location.Settings {
	raw, err := c.store.Get(location.SettingsKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Error("Failed to read settings", "kind", "persistence_failure", "error", err)
		}
		return location.DefaultSettings()
	}
	s, err := location.DecodeSettings(raw)
	if err != nil {
		c.logger.Warn("Persisted settings malformed, using defaults", "kind", "persistence_failure", "error", err)
	}
	return s
}

func (c *Collector) loadJSON(key string, v interface{}) {
	raw, err := c.store.Get(key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Error("Failed to read key", "key", key, "kind", "persistence_failure", "error", err)
		}
		return
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.logger.Warn("Persisted value malformed, ignoring", "key", key, "kind", "persistence_failure", "error", err)
	}
}

// Settings returns the current settings. Safe from any goroutine.
func (c *Collector) Settings() location.Settings {
	return *c.settings.Load()
}

// UpdateSettings applies patch, persists the result, records a consent
// entry and starts or stops tracking to match.
func (c *Collector) UpdateSettings(ctx context.Context, patch location.SettingsPatch) location.Settings {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	now := c.now()
	prev := c.Settings()
	next := prev.Apply(patch)
	next.Stamp(now, patch)
	c.settings.Store(&next)

	// Persist settings and record consent for what was actually applied
	c.mu.Lock()
	if prev.CollectionEnabled && !next.CollectionEnabled {
		c.epoch++
	}
	c.persistLocked(location.SettingsKey, next)
	rec := c.consent.Record(patch.Accepted(), next.CollectionEnabled, now)
	c.persistLocked(location.ConsentKey, c.consent.All())
	c.mu.Unlock()

	c.logger.Info("Settings updated",
		"change_type", rec.ChangeType,
		"collection_enabled", next.CollectionEnabled,
		"privacy_level", next.PrivacyLevel,
	)

	// Bring tracking in line with the new settings
	switch {
	case !next.CollectionEnabled || next.AccuracyLevel == location.AccuracyDisabled:
		c.ctrl.Stop()
	case !prev.CollectionEnabled && next.AutoStart():
		c.ctrl.Start(ctx)
	case c.ctrl.IsTracking() && (prev.AccuracyLevel != next.AccuracyLevel || prev.WantsWatch() != next.WantsWatch()):
		c.ctrl.Stop()
		c.ctrl.Start(ctx)
	}
	return next
}

func (c *Collector) StartTracking(ctx context.Context) bool {
	return c.ctrl.Start(ctx)
}

func (c *Collector) StopTracking() {
	c.ctrl.Stop()
}

func (c *Collector) SetVisible(ctx context.Context, visible bool) {
	c.ctrl.SetVisible(ctx, visible)
}

// RequestLocation takes one sample now, whatever the collection method.
func (c *Collector) RequestLocation(ctx context.Context) bool {
	return c.ctrl.RequestOnce(ctx)
}

// Process runs one acquired sample through filtering, history and
// analytics, then notifies subscribers. A sample is dropped if collection
// was disabled or the data was cleared or replaced while it was filtered.
func (c *Collector) Process(ctx context.Context, pos sensor.Position, source location.Source) {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	// Filtering may block on the geocoder, so it runs without the lock
	s := c.Settings()
	rec := c.filter.Process(ctx, pos, source, s.PrivacyLevel)

	c.mu.Lock()
	if c.epoch != epoch || !c.Settings().CollectionEnabled {
		c.mu.Unlock()
		c.logger.Debug("Dropping stale location sample", "source", source)
		return
	}
	// A successful sample clears any earlier failure
	c.current = &rec
	c.lastErr, c.lastCode = "", ""
	if s.EnableLocationHistory {
		c.ledger.Append(rec)
		c.persistLocked(location.HistoryKey, c.ledger.All())
	}
	if s.EnableAnalytics {
		c.analytics.Fold(rec)
	}
	c.mu.Unlock()

	c.logger.Debug("Location processed", "source", source, "privacy_level", s.PrivacyLevel)
	c.events.emit(Event{Type: EventLocationUpdate, Record: &rec})
}

func (c *Collector) Fail(code sensor.ErrorCode, err error) {
	msg := string(code)
	if err != nil {
		msg = err.Error()
	}
	c.mu.Lock()
	c.lastErr, c.lastCode = msg, code
	c.mu.Unlock()

	c.events.emit(Event{Type: EventLocationError, Error: msg, Code: code})
}

func (c *Collector) History() []location.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.All()
}

func (c *Collector) ConsentLog() []location.ConsentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consent.All()
}

func (c *Collector) Analytics() location.Analytics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.analytics
}

func (c *Collector) State() State {
	st := c.ctrl.State()
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		IsTracking:      st.Active(),
		TrackingState:   st,
		CurrentLocation: c.current,
		Error:           c.lastErr,
		ErrorCode:       c.lastCode,
	}
}

func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := Summary{
		HistoryCount:   c.ledger.Len(),
		ConsentCount:   c.consent.Len(),
		TotalLocations: c.analytics.TotalLocations,
	}
	all := c.ledger.All()
	if len(all) == 0 {
		return sum
	}
	first, last := all[0].CollectedAt, all[len(all)-1].CollectedAt
	sum.FirstCollectedAt, sum.LastCollectedAt = &first, &last

	// Distance comes from retained history, not the in-memory analytics.
	var prev *location.Record
	for i := range all {
		sum.TotalDistanceKm += location.Accumulate(prev, all[i])
		if all[i].HasCoordinates() {
			prev = &all[i]
		}
	}
	return sum
}

// CleanupOldData applies the retention period now and returns how many
// records it removed.
func (c *Collector) CleanupOldData() int {
	days := c.Settings().RetentionPeriodDays
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := c.ledger.Prune(days, c.now())
	if removed > 0 {
		c.persistLocked(location.HistoryKey, c.ledger.All())
		c.logger.Info("Pruned expired records", "removed", removed, "retention_days", days)
	}
	return removed
}

func (c *Collector) Export(format export.Format) (string, error) {
	c.mu.Lock()
	snap := export.Snapshot{
		Settings:        c.Settings(),
		History:         c.ledger.All(),
		CurrentLocation: c.current,
		Analytics:       c.analytics,
		ConsentLog:      c.consent.All(),
		ExportTimestamp: c.now().UTC(),
		Version:         export.FormatVersion,
	}
	c.mu.Unlock()

	out, err := export.Encode(format, snap)
	if err != nil {
		return "", errors.Wrap(err, "export failed")
	}
	return out, nil
}

// Import replaces state from a JSON snapshot. On a malformed payload it
// returns false and leaves state untouched.
func (c *Collector) Import(data []byte) bool {
	imp, err := export.Decode(data)
	return c.applyImport(imp, err)
}

// ImportValue is Import for an already parsed value.
func (c *Collector) ImportValue(v interface{}) bool {
	imp, err := export.DecodeValue(v)
	return c.applyImport(imp, err)
}

func (c *Collector) applyImport(imp *export.Import, err error) bool {
	if err != nil {
		c.logger.Warn("Import rejected", "kind", "import_parse_failure", "error", err)
		return false
	}

	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	if imp.Settings != nil {
		s := *imp.Settings
		c.settings.Store(&s)
	}

	// Replace only the parts the payload carried, then persist all three keys
	c.mu.Lock()
	c.epoch++
	if imp.HasHistory {
		c.ledger.Replace(imp.History)
	}
	if imp.HasConsent {
		c.consent.Replace(imp.ConsentLog)
	}
	c.persistLocked(location.SettingsKey, c.Settings())
	c.persistLocked(location.HistoryKey, c.ledger.All())
	c.persistLocked(location.ConsentKey, c.consent.All())
	history, consent := c.ledger.Len(), c.consent.Len()
	c.mu.Unlock()

	c.logger.Info("Import applied", "history", history, "consent_records", consent)

	if !c.Settings().CollectionEnabled {
		c.ctrl.Stop()
	}
	return true
}

// ClearAllData stops tracking, resets everything to defaults and removes
// the persisted keys.
func (c *Collector) ClearAllData() {
	c.ctrl.Stop()

	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	// Reset settings, then drop everything collected and the persisted keys
	defaults := location.DefaultSettings()
	c.settings.Store(&defaults)

	c.mu.Lock()
	c.epoch++
	c.ledger.Clear()
	c.consent.Clear()
	c.analytics = location.Analytics{}
	c.current = nil
	c.lastErr, c.lastCode = "", ""
	c.writer.Delete(location.SettingsKey, location.HistoryKey, location.ConsentKey)
	c.mu.Unlock()

	c.logger.Info("All location data cleared")
}

// Subscribe registers fn for every event and returns its unsubscribe func.
func (c *Collector) Subscribe(fn Listener) func() {
	return c.events.subscribe(fn)
}

// Flush blocks until pending writes have reached the store.
func (c *Collector) Flush() {
	c.writer.Flush()
}

// Close stops tracking and flushes pending writes. It does not close the
// store.
func (c *Collector) Close() {
	c.ctrl.Stop()
	c.writer.Flush()
	if c.ownWriter {
		c.writer.Stop()
	}
}

// persistLocked queues v under key. Writes are queued while c.mu is held so
// the store sees them in mutation order.
func (c *Collector) persistLocked(key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode value", "key", key, "kind", "persistence_failure", "error", err)
		return
	}
	c.writer.Put(key, data)
}
