// Package location holds the collector's domain model and the pure
// transformations applied to each sample: privacy filtering, distance
// accumulation, the retention-bounded history ledger and the consent log.
package location

import (
	"time"
)

// Persistence keys. They are global to a store, so a store must back at
// most one collector.
const (
	SettingsKey = "locationDataSettings"
	HistoryKey  = "locationDataHistory"
	ConsentKey  = "locationDataConsent"
)

type AccuracyLevel string

const (
	AccuracyHigh     AccuracyLevel = "high"
	AccuracyMedium   AccuracyLevel = "medium"
	AccuracyLow      AccuracyLevel = "low"
	AccuracyDisabled AccuracyLevel = "disabled"
)

func (a AccuracyLevel) Valid() bool {
	switch a {
	case AccuracyHigh, AccuracyMedium, AccuracyLow, AccuracyDisabled:
		return true
	}
	return false
}

type CollectionMethod string

const (
	MethodAutomatic CollectionMethod = "automatic"
	MethodManual    CollectionMethod = "manual"
	MethodOnRequest CollectionMethod = "on_request"
	MethodPeriodic  CollectionMethod = "periodic"
)

func (m CollectionMethod) Valid() bool {
	switch m {
	case MethodAutomatic, MethodManual, MethodOnRequest, MethodPeriodic:
		return true
	}
	return false
}

// PrivacyLevel values are ordered from most to least precise.
type PrivacyLevel string

const (
	PrivacyExact        PrivacyLevel = "exact"
	PrivacyApproximate  PrivacyLevel = "approximate"
	PrivacyCityLevel    PrivacyLevel = "city_level"
	PrivacyCountryLevel PrivacyLevel = "country_level"
	PrivacyAnonymous    PrivacyLevel = "anonymous"
)

// PrivacyLevels lists every level, most precise first.
var PrivacyLevels = []PrivacyLevel{
	PrivacyExact,
	PrivacyApproximate,
	PrivacyCityLevel,
	PrivacyCountryLevel,
	PrivacyAnonymous,
}

func (p PrivacyLevel) Valid() bool {
	for _, l := range PrivacyLevels {
		if p == l {
			return true
		}
	}
	return false
}

type Source string

const (
	SourceGPS Source = "gps"
	SourceIP  Source = "ip"
)

type Settings struct {
	CollectionEnabled     bool             `json:"collectionEnabled"`
	AccuracyLevel         AccuracyLevel    `json:"accuracyLevel"`
	CollectionMethod      CollectionMethod `json:"collectionMethod"`
	PrivacyLevel          PrivacyLevel     `json:"privacyLevel"`
	RetentionPeriodDays   int              `json:"retentionPeriodDays"`
	ShareWithThirdParties bool             `json:"shareWithThirdParties"`
	AnonymizeData         bool             `json:"anonymizeData"`
	EnableLocationHistory bool             `json:"enableLocationHistory"`
	EnableAnalytics       bool             `json:"enableAnalytics"`
	BackgroundTracking    bool             `json:"backgroundTracking"`
	FrequencyMinutes      int              `json:"frequencyMinutes"`
	RadiusMeters          int              `json:"radiusMeters"`
	ConsentTimestamp      *time.Time       `json:"consentTimestamp"`
	LastUpdated           *time.Time       `json:"lastUpdated"`
}

// WantsWatch reports whether tracking should hold a continuous subscription
// rather than take a single sample.
func (s Settings) WantsWatch() bool {
	return s.CollectionMethod == MethodPeriodic || s.BackgroundTracking
}

// AutoStart reports whether enabling collection should start tracking
// without an explicit request.
func (s Settings) AutoStart() bool {
	return s.CollectionMethod == MethodAutomatic || s.WantsWatch()
}

// SettingsPatch carries the fields of an updateSettings call. Nil fields
// are left unchanged. It is also the snapshot stored in a consent record.
type SettingsPatch struct {
	CollectionEnabled     *bool             `json:"collectionEnabled,omitempty"`
	AccuracyLevel         *AccuracyLevel    `json:"accuracyLevel,omitempty"`
	CollectionMethod      *CollectionMethod `json:"collectionMethod,omitempty"`
	PrivacyLevel          *PrivacyLevel     `json:"privacyLevel,omitempty"`
	RetentionPeriodDays   *int              `json:"retentionPeriodDays,omitempty"`
	ShareWithThirdParties *bool             `json:"shareWithThirdParties,omitempty"`
	AnonymizeData         *bool             `json:"anonymizeData,omitempty"`
	EnableLocationHistory *bool             `json:"enableLocationHistory,omitempty"`
	EnableAnalytics       *bool             `json:"enableAnalytics,omitempty"`
	BackgroundTracking    *bool             `json:"backgroundTracking,omitempty"`
	FrequencyMinutes      *int              `json:"frequencyMinutes,omitempty"`
	RadiusMeters          *int              `json:"radiusMeters,omitempty"`
}

// Record is one processed sample. Which optional fields are set depends on
// the privacy level it was filtered at.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	CollectedAt time.Time `json:"collectedAt"`
	Source      Source    `json:"source"`
	Accuracy    *float64  `json:"accuracy,omitempty"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Altitude    *float64  `json:"altitude,omitempty"`
	Heading     *float64  `json:"heading,omitempty"`
	Speed       *float64  `json:"speed,omitempty"`
	Country     string    `json:"country,omitempty"`
}

func (r Record) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

type ChangeType string

const (
	ChangeGranted ChangeType = "granted"
	ChangeRevoked ChangeType = "revoked"
)

type ConsentRecord struct {
	Timestamp        time.Time     `json:"timestamp"`
	SettingsSnapshot SettingsPatch `json:"settingsSnapshot"`
	ChangeType       ChangeType    `json:"changeType"`
	UserAgent        string        `json:"userAgent"`
	IPAddress        string        `json:"ipAddress"`
}

type Analytics struct {
	TotalLocations  int        `json:"totalLocations,omitempty"`
	TotalDistanceKm float64    `json:"totalDistanceKm,omitempty"`
	LastLocation    *Record    `json:"lastLocation,omitempty"`
	LastUpdated     *time.Time `json:"lastUpdated,omitempty"`
}

func Float(v float64) *float64 { return &v }
