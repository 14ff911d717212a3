package location

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

func DefaultSettings() Settings {
	return Settings{
		CollectionEnabled:     false,
		AccuracyLevel:         AccuracyMedium,
		CollectionMethod:      MethodManual,
		PrivacyLevel:          PrivacyApproximate,
		RetentionPeriodDays:   30,
		ShareWithThirdParties: false,
		AnonymizeData:         true,
		EnableLocationHistory: true,
		EnableAnalytics:       false,
		BackgroundTracking:    false,
		FrequencyMinutes:      15,
		RadiusMeters:          100,
	}
}

// DecodeSettings merges raw JSON over the defaults. Missing fields keep
// their default, mistyped fields are skipped, and unknown enum values fall
// back to the default. A non-nil error means some input was discarded; the
// returned settings are usable either way.
func DecodeSettings(raw []byte) (Settings, error) {
	s := DefaultSettings()
	if len(raw) == 0 {
		return s, nil
	}

	err := json.Unmarshal(raw, &s)
	var typeErr *json.UnmarshalTypeError
	switch {
	case err == nil:
	case errors.As(err, &typeErr):
		// encoding/json keeps going past a type mismatch, so s holds
		// every field that did decode.
		err = errors.Wrapf(err, "settings field %q ignored", typeErr.Field)
	default:
		return DefaultSettings(), errors.Wrap(err, "malformed settings")
	}

	s.normalize()
	return s, err
}

func (s *Settings) normalize() {
	d := DefaultSettings()
	if !s.AccuracyLevel.Valid() {
		s.AccuracyLevel = d.AccuracyLevel
	}
	if !s.CollectionMethod.Valid() {
		s.CollectionMethod = d.CollectionMethod
	}
	if !s.PrivacyLevel.Valid() {
		s.PrivacyLevel = d.PrivacyLevel
	}
	if s.RetentionPeriodDays < 0 {
		s.RetentionPeriodDays = 0
	}
}

// Apply returns a copy of s with every non-nil patch field set. Unknown
// enum values leave the current value in place.
func (s Settings) Apply(p SettingsPatch) Settings {
	if p.CollectionEnabled != nil {
		s.CollectionEnabled = *p.CollectionEnabled
	}
	if p.AccuracyLevel != nil && p.AccuracyLevel.Valid() {
		s.AccuracyLevel = *p.AccuracyLevel
	}
	if p.CollectionMethod != nil && p.CollectionMethod.Valid() {
		s.CollectionMethod = *p.CollectionMethod
	}
	if p.PrivacyLevel != nil && p.PrivacyLevel.Valid() {
		s.PrivacyLevel = *p.PrivacyLevel
	}
	if p.RetentionPeriodDays != nil {
		s.RetentionPeriodDays = *p.RetentionPeriodDays
	}
	if p.ShareWithThirdParties != nil {
		s.ShareWithThirdParties = *p.ShareWithThirdParties
	}
	if p.AnonymizeData != nil {
		s.AnonymizeData = *p.AnonymizeData
	}
	if p.EnableLocationHistory != nil {
		s.EnableLocationHistory = *p.EnableLocationHistory
	}
	if p.EnableAnalytics != nil {
		s.EnableAnalytics = *p.EnableAnalytics
	}
	if p.BackgroundTracking != nil {
		s.BackgroundTracking = *p.BackgroundTracking
	}
	if p.FrequencyMinutes != nil {
		s.FrequencyMinutes = *p.FrequencyMinutes
	}
	if p.RadiusMeters != nil {
		s.RadiusMeters = *p.RadiusMeters
	}
	s.normalize()
	return s
}

// Stamp sets LastUpdated, and ConsentTimestamp when the patch carried a
// consent decision.
func (s *Settings) Stamp(now time.Time, p SettingsPatch) {
	s.LastUpdated = &now
	if p.CollectionEnabled != nil {
		s.ConsentTimestamp = &now
	}
}

// Clone returns a deep copy of p that shares no memory with the caller.
func (p SettingsPatch) Clone() SettingsPatch {
	return SettingsPatch{
		CollectionEnabled:     clonePtr(p.CollectionEnabled),
		AccuracyLevel:         clonePtr(p.AccuracyLevel),
		CollectionMethod:      clonePtr(p.CollectionMethod),
		PrivacyLevel:          clonePtr(p.PrivacyLevel),
		RetentionPeriodDays:   clonePtr(p.RetentionPeriodDays),
		ShareWithThirdParties: clonePtr(p.ShareWithThirdParties),
		AnonymizeData:         clonePtr(p.AnonymizeData),
		EnableLocationHistory: clonePtr(p.EnableLocationHistory),
		EnableAnalytics:       clonePtr(p.EnableAnalytics),
		BackgroundTracking:    clonePtr(p.BackgroundTracking),
		FrequencyMinutes:      clonePtr(p.FrequencyMinutes),
		RadiusMeters:          clonePtr(p.RadiusMeters),
	}
}

// Accepted returns a copy of p holding only what Apply takes from it:
// unknown enum values are dropped and a negative retention reads as 0.
func (p SettingsPatch) Accepted() SettingsPatch {
	out := p.Clone()
	if out.AccuracyLevel != nil && !out.AccuracyLevel.Valid() {
		out.AccuracyLevel = nil
	}
	if out.CollectionMethod != nil && !out.CollectionMethod.Valid() {
		out.CollectionMethod = nil
	}
	if out.PrivacyLevel != nil && !out.PrivacyLevel.Valid() {
		out.PrivacyLevel = nil
	}
	if out.RetentionPeriodDays != nil && *out.RetentionPeriodDays < 0 {
		*out.RetentionPeriodDays = 0
	}
	return out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
