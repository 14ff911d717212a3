// Package sensor defines the collaborators the collector reads positions
// from: the platform position sensor, an IP geolocation fallback and a
// reverse geocoder.
package sensor

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

type WatchID string

// Sensor is the platform position API. Watch callbacks for one sensor are
// delivered serially.
type Sensor interface {
	Available() bool
	Permission(ctx context.Context) (PermissionState, error)
	CurrentPosition(ctx context.Context, opts Options) (Position, error)
	Watch(ctx context.Context, opts Options, onPosition func(Position), onError func(error)) (WatchID, error)
	ClearWatch(id WatchID)
}

type ErrorCode string

const (
	CodePermissionDenied    ErrorCode = "permission_denied"
	CodePositionUnavailable ErrorCode = "position_unavailable"
	CodeTimeout             ErrorCode = "timeout"
	CodeUnknown             ErrorCode = "unknown"
)

// Error is the tagged failure a Sensor reports.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Classify maps any error returned by a Sensor onto the closed code set.
func Classify(err error) ErrorCode {
	var se *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		switch se.Code {
		case CodePermissionDenied, CodePositionUnavailable, CodeTimeout:
			return se.Code
		}
		return CodeUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeUnknown
	}
}

var ErrProviderUnavailable = errors.New("location provider unavailable")

type IPLocation struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	City        string  `json:"city"`
	Region      string  `json:"region"`
	CountryName string  `json:"country_name"`
}

type IPProvider interface {
	Lookup(ctx context.Context) (IPLocation, error)
}

type Geocoder interface {
	Country(ctx context.Context, lat, lon float64) (string, error)
}

const UnknownCountry = "Unknown Country"

// StubGeocoder never resolves anything.
type StubGeocoder struct{}

func (StubGeocoder) Country(context.Context, float64, float64) (string, error) {
	return UnknownCountry, nil
}
