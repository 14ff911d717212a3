// Package export serializes collector state to JSON, CSV and GPX, and
// decodes JSON snapshots back for import.
package export

import (
	"encoding/json"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"

	"github.com/tabular/location-collector/internal/location"
)

const FormatVersion = "1.0"

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatGPX  Format = "gpx"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV, FormatGPX:
		return f, nil
	case "":
		return FormatJSON, nil
	}
	return "", errors.Wrapf(ErrUnsupportedFormat, "%q", s)
}

func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatGPX:
		return "application/gpx+xml"
	default:
		return "application/json"
	}
}

// Snapshot is the full exported state.
type Snapshot struct {
	Settings        location.Settings        `json:"settings"`
	History         []location.Record        `json:"history"`
	CurrentLocation *location.Record         `json:"currentLocation"`
	Analytics       location.Analytics       `json:"analytics"`
	ConsentLog      []location.ConsentRecord `json:"consentLog"`
	ExportTimestamp time.Time                `json:"exportTimestamp"`
	Version         string                   `json:"version"`
}

func Encode(format Format, snap Snapshot) (string, error) {
	switch format {
	case FormatJSON:
		return encodeJSON(snap)
	case FormatCSV:
		return encodeCSV(snap.History), nil
	case FormatGPX:
		return encodeGPX(snap.History, snap.ExportTimestamp)
	}
	return "", errors.Wrapf(ErrUnsupportedFormat, "%q", format)
}

func encodeJSON(snap Snapshot) (string, error) {
	if snap.History == nil {
		snap.History = []location.Record{}
	}
	if snap.ConsentLog == nil {
		snap.ConsentLog = []location.ConsentRecord{}
	}
	if snap.Version == "" {
		snap.Version = FormatVersion
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal snapshot")
	}
	return string(data), nil
}

const CSVHeader = "timestamp,latitude,longitude,accuracy,source"

// encodeCSV joins fields with commas and does no quoting. None of the
// emitted fields can contain a comma today.
func encodeCSV(history []location.Record) string {
	var b strings.Builder
	b.WriteString(CSVHeader)
	for _, r := range history {
		b.WriteByte('\n')
		b.WriteString(strings.Join([]string{
			isoTime(r.Timestamp),
			formatFloat(r.Latitude),
			formatFloat(r.Longitude),
			formatFloat(r.Accuracy),
			string(r.Source),
		}, ","))
	}
	return b.String()
}

const isoLayout = "2006-01-02T15:04:05.000Z07:00"

func isoTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(isoLayout)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

type gpxDoc struct {
	XMLName  xml.Name    `xml:"gpx"`
	Version  string      `xml:"version,attr"`
	Creator  string      `xml:"creator,attr"`
	Xmlns    string      `xml:"xmlns,attr"`
	Metadata gpxMetadata `xml:"metadata"`
	Track    gpxTrack    `xml:"trk"`
}

type gpxMetadata struct {
	Name   string     `xml:"name"`
	Time   string     `xml:"time,omitempty"`
	Bounds *gpxBounds `xml:"bounds,omitempty"`
}

type gpxBounds struct {
	MinLat string `xml:"minlat,attr"`
	MinLon string `xml:"minlon,attr"`
	MaxLat string `xml:"maxlat,attr"`
	MaxLon string `xml:"maxlon,attr"`
}

type gpxTrack struct {
	Name    string     `xml:"name"`
	Segment gpxSegment `xml:"trkseg"`
}

type gpxSegment struct {
	Points []gpxPoint `xml:"trkpt"`
}

type gpxPoint struct {
	Lat  string `xml:"lat,attr"`
	Lon  string `xml:"lon,attr"`
	Ele  string `xml:"ele,omitempty"`
	Time string `xml:"time,omitempty"`
}

// encodeGPX emits one track segment with a point for every record that has
// both coordinates.
func encodeGPX(history []location.Record, exportedAt time.Time) (string, error) {
	doc := gpxDoc{
		Version:  "1.1",
		Creator:  "Location Data Collector",
		Xmlns:    "http://www.topografix.com/GPX/1/1",
		Metadata: gpxMetadata{Name: "Location History", Time: isoTime(exportedAt)},
		Track:    gpxTrack{Name: "Location Track"},
	}

	var line orb.LineString
	for _, r := range history {
		if !r.HasCoordinates() {
			continue
		}
		line = append(line, orb.Point{*r.Longitude, *r.Latitude})
		doc.Track.Segment.Points = append(doc.Track.Segment.Points, gpxPoint{
			Lat:  formatFloat(r.Latitude),
			Lon:  formatFloat(r.Longitude),
			Ele:  formatFloat(r.Altitude),
			Time: isoTime(r.Timestamp),
		})
	}

	if len(line) > 0 {
		b := line.Bound()
		doc.Metadata.Bounds = &gpxBounds{
			MinLat: strconv.FormatFloat(b.Min.Lat(), 'f', -1, 64),
			MinLon: strconv.FormatFloat(b.Min.Lon(), 'f', -1, 64),
			MaxLat: strconv.FormatFloat(b.Max.Lat(), 'f', -1, 64),
			MaxLon: strconv.FormatFloat(b.Max.Lon(), 'f', -1, 64),
		}
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal gpx")
	}
	return xml.Header + string(data), nil
}
