package export

import (
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabular/location-collector/internal/location"
)

var exportedAt = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

func sampleHistory() []location.Record {
	at := func(min int) time.Time { return exportedAt.Add(time.Duration(min) * time.Minute) }
	return []location.Record{
		{Timestamp: at(1), CollectedAt: at(1), Source: location.SourceGPS, Accuracy: location.Float(5), Latitude: location.Float(37.775), Longitude: location.Float(-122.419)},
		{Timestamp: at(2), CollectedAt: at(2), Source: location.SourceGPS, Country: "Unknown Country"},
		{Timestamp: at(3), CollectedAt: at(3), Source: location.SourceIP, Accuracy: location.Float(10000), Latitude: location.Float(37.8), Longitude: location.Float(-122.4), Altitude: location.Float(20)},
		{Timestamp: at(4), CollectedAt: at(4), Source: location.SourceGPS},
	}
}

func sampleSnapshot() Snapshot {
	settings := location.DefaultSettings()
	settings.CollectionEnabled = true
	settings.PrivacyLevel = location.PrivacyCityLevel
	on := true
	history := sampleHistory()
	last := history[len(history)-1]
	return Snapshot{
		Settings:        settings,
		History:         history,
		CurrentLocation: &last,
		Analytics:       location.Analytics{TotalLocations: 4, TotalDistanceKm: 1.5},
		ConsentLog: []location.ConsentRecord{{
			Timestamp:        exportedAt,
			SettingsSnapshot: location.SettingsPatch{CollectionEnabled: &on},
			ChangeType:       location.ChangeGranted,
			UserAgent:        "test",
			IPAddress:        location.IPAddressPlaceholder,
		}},
		ExportTimestamp: exportedAt,
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" CSV ")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
	assert.Equal(t, "text/csv", f.ContentType())

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("kml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Encode("kml", Snapshot{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestEncodeJSON(t *testing.T) {
	out, err := Encode(FormatJSON, sampleSnapshot())
	require.NoError(t, err)
	assert.Contains(t, out, "\n  \"settings\"")

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	for _, key := range []string{"settings", "history", "currentLocation", "analytics", "consentLog", "exportTimestamp", "version"} {
		assert.Contains(t, m, key)
	}
	assert.JSONEq(t, `"1.0"`, string(m["version"]))

	empty, err := Encode(FormatJSON, Snapshot{})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(empty), &m))
	assert.JSONEq(t, `[]`, string(m["history"]))
	assert.JSONEq(t, `[]`, string(m["consentLog"]))
	assert.JSONEq(t, `{}`, string(m["analytics"]))
}

func TestEncodeCSV(t *testing.T) {
	out, err := Encode(FormatCSV, sampleSnapshot())
	require.NoError(t, err)

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 1+len(sampleHistory()))
	assert.Equal(t, "timestamp,latitude,longitude,accuracy,source", lines[0])
	assert.Equal(t, "2026-10-17T09:31:00.000Z,37.775,-122.419,5,gps", lines[1])
	assert.Equal(t, "2026-10-17T09:32:00.000Z,,,,gps", lines[2])
	assert.Equal(t, "2026-10-17T09:33:00.000Z,37.8,-122.4,10000,ip", lines[3])

	empty, err := Encode(FormatCSV, Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, CSVHeader, empty)
}

func TestEncodeGPX(t *testing.T) {
	out, err := Encode(FormatGPX, sampleSnapshot())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Equal(t, 2, strings.Count(out, "<trkpt "))
	assert.Equal(t, 1, strings.Count(out, "<trk>"))
	assert.Equal(t, 1, strings.Count(out, "<trkseg>"))

	var doc gpxDoc
	require.NoError(t, xml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "1.1", doc.Version)
	require.Len(t, doc.Track.Segment.Points, 2)
	assert.Equal(t, "37.775", doc.Track.Segment.Points[0].Lat)
	assert.Equal(t, "-122.419", doc.Track.Segment.Points[0].Lon)
	assert.Equal(t, "2026-10-17T09:31:00.000Z", doc.Track.Segment.Points[0].Time)
	assert.Equal(t, "20", doc.Track.Segment.Points[1].Ele)
	require.NotNil(t, doc.Metadata.Bounds)
	assert.Equal(t, "37.775", doc.Metadata.Bounds.MinLat)
	assert.Equal(t, "37.8", doc.Metadata.Bounds.MaxLat)
	assert.Equal(t, "-122.419", doc.Metadata.Bounds.MinLon)
	assert.Equal(t, "-122.4", doc.Metadata.Bounds.MaxLon)

	none, err := Encode(FormatGPX, Snapshot{History: []location.Record{{Source: location.SourceGPS}}})
	require.NoError(t, err)
	assert.Zero(t, strings.Count(none, "<trkpt"))
	assert.NotContains(t, none, "<bounds")
}

func TestDecode_RoundTrip(t *testing.T) {
	snap := sampleSnapshot()
	out, err := Encode(FormatJSON, snap)
	require.NoError(t, err)

	imp, err := Decode([]byte(out))
	require.NoError(t, err)
	require.NotNil(t, imp.Settings)
	assert.True(t, imp.HasHistory)
	assert.True(t, imp.HasConsent)

	if diff := cmp.Diff(snap.Settings, *imp.Settings); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(snap.History, imp.History); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(snap.ConsentLog, imp.ConsentLog); diff != "" {
		t.Errorf("consent mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_PartialAndDefaults(t *testing.T) {
	imp, err := Decode([]byte(`{"settings":{"collectionEnabled":true}}`))
	require.NoError(t, err)
	require.NotNil(t, imp.Settings)
	assert.True(t, imp.Settings.CollectionEnabled)
	assert.Equal(t, location.DefaultSettings().PrivacyLevel, imp.Settings.PrivacyLevel)
	assert.False(t, imp.HasHistory)
	assert.False(t, imp.HasConsent)

	imp, err = Decode([]byte(`{"history":[]}`))
	require.NoError(t, err)
	assert.Nil(t, imp.Settings)
	assert.True(t, imp.HasHistory)
	assert.Empty(t, imp.History)
}

func TestDecode_Failures(t *testing.T) {
	for _, payload := range []string{
		``,
		`{not json`,
		`null`,
		`[1,2]`,
		`"text"`,
		`{"history":{"a":1}}`,
		`{"history":[{"timestamp":"yesterday"}]}`,
		`{"settings":{},"consentLog":7}`,
	} {
		t.Run(payload, func(t *testing.T) {
			imp, err := Decode([]byte(payload))
			assert.ErrorIs(t, err, ErrImportParse)
			assert.Nil(t, imp)
		})
	}
}

func TestDecodeValue(t *testing.T) {
	imp, err := DecodeValue(map[string]interface{}{
		"settings": map[string]interface{}{"privacyLevel": "anonymous"},
	})
	require.NoError(t, err)
	assert.Equal(t, location.PrivacyAnonymous, imp.Settings.PrivacyLevel)

	imp, err = DecodeValue(`{"history":[]}`)
	require.NoError(t, err)
	assert.True(t, imp.HasHistory)

	imp, err = DecodeValue(sampleSnapshot())
	require.NoError(t, err)
	assert.Len(t, imp.History, 4)

	_, err = DecodeValue(nil)
	assert.ErrorIs(t, err, ErrImportParse)
	_, err = DecodeValue(make(chan int))
	assert.ErrorIs(t, err, ErrImportParse)
}
