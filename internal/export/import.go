package export

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/tabular/location-collector/internal/location"
)

var ErrImportParse = errors.New("malformed import payload")

// Import is a decoded payload. A nil field means the key was absent and
// the current value must be kept.
type Import struct {
	Settings   *location.Settings
	History    []location.Record
	ConsentLog []location.ConsentRecord

	HasHistory bool
	HasConsent bool
}

type importEnvelope struct {
	Settings   json.RawMessage `json:"settings"`
	History    json.RawMessage `json:"history"`
	ConsentLog json.RawMessage `json:"consentLog"`
}

// Decode parses a JSON snapshot. Every present key must decode for the
// payload to be accepted; nothing is partially returned on failure.
func Decode(data []byte) (*Import, error) {
	var env importEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrapf(ErrImportParse, "%v", err)
	}
	if string(data) == "null" {
		return nil, errors.Wrap(ErrImportParse, "payload is null")
	}

	out := &Import{}
	if present(env.Settings) {
		s, err := location.DecodeSettings(env.Settings)
		if err != nil {
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &typeErr) {
				return nil, errors.Wrapf(ErrImportParse, "settings: %v", err)
			}
		}
		out.Settings = &s
	}
	if present(env.History) {
		if err := json.Unmarshal(env.History, &out.History); err != nil {
			return nil, errors.Wrapf(ErrImportParse, "history: %v", err)
		}
		if out.History == nil {
			out.History = []location.Record{}
		}
		out.HasHistory = true
	}
	if present(env.ConsentLog) {
		if err := json.Unmarshal(env.ConsentLog, &out.ConsentLog); err != nil {
			return nil, errors.Wrapf(ErrImportParse, "consentLog: %v", err)
		}
		if out.ConsentLog == nil {
			out.ConsentLog = []location.ConsentRecord{}
		}
		out.HasConsent = true
	}
	return out, nil
}

// DecodeValue accepts either JSON text ([]byte or string) or an already
// parsed value such as a map or a Snapshot.
func DecodeValue(v interface{}) (*Import, error) {
	switch t := v.(type) {
	case []byte:
		return Decode(t)
	case string:
		return Decode([]byte(t))
	case json.RawMessage:
		return Decode(t)
	case nil:
		return nil, errors.Wrap(ErrImportParse, "payload is nil")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(ErrImportParse, "%v", err)
	}
	return Decode(data)
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
