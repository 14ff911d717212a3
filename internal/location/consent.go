package location

import "time"

// IPAddressPlaceholder stands in for the client address, which the
// collector never resolves.
const IPAddressPlaceholder = "client-side"

// ConsentLog is the append-only audit trail of settings changes.
type ConsentLog struct {
	records   []ConsentRecord
	userAgent string
}

func NewConsentLog(userAgent string, records []ConsentRecord) *ConsentLog {
	return &ConsentLog{userAgent: userAgent, records: append([]ConsentRecord(nil), records...)}
}

// Record appends an entry for a settings update. changeType follows only
// the resulting collectionEnabled value, not which fields changed. The
// snapshot is a copy of delta.
func (c *ConsentLog) Record(delta SettingsPatch, collectionEnabled bool, now time.Time) ConsentRecord {
	ct := ChangeRevoked
	if collectionEnabled {
		ct = ChangeGranted
	}
	rec := ConsentRecord{
		Timestamp:        now.UTC(),
		SettingsSnapshot: delta.Clone(),
		ChangeType:       ct,
		UserAgent:        c.userAgent,
		IPAddress:        IPAddressPlaceholder,
	}
	c.records = append(c.records, rec)
	return rec
}

func (c *ConsentLog) All() []ConsentRecord {
	out := make([]ConsentRecord, len(c.records))
	copy(out, c.records)
	return out
}

func (c *ConsentLog) Len() int { return len(c.records) }

func (c *ConsentLog) Replace(records []ConsentRecord) {
	c.records = append([]ConsentRecord(nil), records...)
}

func (c *ConsentLog) Clear() {
	c.records = nil
}
