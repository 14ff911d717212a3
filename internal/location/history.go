package location

import "time"

// MaxHistory caps the ledger regardless of retention.
const MaxHistory = 1000

// Ledger is the append-only, retention-bounded history of records in
// insertion order. It is not safe for concurrent use.
type Ledger struct {
	records []Record
}

func NewLedger(records []Record) *Ledger {
	l := &Ledger{}
	l.Replace(records)
	return l
}

func (l *Ledger) Append(rec Record) {
	l.records = append(l.records, rec)
	l.enforceCap()
}

func (l *Ledger) enforceCap() {
	if over := len(l.records) - MaxHistory; over > 0 {
		l.records = append(l.records[:0:0], l.records[over:]...)
	}
}

// Prune drops records collected before now minus retentionDays and returns
// how many were removed. retentionDays <= 0 disables time-based pruning.
func (l *Ledger) Prune(retentionDays int, now time.Time) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
	kept := l.records[:0]
	for _, r := range l.records {
		if !r.CollectedAt.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	removed := len(l.records) - len(kept)
	l.records = kept
	return removed
}

// All returns a copy of the ledger in insertion order.
func (l *Ledger) All() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

func (l *Ledger) Len() int { return len(l.records) }

// Replace swaps the contents wholesale, keeping only the newest MaxHistory.
func (l *Ledger) Replace(records []Record) {
	l.records = append([]Record(nil), records...)
	l.enforceCap()
}

func (l *Ledger) Clear() {
	l.records = nil
}
