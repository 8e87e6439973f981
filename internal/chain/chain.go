// Package chain implements the canonical serialization and hash linking of
// the audit ledger. Each event's hash is computed as
//
//	sha256(prev_hash|actor_id|action_type|entity_type|entity_id|payload|event_time)
//
// so tampering with any stored event breaks the chain from that point
// forward. Canonicalization must stay byte-stable across re-verification:
// payloads are JSON with sorted keys and no insignificant whitespace, and
// event times use a fixed-width UTC format at microsecond precision (the
// precision that survives a timestamptz round-trip).
package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/compliance-trace/backend/internal/models"
)

// GenesisHash is the prev_hash of the first event in the ledger.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// TimeFormat is the canonical event_time layout used for hashing.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// Now returns the current UTC time truncated to the canonical precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// FormatEventTime renders a timestamp in the canonical layout.
func FormatEventTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimeFormat)
}

// CanonicalJSON returns the canonical serialization of a payload: keys
// sorted at every level, numeric literals preserved, no extra whitespace.
func CanonicalJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var norm any
	if err := dec.Decode(&norm); err != nil {
		return nil, err
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func canonicalBytes(e *models.AuditEvent) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s|%s|%s|%s|%s|%s|%s",
		e.PrevHash, e.ActorID, e.ActionType,
		e.EntityType, e.EntityID, string(e.Payload),
		FormatEventTime(e.EventTime))
	return buf.Bytes()
}

// ComputeHash recomputes the event hash from the event's stored fields,
// including its prev_hash.
func ComputeHash(e *models.AuditEvent) string {
	sum := sha256.Sum256(canonicalBytes(e))
	return hex.EncodeToString(sum[:])
}

// Seal links an event to the chain head and stamps its hash. The caller
// must hold the ledger write lock so prevHash cannot go stale.
func Seal(prevHash string, e *models.AuditEvent) {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	e.PrevHash = prevHash
	e.EventHash = ComputeHash(e)
}

// Report is the outcome of verifying a contiguous slice of the ledger.
// A broken chain is a finding, not an error.
type Report struct {
	Valid         bool    `json:"valid"`
	Checked       int     `json:"checked"`
	FirstBreakSeq *int64  `json:"first_break_seq,omitempty"`
	Gaps          []int64 `json:"gaps,omitempty"`
}

// VerifyEvents walks events in seq order, recomputing each hash and
// checking linkage to the previous event. fromSeq is the first seq the
// range was asked to cover, so rows missing from the front of the range
// show up as gaps, not just as a linkage break; fromSeq <= 0 starts the
// gap scan at the first returned row. prevHash is the event_hash of the
// event just before the range (GenesisHash when the range starts at seq 1,
// empty to skip the leading linkage check for a mid-chain range). Hash
// checking stops at the first break; gap detection still covers the whole
// range.
func VerifyEvents(events []models.AuditEvent, fromSeq int64, prevHash string) Report {
	report := Report{Valid: true, Checked: len(events)}

	lastSeq := fromSeq - 1
	if fromSeq <= 0 && len(events) > 0 {
		lastSeq = events[0].Seq - 1
	}
	for i := range events {
		e := &events[i]
		if e.Seq != lastSeq+1 {
			for missing := lastSeq + 1; missing < e.Seq; missing++ {
				report.Gaps = append(report.Gaps, missing)
			}
		}
		lastSeq = e.Seq

		if report.FirstBreakSeq != nil {
			continue
		}

		linked := true
		if i == 0 {
			if prevHash != "" && e.PrevHash != prevHash {
				linked = false
			}
		} else if e.PrevHash != events[i-1].EventHash {
			linked = false
		}

		if !linked || ComputeHash(e) != e.EventHash {
			seq := e.Seq
			report.FirstBreakSeq = &seq
		}
	}

	if report.FirstBreakSeq != nil || len(report.Gaps) > 0 {
		report.Valid = false
	}
	return report
}
