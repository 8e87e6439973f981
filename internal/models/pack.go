package models

import (
	"time"

	"github.com/google/uuid"
)

// Pack statuses. Files are immutable once generated; verification only
// annotates the row.
const (
	PackStatusGenerated      = "generated"
	PackStatusVerifiedOK     = "verified_ok"
	PackStatusVerifiedFailed = "verified_failed"
)

// Pack file names. Downloads are restricted to exactly this set.
const (
	PackFileEvents    = "audit_events.csv"
	PackFileManifest  = "manifest.json"
	PackFileChecksums = "checksums.json"
)

// PackFilters is the query window recorded in the manifest. The same
// filters over a closed historical window always select the same rows.
type PackFilters struct {
	FromTS *time.Time `json:"from_ts,omitempty"`
	ToTS   *time.Time `json:"to_ts,omitempty"`
	Limit  int        `json:"limit"`
}

type AuditPack struct {
	PackID        uuid.UUID   `json:"pack_id"`
	CreatedAt     time.Time   `json:"created_at"`
	CreatedBy     string      `json:"created_by"`
	Status        string      `json:"status"`
	Filters       PackFilters `json:"filters"`
	RowCount      int         `json:"row_count"`
	StorageDir    string      `json:"storage_dir"`
	ManifestHash  string      `json:"manifest_hash"`
	ChecksumsHash string      `json:"checksums_hash"`
	Notes         *string     `json:"notes,omitempty"`
	VerifiedAt    *time.Time  `json:"verified_at,omitempty"`
}

// PackVerifyResult reports pack integrity. Missing files and content
// mismatches are distinct: one needs a restore, the other an investigation.
type PackVerifyResult struct {
	PackID       uuid.UUID `json:"pack_id"`
	Valid        bool      `json:"valid"`
	MissingFiles []string  `json:"missing_files"`
	Mismatches   []string  `json:"mismatches"`
	VerifiedBy   string    `json:"verified_by"`
	VerifiedAt   time.Time `json:"verified_at"`
}
