// Package packfile builds and verifies the on-disk file set of an audit
// pack: the event CSV, a manifest describing the query, and a checksums
// document over both. The checksums file is itself hashed (hash of hashes),
// so a downstream verifier can detect any byte-level change without
// re-reading the ledger.
package packfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/compliance-trace/backend/internal/chain"
	"github.com/compliance-trace/backend/internal/models"
)

// Manifest describes how a pack was produced. It is a pure function of the
// query window and its rows: pack id and generation time live only in the
// pack metadata row, so regenerating the same closed window yields the
// same manifest digest.
type Manifest struct {
	CreatedBy  string             `json:"created_by"`
	RowCount   int                `json:"row_count"`
	Filters    models.PackFilters `json:"filters"`
	Notes      *string            `json:"notes,omitempty"`
	Files      []string           `json:"files"`
	Disclaimer string             `json:"disclaimer"`
}

const disclaimer = "Audit pack for documentation and integrity checks; not a legal certification artifact."

// Result carries the digests recorded at generation time.
type Result struct {
	Dir           string
	RowCount      int
	ManifestHash  string
	ChecksumsHash string
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sha256File(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return sha256Hex(data), nil
}

// EventsCSV renders events as the stable tabular export. Payload cells
// carry the canonical JSON exactly as hashed into the chain.
func EventsCSV(events []models.AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"seq", "event_id", "event_time", "actor_id", "action_type",
		"entity_type", "entity_id", "prev_hash", "event_hash", "payload_json",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for i := range events {
		e := &events[i]
		record := []string{
			strconv.FormatInt(e.Seq, 10),
			e.EventID.String(),
			chain.FormatEventTime(e.EventTime),
			e.ActorID,
			e.ActionType,
			e.EntityType,
			e.EntityID,
			e.PrevHash,
			e.EventHash,
			string(e.Payload),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Build writes the pack files into baseDir/dirName. Files are written into
// a temp directory first and published with a single rename, so a crash
// mid-write never leaves a half-written pack visible.
func Build(baseDir, dirName string, manifest Manifest, events []models.AuditEvent) (*Result, error) {
	manifest.RowCount = len(events)
	manifest.Files = []string{models.PackFileEvents, models.PackFileManifest, models.PackFileChecksums}
	manifest.Disclaimer = disclaimer

	csvData, err := EventsCSV(events)
	if err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}

	checksums := map[string]string{
		models.PackFileEvents:   sha256Hex(csvData),
		models.PackFileManifest: sha256Hex(manifestData),
	}
	checksumsData, err := json.MarshalIndent(checksums, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render checksums: %w", err)
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	tmpDir, err := os.MkdirTemp(baseDir, ".tmp-"+dirName+"-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	files := map[string][]byte{
		models.PackFileEvents:    csvData,
		models.PackFileManifest:  manifestData,
		models.PackFileChecksums: checksumsData,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(tmpDir, name), data, 0o644); err != nil {
			return nil, err
		}
	}

	finalDir := filepath.Join(baseDir, dirName)
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return nil, err
	}

	return &Result{
		Dir:           finalDir,
		RowCount:      len(events),
		ManifestHash:  sha256Hex(manifestData),
		ChecksumsHash: sha256Hex(checksumsData),
	}, nil
}

// Verify recomputes digests from the files actually on disk and compares
// them to the values recorded at generation time. Missing files and
// content mismatches are reported separately. Never mutates the pack.
func Verify(dir, manifestHash, checksumsHash string) (missing []string, mismatches []string, err error) {
	missing = []string{}
	mismatches = []string{}

	known := []string{models.PackFileEvents, models.PackFileManifest, models.PackFileChecksums}
	for _, name := range known {
		if _, statErr := os.Stat(filepath.Join(dir, name)); statErr != nil {
			if os.IsNotExist(statErr) {
				missing = append(missing, name)
				continue
			}
			return nil, nil, statErr
		}
	}
	if len(missing) > 0 {
		return missing, mismatches, nil
	}

	checksumsPath := filepath.Join(dir, models.PackFileChecksums)
	checksumsData, err := os.ReadFile(checksumsPath)
	if err != nil {
		return nil, nil, err
	}

	var checksums map[string]string
	if err := json.Unmarshal(checksumsData, &checksums); err != nil {
		mismatches = append(mismatches, models.PackFileChecksums+": unreadable checksums document")
		return missing, mismatches, nil
	}

	// Fixed iteration order keeps the report stable for identical on-disk
	// state.
	for _, name := range []string{models.PackFileEvents, models.PackFileManifest} {
		expected, ok := checksums[name]
		if !ok {
			mismatches = append(mismatches, name+": absent from checksums document")
			continue
		}
		actual, hashErr := sha256File(filepath.Join(dir, name))
		if hashErr != nil {
			missing = append(missing, name)
			continue
		}
		if actual != expected {
			mismatches = append(mismatches, name+": hash mismatch")
		}
	}

	actualManifest, err := sha256File(filepath.Join(dir, models.PackFileManifest))
	if err != nil {
		return nil, nil, err
	}
	if actualManifest != manifestHash {
		mismatches = append(mismatches, models.PackFileManifest+": manifest_hash mismatch")
	}

	if sha256Hex(checksumsData) != checksumsHash {
		mismatches = append(mismatches, models.PackFileChecksums+": checksums_hash mismatch")
	}

	return missing, mismatches, nil
}
