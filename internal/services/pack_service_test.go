package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/compliance-trace/backend/internal/apperrors"
	"github.com/compliance-trace/backend/internal/chain"
	"github.com/compliance-trace/backend/internal/config"
	"github.com/compliance-trace/backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type fakePackSource struct {
	events []models.AuditEvent
}

func (f *fakePackSource) ListWindowAsc(context.Context, time.Time, time.Time, int) ([]models.AuditEvent, error) {
	return f.events, nil
}

type fakePackStore struct {
	mu    sync.Mutex
	packs map[uuid.UUID]*models.AuditPack
}

func newFakePackStore() *fakePackStore {
	return &fakePackStore{packs: map[uuid.UUID]*models.AuditPack{}}
}

func (f *fakePackStore) Create(_ context.Context, p *models.AuditPack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.CreatedAt = time.Now().UTC()
	cp := *p
	f.packs[p.PackID] = &cp
	return nil
}

func (f *fakePackStore) GetByID(_ context.Context, packID uuid.UUID) (*models.AuditPack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packs[packID]
	if !ok {
		return nil, apperrors.NotFoundf("audit pack %s", packID)
	}
	cp := *p
	return &cp, nil
}

func (f *fakePackStore) List(_ context.Context, limit int) ([]models.AuditPack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var packs []models.AuditPack
	for _, p := range f.packs {
		if len(packs) == limit {
			break
		}
		packs = append(packs, *p)
	}
	return packs, nil
}

func (f *fakePackStore) SetVerified(_ context.Context, packID uuid.UUID, valid bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packs[packID]
	if !ok {
		return apperrors.NotFoundf("audit pack %s", packID)
	}
	if valid {
		p.Status = models.PackStatusVerifiedOK
	} else {
		p.Status = models.PackStatusVerifiedFailed
	}
	now := time.Now().UTC()
	p.VerifiedAt = &now
	return nil
}

func (f *fakePackStore) Delete(_ context.Context, packID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.packs, packID)
	return nil
}

func (f *fakePackStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packs)
}

func windowEvents(t *testing.T, n int, base time.Time) []models.AuditEvent {
	t.Helper()
	events := make([]models.AuditEvent, 0, n)
	prev := chain.GenesisHash
	for i := 0; i < n; i++ {
		payload, err := chain.CanonicalJSON(map[string]any{"index": i})
		if err != nil {
			t.Fatalf("CanonicalJSON: %v", err)
		}
		e := models.AuditEvent{
			Seq:        int64(i + 1),
			EventID:    uuid.New(),
			ActorID:    "qa.manager",
			ActionType: models.ActionCCPAlertCreated,
			EntityType: "ccp_alert",
			EntityID:   "alert-1",
			EventTime:  base.Add(time.Duration(i) * time.Minute),
			Payload:    payload,
		}
		chain.Seal(prev, &e)
		prev = e.EventHash
		events = append(events, e)
	}
	return events
}

func newTestPackService(t *testing.T, source *fakePackSource, store *fakePackStore, audit *fakeAuditor) *PackService {
	t.Helper()
	cfg := &config.Config{PackStorageDir: t.TempDir(), PackMaxLimit: 10000}
	return NewPackService(source, store, audit, &fakePublisher{}, cfg, zap.NewNop())
}

func packWindow() (time.Time, time.Time) {
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return from, from.Add(24 * time.Hour)
}

func TestGenerateAndVerifyPack(t *testing.T) {
	from, to := packWindow()
	source := &fakePackSource{events: windowEvents(t, 3, from)}
	store := newFakePackStore()
	audit := &fakeAuditor{}
	svc := newTestPackService(t, source, store, audit)

	pack, err := svc.Generate(context.Background(), GeneratePackRequest{FromTS: &from, ToTS: &to}, "qa.manager")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if pack.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", pack.RowCount)
	}
	if store.count() != 1 {
		t.Errorf("stored packs = %d, want 1", store.count())
	}
	if !audit.has(models.ActionPackGenerated) {
		t.Errorf("audited actions = %v, want a generation entry", audit.recorded())
	}

	result, err := svc.Verify(context.Background(), pack.PackID, "qa.manager")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Valid {
		t.Errorf("fresh pack invalid: missing=%v mismatches=%v", result.MissingFiles, result.Mismatches)
	}
	got, err := store.GetByID(context.Background(), pack.PackID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != models.PackStatusVerifiedOK {
		t.Errorf("status = %q, want verified_ok", got.Status)
	}
	if !audit.has(models.ActionPackVerified) {
		t.Errorf("audited actions = %v, want a verification entry", audit.recorded())
	}
}

func TestGenerateUndoneWhenLedgerAppendFails(t *testing.T) {
	from, to := packWindow()
	source := &fakePackSource{events: windowEvents(t, 2, from)}
	store := newFakePackStore()
	audit := &fakeAuditor{failOn: models.ActionPackGenerated}
	svc := newTestPackService(t, source, store, audit)

	if _, err := svc.Generate(context.Background(), GeneratePackRequest{FromTS: &from, ToTS: &to}, "qa.manager"); err == nil {
		t.Fatal("expected error when the generation entry cannot be appended")
	}

	// No metadata row and no files may survive a generation whose ledger
	// entry failed, so a retry starts clean.
	if store.count() != 0 {
		t.Errorf("stored packs = %d, want 0 after rollback", store.count())
	}
	entries, err := os.ReadDir(filepath.Join(svc.cfg.PackStorageDir, "audit_packs"))
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("leftover pack dirs: %v", entries)
	}
}

func TestGenerateValidatesWindow(t *testing.T) {
	from, to := packWindow()
	svc := newTestPackService(t, &fakePackSource{}, newFakePackStore(), &fakeAuditor{})

	if _, err := svc.Generate(context.Background(), GeneratePackRequest{}, "qa.manager"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("missing window: err = %v, want validation error", err)
	}
	if _, err := svc.Generate(context.Background(), GeneratePackRequest{FromTS: &to, ToTS: &from}, "qa.manager"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("inverted window: err = %v, want validation error", err)
	}
}
