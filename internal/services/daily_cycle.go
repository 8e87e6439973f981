package services

import (
	"context"
	"time"

	"github.com/compliance-trace/backend/internal/models"
)

// DailyCycleSteps builds the standard daily cycle body: an integrity sweep
// over the last day of the ledger followed by a durable export pack for
// the previous UTC day. Additional domain steps are registered by callers
// alongside these.
func DailyCycleSteps(audit *AuditService, packs *PackService, actorID string) []Step {
	return []Step{
		{
			Name: "chain_integrity_sweep",
			Run: func(ctx context.Context) (map[string]any, error) {
				report, err := audit.VerifyChainSince(ctx, time.Now().UTC().Add(-24*time.Hour))
				if err != nil {
					return nil, err
				}

				// A broken chain is a finding to record, not a reason to
				// abort the cycle.
				result := map[string]any{
					"valid":   report.Valid,
					"checked": report.Checked,
				}
				if report.FirstBreakSeq != nil {
					result["first_break_seq"] = *report.FirstBreakSeq
				}
				if len(report.Gaps) > 0 {
					result["gaps"] = report.Gaps
				}

				if _, err := audit.Append(ctx, actorID, models.ActionChainVerified, "audit_chain", "daily_sweep", result); err != nil {
					return nil, err
				}
				return result, nil
			},
		},
		{
			Name: "daily_export_pack",
			Run: func(ctx context.Context) (map[string]any, error) {
				today := time.Now().UTC().Truncate(24 * time.Hour)
				yesterday := today.Add(-24 * time.Hour)

				pack, err := packs.Generate(ctx, GeneratePackRequest{
					FromTS: &yesterday,
					ToTS:   &today,
					Limit:  1000,
				}, actorID)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"pack_id":        pack.PackID.String(),
					"row_count":      pack.RowCount,
					"checksums_hash": pack.ChecksumsHash,
				}, nil
			},
		},
	}
}
