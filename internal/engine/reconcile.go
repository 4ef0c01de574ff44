package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/tierkeeper/internal/model"
)

// Discrepancy is a tier object that disagrees with its envelope.
type Discrepancy struct {
	TierID   string `json:"tier_id" yaml:"tier_id"`
	RecordID string `json:"record_id" yaml:"record_id"`
	Reason   string `json:"reason" yaml:"reason"`
	Removed  bool   `json:"removed,omitempty" yaml:"removed,omitempty"`
}

// ReconcileReport lists what a reconcile pass found.
type ReconcileReport struct {
	Checked int           `json:"checked" yaml:"checked"`
	Orphans []Discrepancy `json:"orphans,omitempty" yaml:"orphans,omitempty"`
	Missing []Discrepancy `json:"missing,omitempty" yaml:"missing,omitempty"`
}

// Reconcile walks every tier's objects and compares them with the
// envelopes. Objects in a tier the envelope does not name are orphans,
// typically left by a failed source cleanup; with fix they are deleted.
// Envelopes whose tier lacks the object are reported as missing and never
// touched. Records with an in-flight job are skipped.
func (e *Engine) Reconcile(ctx context.Context, fix bool) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	present := make(map[string]map[string]bool)

	for _, t := range e.Tiers.List() {
		s, err := e.Tiers.Store(t.ID)
		if err != nil {
			return nil, err
		}
		ids := make(map[string]bool)
		present[t.ID] = ids

		// Collect first: the store iterator and the state database must not
		// be interleaved on backends that hold a transaction open.
		var objects []model.Envelope
		for env, err := range s.ListSince(ctx, time.Time{}) {
			if err != nil {
				return nil, fmt.Errorf("list tier %s: %w", t.ID, err)
			}
			objects = append(objects, env)
		}

		for _, obj := range objects {
			report.Checked++
			ids[obj.RecordID] = true

			env, err := e.DB.GetEnvelope(ctx, obj.RecordID)
			if err != nil {
				return nil, err
			}
			var reason string
			switch {
			case env == nil:
				reason = "no envelope"
			case env.Deleted():
				reason = "record deleted"
			case env.CurrentTierID != t.ID:
				reason = "envelope points at " + env.CurrentTierID
			default:
				continue
			}

			active, err := e.DB.ActiveJob(ctx, obj.RecordID)
			if err != nil {
				return nil, err
			}
			if active != nil {
				continue
			}

			d := Discrepancy{TierID: t.ID, RecordID: obj.RecordID, Reason: reason}
			if fix {
				if err := s.Delete(ctx, obj.RecordID); err != nil {
					e.log.Warn("remove orphan failed", zap.String("tier", t.ID), zap.String("record", obj.RecordID), zap.Error(err))
				} else {
					d.Removed = true
				}
			}
			report.Orphans = append(report.Orphans, d)
		}
	}

	afterID := ""
	for {
		page, err := e.DB.ListEnvelopes(ctx, afterID, 500)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].RecordID
		for _, env := range page {
			ids, ok := present[env.CurrentTierID]
			if !ok || ids[env.RecordID] {
				continue
			}
			report.Missing = append(report.Missing, Discrepancy{
				TierID:   env.CurrentTierID,
				RecordID: env.RecordID,
				Reason:   "content missing from tier",
			})
		}
	}

	e.log.Info("reconcile finished",
		zap.Int("checked", report.Checked),
		zap.Int("orphans", len(report.Orphans)),
		zap.Int("missing", len(report.Missing)),
		zap.Bool("fix", fix))
	return report, nil
}
