// Package usage appends spend facts to the usage ledger.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/wizard-runtime/internal/metrics"
	"github.com/agentoven/wizard-runtime/internal/store"
	"github.com/agentoven/wizard-runtime/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Recorder turns completed runs into UsageEvents.
type Recorder struct {
	store store.UsageStore
	now   func() time.Time
}

func NewRecorder(s store.UsageStore) *Recorder {
	return &Recorder{store: s, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record appends one event for the session. A second call for the same
// session writes nothing and reports appended=false.
func (r *Recorder) Record(ctx context.Context, sess *models.WizardSession, res *models.RunResult) (*models.UsageEvent, bool, error) {
	if sess == nil || res == nil {
		return nil, false, models.InvalidInputf("usage needs a session and a result")
	}
	ev := &models.UsageEvent{
		ID:         uuid.NewString(),
		TenantID:   sess.TenantID,
		SessionID:  sess.ID,
		CostUSD:    res.Usage.CostUSD,
		Turns:      res.Usage.Turns,
		Provider:   res.Provider,
		Model:      res.Model,
		RecordedAt: r.now().UTC(),
	}

	appended, err := r.store.AppendUsage(ctx, ev)
	if err != nil {
		return nil, false, fmt.Errorf("append usage for session %s: %w", sess.ID, err)
	}
	if !appended {
		log.Debug().Str("session", sess.ID).Msg("Usage already recorded for session")
		return ev, false, nil
	}

	metrics.CostUSD.WithLabelValues(res.Provider, res.Model).Add(res.Usage.CostUSD)
	return ev, true, nil
}
