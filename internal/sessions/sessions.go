// Package sessions drives the lifecycle of wizard sessions: every session is
// opened as running and finished exactly once as completed or failed.
package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/wizard-runtime/internal/store"
	"github.com/agentoven/wizard-runtime/pkg/models"
	"github.com/google/uuid"
)

// ExcerptLimit caps the stored output excerpt, in runes.
const ExcerptLimit = 500

// Tracker writes session state transitions to a SessionStore.
type Tracker struct {
	store store.SessionStore
	now   func() time.Time
}

func NewTracker(s store.SessionStore) *Tracker {
	return &Tracker{store: s, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// OpenParams identifies who is running which wizard.
type OpenParams struct {
	TenantID          string
	UserID            string
	WizardID          string
	Channel           models.Channel
	ExternalSessionID string
}

// Open persists a new running session.
func (t *Tracker) Open(ctx context.Context, p OpenParams) (*models.WizardSession, error) {
	if p.TenantID == "" || p.WizardID == "" {
		return nil, models.InvalidInputf("session needs tenant and wizard ids")
	}
	sess := &models.WizardSession{
		ID:                uuid.NewString(),
		TenantID:          p.TenantID,
		UserID:            p.UserID,
		WizardID:          p.WizardID,
		Channel:           p.Channel,
		ExternalSessionID: p.ExternalSessionID,
		Status:            models.SessionRunning,
		StartedAt:         t.now().UTC(),
	}
	if err := t.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Complete records a successful run.
func (t *Tracker) Complete(ctx context.Context, sess *models.WizardSession, res *models.RunResult) (*models.WizardSession, error) {
	return t.finish(ctx, sess, models.SessionOutcome{
		Status:        models.SessionCompleted,
		TotalCostUSD:  res.Usage.CostUSD,
		Turns:         res.Usage.Turns,
		OutputExcerpt: models.Truncate(res.Text, ExcerptLimit),
	})
}

// Fail records a failed run. Failed sessions carry no cost or turns.
func (t *Tracker) Fail(ctx context.Context, sess *models.WizardSession, cause error) (*models.WizardSession, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.finish(ctx, sess, models.SessionOutcome{
		Status: models.SessionFailed,
		Error:  models.Truncate(msg, ExcerptLimit),
	})
}

func (t *Tracker) finish(ctx context.Context, sess *models.WizardSession, outcome models.SessionOutcome) (*models.WizardSession, error) {
	ended := t.now().UTC()
	if ended.Before(sess.StartedAt) {
		ended = sess.StartedAt
	}
	outcome.EndedAt = ended

	updated, err := t.store.FinishSession(ctx, sess.ID, outcome)
	if err != nil {
		return nil, fmt.Errorf("finish session %s as %s: %w", sess.ID, outcome.Status, err)
	}
	return updated, nil
}
