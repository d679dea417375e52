// Package status stores the readiness record of each request key.
package status

import (
	"context"
	"time"

	"github.com/feichai0017/document-context/internal/models"
)

const DefaultTTL = 24 * time.Hour

// Tracker is the readiness store. Get yields a missing status for unknown
// keys; an error means the backend itself failed.
type Tracker interface {
	Begin(ctx context.Context, key, documentID, contentHash string) error
	Progress(ctx context.Context, key string, parts, pages int) error
	Complete(ctx context.Context, key string, parts, pages int) error
	Fail(ctx context.Context, key string, cause *models.IngestError) error
	Get(ctx context.Context, key string) (models.ReadinessStatus, error)
	Delete(ctx context.Context, key string) error
}

type update struct {
	begin       bool
	documentID  string
	contentHash string
	state       models.ReadinessState
	parts       int
	pages       int
	cause       *models.IngestError
}

// apply computes the next record. Counters never go down and terminal
// states only change on Begin. ok is false when nothing changes.
func apply(cur models.ReadinessStatus, found bool, u update, now time.Time) (models.ReadinessStatus, bool) {
	if u.begin {
		return models.ReadinessStatus{
			Key:         cur.Key,
			Status:      models.StateProcessing,
			DocumentID:  u.documentID,
			ContentHash: u.contentHash,
			UpdatedAt:   now,
		}, true
	}
	if !found {
		cur.Status = models.StateProcessing
	}
	if cur.Status.Terminal() {
		return cur, false
	}

	next := cur
	next.PartsIndexed = max(cur.PartsIndexed, u.parts)
	next.PagesIndexed = max(cur.PagesIndexed, u.pages)
	if u.state != "" {
		next.Status = u.state
	}
	if u.cause != nil {
		next.Error = u.cause
	}
	next.UpdatedAt = now
	return next, true
}
