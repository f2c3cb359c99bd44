package learnsync

import (
	"context"
	"time"

	"github.com/learnhub/learnsync/internal/logger"
)

// ProgressTracker records learning progress locally and forwards it to the
// remote API, queueing when that is not possible.
type ProgressTracker struct {
	store Store
	sync  Dispatcher
	log   *logger.Logger
	now   func() time.Time
}

func NewProgressTracker(store Store, sync Dispatcher, log *logger.Logger) *ProgressTracker {
	return &ProgressTracker{
		store: store,
		sync:  sync,
		log:   logger.OrNop(log).With("component", "progress"),
		now:   time.Now,
	}
}

// UpdateProgress upserts the (userID, contentID) record. percentage is
// clamped to 0..100 and 100 marks the content completed.
func (p *ProgressTracker) UpdateProgress(ctx context.Context, userID, contentID string, percentage int) ProgressRecord {
	percentage = max(0, min(100, percentage))
	rec := ProgressRecord{
		ID:                 ProgressID(userID, contentID),
		UserID:             userID,
		ContentID:          contentID,
		ProgressPercentage: percentage,
		Completed:          percentage >= 100,
		LastAccessed:       p.now().UTC(),
	}
	putJSON(ctx, p.store, p.log, PartitionProgress, rec.ID,
		map[string]string{IndexUserID: userID, IndexContentID: contentID}, rec)
	p.sync.Dispatch(ctx, RecordProgressAction(rec))
	return rec
}

func (p *ProgressTracker) GetProgress(ctx context.Context, userID, contentID string) (*ProgressRecord, bool) {
	return getJSON[ProgressRecord](ctx, p.store, PartitionProgress, ProgressID(userID, contentID))
}

func (p *ProgressTracker) ListProgress(ctx context.Context, userID string) []ProgressRecord {
	return decodeRecords[ProgressRecord](p.store.GetByIndex(ctx, PartitionProgress, IndexUserID, userID))
}

// SubmitQuiz sends a quiz result and reports whether it reached the network
// directly; otherwise it is queued.
func (p *ProgressTracker) SubmitQuiz(ctx context.Context, sub QuizSubmission) bool {
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = p.now().UTC()
	}
	sent := p.sync.Dispatch(ctx, SubmitQuizAction(sub))
	p.log.Info("quiz submitted", "quiz_id", sub.QuizID, "user_id", sub.UserID, "sent", sent)
	return sent
}
