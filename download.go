package learnsync

import (
	"context"
	"errors"
	"time"

	"github.com/learnhub/learnsync/internal/logger"
)

// MB is the unit of the download size estimate.
const MB int64 = 1024 * 1024

// EstimateSize returns the display size of a download. It is a fixed tariff
// by type, not a byte count: a course is 5 MB plus 2 MB per lesson and 1 MB
// per lesson carrying a quiz, a lesson 2 MB, anything else 1 MB.
func EstimateSize(rec *ContentRecord) int64 {
	switch rec.Type {
	case ContentCourse:
		size := 5 * MB
		for _, l := range rec.Lessons {
			size += 2 * MB
			if l.QuizID != "" {
				size += MB
			}
		}
		return size
	case ContentLesson:
		return 2 * MB
	default:
		return MB
	}
}

// ContentFetcher reads content from the remote API.
type ContentFetcher interface {
	FetchContent(ctx context.Context, id string) (*ContentRecord, error)
}

// Dispatcher sends a mutation now or queues it for later.
type Dispatcher interface {
	Dispatch(ctx context.Context, a QueuedAction) bool
}

// DownloadManager turns remote content into self-contained offline bundles.
type DownloadManager struct {
	store  Store
	api    ContentFetcher
	sync   Dispatcher
	net    Connectivity
	worker MessagePoster
	routes Routes
	lang   string
	assets []string
	log    *logger.Logger
	now    func() time.Time
}

// NewDownloadManager wires a manager. worker may be nil.
func NewDownloadManager(store Store, api ContentFetcher, sync Dispatcher, net Connectivity, worker MessagePoster, log *logger.Logger) *DownloadManager {
	routes := NewRoutes()
	return &DownloadManager{
		store:  store,
		api:    api,
		sync:   sync,
		net:    net,
		worker: worker,
		routes: routes,
		lang:   routes.DefaultLocale,
		log:    logger.OrNop(log).With("component", "downloads"),
		now:    time.Now,
	}
}

// WithRoutes sets the URL layout and the UI locale, plus extra asset URLs
// cached with every download.
func (d *DownloadManager) WithRoutes(routes Routes, lang string, assets ...string) *DownloadManager {
	d.routes = routes
	d.lang = lang
	d.assets = assets
	return d
}

// Download makes contentID available offline for userID and reports success.
// Downloading something already downloaded succeeds without a fetch.
func (d *DownloadManager) Download(ctx context.Context, contentID, userID string, isOfflineOnlyUser bool) bool {
	if d.IsDownloaded(ctx, contentID) {
		d.log.Debug("already downloaded", "content_id", contentID)
		return true
	}
	rec, err := d.api.FetchContent(ctx, contentID)
	if err != nil {
		d.log.Warn("download fetch failed", "content_id", contentID, "error", err)
		return false
	}
	size := EstimateSize(rec)
	d.saveContent(ctx, rec)

	urls := d.routes.DownloadURLs(rec, d.assets...)
	if rec.Type == ContentCourse {
		for _, lesson := range rec.Lessons {
			child := d.downloadChild(ctx, lesson.ID, userID)
			if child == nil {
				continue
			}
			urls = append(urls, d.routes.DownloadURLs(child)...)
			quizID := lesson.QuizID
			if quizID == "" {
				quizID = child.QuizID
			}
			if quizID == "" {
				continue
			}
			if quiz := d.downloadChild(ctx, quizID, userID); quiz != nil {
				urls = append(urls, d.routes.DownloadURLs(quiz)...)
			}
		}
	}
	d.saveDownload(ctx, rec, userID, size)

	if !isOfflineOnlyUser {
		d.sync.Dispatch(ctx, RecordDownloadAction(userID, contentID, size))
	}
	d.post(ctx, CacheDownloadContent{Key: DownloadID(userID, contentID), Lang: d.lang, URLs: urls})
	d.log.Info("download complete", "content_id", contentID, "user_id", userID, "size", size)
	return true
}

func (d *DownloadManager) downloadChild(ctx context.Context, id, userID string) *ContentRecord {
	rec, err := d.api.FetchContent(ctx, id)
	if errors.Is(err, ErrNotFound) {
		d.log.Info("child no longer exists, skipping", "content_id", id)
		return nil
	}
	if err != nil {
		d.log.Warn("child fetch failed, skipping", "content_id", id, "error", err)
		return nil
	}
	d.saveContent(ctx, rec)
	if !d.IsDownloaded(ctx, rec.ID) {
		d.saveDownload(ctx, rec, userID, EstimateSize(rec))
	}
	return rec
}

func (d *DownloadManager) saveContent(ctx context.Context, rec *ContentRecord) {
	putJSON(ctx, d.store, d.log, PartitionContent, rec.ID, nil, rec)
}

func (d *DownloadManager) saveDownload(ctx context.Context, rec *ContentRecord, userID string, size int64) {
	dl := DownloadRecord{
		ID:           DownloadID(userID, rec.ID),
		ContentID:    rec.ID,
		UserID:       userID,
		DownloadedAt: d.now().UTC(),
		SizeBytes:    size,
		Content:      rec,
	}
	putJSON(ctx, d.store, d.log, PartitionDownloads, dl.ID,
		map[string]string{IndexContentID: rec.ID, IndexUserID: userID}, dl)
}

func (d *DownloadManager) post(ctx context.Context, m Message) {
	if d.worker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, workerNotifyTimeout)
	defer cancel()
	if _, err := d.worker.Post(ctx, m); err != nil {
		d.log.Warn("worker message failed", "type", m.Kind(), "error", err)
	}
}

// RemoveDownload deletes one download and tells the remote API.
func (d *DownloadManager) RemoveDownload(ctx context.Context, contentID, userID string) bool {
	id := DownloadID(userID, contentID)
	if _, ok := d.store.Get(ctx, PartitionDownloads, id); !ok {
		return false
	}
	d.store.Delete(ctx, PartitionDownloads, id)
	d.sync.Dispatch(ctx, RemoveDownloadAction(userID, contentID))
	d.log.Info("download removed", "content_id", contentID, "user_id", userID)
	return true
}

// ClearAllDownloads removes every download of userID. It refuses to run
// offline and returns ErrClearRequiresOnline without touching anything.
func (d *DownloadManager) ClearAllDownloads(ctx context.Context, userID string) error {
	if d.net != nil && !d.net.IsOnline() {
		return ErrClearRequiresOnline
	}
	recs := d.store.GetByIndex(ctx, PartitionDownloads, IndexUserID, userID)
	for _, r := range recs {
		d.store.Delete(ctx, PartitionDownloads, r.ID)
	}
	d.post(ctx, DownloadsCleared{})
	d.sync.Dispatch(ctx, ClearDownloadsAction(userID))
	d.log.Info("downloads cleared", "user_id", userID, "count", len(recs))
	return nil
}

// ============================================================================
// Queries
// ============================================================================

func (d *DownloadManager) IsDownloaded(ctx context.Context, contentID string) bool {
	return len(d.store.GetByIndex(ctx, PartitionDownloads, IndexContentID, contentID)) > 0
}

func (d *DownloadManager) ListDownloads(ctx context.Context, userID string) []DownloadRecord {
	return decodeRecords[DownloadRecord](d.store.GetByIndex(ctx, PartitionDownloads, IndexUserID, userID))
}

// TotalSize sums the estimated size of userID's downloads.
func (d *DownloadManager) TotalSize(ctx context.Context, userID string) int64 {
	var total int64
	for _, dl := range d.ListDownloads(ctx, userID) {
		total += dl.SizeBytes
	}
	return total
}

func (d *DownloadManager) Count(ctx context.Context) int {
	return d.store.Count(ctx, PartitionDownloads)
}

// GetContent returns the local snapshot of a content item.
func (d *DownloadManager) GetContent(ctx context.Context, id string) (*ContentRecord, bool) {
	return getJSON[ContentRecord](ctx, d.store, PartitionContent, id)
}
