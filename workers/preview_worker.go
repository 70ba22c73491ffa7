package workers

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/camden-git/radsync/media"
	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/realtime"
	"github.com/camden-git/radsync/repository"
)

// EventSink receives preview status events.
type EventSink interface {
	Broadcast(event realtime.Event)
}

type PreviewJob struct {
	ImageID string // catalog image id
}

type PreviewConfig struct {
	QueueSize  int
	NumWorkers int
	MaxSize    int
}

// PreviewProcessor renders previews of catalog images on a bounded pool.
// The image row itself is never touched; progress lives in image_previews.
type PreviewProcessor struct {
	JobQueue  chan PreviewJob
	store     *repository.Store
	processor *media.Processor
	events    EventSink
	maxSize   int
	logger    *zap.Logger

	Wg       sync.WaitGroup
	StopChan chan struct{}
	stopOnce sync.Once
	Pending  map[string]bool
	Mutex    sync.Mutex
}

func NewPreviewProcessor(store *repository.Store, processor *media.Processor, events EventSink, cfg PreviewConfig, logger *zap.Logger) *PreviewProcessor {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 512
	}
	proc := &PreviewProcessor{
		JobQueue:  make(chan PreviewJob, cfg.QueueSize),
		store:     store,
		processor: processor,
		events:    events,
		maxSize:   cfg.MaxSize,
		logger:    logger.Named("previews"),
		StopChan:  make(chan struct{}),
		Pending:   make(map[string]bool),
	}
	proc.Wg.Add(cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		go proc.worker(i)
	}
	proc.logger.Info("started preview workers", zap.Int("workers", cfg.NumWorkers), zap.Int("queue_size", cfg.QueueSize))
	return proc
}

func (pp *PreviewProcessor) worker(id int) {
	defer pp.Wg.Done()
	log := pp.logger.With(zap.Int("worker", id))
	for {
		select {
		case job, ok := <-pp.JobQueue:
			if !ok {
				log.Debug("job queue closed")
				return
			}
			pp.process(job)
			pp.Mutex.Lock()
			delete(pp.Pending, job.ImageID)
			pp.Mutex.Unlock()
		case <-pp.StopChan:
			log.Debug("stop signal received")
			return
		}
	}
}

func (pp *PreviewProcessor) process(job PreviewJob) {
	ctx := context.Background()
	log := pp.logger.With(zap.String("catalog_image_id", job.ImageID))

	if err := pp.store.Previews.MarkProcessing(ctx, job.ImageID); err != nil {
		log.Error("failed to mark preview processing, skipping job", zap.Error(err))
		return
	}

	img, err := pp.store.Catalog.GetImageByID(ctx, job.ImageID)
	if err != nil {
		pp.finish(ctx, job.ImageID, "", nil, models.PreviewStatusError, fmt.Errorf("catalog image lookup failed: %w", err))
		return
	}
	if !media.IsPreviewable(img.ContentType, img.Filename) {
		pp.finish(ctx, img.ID, img.ImageUID, nil, models.PreviewStatusSkipped, nil)
		return
	}

	key, err := pp.processor.GeneratePreview(ctx, img.StorageKey, img.Checksum, pp.maxSize)
	if err != nil {
		log.Warn("preview generation failed", zap.Error(err))
		pp.finish(ctx, img.ID, img.ImageUID, nil, models.PreviewStatusError, err)
		return
	}
	pp.finish(ctx, img.ID, img.ImageUID, &key, models.PreviewStatusDone, nil)
}

func (pp *PreviewProcessor) finish(ctx context.Context, imageID, imageUID string, key *string, status string, taskErr error) {
	if err := pp.store.Previews.SetResult(ctx, imageID, key, status, taskErr); err != nil {
		pp.logger.Error("failed to record preview result", zap.String("catalog_image_id", imageID), zap.Error(err))
	}
	if pp.events == nil {
		return
	}
	ev := realtime.Event{
		Type:    realtime.EventPreviewStatus,
		ImageID: imageID,
		Status:  status,
	}
	if imageUID != "" {
		ev.Extra = map[string]interface{}{"image_uid": imageUID}
	}
	if taskErr != nil {
		ev.Status = models.PreviewStatusError
		ev.Error = taskErr.Error()
	}
	pp.events.Broadcast(ev)
}

// Enqueue records a pending preview for the catalog image and queues it
// unless it is already pending. A full queue leaves the row pending for the
// next RequeueUnfinished.
func (pp *PreviewProcessor) Enqueue(imageID string) bool {
	if _, err := pp.store.Previews.Ensure(context.Background(), imageID); err != nil {
		pp.logger.Error("failed to record pending preview", zap.String("catalog_image_id", imageID), zap.Error(err))
		return false
	}
	return pp.QueueJob(PreviewJob{ImageID: imageID})
}

// QueueJob queues a job if the image is not already pending.
func (pp *PreviewProcessor) QueueJob(job PreviewJob) bool {
	pp.Mutex.Lock()
	if pp.Pending[job.ImageID] {
		pp.Mutex.Unlock()
		return false
	}
	pp.Pending[job.ImageID] = true
	pp.Mutex.Unlock()

	select {
	case pp.JobQueue <- job:
		return true
	default:
		pp.logger.Warn("preview queue full", zap.String("catalog_image_id", job.ImageID))
		pp.Mutex.Lock()
		delete(pp.Pending, job.ImageID)
		pp.Mutex.Unlock()
		return false
	}
}

// RequeueUnfinished queues previews left pending or processing by a
// previous run. Returns how many were queued.
func (pp *PreviewProcessor) RequeueUnfinished(ctx context.Context) (int, error) {
	unfinished, err := pp.store.Previews.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, p := range unfinished {
		if pp.QueueJob(PreviewJob{ImageID: p.ImageID}) {
			queued++
		}
	}
	if queued > 0 {
		pp.logger.Info("requeued unfinished previews", zap.Int("count", queued))
	}
	return queued, nil
}

func (pp *PreviewProcessor) Stop() {
	pp.stopOnce.Do(func() {
		pp.logger.Info("stopping preview workers")
		close(pp.StopChan)
		pp.Wg.Wait()
		pp.logger.Info("all preview workers stopped")
	})
}
