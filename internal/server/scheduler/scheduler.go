// Package scheduler admits conversion tasks against the credit ledger and
// drives each admitted file through the download, convert, upload pipeline
// on three shared worker pools.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/asmolin/cloudvert/internal/common"
	"github.com/asmolin/cloudvert/internal/logging"
	"github.com/asmolin/cloudvert/internal/server/convert"
	"github.com/asmolin/cloudvert/internal/server/drive"
	"github.com/asmolin/cloudvert/internal/server/estimate"
	"github.com/asmolin/cloudvert/internal/server/models"
	"github.com/asmolin/cloudvert/internal/server/progress"
)

// Ledger is the slice of the credit service the scheduler consumes.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount models.Cents, description string) (string, error)
	Commit(ctx context.Context, reservationID string) error
	Refund(ctx context.Context, reservationID string, amount models.Cents) error
}

// Options bound the worker pools and the task lifecycle.
type Options struct {
	DownloadSlots int
	ConvertSlots  int
	UploadSlots   int
	WorkDir       string
	Retention     time.Duration
}

func (o Options) withDefaults() Options {
	if o.DownloadSlots <= 0 {
		o.DownloadSlots = 3
	}
	if o.ConvertSlots <= 0 {
		o.ConvertSlots = 2
	}
	if o.UploadSlots <= 0 {
		o.UploadSlots = 3
	}
	if o.WorkDir == "" {
		o.WorkDir = os.TempDir()
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	return o
}

type taskState struct {
	task    models.ConversionTask
	tracker *progress.Tracker

	mu          sync.Mutex
	failed      int
	completedAt time.Time
}

// ConversionScheduler owns the task table and the three semaphores shared
// by every running task. Tasks live in process memory only; a restart
// forgets them, while their ledger effects persist.
type ConversionScheduler struct {
	drive     drive.Drive
	converter convert.Converter
	ledger    Ledger
	estimator *estimate.Engine
	logger    logging.Logger
	opts      Options

	downloadSem chan struct{}
	convertSem  chan struct{}
	uploadSem   chan struct{}

	mu    sync.Mutex
	tasks map[string]*taskState

	wg  sync.WaitGroup
	now func() time.Time
}

func New(d drive.Drive, c convert.Converter, l Ledger, e *estimate.Engine, logger logging.Logger, opts Options) *ConversionScheduler {
	opts = opts.withDefaults()
	return &ConversionScheduler{
		drive:       d,
		converter:   c,
		ledger:      l,
		estimator:   e,
		logger:      logger,
		opts:        opts,
		downloadSem: make(chan struct{}, opts.DownloadSlots),
		convertSem:  make(chan struct{}, opts.ConvertSlots),
		uploadSem:   make(chan struct{}, opts.UploadSlots),
		tasks:       make(map[string]*taskState),
		now:         time.Now,
	}
}

// Admit validates the selection, reserves its estimated cost and, only if
// the reservation succeeds, creates the task and launches its pipeline.
// The estimate is recomputed here from authoritative drive sizes; whatever
// cost the client showed the user has no bearing on what is reserved.
func (s *ConversionScheduler) Admit(ctx context.Context, userID, sessionID, token string, fileIDs []string) (*models.ConversionTask, error) {
	if len(fileIDs) == 0 {
		return nil, common.ErrorEmptySelection
	}

	seen := make(map[string]bool, len(fileIDs))
	items := make([]*drive.Item, 0, len(fileIDs))
	sizes := make([]int64, 0, len(fileIDs))
	for _, id := range fileIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		item, err := s.drive.Stat(ctx, token, id)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", id, err)
		}
		if item.Folder || !drive.IsConvertible(item.Name) {
			continue
		}
		items = append(items, item)
		sizes = append(sizes, item.Size)
	}
	if len(items) == 0 {
		return nil, common.ErrorEmptySelection
	}

	est := s.estimator.ForSizes(sizes)
	reservationID, err := s.ledger.Reserve(ctx, userID, est.CostCents,
		fmt.Sprintf("Conversion of %d files", len(items)))
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(items))
	names := make(map[string]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
		names[item.ID] = item.Name
	}

	task := models.ConversionTask{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		UserID:        userID,
		FileIDs:       ids,
		Estimate:      est,
		ReservationID: reservationID,
		CreatedAt:     s.now(),
	}

	st := &taskState{task: task, tracker: progress.NewTracker(task.ID, names)}
	s.mu.Lock()
	s.tasks[task.ID] = st
	s.mu.Unlock()

	s.logger.Info(ctx, "task admitted",
		"task_id", task.ID, "user_id", userID, "files", len(items), "reserved_cents", int64(est.CostCents))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(context.WithoutCancel(ctx), st, token, items)
	}()

	return &task, nil
}

// Snapshot returns the current progress view of a task.
func (s *ConversionScheduler) Snapshot(taskID string) (models.ProgressInfo, error) {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return models.ProgressInfo{}, common.ErrorNotFound
	}
	return st.tracker.Snapshot(), nil
}

// Task returns a copy of the admitted task record.
func (s *ConversionScheduler) Task(taskID string) (*models.ConversionTask, error) {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, common.ErrorNotFound
	}
	st.mu.Lock()
	cp := st.task
	st.mu.Unlock()
	return &cp, nil
}

// Wait blocks until every in-flight pipeline has drained.
func (s *ConversionScheduler) Wait() {
	s.wg.Wait()
}

func (s *ConversionScheduler) run(ctx context.Context, st *taskState, token string, items []*drive.Item) {
	st.tracker.SetPhase(models.PhaseDiscovering, fmt.Sprintf("Preparing %d selected files...", len(items)))
	st.tracker.SetPhase(models.PhaseDownloading,
		fmt.Sprintf("Starting parallel downloads for %d selected files (%s)...",
			len(items), humanize.IBytes(uint64(st.task.Estimate.TotalSizeBytes))))

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item *drive.Item) {
			defer wg.Done()
			if err := s.processFile(ctx, st, token, item); err != nil {
				st.mu.Lock()
				st.failed++
				st.mu.Unlock()
			}
		}(item)
	}
	wg.Wait()

	s.finalize(ctx, st)
}

// processFile runs one file through the pipeline. A failure at any step is
// recorded against this file only and never touches its siblings.
func (s *ConversionScheduler) processFile(ctx context.Context, st *taskState, token string, item *drive.Item) error {
	taskDir := filepath.Join(s.opts.WorkDir, st.task.ID)

	localPath, err := s.withSlot(ctx, s.downloadSem, func() (string, error) {
		st.tracker.FileProgress(item.ID, progress.OpDownload, 0)
		return s.drive.Download(ctx, token, item.ID, taskDir, func(p int) {
			st.tracker.FileProgress(item.ID, progress.OpDownload, p)
		})
	})
	if err != nil {
		s.failFile(ctx, st, item, "Download failed", err)
		return err
	}
	st.tracker.FileDone(item.ID, progress.OpDownload)
	s.logger.Debug(ctx, "file downloaded",
		"task_id", st.task.ID, "file_id", item.ID, "path", localPath)
	defer os.Remove(localPath)

	outputPath, err := s.withSlot(ctx, s.convertSem, func() (string, error) {
		st.tracker.FileProgress(item.ID, progress.OpConvert, 0)
		return s.converter.Convert(ctx, localPath, filepath.Join(taskDir, "out"), func(p int) {
			st.tracker.FileProgress(item.ID, progress.OpConvert, p)
		})
	})
	if err != nil {
		s.failFile(ctx, st, item, "Conversion failed", err)
		return err
	}
	st.tracker.FileDone(item.ID, progress.OpConvert)
	s.logger.Debug(ctx, "file converted",
		"task_id", st.task.ID, "file_id", item.ID, "path", outputPath)
	defer os.Remove(outputPath)

	_, err = s.withSlot(ctx, s.uploadSem, func() (string, error) {
		st.tracker.FileProgress(item.ID, progress.OpUpload, 0)
		return "", s.drive.Upload(ctx, token, item.ParentID, outputPath, func(p int) {
			st.tracker.FileProgress(item.ID, progress.OpUpload, p)
		})
	})
	if err != nil {
		s.failFile(ctx, st, item, "Upload failed", err)
		return err
	}
	st.tracker.FileDone(item.ID, progress.OpUpload)
	s.logger.Debug(ctx, "file uploaded",
		"task_id", st.task.ID, "file_id", item.ID)
	return nil
}

func (s *ConversionScheduler) withSlot(ctx context.Context, sem chan struct{}, fn func() (string, error)) (string, error) {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-sem }()
	return fn()
}

func (s *ConversionScheduler) failFile(ctx context.Context, st *taskState, item *drive.Item, stage string, err error) {
	s.logger.Error(ctx, "file pipeline failed",
		"task_id", st.task.ID, "file_id", item.ID, "stage", stage, "error", err)
	st.tracker.FileFailed(item.ID, fmt.Sprintf("%s: %s", stage, item.Name))
}

// finalize settles the reservation. The failed share of the reserved amount
// is refunded first (floor in integer cents), then the remainder committed,
// so reserved always equals committed plus refunded.
func (s *ConversionScheduler) finalize(ctx context.Context, st *taskState) {
	st.mu.Lock()
	failed := st.failed
	st.mu.Unlock()

	total := len(st.task.FileIDs)
	reserved := st.task.Estimate.CostCents
	refund := models.Cents(int64(reserved) * int64(failed) / int64(total))

	if refund > 0 {
		if err := s.ledger.Refund(ctx, st.task.ReservationID, refund); err != nil {
			s.logger.Error(ctx, "refund failed",
				"task_id", st.task.ID, "reservation_id", st.task.ReservationID, "error", err)
		}
	}
	if err := s.ledger.Commit(ctx, st.task.ReservationID); err != nil {
		s.logger.Error(ctx, "commit failed",
			"task_id", st.task.ID, "reservation_id", st.task.ReservationID, "error", err)
	}

	st.tracker.Complete()
	st.mu.Lock()
	st.completedAt = s.now()
	st.task.CompletedAt = st.completedAt
	st.mu.Unlock()

	os.RemoveAll(filepath.Join(s.opts.WorkDir, st.task.ID))

	s.logger.Info(ctx, "task finished",
		"task_id", st.task.ID, "failed_files", failed, "refunded_cents", int64(refund))
}

// RunRetentionSweeper drops finished tasks once their retention window has
// passed, so late pollers get a bounded grace period and the table never
// grows without limit.
func (s *ConversionScheduler) RunRetentionSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *ConversionScheduler) sweep() {
	cutoff := s.now().Add(-s.opts.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.tasks {
		st.mu.Lock()
		done := !st.completedAt.IsZero() && st.completedAt.Before(cutoff)
		st.mu.Unlock()
		if done {
			delete(s.tasks, id)
		}
	}
}
