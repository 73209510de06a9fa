package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asmolin/cloudvert/internal/common"
	"github.com/asmolin/cloudvert/internal/logging"
	"github.com/asmolin/cloudvert/internal/server/convert"
	"github.com/asmolin/cloudvert/internal/server/drive"
	"github.com/asmolin/cloudvert/internal/server/estimate"
	"github.com/asmolin/cloudvert/internal/server/models"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, args ...any) {}
func (nopLogger) Info(ctx context.Context, msg string, args ...any)  {}
func (nopLogger) Warn(ctx context.Context, msg string, args ...any)  {}
func (nopLogger) Error(ctx context.Context, msg string, args ...any) {}
func (l nopLogger) With(args ...any) logging.Logger                  { return l }

type fakeDrive struct {
	items       map[string]*drive.Item
	failUploads map[string]bool

	mu      sync.Mutex
	uploads []string
}

func (d *fakeDrive) Stat(ctx context.Context, token, itemID string) (*drive.Item, error) {
	item, ok := d.items[itemID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return item, nil
}

func (d *fakeDrive) List(ctx context.Context, token, itemID string) ([]drive.Item, error) {
	return nil, nil
}

func (d *fakeDrive) ItemByPath(ctx context.Context, token, path string) (*drive.Item, error) {
	return nil, common.ErrorNotFound
}

func (d *fakeDrive) Download(ctx context.Context, token, itemID, destDir string, onProgress drive.ProgressFunc) (string, error) {
	item := d.items[itemID]
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(destDir, item.Name)
	if err := os.WriteFile(path, []byte("vob"), 0o644); err != nil {
		return "", err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return path, nil
}

func (d *fakeDrive) Upload(ctx context.Context, token, parentID, localPath string, onProgress drive.ProgressFunc) error {
	base := filepath.Base(localPath)
	if d.failUploads[base] {
		return errors.New("upload broke")
	}
	d.mu.Lock()
	d.uploads = append(d.uploads, base)
	d.mu.Unlock()
	return nil
}

type fakeConverter struct {
	fail map[string]bool

	running atomic.Int32
	peak    atomic.Int32
}

func (c *fakeConverter) Convert(ctx context.Context, inputPath, outputDir string, onProgress convert.ProgressFunc) (string, error) {
	n := c.running.Add(1)
	defer c.running.Add(-1)
	for {
		old := c.peak.Load()
		if n <= old || c.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	base := filepath.Base(inputPath)
	if c.fail[base] {
		return "", errors.New("encode broke")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	out := filepath.Join(outputDir, base+".mp4")
	if err := os.WriteFile(out, []byte("mp4"), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

type fakeLedger struct {
	mu           sync.Mutex
	reserveErr   error
	reserved     models.Cents
	refunded     models.Cents
	committed    bool
	refundCalls  int
	commitCalls  int
	reservations int
}

func (l *fakeLedger) Reserve(ctx context.Context, userID string, amount models.Cents, description string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserveErr != nil {
		return "", l.reserveErr
	}
	l.reservations++
	l.reserved = amount
	return "res1", nil
}

func (l *fakeLedger) Commit(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commitCalls++
	l.committed = true
	return nil
}

func (l *fakeLedger) Refund(ctx context.Context, reservationID string, amount models.Cents) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refundCalls++
	l.refunded += amount
	return nil
}

func vobItems(n int, size int64) map[string]*drive.Item {
	items := make(map[string]*drive.Item, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("f%d", i)
		items[id] = &drive.Item{ID: id, Name: fmt.Sprintf("VTS_%02d.VOB", i), ParentID: "p1", Size: size}
	}
	return items
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("f%d", i+1)
	}
	return out
}

func newTestScheduler(t *testing.T, d *fakeDrive, c *fakeConverter, l *fakeLedger, opts Options) *ConversionScheduler {
	t.Helper()
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	// 1 GB costs 1 cent so tiny test sizes stay meaningful.
	return New(d, c, l, estimate.New(models.Cents(1), 150), nopLogger{}, opts)
}

func TestAdmitEmptySelection(t *testing.T) {
	s := newTestScheduler(t, &fakeDrive{}, &fakeConverter{}, &fakeLedger{}, Options{})

	_, err := s.Admit(context.Background(), "u1", "sess", "tok", nil)
	require.ErrorIs(t, err, common.ErrorEmptySelection)
}

func TestAdmitInsufficientCredits(t *testing.T) {
	d := &fakeDrive{items: vobItems(2, 1 << 30)}
	l := &fakeLedger{reserveErr: common.ErrorInsufficientCredits}
	s := newTestScheduler(t, d, &fakeConverter{}, l, Options{})

	_, err := s.Admit(context.Background(), "u1", "sess", "tok", ids(2))
	require.ErrorIs(t, err, common.ErrorInsufficientCredits)

	// No task record may exist after a failed admission.
	s.mu.Lock()
	require.Empty(t, s.tasks)
	s.mu.Unlock()
}

func TestAdmitUsesAuthoritativeSizes(t *testing.T) {
	d := &fakeDrive{items: vobItems(3, 1 << 30)}
	l := &fakeLedger{}
	s := newTestScheduler(t, d, &fakeConverter{}, l, Options{})

	task, err := s.Admit(context.Background(), "u1", "sess", "tok", ids(3))
	require.NoError(t, err)
	s.Wait()

	require.Equal(t, models.Cents(3), task.Estimate.CostCents)
	require.Equal(t, models.Cents(3), l.reserved)
}

func TestAllFilesSucceed(t *testing.T) {
	d := &fakeDrive{items: vobItems(2, 1 << 30)}
	l := &fakeLedger{}
	s := newTestScheduler(t, d, &fakeConverter{}, l, Options{})

	task, err := s.Admit(context.Background(), "u1", "sess", "tok", ids(2))
	require.NoError(t, err)
	s.Wait()

	info, err := s.Snapshot(task.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, info.CurrentPhase)
	require.Equal(t, 100, info.OverallProgress)
	require.Len(t, info.CompletedUploads, 2)
	require.Empty(t, info.FailedFiles)

	require.True(t, l.committed)
	require.Zero(t, l.refunded)
	require.Len(t, d.uploads, 2)
}

func TestOneFailingFileGetsProportionalRefund(t *testing.T) {
	d := &fakeDrive{items: vobItems(4, 1 << 30)}
	c := &fakeConverter{fail: map[string]bool{"VTS_02.VOB": true}}
	l := &fakeLedger{}
	s := newTestScheduler(t, d, c, l, Options{})

	task, err := s.Admit(context.Background(), "u1", "sess", "tok", ids(4))
	require.NoError(t, err)
	s.Wait()

	info, err := s.Snapshot(task.ID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseCompleted, info.CurrentPhase)
	require.Len(t, info.CompletedUploads, 3)
	require.Equal(t, []string{"Conversion failed: VTS_02.VOB"}, info.FailedFiles)

	// 4 GB reserved, 1 of 4 files failed: a quarter comes back.
	require.Equal(t, models.Cents(4), l.reserved)
	require.Equal(t, models.Cents(1), l.refunded)
	require.Equal(t, 1, l.refundCalls)
	require.True(t, l.committed)
}

func TestRefundFloorsInIntegerCents(t *testing.T) {
	d := &fakeDrive{items: vobItems(3, 1 << 30)}
	c := &fakeConverter{fail: map[string]bool{"VTS_01.VOB": true}}
	l := &fakeLedger{}
	s := newTestScheduler(t, d, c, l, Options{})

	_, err := s.Admit(context.Background(), "u1", "sess", "tok", ids(3))
	require.NoError(t, err)
	s.Wait()

	// floor(3 * 1/3) = 1
	require.Equal(t, models.Cents(1), l.refunded)
}

func TestConvertPoolBound(t *testing.T) {
	d := &fakeDrive{items: vobItems(6, 1 << 30)}
	c := &fakeConverter{}
	s := newTestScheduler(t, d, c, &fakeLedger{}, Options{ConvertSlots: 2, DownloadSlots: 6, UploadSlots: 6})

	_, err := s.Admit(context.Background(), "u1", "sess", "tok", ids(6))
	require.NoError(t, err)
	s.Wait()

	require.LessOrEqual(t, c.peak.Load(), int32(2))
}

func TestSnapshotUnknownTask(t *testing.T) {
	s := newTestScheduler(t, &fakeDrive{}, &fakeConverter{}, &fakeLedger{}, Options{})

	_, err := s.Snapshot("missing")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestTaskRecord(t *testing.T) {
	d := &fakeDrive{items: vobItems(2, 1 << 30)}
	s := newTestScheduler(t, d, &fakeConverter{}, &fakeLedger{}, Options{})

	admitted, err := s.Admit(context.Background(), "u1", "sess", "tok", ids(2))
	require.NoError(t, err)

	got, err := s.Task(admitted.ID)
	require.NoError(t, err)
	require.Equal(t, admitted.ID, got.ID)
	require.Equal(t, "u1", got.UserID)
	require.ElementsMatch(t, ids(2), got.FileIDs)

	s.Wait()

	got, err = s.Task(admitted.ID)
	require.NoError(t, err)
	require.False(t, got.CompletedAt.IsZero())

	_, err = s.Task("missing")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRetentionSweep(t *testing.T) {
	d := &fakeDrive{items: vobItems(1, 1 << 30)}
	s := newTestScheduler(t, d, &fakeConverter{}, &fakeLedger{}, Options{Retention: time.Hour})

	task, err := s.Admit(context.Background(), "u1", "sess", "tok", ids(1))
	require.NoError(t, err)
	s.Wait()

	s.sweep()
	_, err = s.Snapshot(task.ID)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	s.sweep()
	_, err = s.Snapshot(task.ID)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestDuplicateSelectionEntriesCollapse(t *testing.T) {
	d := &fakeDrive{items: vobItems(1, 1 << 30)}
	l := &fakeLedger{}
	s := newTestScheduler(t, d, &fakeConverter{}, l, Options{})

	task, err := s.Admit(context.Background(), "u1", "sess", "tok", []string{"f1", "f1", "f1"})
	require.NoError(t, err)
	s.Wait()

	require.Equal(t, []string{"f1"}, task.FileIDs)
	require.Equal(t, models.Cents(1), l.reserved)
}
