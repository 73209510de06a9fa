// Package progress aggregates per-file pipeline events into the single
// coherent snapshot a polling client sees. Snapshots are value copies; the
// tracker itself is safe for concurrent use by workers and pollers.
package progress

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asmolin/cloudvert/internal/server/models"
)

// Op names one step of the per-file pipeline.
type Op string

const (
	OpDownload Op = "download"
	OpConvert  Op = "convert"
	OpUpload   Op = "upload"
)

// phaseOrder backs the forward-only task phase. A derived phase below the
// one already reported is ignored.
var phaseOrder = map[models.TaskPhase]int{
	models.PhaseInitializing: 0,
	models.PhaseDiscovering:  1,
	models.PhaseDownloading:  2,
	models.PhaseConverting:   3,
	models.PhaseUploading:    4,
	models.PhaseCompleted:    5,
}

// Weights of each reported stage in overall percent.
const (
	weightDiscovery = 5
	weightDownload  = 30
	weightConvert   = 40
	weightUpload    = 25
)

// Tracker holds the progress state of one conversion task. Keys of the
// active maps and entries of the completed lists are file ids, never
// filenames, so identically named files stay distinct.
type Tracker struct {
	mu sync.Mutex

	taskID     string
	totalFiles int
	names      map[string]string

	phase        models.TaskPhase
	details      string
	lastOverall  int
	startTime    time.Time
	phaseStart   time.Time
	now          func() time.Time

	active    map[Op]map[string]int
	completed map[Op][]string
	failed    []string
}

// NewTracker starts tracking a task over the given id -> display-name set.
func NewTracker(taskID string, files map[string]string) *Tracker {
	names := make(map[string]string, len(files))
	for id, name := range files {
		names[id] = name
	}

	t := &Tracker{
		taskID:     taskID,
		totalFiles: len(files),
		names:      names,
		phase:      models.PhaseInitializing,
		now:        time.Now,
		active: map[Op]map[string]int{
			OpDownload: {},
			OpConvert:  {},
			OpUpload:   {},
		},
		completed: map[Op][]string{
			OpDownload: {},
			OpConvert:  {},
			OpUpload:   {},
		},
	}
	t.startTime = t.now()
	t.phaseStart = t.startTime
	return t
}

// SetPhase advances the reported phase; moves backward are ignored.
func (t *Tracker) SetPhase(phase models.TaskPhase, details string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if phaseOrder[phase] > phaseOrder[t.phase] {
		t.phase = phase
		t.phaseStart = t.now()
	}
	if details != "" {
		t.details = details
	}
}

func (t *Tracker) SetDetails(details string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.details = details
}

// FileProgress records percent progress of one pipeline step for one file,
// and advances the task phase when a file enters a later step than the one
// currently reported.
func (t *Tracker) FileProgress(fileID string, op Op, percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.active[op][fileID] = percent

	if phase := opPhase(op); phaseOrder[phase] > phaseOrder[t.phase] {
		t.phase = phase
		t.phaseStart = t.now()
	}
}

// FileDone marks one step of one file finished. Marking the same step twice
// is harmless.
func (t *Tracker) FileDone(fileID string, op Op) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.active[op], fileID)
	for _, id := range t.completed[op] {
		if id == fileID {
			return
		}
	}
	t.completed[op] = append(t.completed[op], fileID)
}

// FileFailed detaches the file from every active map and records the
// failure reason. The file never appears in any completed list afterwards.
func (t *Tracker) FileFailed(fileID string, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, op := range []Op{OpDownload, OpConvert, OpUpload} {
		delete(t.active[op], fileID)
	}
	t.failed = append(t.failed, reason)
}

// Complete moves the task to its terminal reported state.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()

	succeeded := len(t.completed[OpUpload])
	t.phase = models.PhaseCompleted
	t.details = fmt.Sprintf("Processing complete! %d files successful, %d failed.", succeeded, len(t.failed))
	t.lastOverall = 100
}

// Snapshot assembles the client-facing view. Consecutive snapshots never
// report a lower overall percent and never shrink the completed lists.
func (t *Tracker) Snapshot() models.ProgressInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	phaseProgress := t.phaseProgress()
	overall := t.overall(phaseProgress)
	if overall < t.lastOverall {
		overall = t.lastOverall
	}
	t.lastOverall = overall

	info := models.ProgressInfo{
		TaskID:          t.taskID,
		OverallProgress: overall,
		CurrentPhase:    t.phase,
		PhaseProgress:   phaseProgress,
		CurrentFile:     t.currentFile(),
		FilesCompleted:  len(t.completed[t.phaseOp()]),
		TotalFiles:      t.totalFiles,
		Details:         t.details,

		ActiveDownloads:   copyMap(t.active[OpDownload]),
		ActiveConversions: copyMap(t.active[OpConvert]),
		ActiveUploads:     copyMap(t.active[OpUpload]),

		CompletedDownloads:   copySlice(t.completed[OpDownload]),
		CompletedConversions: copySlice(t.completed[OpConvert]),
		CompletedUploads:     copySlice(t.completed[OpUpload]),
		FailedFiles:          copySlice(t.failed),
	}
	info.EstimatedPhaseTimeRemaining = t.phaseETA(phaseProgress)
	info.EstimatedTimeRemaining = t.totalETA(overall, info.EstimatedPhaseTimeRemaining)
	return info
}

func opPhase(op Op) models.TaskPhase {
	switch op {
	case OpConvert:
		return models.PhaseConverting
	case OpUpload:
		return models.PhaseUploading
	default:
		return models.PhaseDownloading
	}
}

func (t *Tracker) phaseOp() Op {
	switch t.phase {
	case models.PhaseConverting:
		return OpConvert
	case models.PhaseUploading, models.PhaseCompleted:
		return OpUpload
	default:
		return OpDownload
	}
}

// phaseProgress averages active file percents on top of the completed count
// for the current phase.
func (t *Tracker) phaseProgress() int {
	if t.phase == models.PhaseCompleted {
		return 100
	}
	if t.totalFiles == 0 {
		return 0
	}

	op := t.phaseOp()
	active := t.active[op]
	done := float64(len(t.completed[op]))
	if len(active) > 0 {
		sum := 0
		for _, p := range active {
			sum += p
		}
		avg := float64(sum) / float64(len(active))
		done += float64(len(active)) * avg / 100
	}

	pp := int(done / float64(t.totalFiles) * 100)
	if pp > 100 {
		pp = 100
	}
	return pp
}

func (t *Tracker) overall(phaseProgress int) int {
	switch t.phase {
	case models.PhaseInitializing:
		return 0
	case models.PhaseDiscovering:
		return weightDiscovery
	case models.PhaseDownloading:
		return weightDiscovery + phaseProgress*weightDownload/100
	case models.PhaseConverting:
		return weightDiscovery + weightDownload + phaseProgress*weightConvert/100
	case models.PhaseUploading:
		return weightDiscovery + weightDownload + weightConvert + phaseProgress*weightUpload/100
	default:
		return 100
	}
}

func (t *Tracker) phaseETA(phaseProgress int) string {
	if t.phase == models.PhaseCompleted {
		return ""
	}
	if phaseProgress <= 10 {
		return "Calculating..."
	}

	elapsed := t.now().Sub(t.phaseStart).Seconds()
	remaining := elapsed*100/float64(phaseProgress) - elapsed
	if remaining <= 0 {
		return "Almost done..."
	}
	return formatTime(remaining)
}

func (t *Tracker) totalETA(overall int, phaseETA string) string {
	switch {
	case t.phase == models.PhaseCompleted:
		return ""
	case t.phase == models.PhaseUploading:
		// Final phase; its estimate is the total estimate.
		return phaseETA
	case overall <= 15:
		return "Calculating..."
	}

	elapsed := t.now().Sub(t.startTime).Seconds()
	buffer := 1.2
	if t.phase == models.PhaseConverting {
		// Converting dominates wall time, pad harder.
		buffer = 1.3
	}
	remaining := elapsed*100/float64(overall)*buffer - elapsed
	if remaining <= 0 {
		return "Almost done..."
	}
	return formatTime(remaining)
}

// currentFile lists up to three active file names for display.
func (t *Tracker) currentFile() string {
	var names []string
	for _, op := range []Op{OpDownload, OpConvert, OpUpload} {
		ids := make([]string, 0, len(t.active[op]))
		for id := range t.active[op] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if name, ok := t.names[id]; ok {
				names = append(names, name)
			} else {
				names = append(names, id)
			}
		}
	}

	if len(names) == 0 {
		return ""
	}
	display := strings.Join(names[:min(3, len(names))], ", ")
	if len(names) > 3 {
		display += fmt.Sprintf(" (+%d more)", len(names)-3)
	}
	return display
}

func formatTime(seconds float64) string {
	s := int(seconds)
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	default:
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	}
}

func copyMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySlice(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}
