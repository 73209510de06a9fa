package models

// ProgressInfo is the immutable snapshot handed to polling clients. Active
// maps are keyed by file id (not name, which may collide) and hold percent
// values in [0,100]. Completed and failed lists are append-only: they never
// shrink between consecutive polls, and overall_progress never decreases.
type ProgressInfo struct {
	TaskID                      string    `json:"task_id"`
	OverallProgress             int       `json:"overall_progress"`
	CurrentPhase                TaskPhase `json:"current_phase"`
	PhaseProgress               int       `json:"phase_progress"`
	CurrentFile                 string    `json:"current_file"`
	FilesCompleted              int       `json:"files_completed"`
	TotalFiles                  int       `json:"total_files"`
	Details                     string    `json:"details"`
	EstimatedTimeRemaining      string    `json:"estimated_time_remaining"`
	EstimatedPhaseTimeRemaining string    `json:"estimated_phase_time_remaining"`

	ActiveDownloads   map[string]int `json:"active_downloads"`
	ActiveConversions map[string]int `json:"active_conversions"`
	ActiveUploads     map[string]int `json:"active_uploads"`

	CompletedDownloads   []string `json:"completed_downloads"`
	CompletedConversions []string `json:"completed_conversions"`
	CompletedUploads     []string `json:"completed_uploads"`
	FailedFiles          []string `json:"failed_files"`
}
