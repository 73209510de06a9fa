package models

import "time"

// TaskPhase is the task-level reporting phase. It is derived from per-file
// progress, advances only forward, and reaches completed once every file is
// terminal.
type TaskPhase string

const (
	PhaseInitializing TaskPhase = "initializing"
	PhaseDiscovering  TaskPhase = "discovering"
	PhaseDownloading  TaskPhase = "downloading"
	PhaseConverting   TaskPhase = "converting"
	PhaseUploading    TaskPhase = "uploading"
	PhaseCompleted    TaskPhase = "completed"
)

// FileStatus tracks one file's position in its own pipeline. Each file moves
// strictly download -> convert -> upload, or to failed at any step.
type FileStatus string

const (
	FilePending     FileStatus = "pending"
	FileDownloading FileStatus = "downloading"
	FileDownloaded  FileStatus = "downloaded"
	FileConverting  FileStatus = "converting"
	FileConverted   FileStatus = "converted"
	FileUploading   FileStatus = "uploading"
	FileUploaded    FileStatus = "uploaded"
	FileFailed      FileStatus = "failed"
)

// Terminal reports whether the status is an end state for a file.
func (s FileStatus) Terminal() bool {
	return s == FileUploaded || s == FileFailed
}

// ConversionTask is one admitted conversion job covering a fixed set of
// files. It is created only after the credit reservation succeeds and is
// retained for late polls for a bounded window after completion.
type ConversionTask struct {
	ID            string    `json:"task_id"`
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	FileIDs       []string  `json:"file_ids"`
	Estimate      Estimate  `json:"estimate"`
	ReservationID string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
}
