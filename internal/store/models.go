package store

import "time"

// FileStatus is the owner-visible lifecycle of an uploaded transcript.
// "uploading" is the pre-enqueue transient state; "processing" means a
// worker currently holds the job lease.
type FileStatus string

const (
	FileUploading  FileStatus = "uploading"
	FileQueued     FileStatus = "queued"
	FileProcessing FileStatus = "processing"
	FileSucceeded  FileStatus = "succeeded"
	FileFailed     FileStatus = "failed"
)

// JobStatus is the queue-side lifecycle of a processing job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
)

// Queue defaults.
const (
	DefaultMaxAttempts    = 4
	DefaultLockTTLSeconds = 300
)

// File is the metadata row for one uploaded transcript.
type File struct {
	ID                 string
	UserID             string
	StorageBucket      string
	StorageKeyOriginal string
	OriginalFilename   string
	Extension          string
	MimeType           *string
	SizeBytes          int64
	Status             FileStatus
	ErrorCode          *string
	ErrorMessage       *string

	StorageKeyReport       *string
	StorageKeyRawLLMOutput *string
	PromptVersion          *string
	SchemaVersion          *string
	ProcessingAttempts     int
	QueuedAt               *time.Time
	StartedAt              *time.Time
	ProcessedAt            *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job is one durable queue row. At most one job ever exists per file
// (unique file_id); terminal rows are retained for audit.
type Job struct {
	ID               string
	FileID           string
	Status           JobStatus
	Attempts         int
	MaxAttempts      int
	NextRunAt        time.Time
	LockedAt         *time.Time
	LockedBy         *string
	HeartbeatAt      *time.Time
	LockTTLSeconds   int
	LastErrorCode    *string
	LastErrorMessage *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ClaimedJob is a job returned by Claim together with the file context the
// pipeline needs, read in the same transaction.
type ClaimedJob struct {
	JobID          string
	FileID         string
	UserID         string
	StorageKey     string
	Attempts       int
	MaxAttempts    int
	LockTTLSeconds int
}

// FileContext is the minimal file view the pipeline fetches by id.
type FileContext struct {
	FileID     string
	UserID     string
	StorageKey string
}
