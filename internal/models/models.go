package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type FileType string

const (
	FileTypeImage    FileType = "image"
	FileTypeVideo    FileType = "video"
	FileTypeDocument FileType = "document"
	FileTypeOther    FileType = "other"
)

// FileTypeOf classifies a MIME type into a media category.
func FileTypeOf(mimeType string) FileType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return FileTypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return FileTypeVideo
	case strings.HasPrefix(mimeType, "application/pdf"),
		strings.HasPrefix(mimeType, "application/msword"),
		strings.HasPrefix(mimeType, "application/vnd.openxmlformats-officedocument"),
		strings.HasPrefix(mimeType, "text/"):
		return FileTypeDocument
	default:
		return FileTypeOther
	}
}

// Checksum is the hex SHA-256 recorded for the bytes written to a storage key.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type FileStatus string

const (
	FileStatusPending FileStatus = "pending"
	FileStatusReady   FileStatus = "ready"
	FileStatusFailed  FileStatus = "failed"
	FileStatusDeleted FileStatus = "deleted"
)

type StorageTier string

const (
	TierStandard         StorageTier = "standard"
	TierInfrequentAccess StorageTier = "infrequent_access"
	TierArchive          StorageTier = "archive"
)

// FileRecord is one logical uploaded file. StorageKey always addresses the
// bytes of the current version.
type FileRecord struct {
	ID               string      `json:"id"`
	OwnerID          string      `json:"owner_id,omitempty"`
	EntityID         string      `json:"entity_id,omitempty"`
	OriginalFilename string      `json:"original_filename"`
	StorageKey       string      `json:"storage_key"`
	MimeType         string      `json:"mime_type"`
	FileType         FileType    `json:"file_type"`
	SizeBytes        int64       `json:"size_bytes"`
	Checksum         string      `json:"checksum"`
	IsEncrypted      bool        `json:"is_encrypted"`
	EncryptionNonce  string      `json:"encryption_nonce,omitempty"`
	EncryptionTag    string      `json:"encryption_tag,omitempty"`
	Status           FileStatus  `json:"status"`
	Version          int         `json:"version"`
	Width            int         `json:"width,omitempty"`
	Height           int         `json:"height,omitempty"`
	DurationSeconds  float64     `json:"duration_seconds,omitempty"`
	ScanResult       string      `json:"scan_result,omitempty"`
	StorageTier      StorageTier `json:"storage_tier"`
	Protected        bool        `json:"protected"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	// ModifiedAt moves only when the content changes; lifecycle ages files by it.
	ModifiedAt time.Time  `json:"modified_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

type VariantType string

const (
	VariantThumbnail   VariantType = "thumbnail"
	VariantCompressed  VariantType = "compressed"
	VariantWebP        VariantType = "webp"
	VariantWatermarked VariantType = "watermarked"
	VariantPreview     VariantType = "preview"
	VariantTranscoded  VariantType = "transcoded"
)

// Variant is a derived copy of a FileRecord produced by a processing job.
type Variant struct {
	ID          string      `json:"id"`
	FileID      string      `json:"file_id"`
	VariantType VariantType `json:"variant_type"`
	StorageKey  string      `json:"storage_key"`
	MimeType    string      `json:"mime_type"`
	Format      string      `json:"format"`
	Width       int         `json:"width,omitempty"`
	Height      int         `json:"height,omitempty"`
	SizeBytes   int64       `json:"size_bytes"`
	StorageTier StorageTier `json:"storage_tier"`
	CreatedAt   time.Time   `json:"created_at"`
}

// VersionSnapshot is an immutable copy of a file's bytes at some version.
type VersionSnapshot struct {
	ID            string    `json:"id"`
	FileID        string    `json:"file_id"`
	VersionNumber int       `json:"version_number"`
	StorageKey    string    `json:"storage_key"`
	SizeBytes     int64     `json:"size_bytes"`
	Checksum      string    `json:"checksum"`
	MimeType      string    `json:"mime_type"`
	IsCurrent     bool      `json:"is_current"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type JobType string

const (
	JobStripMetadata  JobType = "strip_metadata"
	JobThumbnail      JobType = "thumbnail"
	JobCompress       JobType = "compress"
	JobWebP           JobType = "webp"
	JobWatermark      JobType = "watermark"
	JobVideoThumbnail JobType = "video_thumbnail"
	JobPreview        JobType = "preview"
	JobTranscode      JobType = "transcode"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no worker will pick the job up again on its own.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobResult is the structured outcome stored on a completed job.
type JobResult struct {
	VariantID       string  `json:"variant_id,omitempty"`
	StorageKey      string  `json:"storage_key,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
	Format          string  `json:"format,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// ProcessingJob is one derived-operation request for a file.
type ProcessingJob struct {
	ID           string     `json:"id"`
	FileID       string     `json:"file_id"`
	Type         JobType    `json:"type"`
	Status       JobStatus  `json:"status"`
	Priority     int        `json:"priority"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	Result       *JobResult `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	// BlockedBy holds the id of a job that must finish before this one is queued.
	BlockedBy   string     `json:"blocked_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobStats counts jobs per status bucket.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

func (s JobStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed + s.Cancelled
}

// Add counts n jobs into the bucket of status.
func (s *JobStats) Add(status JobStatus, n int) {
	switch status {
	case JobPending:
		s.Pending += n
	case JobProcessing:
		s.Processing += n
	case JobCompleted:
		s.Completed += n
	case JobFailed:
		s.Failed += n
	case JobCancelled:
		s.Cancelled += n
	}
}
