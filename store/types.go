// Package store is the persistence gateway: typed reads and writes for jobs,
// tasks, images and their owned rows, backed by PostgreSQL. Job counters are
// only ever mutated through the atomic outcome-recording methods here, which
// is what keeps progress race-free across workers.
package store

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a sink state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// TaskStatus is the lifecycle state of a generation task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is a sink state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ImageStatus is the pipeline state of an image. Transitions are monotonic in
// pipeline order: pending -> processing -> tagging -> ready -> approved, with
// rejected as the failure sink.
type ImageStatus string

const (
	ImagePending    ImageStatus = "pending"
	ImageProcessing ImageStatus = "processing"
	ImageTagging    ImageStatus = "tagging"
	ImageReady      ImageStatus = "ready"
	ImageApproved   ImageStatus = "approved"
	ImageRejected   ImageStatus = "rejected"
)

// TagSource records where an image tag came from.
type TagSource string

const (
	TagSourceAuto     TagSource = "auto"
	TagSourceManual   TagSource = "manual"
	TagSourceTemplate TagSource = "template"
)

// DefaultStyle is applied when a submission does not name a style.
const DefaultStyle = "product_photography"

// Job tracks one batch submission with aggregate progress counters.
type Job struct {
	ID             uuid.UUID  `json:"id"`
	Status         JobStatus  `json:"status"`
	TotalTasks     int        `json:"total_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
	FailedTasks    int        `json:"failed_tasks"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Progress returns the derived completion percentage, rounded to one decimal.
// Never stored.
func (j *Job) Progress() float64 {
	if j.TotalTasks == 0 {
		return 0
	}
	pct := float64(j.CompletedTasks+j.FailedTasks) / float64(j.TotalTasks) * 100
	return math.Round(pct*10) / 10
}

// Task is the unit of work for one prompt+index within a job.
type Task struct {
	ID           uuid.UUID  `json:"id"`
	JobID        uuid.UUID  `json:"job_id"`
	Prompt       string     `json:"prompt"`
	Style        string     `json:"style"`
	Status       TaskStatus `json:"status"`
	ImageID      *uuid.UUID `json:"image_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Image is the product of a successful task.
type Image struct {
	ID                uuid.UUID   `json:"id"`
	Prompt            string      `json:"prompt"`
	Style             string      `json:"style"`
	Status            ImageStatus `json:"status"`
	AutoTagged        bool        `json:"auto_tagged"`
	TaggingConfidence *float64    `json:"tagging_confidence,omitempty"`
	GenerationCost    *float64    `json:"generation_cost,omitempty"`
	TaggingCost       *float64    `json:"tagging_cost,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	ApprovedAt        *time.Time  `json:"approved_at,omitempty"`
}

// ImageVariant is one resized encoding of an image at a size preset.
// (image_id, preset) is unique.
type ImageVariant struct {
	ImageID       uuid.UUID `json:"image_id"`
	Preset        string    `json:"size_preset"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	StoragePath   string    `json:"storage_path"`
	FileSizeBytes int       `json:"file_size_bytes"`
}

// ImageTag is one searchable tag on an image. (image_id, tag) is unique.
type ImageTag struct {
	ImageID    uuid.UUID `json:"image_id"`
	Tag        string    `json:"tag"`
	Confidence float64   `json:"confidence"`
	Source     TagSource `json:"source"`
}

// ImageDescription is the single AI-generated description of an image.
type ImageDescription struct {
	ImageID        uuid.UUID      `json:"image_id"`
	Description    string         `json:"description"`
	VisionAnalysis map[string]any `json:"vision_analysis,omitempty"`
	ModelVersion   string         `json:"model_version"`
}

// ImageColor is one dominant color of an image. (image_id, hex) is unique.
type ImageColor struct {
	ImageID    uuid.UUID `json:"image_id"`
	Hex        string    `json:"color_hex"`
	Percentage float64   `json:"percentage"`
	IsDominant bool      `json:"is_dominant"`
}

// ImageEmbedding is the single fixed-dimension vector of an image.
type ImageEmbedding struct {
	ImageID      uuid.UUID `json:"image_id"`
	Vector       []float32 `json:"-"`
	Source       string    `json:"embedding_source"`
	ModelVersion string    `json:"model_version"`
}

// ImageReview is the projection served to the admin review queue.
type ImageReview struct {
	Image       *Image     `json:"image"`
	Tags        []ImageTag `json:"tags"`
	Description string     `json:"description,omitempty"`
}

// Stats is the system-wide counters projection.
type Stats struct {
	TotalImages    int `json:"total_images"`
	ApprovedImages int `json:"approved_images"`
	PendingReview  int `json:"pending_review"`
	TotalTags      int `json:"total_tags"`
}

// taskImageNamespace seeds the deterministic task -> image id mapping.
var taskImageNamespace = uuid.MustParse("9c1ae814-53c0-4f1d-9c41-ab8560f7c2b3")

// ImageIDForTask derives the image id for a task deterministically, so every
// re-execution of the same task claims the same image row and the same
// object-store paths. This is the idempotence key that makes crash-retry
// converge to a single observable image per task.
func ImageIDForTask(taskID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(taskImageNamespace, taskID[:])
}
