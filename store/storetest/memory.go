// Package storetest provides an in-memory store implementation with the same
// semantics as the PostgreSQL gateway, for testing the pipeline, dispatcher
// and HTTP handlers without a database.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glazeworks/imagegen/store"
)

// Memory is a thread-safe in-memory store. The zero value is not usable; use
// New.
type Memory struct {
	mu sync.Mutex

	jobs         map[uuid.UUID]*store.Job
	tasks        map[uuid.UUID]*store.Task
	images       map[uuid.UUID]*store.Image
	variants     map[uuid.UUID]map[string]store.ImageVariant
	tags         map[uuid.UUID]map[string]store.ImageTag
	descriptions map[uuid.UUID]store.ImageDescription
	colors       map[uuid.UUID]map[string]store.ImageColor
	embeddings   map[uuid.UUID]store.ImageEmbedding

	// FailNext causes the next mutating call to return this error once.
	FailNext error
}

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		jobs:         make(map[uuid.UUID]*store.Job),
		tasks:        make(map[uuid.UUID]*store.Task),
		images:       make(map[uuid.UUID]*store.Image),
		variants:     make(map[uuid.UUID]map[string]store.ImageVariant),
		tags:         make(map[uuid.UUID]map[string]store.ImageTag),
		descriptions: make(map[uuid.UUID]store.ImageDescription),
		colors:       make(map[uuid.UUID]map[string]store.ImageColor),
		embeddings:   make(map[uuid.UUID]store.ImageEmbedding),
	}
}

func (m *Memory) failNext() error {
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	return nil
}

func copyJob(j *store.Job) *store.Job {
	out := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func copyTask(t *store.Task) *store.Task {
	out := *t
	if t.ImageID != nil {
		id := *t.ImageID
		out.ImageID = &id
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		out.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return &out
}

func copyImage(i *store.Image) *store.Image {
	out := *i
	return &out
}

// CreateJobWithTasks inserts the job and its tasks atomically.
func (m *Memory) CreateJobWithTasks(ctx context.Context, job *store.Job, tasks []*store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = copyJob(job)
	for _, task := range tasks {
		task.CreatedAt = now
		m.tasks[task.ID] = copyTask(task)
	}
	return nil
}

// GetJob returns a job by id.
func (m *Memory) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(job), nil
}

// ListJobTasks returns all tasks of a job in creation order.
func (m *Memory) ListJobTasks(ctx context.Context, jobID uuid.UUID) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Task
	for _, task := range m.tasks {
		if task.JobID == jobID {
			out = append(out, copyTask(task))
		}
	}
	return out, nil
}

// CancelJob cancels a live job and fails its pending tasks.
func (m *Memory) CancelJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Status.Terminal() {
		return nil, store.ErrJobTerminal
	}

	now := time.Now()
	for _, task := range m.tasks {
		if task.JobID == id && task.Status == store.TaskPending {
			task.Status = store.TaskFailed
			task.ErrorMessage = "job cancelled"
			task.CompletedAt = &now
			job.FailedTasks++
		}
	}
	job.Status = store.JobCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	return copyJob(job), nil
}

// GetTask returns a task by id.
func (m *Memory) GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTask(task), nil
}

// ClaimTask transitions pending -> running, steals stale claims, returns
// terminal tasks as-is, and refuses fresh claims.
func (m *Memory) ClaimTask(ctx context.Context, id uuid.UUID, lease time.Duration) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}
	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if task.Status.Terminal() {
		return copyTask(task), nil
	}
	if task.Status == store.TaskRunning {
		if task.StartedAt != nil && time.Since(*task.StartedAt) < lease {
			return nil, store.ErrTaskClaimed
		}
	}
	now := time.Now()
	task.Status = store.TaskRunning
	task.StartedAt = &now
	return copyTask(task), nil
}

// ResetTaskForRetry returns a running task to pending with retry_count+1.
func (m *Memory) ResetTaskForRetry(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if task.Status != store.TaskRunning {
		return nil, store.ErrNotFound
	}
	task.Status = store.TaskPending
	task.RetryCount++
	task.StartedAt = nil
	task.ErrorMessage = ""
	return copyTask(task), nil
}

// CompleteTask finishes a task successfully and advances job counters
// atomically. Returns recorded=false on replayed terminal tasks.
func (m *Memory) CompleteTask(ctx context.Context, taskID, imageID uuid.UUID) (*store.Job, bool, error) {
	return m.finishTask(ctx, taskID, &imageID, "")
}

// FailTask finishes a task as failed and advances job counters atomically.
func (m *Memory) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string) (*store.Job, bool, error) {
	return m.finishTask(ctx, taskID, nil, errMsg)
}

func (m *Memory) finishTask(ctx context.Context, taskID uuid.UUID, imageID *uuid.UUID, errMsg string) (*store.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, false, err
	}
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	job, ok := m.jobs[task.JobID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if task.Status.Terminal() {
		return copyJob(job), false, nil
	}

	now := time.Now()
	task.CompletedAt = &now
	if imageID != nil {
		task.Status = store.TaskCompleted
		id := *imageID
		task.ImageID = &id
		task.ErrorMessage = ""
		if img, ok := m.images[id]; ok {
			img.Status = store.ImageReady
			img.UpdatedAt = now
		}
		job.CompletedTasks++
	} else {
		task.Status = store.TaskFailed
		task.ErrorMessage = errMsg
		job.FailedTasks++
	}

	job.UpdatedAt = now
	if job.Status != store.JobCancelled {
		if job.CompletedTasks+job.FailedTasks >= job.TotalTasks {
			if job.FailedTasks > 0 {
				job.Status = store.JobFailed
			} else {
				job.Status = store.JobCompleted
			}
			if job.CompletedAt == nil {
				job.CompletedAt = &now
			}
		} else {
			job.Status = store.JobRunning
		}
	}
	return copyJob(job), true, nil
}

// ClaimImage upserts the image row for a task attempt.
func (m *Memory) ClaimImage(ctx context.Context, img *store.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	now := time.Now()
	if existing, ok := m.images[img.ID]; ok {
		existing.Status = store.ImageProcessing
		existing.ErrorMessage = ""
		existing.UpdatedAt = now
		return nil
	}
	stored := copyImage(img)
	stored.Status = store.ImageProcessing
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.images[img.ID] = stored
	return nil
}

// GetImage returns an image by id.
func (m *Memory) GetImage(ctx context.Context, id uuid.UUID) (*store.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyImage(img), nil
}

// SetImageGenerated records the generation cost and advances the image to
// tagging.
func (m *Memory) SetImageGenerated(ctx context.Context, id uuid.UUID, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return store.ErrNotFound
	}
	img.Status = store.ImageTagging
	img.GenerationCost = &cost
	img.UpdatedAt = time.Now()
	return nil
}

// UpsertVariants stores variant rows keyed by (image_id, preset).
func (m *Memory) UpsertVariants(ctx context.Context, variants []store.ImageVariant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	for _, v := range variants {
		if m.variants[v.ImageID] == nil {
			m.variants[v.ImageID] = make(map[string]store.ImageVariant)
		}
		m.variants[v.ImageID][v.Preset] = v
	}
	return nil
}

// SaveTagging persists tags, description, colors and confidence.
func (m *Memory) SaveTagging(ctx context.Context, imageID uuid.UUID, tags []store.ImageTag, desc store.ImageDescription, colors []store.ImageColor, confidence, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if m.tags[imageID] == nil {
		m.tags[imageID] = make(map[string]store.ImageTag)
	}
	for _, tag := range tags {
		m.tags[imageID][tag.Tag] = tag
	}
	m.descriptions[imageID] = desc
	if m.colors[imageID] == nil {
		m.colors[imageID] = make(map[string]store.ImageColor)
	}
	for _, color := range colors {
		m.colors[imageID][color.Hex] = color
	}
	if img, ok := m.images[imageID]; ok {
		img.AutoTagged = true
		img.TaggingConfidence = &confidence
		img.TaggingCost = &cost
		img.UpdatedAt = time.Now()
	}
	return nil
}

// SaveEmbedding upserts the image's embedding.
func (m *Memory) SaveEmbedding(ctx context.Context, emb store.ImageEmbedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	m.embeddings[emb.ImageID] = emb
	return nil
}

// RejectImage marks a partial image for cleanup.
func (m *Memory) RejectImage(ctx context.Context, id uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return store.ErrNotFound
	}
	img.Status = store.ImageRejected
	img.ErrorMessage = errMsg
	img.UpdatedAt = time.Now()
	return nil
}

// ListReviewQueue returns ready images with tags and description.
func (m *Memory) ListReviewQueue(ctx context.Context, limit int) ([]*store.ImageReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	var out []*store.ImageReview
	for id, img := range m.images {
		if img.Status != store.ImageReady {
			continue
		}
		review := &store.ImageReview{Image: copyImage(img)}
		for _, tag := range m.tags[id] {
			review.Tags = append(review.Tags, tag)
		}
		if desc, ok := m.descriptions[id]; ok {
			review.Description = desc.Description
		}
		out = append(out, review)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListImageTags returns the tags of an image.
func (m *Memory) ListImageTags(ctx context.Context, imageID uuid.UUID) ([]store.ImageTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ImageTag
	for _, tag := range m.tags[imageID] {
		out = append(out, tag)
	}
	return out, nil
}

// ApproveImage approves a ready image, optionally replacing tags.
func (m *Memory) ApproveImage(ctx context.Context, id uuid.UUID, overrideTags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return store.ErrNotFound
	}
	if len(overrideTags) > 0 {
		m.tags[id] = make(map[string]store.ImageTag)
		for _, tag := range overrideTags {
			m.tags[id][tag] = store.ImageTag{ImageID: id, Tag: tag, Confidence: 1.0, Source: store.TagSourceManual}
		}
	}
	now := time.Now()
	img.Status = store.ImageApproved
	img.ApprovedAt = &now
	img.UpdatedAt = now
	return nil
}

// DeleteImage removes an image and its owned rows.
func (m *Memory) DeleteImage(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.images, id)
	delete(m.variants, id)
	delete(m.tags, id)
	delete(m.descriptions, id)
	delete(m.colors, id)
	delete(m.embeddings, id)
	for _, task := range m.tasks {
		if task.ImageID != nil && *task.ImageID == id {
			task.ImageID = nil
		}
	}
	return nil
}

// GetStats returns the system-wide counters.
func (m *Memory) GetStats(ctx context.Context) (*store.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &store.Stats{}
	uniqueTags := make(map[string]struct{})
	for _, img := range m.images {
		stats.TotalImages++
		switch img.Status {
		case store.ImageApproved:
			stats.ApprovedImages++
		case store.ImageReady:
			stats.PendingReview++
		}
	}
	for _, tags := range m.tags {
		for tag := range tags {
			uniqueTags[tag] = struct{}{}
		}
	}
	stats.TotalTags = len(uniqueTags)
	return stats, nil
}

// Test inspection helpers.

// ImageCount returns the number of image rows.
func (m *Memory) ImageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images)
}

// VariantCount returns the total number of variant rows across all images.
func (m *Memory) VariantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, vs := range m.variants {
		n += len(vs)
	}
	return n
}

// VariantsFor returns the variant rows of one image.
func (m *Memory) VariantsFor(imageID uuid.UUID) []store.ImageVariant {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ImageVariant
	for _, v := range m.variants[imageID] {
		out = append(out, v)
	}
	return out
}

// EmbeddingCount returns the number of embedding rows.
func (m *Memory) EmbeddingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.embeddings)
}

// EmbeddingFor returns the embedding of one image and whether it exists.
func (m *Memory) EmbeddingFor(imageID uuid.UUID) (store.ImageEmbedding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	emb, ok := m.embeddings[imageID]
	return emb, ok
}

// DescriptionFor returns the description row of one image.
func (m *Memory) DescriptionFor(imageID uuid.UUID) (store.ImageDescription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	desc, ok := m.descriptions[imageID]
	return desc, ok
}
