package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glazeworks/imagegen/store"
	"github.com/glazeworks/imagegen/store/storetest"
)

// recordingQueue captures enqueued task ids.
type recordingQueue struct {
	ids  []uuid.UUID
	fail bool
}

func (q *recordingQueue) Enqueue(ctx context.Context, taskID uuid.UUID, retryCount int) error {
	if q.fail {
		return errors.New("queue unavailable")
	}
	q.ids = append(q.ids, taskID)
	return nil
}

func TestSubmitExpandsPrompts(t *testing.T) {
	mem := storetest.New()
	queue := &recordingQueue{}
	d := New(mem, queue, "in_process")

	job, tasks, err := d.Submit(context.Background(), Submission{
		Prompts:        []string{"cookies", "bread"},
		CountPerPrompt: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, job.TotalTasks)
	assert.Equal(t, store.JobPending, job.Status)
	require.Len(t, tasks, 6)
	assert.Len(t, queue.ids, 6, "every task enqueued exactly once")

	seen := map[uuid.UUID]bool{}
	for _, id := range queue.ids {
		assert.False(t, seen[id], "task %s enqueued twice", id)
		seen[id] = true
	}

	stored, err := mem.ListJobTasks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 6)
	for _, task := range stored {
		assert.Equal(t, store.TaskPending, task.Status)
		assert.Equal(t, store.DefaultStyle, task.Style)
	}
}

func TestSubmitDefaultsCountToOne(t *testing.T) {
	d := New(storetest.New(), &recordingQueue{}, "in_process")
	job, tasks, err := d.Submit(context.Background(), Submission{Prompts: []string{"a tart"}})
	require.NoError(t, err)
	assert.Equal(t, 1, job.TotalTasks)
	assert.Len(t, tasks, 1)
}

func TestSubmitTrimsAndKeepsStyle(t *testing.T) {
	d := New(storetest.New(), &recordingQueue{}, "in_process")
	_, tasks, err := d.Submit(context.Background(), Submission{
		Prompts: []string{"  spiced cider  "},
		Style:   "lifestyle",
	})
	require.NoError(t, err)
	assert.Equal(t, "spiced cider", tasks[0].Prompt)
	assert.Equal(t, "lifestyle", tasks[0].Style)
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		sub  Submission
		want string
	}{
		{"no prompts", Submission{}, "at least one prompt"},
		{"blank prompt", Submission{Prompts: []string{"cookies", "   "}}, "prompt 2 is empty"},
		{"count too high", Submission{Prompts: []string{"cookies"}, CountPerPrompt: 11}, "count_per_prompt"},
		{"count negative", Submission{Prompts: []string{"cookies"}, CountPerPrompt: -1}, "count_per_prompt"},
		{"too many prompts", Submission{Prompts: make([]string, maxPromptsPerJob+1)}, "at most"},
		{"prompt too long", Submission{Prompts: []string{strings.Repeat("x", maxPromptLength+1)}}, "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(storetest.New(), &recordingQueue{}, "in_process")
			_, _, err := d.Submit(context.Background(), tt.sub)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Reason, tt.want)
		})
	}
}

func TestSubmitEnqueueFailureLeavesTasksPending(t *testing.T) {
	mem := storetest.New()
	d := New(mem, &recordingQueue{fail: true}, "in_process")

	job, _, err := d.Submit(context.Background(), Submission{Prompts: []string{"cookies"}})
	require.NoError(t, err, "enqueue failure does not fail the submission")

	tasks, err := mem.ListJobTasks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskPending, tasks[0].Status)
}

func TestSubmitStoreFailure(t *testing.T) {
	mem := storetest.New()
	mem.FailNext = errors.New("connection refused")
	queue := &recordingQueue{}
	d := New(mem, queue, "in_process")

	_, _, err := d.Submit(context.Background(), Submission{Prompts: []string{"cookies"}})
	require.Error(t, err)
	var verr *ValidationError
	assert.False(t, errors.As(err, &verr), "infrastructure failure is not a validation error")
	assert.Empty(t, queue.ids, "nothing enqueued when the job is not persisted")
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"task_id":"x"}`)
	sig := SignBody("secret", body)
	assert.True(t, VerifySignature("secret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("secret", []byte("tampered"), sig))
	assert.False(t, VerifySignature("secret", body, ""))
}
