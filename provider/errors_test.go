package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantTerminal  bool
	}{
		{"already transient", NewTransientError(base), true, false},
		{"already terminal", NewTerminalError(base), false, true},
		{"wrapped transient", fmt.Errorf("generate: %w", NewTransientError(base)), true, false},
		{"wrapped terminal", fmt.Errorf("generate: %w", NewTerminalError(base)), false, true},
		{"unknown defaults to transient", base, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.wantTransient, IsTransient(got))
			assert.Equal(t, tt.wantTerminal, IsTerminal(got))
		})
	}
}

func TestClassifyPassesThroughContextErrors(t *testing.T) {
	got := Classify(context.DeadlineExceeded)
	assert.ErrorIs(t, got, context.DeadlineExceeded)
	assert.False(t, IsTransient(got))
	assert.False(t, IsTerminal(got))

	got = Classify(context.Canceled)
	assert.ErrorIs(t, got, context.Canceled)
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, Classify(nil))
}

func TestClassifyHTTPStatus(t *testing.T) {
	base := errors.New("api error")

	tests := []struct {
		status        int
		wantTransient bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		got := ClassifyHTTPStatus(tt.status, base)
		assert.Equal(t, tt.wantTransient, IsTransient(got), "status %d", tt.status)
		assert.Equal(t, !tt.wantTransient, IsTerminal(got), "status %d", tt.status)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("rate limited")
	assert.ErrorIs(t, NewTransientError(base), base)
	assert.ErrorIs(t, NewTerminalError(base), base)
	assert.Equal(t, "rate limited", NewTransientError(base).Error())
}
