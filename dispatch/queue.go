package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/glazeworks/imagegen/config"
)

// TaskMessage is the wire format of one task delivery, both on the queue and
// in the worker-endpoint request body.
type TaskMessage struct {
	TaskID     uuid.UUID `json:"task_id"`
	RetryCount int       `json:"retry_count"`
}

// SignatureHeader carries the HMAC-SHA256 signature of the request body on
// worker-endpoint calls.
const SignatureHeader = "X-Imagegen-Signature"

// SignBody computes the hex HMAC-SHA256 of body under secret.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(SignBody(secret, body)), []byte(signature))
}

// JetStreamQueue publishes task messages to a work-queue stream. The relay
// consumes them and drives the worker endpoint.
type JetStreamQueue struct {
	js      jetstream.JetStream
	stream  string
	subject string
	logger  *slog.Logger
}

// NewJetStreamQueue connects the queue to NATS and ensures the stream exists.
func NewJetStreamQueue(ctx context.Context, nc *nats.Conn, cfg config.QueueConfig, logger *slog.Logger) (*JetStreamQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	subject := cfg.Name + ".tasks"
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}

	logger.Info("task queue ready", "stream", cfg.Name, "subject", subject)
	return &JetStreamQueue{js: js, stream: cfg.Name, subject: subject, logger: logger}, nil
}

// Enqueue publishes one task message. The message id makes duplicate
// publishes of the same attempt collapse server-side.
func (q *JetStreamQueue) Enqueue(ctx context.Context, taskID uuid.UUID, retryCount int) error {
	data, err := json.Marshal(TaskMessage{TaskID: taskID, RetryCount: retryCount})
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}
	_, err = q.js.Publish(ctx, q.subject, data,
		jetstream.WithMsgID(fmt.Sprintf("%s-%d", taskID, retryCount)))
	if err != nil {
		return fmt.Errorf("publish task %s: %w", taskID, err)
	}
	return nil
}
