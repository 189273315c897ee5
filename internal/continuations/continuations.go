// Package continuations enqueues remote.apply workflow-continuation jobs
// onto Google Cloud Tasks, deduplicated by requestId, following the
// teacher's internal/webhooks.CloudDispatcher wrapping of the Cloud Tasks
// client (queue path construction, HTTP-task enqueue, log-only fallback
// for local dev — generalized from webhook delivery to workflow
// continuations per spec §4.4 step 2 and §9 "Idempotency around
// continuations").
package continuations

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Job is the continuation payload enqueued after an async workflow dispatch
// completes (spec §4.4 step 2).
type Job struct {
	Type           string          `json:"type"`
	OrganizationID string          `json:"organizationId"`
	WorkflowID     string          `json:"workflowId,omitempty"`
	RunID          string          `json:"runId"`
	RequestID      string          `json:"requestId"`
	AttemptCount   int             `json:"attemptCount"`
	Result         json.RawMessage `json:"result"`
}

const jobTypeRemoteApply = "remote.apply"

// JobID computes the dedup id for a continuation job (spec §9): a duplicate
// enqueue with the same requestId is a no-op.
func JobID(requestID string) string {
	sum := sha256.Sum256([]byte(requestID))
	return "apply-" + hex.EncodeToString(sum[:])
}

// Queue enqueues continuation jobs onto a Cloud Tasks HTTP-target queue.
// It falls back to an in-process log-only no-op when disabled, matching
// the teacher's CloudDispatcher/Dispatcher fallback split.
type Queue struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	logger    *log.Logger
	enabled   bool
}

// Config bundles the GCP identifiers and webhook-style target for enqueued
// tasks. TargetURL is the in-cluster endpoint the continuation job HTTP
// POSTs to (the workflow engine's continuation receiver).
type Config struct {
	ProjectID  string
	LocationID string
	QueueName  string
	TargetURL  string
	Enabled    bool
}

// New builds a Queue. When cfg.Enabled is false, Enqueue logs and returns
// nil without contacting Cloud Tasks, so local dev and tests never need a
// live GCP project.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	logger := log.New(log.Writer(), "[CONTINUATIONS] ", log.LstdFlags)
	if !cfg.Enabled {
		logger.Printf("disabled (CLOUD_TASKS_ENABLED=false) — continuations are no-ops")
		return &Queue{logger: logger, enabled: false}, nil
	}

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s", cfg.ProjectID, cfg.LocationID, cfg.QueueName)
	logger.Printf("connected to Cloud Tasks queue: %s", queuePath)
	return &Queue{client: client, queuePath: queuePath, targetURL: cfg.TargetURL, logger: logger, enabled: true}, nil
}

// Enqueue creates a continuation job, deduplicated by JobID(requestID).
// Cloud Tasks rejects a duplicate task name with AlreadyExists, which
// Enqueue returns as success, giving the "duplicate enqueue is a no-op"
// contract spec §9 requires.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if !q.enabled {
		q.logger.Printf("enqueue suppressed (disabled): requestId=%s", job.RequestID)
		return nil
	}
	job.Type = jobTypeRemoteApply

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal continuation job: %w", err)
	}

	taskName := fmt.Sprintf("%s/tasks/%s", q.queuePath, JobID(job.RequestID))
	req := &taskspb.CreateTaskRequest{
		Parent: q.queuePath,
		Task: &taskspb.Task{
			Name: taskName,
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        q.targetURL,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       payload,
				},
			},
		},
	}

	enqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = q.client.CreateTask(enqCtx, req)
	if err != nil && isAlreadyExists(err) {
		q.logger.Printf("continuation job already enqueued: requestId=%s", job.RequestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue continuation job: %w", err)
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}
