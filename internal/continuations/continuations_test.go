package continuations

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobIDIsDeterministicHashOfRequestID(t *testing.T) {
	a := JobID("r:n:1")
	b := JobID("r:n:1")
	c := JobID("r:n:2")

	assert.Equal(t, a, b, "the same requestId must always map to the same job id")
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "apply-"))
	assert.Len(t, a, len("apply-")+64)
}

func TestDisabledQueueEnqueueIsANoOp(t *testing.T) {
	q, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	err = q.Enqueue(context.Background(), Job{
		OrganizationID: "org-1",
		RunID:          "r",
		RequestID:      "r:n:1",
		AttemptCount:   1,
		Result:         json.RawMessage(`{"status":"succeeded"}`),
	})
	assert.NoError(t, err, "disabled queues accept and drop jobs so local dev needs no GCP project")
}
