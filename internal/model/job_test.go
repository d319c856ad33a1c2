package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnrichmentJob_RecordRow(t *testing.T) {
	j := &EnrichmentJob{TotalRows: 3}

	j.RecordRow(nil)
	assert.Equal(t, 1, j.CompletedRows)
	assert.Equal(t, 33, j.Progress)

	j.RecordRow(&RowFailure{Row: 4, Class: "permanent", Message: "bad"})
	assert.Equal(t, 66, j.Progress)
	assert.Len(t, j.Failures, 1)

	j.RecordRow(nil)
	assert.Equal(t, 100, j.Progress)

	// Never exceeds total.
	j.RecordRow(nil)
	assert.Equal(t, 3, j.CompletedRows)
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCanceled.Terminal())
}
