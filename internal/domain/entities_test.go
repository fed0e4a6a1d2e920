package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

func TestBandFor(t *testing.T) {
	cases := []struct {
		priority int
		want     domain.Band
	}{
		{0, domain.BandHigh},
		{1, domain.BandHigh},
		{2, domain.BandHigh},
		{3, domain.BandNormal},
		{5, domain.BandNormal},
		{6, domain.BandLow},
		{100, domain.BandLow},
		{-1, domain.BandHigh},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, domain.BandFor(c.priority), "priority %d", c.priority)
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.True(t, domain.JobCompleted.Terminal())
	assert.True(t, domain.JobFailed.Terminal())
	assert.True(t, domain.JobCancelled.Terminal())
	assert.False(t, domain.JobPending.Terminal())
	assert.False(t, domain.JobQueued.Terminal())
	assert.False(t, domain.JobRunning.Terminal())
}

func TestJob_Band(t *testing.T) {
	j := domain.Job{Priority: 1}
	assert.Equal(t, domain.BandHigh, j.Band())
	j.Priority = 7
	assert.Equal(t, domain.BandLow, j.Band())
}
