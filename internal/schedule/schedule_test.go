package schedule

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name string
	runs int
	err  error
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run() error {
	j.runs++
	return j.err
}

func TestAddJob_AcceptsFiveFieldSpec(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.AddJob("30 17 * * *", &countingJob{name: "daily"}))
	require.NoError(t, s.AddJob("@hourly", &countingJob{name: "hourly"}))
}

func TestAddJob_RejectsInvalidSpec(t *testing.T) {
	s := New(zerolog.Nop())
	assert.Error(t, s.AddJob("not a schedule", &countingJob{name: "bad"}))
}

func TestRunNow_ExecutesJob(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "manual"}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, 1, job.runs)
}

func TestRunNow_PropagatesJobError(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "broken", err: errors.New("boom")}
	assert.Error(t, s.RunNow(job))
}
