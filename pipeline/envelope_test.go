package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courius/sitepipe/pipeline"
)

func validEnvelope() *pipeline.Envelope {
	return &pipeline.Envelope{
		PipelineRunID: "run-1",
		ProjectID:     "proj-1",
		AgentName:     pipeline.AgentBrandStrategist,
		Phase:         pipeline.PhaseResearch,
		Sequence:      1,
		Attempt:       1,
		Project:       testProject(),
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*pipeline.Envelope)
		wantErr string
	}{
		{"valid", func(e *pipeline.Envelope) {}, ""},
		{"missing run id", func(e *pipeline.Envelope) { e.PipelineRunID = "" }, "pipeline_run_id"},
		{"missing project id", func(e *pipeline.Envelope) { e.ProjectID = "" }, "project_id"},
		{"missing agent", func(e *pipeline.Envelope) { e.AgentName = "" }, "agent_name"},
		{"phase too low", func(e *pipeline.Envelope) { e.Phase = 0 }, "phase out of range"},
		{"phase too high", func(e *pipeline.Envelope) { e.Phase = 7 }, "phase out of range"},
		{"zero attempt", func(e *pipeline.Envelope) { e.Attempt = 0 }, "attempt"},
		{"invalid project", func(e *pipeline.Envelope) { e.Project.Pages = nil }, "at least one page"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvelope()
			tt.mutate(env)
			err := env.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewEnvelopeCarriesRunIdentity(t *testing.T) {
	run := &pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", CorrelationID: "corr-1"}
	env := pipeline.NewEnvelope(run, testProject(), pipeline.AgentContentAssembler, pipeline.PhaseAssembly, 1, 2)

	assert.Equal(t, "run-1", env.PipelineRunID)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, 2, env.Attempt)
	assert.Equal(t, pipeline.MaxQualityRetries+1, env.MaxAttempts)
	assert.NoError(t, env.Validate())
}

func TestTaskRunSkipped(t *testing.T) {
	task := &pipeline.TaskRun{OutputData: map[string]any{"skipped": true}}
	assert.True(t, task.Skipped())

	task = &pipeline.TaskRun{OutputData: map[string]any{"skipped": "yes"}}
	assert.False(t, task.Skipped())

	task = &pipeline.TaskRun{}
	assert.False(t, task.Skipped())
}
