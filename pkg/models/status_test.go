package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sysmuse/ipflow/pkg/models"
)

func TestJobTransitions(t *testing.T) {
	allowed := map[models.JobStatus][]models.JobStatus{
		models.PendingJobStatus:   {models.RunningJobStatus, models.CancelledJobStatus},
		models.RunningJobStatus:   {models.CompleteJobStatus, models.ErrorJobStatus, models.CancelledJobStatus},
		models.ErrorJobStatus:     {models.PendingJobStatus},
		models.CompleteJobStatus:  {},
		models.CancelledJobStatus: {},
	}
	all := []models.JobStatus{
		models.PendingJobStatus, models.RunningJobStatus, models.CompleteJobStatus,
		models.ErrorJobStatus, models.CancelledJobStatus,
	}
	for from, tos := range allowed {
		legal := map[models.JobStatus]bool{}
		for _, to := range tos {
			legal[to] = true
		}
		for _, to := range all {
			assert.Equal(t, legal[to], models.CanTransitionJob(from, to),
				"%s -> %s", from, to)
		}
	}
}

func TestJobTerminalStatuses(t *testing.T) {
	assert.True(t, models.Job{Status: models.CompleteJobStatus}.Terminal())
	assert.True(t, models.Job{Status: models.CancelledJobStatus}.Terminal())
	assert.False(t, models.Job{Status: models.PendingJobStatus}.Terminal())
	assert.False(t, models.Job{Status: models.RunningJobStatus}.Terminal())
	assert.False(t, models.Job{Status: models.ErrorJobStatus}.Terminal())
}

func TestWorkflowTransitions(t *testing.T) {
	// ERROR -> RUNNING is the resume path; COMPLETE and CANCELLED are final.
	assert.True(t, models.CanTransitionWorkflow(models.PendingWorkflowStatus, models.RunningWorkflowStatus))
	assert.True(t, models.CanTransitionWorkflow(models.PendingWorkflowStatus, models.CancelledWorkflowStatus))
	assert.True(t, models.CanTransitionWorkflow(models.RunningWorkflowStatus, models.CompleteWorkflowStatus))
	assert.True(t, models.CanTransitionWorkflow(models.RunningWorkflowStatus, models.ErrorWorkflowStatus))
	assert.True(t, models.CanTransitionWorkflow(models.RunningWorkflowStatus, models.CancelledWorkflowStatus))
	assert.True(t, models.CanTransitionWorkflow(models.ErrorWorkflowStatus, models.RunningWorkflowStatus))

	assert.False(t, models.CanTransitionWorkflow(models.PendingWorkflowStatus, models.CompleteWorkflowStatus))
	assert.False(t, models.CanTransitionWorkflow(models.CompleteWorkflowStatus, models.RunningWorkflowStatus))
	assert.False(t, models.CanTransitionWorkflow(models.CancelledWorkflowStatus, models.RunningWorkflowStatus))
	assert.False(t, models.CanTransitionWorkflow(models.ErrorWorkflowStatus, models.PendingWorkflowStatus))
}

func TestValidStatuses(t *testing.T) {
	assert.True(t, models.ValidJobStatus(models.RunningJobStatus))
	assert.False(t, models.ValidJobStatus(models.JobStatus("PAUSED")))
	assert.True(t, models.ValidWorkflowStatus(models.CancelledWorkflowStatus))
	assert.False(t, models.ValidWorkflowStatus(models.WorkflowStatus("paused")))
}
