package entity

import (
	"time"

	"github.com/google/uuid"
)

// JobStatusMessage is the outbound message published on every status
// transition when the AMQP notification channel is enabled.
type JobStatusMessage struct {
	JobID        uuid.UUID     `json:"job_id"`
	Status       JobStatus     `json:"status"`
	Mode         Mode          `json:"mode"`
	FrameCount   int           `json:"frame_count,omitempty"`
	ErrorReason  FailureReason `json:"error_reason,omitempty"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	OutputCount  int           `json:"output_count,omitempty"`
	TransitionAt time.Time     `json:"transition_at"`
}

// StatusMessageFor builds the transition message for a job snapshot.
func StatusMessageFor(job *Job) JobStatusMessage {
	msg := JobStatusMessage{
		JobID:        job.ID,
		Status:       job.Status,
		Mode:         job.Mode,
		FrameCount:   job.FrameCount,
		TransitionAt: time.Now().UTC(),
	}
	if job.Error != nil {
		msg.ErrorReason = job.Error.Reason
		msg.ErrorDetail = job.Error.Detail
	}
	if job.Outputs != nil {
		msg.OutputCount = len(job.Outputs.Names())
	}
	return msg
}
