package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"
)

// Terminal reports whether no further transition can occur.
func (s JobStatus) Terminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed
}

// Mode selects the inference resource/time profile. It is opaque to the
// scheduler except for the per-mode timeout budget.
type Mode string

const (
	ModeDefault    Mode = "default"      // highest quality, 32GB+ VRAM
	ModeFast       Mode = "fast"         // ~2.5x faster, 16GB+ VRAM
	ModeFastLowRAM Mode = "fast_low_ram" // fits 12GB VRAM
)

func (m Mode) Valid() bool {
	switch m {
	case ModeDefault, ModeFast, ModeFastLowRAM:
		return true
	}
	return false
}

// FailureReason is the machine-readable category stored on a failed job.
type FailureReason string

const (
	ReasonInvocationError FailureReason = "invocation_error"
	ReasonTimeout         FailureReason = "timeout"
	ReasonInternalError   FailureReason = "internal_error"
)

type JobError struct {
	Reason FailureReason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}

// OutputManifest names the artifacts a finished invocation produced.
// AnimatedMesh and PreviewVideo are optional; the invoker decides what to
// emit based on mode and export flags.
type OutputManifest struct {
	PerFrameMeshes []string `json:"per_frame_meshes"`
	AnimatedMesh   string   `json:"animated_mesh,omitempty"`
	PreviewVideo   string   `json:"preview_video,omitempty"`
}

// Names returns every artifact name in the manifest.
func (m *OutputManifest) Names() []string {
	names := make([]string, 0, len(m.PerFrameMeshes)+2)
	names = append(names, m.PerFrameMeshes...)
	if m.AnimatedMesh != "" {
		names = append(names, m.AnimatedMesh)
	}
	if m.PreviewVideo != "" {
		names = append(names, m.PreviewVideo)
	}
	return names
}

// Contains reports whether name is listed in the manifest.
func (m *OutputManifest) Contains(name string) bool {
	for _, n := range m.Names() {
		if n == name {
			return true
		}
	}
	return false
}

type Job struct {
	ID            uuid.UUID
	Mode          Mode
	BlenderExport bool
	NotifyEmail   string
	Status        JobStatus
	FrameCount    int
	Error         *JobError
	Outputs       *OutputManifest
	SubmittedAt   time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

func NewJob(mode Mode, blenderExport bool, notifyEmail string, frameCount int) *Job {
	return &Job{
		ID:            uuid.New(),
		Mode:          mode,
		BlenderExport: blenderExport,
		NotifyEmail:   notifyEmail,
		Status:        JobStatusQueued,
		FrameCount:    frameCount,
		SubmittedAt:   time.Now().UTC(),
	}
}

func (j *Job) MarkRunning() {
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.StartedAt = &now
}

func (j *Job) MarkFinished(outputs *OutputManifest) {
	now := time.Now().UTC()
	j.Status = JobStatusFinished
	j.Outputs = outputs
	j.FinishedAt = &now
}

func (j *Job) MarkFailed(reason FailureReason, detail string) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.Error = &JobError{Reason: reason, Detail: detail}
	j.FinishedAt = &now
}

// Clone returns a deep copy so registry snapshots never alias stored state.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Outputs != nil {
		o := *j.Outputs
		o.PerFrameMeshes = append([]string(nil), j.Outputs.PerFrameMeshes...)
		c.Outputs = &o
	}
	return &c
}
