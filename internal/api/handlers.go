package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/revelium-studio/action-mesh/internal/domain/entity"
	"github.com/revelium-studio/action-mesh/internal/domain/port"
	"github.com/revelium-studio/action-mesh/internal/scheduler"
)

// multipart parse buffer; larger uploads spill to disk.
const maxParseMemory = 32 << 20

// JobHandler is the read/submit surface over the scheduler. Everything here
// is call-and-return; the scheduler owns all state.
type JobHandler struct {
	sched   *scheduler.Scheduler
	store   port.ArtifactStore
	bundler port.Bundler
	healthy func() bool
	logger  *zap.Logger
}

func NewJobHandler(
	sched *scheduler.Scheduler,
	store port.ArtifactStore,
	bundler port.Bundler,
	healthy func() bool,
	logger *zap.Logger,
) *JobHandler {
	return &JobHandler{
		sched:   sched,
		store:   store,
		bundler: bundler,
		healthy: healthy,
		logger:  logger,
	}
}

// JobResponse is the polling snapshot returned for job queries.
type JobResponse struct {
	JobID         string                 `json:"job_id"`
	Status        entity.JobStatus       `json:"status"`
	Mode          entity.Mode            `json:"mode"`
	BlenderExport bool                   `json:"blender_export"`
	FrameCount    int                    `json:"frame_count,omitempty"`
	Error         *entity.JobError       `json:"error,omitempty"`
	Outputs       *entity.OutputManifest `json:"outputs,omitempty"`
	SubmittedAt   time.Time              `json:"submitted_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
}

func toJobResponse(job *entity.Job) JobResponse {
	return JobResponse{
		JobID:         job.ID.String(),
		Status:        job.Status,
		Mode:          job.Mode,
		BlenderExport: job.BlenderExport,
		FrameCount:    job.FrameCount,
		Error:         job.Error,
		Outputs:       job.Outputs,
		SubmittedAt:   job.SubmittedAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
	}
}

// SubmitJob handles POST /jobs.
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxParseMemory); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := scheduler.SubmitRequest{
		SourceURL:     r.FormValue("video_url"),
		Mode:          entity.Mode(r.FormValue("mode")),
		BlenderExport: r.FormValue("blender_export") == "true",
		NotifyEmail:   r.FormValue("notify_email"),
	}
	if req.Mode == "" {
		req.Mode = entity.ModeFastLowRAM
	}

	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		req.Video = file
		req.Filename = header.Filename
	} else if req.SourceURL == "" {
		writeError(w, http.StatusBadRequest, "either a file upload or video_url is required")
		return
	}

	job, err := h.sched.Submit(r.Context(), req)
	if err != nil {
		switch {
		case entity.IsValidation(err):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, scheduler.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "queue is full, try again later")
		default:
			h.logger.Error("submission failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// GetJob handles GET /jobs/{id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	job, err := h.sched.Query(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// DeleteJob handles DELETE /jobs/{id}.
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	if err := h.sched.Delete(r.Context(), id); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("delete failed", zap.String("job_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"job_id": id.String(),
	})
}

// DownloadArtifact handles GET /jobs/{id}/outputs/{name}. Unknown job and
// unknown artifact are reported identically so the registry cannot be
// enumerated through this endpoint.
func (h *JobHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	name := mux.Vars(r)["name"]

	job, err := h.sched.Query(r.Context(), id)
	if err != nil || job.Outputs == nil || !job.Outputs.Contains(name) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rc, size, err := h.store.OpenOutput(r.Context(), id, name)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", mediaType(name))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("artifact stream interrupted",
			zap.String("job_id", id.String()),
			zap.String("artifact", name),
			zap.Error(err),
		)
	}
}

// DownloadBundle handles GET /jobs/{id}/outputs/meshes.zip: an on-demand
// archive of the per-frame meshes, computed from the manifest at request
// time.
func (h *JobHandler) DownloadBundle(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	job, err := h.sched.Query(r.Context(), id)
	if err != nil || job.Outputs == nil || len(job.Outputs.PerFrameMeshes) == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	outputDir := h.store.OutputDir(id)
	paths := make([]string, 0, len(job.Outputs.PerFrameMeshes))
	for _, name := range job.Outputs.PerFrameMeshes {
		paths = append(paths, filepath.Join(outputDir, name))
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "meshes_"+shortID(id)+".zip"))
	w.WriteHeader(http.StatusOK)

	if err := h.bundler.WriteZip(r.Context(), paths, w); err != nil {
		h.logger.Warn("bundle stream interrupted", zap.String("job_id", id.String()), zap.Error(err))
	}
}

// Health handles GET /health.
func (h *JobHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "healthy",
		"inference_available": h.healthy(),
	})
}

func jobID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	return id, err == nil
}

func shortID(id uuid.UUID) string {
	return strings.SplitN(id.String(), "-", 2)[0]
}

func mediaType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".glb":
		return "model/gltf-binary"
	case ".mp4":
		return "video/mp4"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
