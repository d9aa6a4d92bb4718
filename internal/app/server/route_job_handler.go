package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"outrider/internal/database"
	"outrider/internal/domain"
	"outrider/internal/jobs/queue"
)

func submitJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID      uint   `json:"user_id"`
		CampaignID  string `json:"campaign_id"`
		TargetURL   string `json:"target_url"`
		TargetName  string `json:"target_name"`
		Message     string `json:"message"`
		Priority    int    `json:"priority"`
		MaxRetries  int    `json:"max_retries"`
		ScheduledAt string `json:"scheduled_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == 0 || body.TargetURL == "" {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	job := domain.AutomationJob{
		UserID:      body.UserID,
		CampaignID:  body.CampaignID,
		TargetURL:   body.TargetURL,
		TargetName:  body.TargetName,
		Message:     body.Message,
		Priority:    body.Priority,
		MaxRetries:  body.MaxRetries,
		ScheduledAt: time.Now(),
	}
	if body.MaxRetries <= 0 {
		job.MaxRetries = 2
	}
	if body.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, body.ScheduledAt)
		if err != nil {
			writeError(w, "Invalid scheduled_at, want RFC3339", http.StatusBadRequest)
			return
		}
		job.ScheduledAt = at
	}

	if err := database.EnqueueJob(&job); err != nil {
		writeError(w, "Failed to enqueue job", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"external_id":  job.ExternalID,
		"status":       job.Status,
		"scheduled_at": job.ScheduledAt,
	})
}

func getJobStatus(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("externalID")
	if externalID == "" {
		writeError(w, "Missing job id", http.StatusBadRequest)
		return
	}

	job, err := database.GetJobByExternalID(externalID)
	if err != nil {
		writeError(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func getUserJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(r.PathValue("id"))
	if !ok {
		writeError(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	jobs, err := database.GetRecentJobsForUser(userID, limit)
	if err != nil {
		writeError(w, "Failed to load jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func getWorkerCount(w http.ResponseWriter, r *http.Request) {
	count, err := queue.CountActiveWorkers(r.Context(), deps.Redis)
	if err != nil {
		writeError(w, "Failed to count workers", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"active_workers": count})
}

func clearUserCooldown(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(r.PathValue("userID"))
	if !ok {
		writeError(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	if err := deps.Cooldown.Clear(r.Context(), userID); err != nil {
		writeError(w, "Failed to clear cooldown", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
