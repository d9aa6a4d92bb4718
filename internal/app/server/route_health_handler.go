package server

import (
	"encoding/json"
	"net/http"

	"outrider/internal/database"
	"outrider/internal/health"
)

type failingProxyView struct {
	ProxyID            uint64  `json:"proxy_id"`
	UserID             uint    `json:"user_id"`
	HealthScore        float64 `json:"health_score"`
	SuccessRate        float64 `json:"success_rate"`
	ConsecutiveFails   int     `json:"consecutive_failures"`
	RecentFailures     int     `json:"recent_failures"`
	Status             string  `json:"status"`
	AutoDisabledReason string  `json:"auto_disabled_reason,omitempty"`
}

func getFailingProxies(w http.ResponseWriter, r *http.Request) {
	records, err := database.GetFailingHealthRecords()
	if err != nil {
		writeError(w, "Failed to load health records", http.StatusInternalServerError)
		return
	}

	views := make([]failingProxyView, 0, len(records))
	for i := range records {
		record := &records[i]
		metrics := health.Calculate(record)
		views = append(views, failingProxyView{
			ProxyID:            record.ProxyID,
			UserID:             record.UserID,
			HealthScore:        metrics.Score,
			SuccessRate:        metrics.SuccessRate,
			ConsecutiveFails:   record.ConsecutiveFailures,
			RecentFailures:     record.RecentFailureCount,
			Status:             string(record.Status),
			AutoDisabledReason: record.AutoDisabledReason,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func reEnableProxy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProxyID uint64 `json:"proxy_id"`
		UserID  uint   `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ProxyID == 0 || body.UserID == 0 {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := database.ManualReEnableHealthRecord(body.ProxyID, body.UserID); err != nil {
		writeError(w, "Re-enable failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "re-enabled"})
}
