package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"outrider/internal/assignment"
	"outrider/internal/database"
)

func parseUserID(raw string) (uint, bool) {
	id, err := strconv.ParseUint(raw, 10, 32)
	return uint(id), err == nil && id > 0
}

func getActiveAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := database.GetAllActiveAssignments()
	if err != nil {
		writeError(w, "Failed to load assignments", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, assignments)
}

func getUserAssignment(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(r.PathValue("id"))
	if !ok {
		writeError(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	active, err := database.GetActiveAssignmentForUser(userID)
	if err != nil {
		writeError(w, "Failed to load assignment", http.StatusInternalServerError)
		return
	}

	history, err := database.GetAssignmentHistoryForUser(userID, 20)
	if err != nil {
		writeError(w, "Failed to load assignment history", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active":  active,
		"history": history,
	})
}

func rotateUserProxy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID uint   `json:"user_id"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == 0 {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		body.Reason = "manual rotation"
	}

	current, err := database.GetActiveAssignmentForUser(body.UserID)
	if err != nil {
		writeError(w, "Failed to load assignment", http.StatusInternalServerError)
		return
	}

	var excludeProxyID uint64
	if current != nil {
		excludeProxyID = current.ProxyID
	}

	proxy, err := deps.Ledger.Reassign(r.Context(), body.UserID, excludeProxyID, body.Reason)
	if err != nil {
		if errors.Is(err, assignment.ErrNoProxyAvailable) {
			writeError(w, "No proxy available", http.StatusConflict)
			return
		}
		writeError(w, "Rotation failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"proxy_id": proxy.ID,
		"endpoint": proxy.Endpoint,
	})
}

func forceAssignProxy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID  uint   `json:"user_id"`
		ProxyID uint64 `json:"proxy_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == 0 || body.ProxyID == 0 {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		body.Reason = "manual override"
	}

	proxy, err := deps.Ledger.ForceAssign(r.Context(), body.UserID, body.ProxyID, body.Reason)
	if err != nil {
		writeError(w, "Force assignment failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"proxy_id": proxy.ID,
		"endpoint": proxy.Endpoint,
	})
}
