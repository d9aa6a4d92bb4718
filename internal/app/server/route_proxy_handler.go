package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"outrider/internal/database"
	"outrider/internal/domain"
)

func parseProxyID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func getAvailableProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := database.GetAvailableProxies()
	if err != nil {
		writeError(w, "Failed to load proxies", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, proxies)
}

func addProxy(w http.ResponseWriter, r *http.Request) {
	var proxy domain.Proxy
	if err := json.NewDecoder(r.Body).Decode(&proxy); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if proxy.Status == "" {
		proxy.Status = domain.ProxyStatusTesting
	}
	if proxy.MaxConcurrentUsers <= 0 {
		proxy.MaxConcurrentUsers = 1
	}

	if err := database.CreateProxy(&proxy); err != nil {
		writeError(w, "Failed to create proxy: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, proxy)
}

func setProxyStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseProxyID(r)
	if !ok {
		writeError(w, "Invalid proxy id", http.StatusBadRequest)
		return
	}

	var body struct {
		Status domain.ProxyStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := database.UpdateProxyStatus(id, body.Status); err != nil {
		writeError(w, "Failed to update status: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(body.Status)})
}

func deleteProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseProxyID(r)
	if !ok {
		writeError(w, "Invalid proxy id", http.StatusBadRequest)
		return
	}

	if err := database.DeleteProxy(id); err != nil {
		writeError(w, "Failed to delete proxy: "+err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func probeProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseProxyID(r)
	if !ok {
		writeError(w, "Invalid proxy id", http.StatusBadRequest)
		return
	}

	proxy, err := database.GetProxyByID(id)
	if err != nil {
		writeError(w, "Proxy not found", http.StatusNotFound)
		return
	}

	result := deps.Prober.Probe(r.Context(), proxy)
	writeJSON(w, http.StatusOK, result)
}
