package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"outrider/internal/assignment"
	"outrider/internal/auth"
	"outrider/internal/cooldown"
	"outrider/internal/health"
	"outrider/internal/prober"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// Deps are the live services the HTTP layer exposes. Configure must run
// before OpenRoutes.
type Deps struct {
	Ledger    *assignment.Ledger
	Evaluator *health.Evaluator
	Prober    *prober.Prober
	Cooldown  *cooldown.Store
	Redis     *redis.Client
}

var deps Deps

func Configure(d Deps) {
	deps = d
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func OpenRoutes(port int) error {
	router := http.NewServeMux()

	router.HandleFunc("POST /login", loginUser)

	router.Handle("GET /proxies/available", auth.RequireAuth(http.HandlerFunc(getAvailableProxies)))
	router.Handle("POST /proxies", auth.IsAdmin(http.HandlerFunc(addProxy)))
	router.Handle("POST /proxies/{id}/status", auth.IsAdmin(http.HandlerFunc(setProxyStatus)))
	router.Handle("POST /proxies/{id}/probe", auth.IsAdmin(http.HandlerFunc(probeProxy)))
	router.Handle("DELETE /proxies/{id}", auth.IsAdmin(http.HandlerFunc(deleteProxy)))

	router.Handle("GET /assignments/active", auth.IsAdmin(http.HandlerFunc(getActiveAssignments)))
	router.Handle("GET /assignments/user/{id}", auth.RequireAuth(http.HandlerFunc(getUserAssignment)))
	router.Handle("POST /assignments/rotate", auth.IsAdmin(http.HandlerFunc(rotateUserProxy)))
	router.Handle("POST /assignments/force", auth.IsAdmin(http.HandlerFunc(forceAssignProxy)))

	router.Handle("GET /health/failing", auth.IsAdmin(http.HandlerFunc(getFailingProxies)))
	router.Handle("POST /health/reenable", auth.IsAdmin(http.HandlerFunc(reEnableProxy)))

	router.Handle("POST /jobs", auth.RequireAuth(http.HandlerFunc(submitJob)))
	router.Handle("GET /jobs/{externalID}", auth.RequireAuth(http.HandlerFunc(getJobStatus)))
	router.Handle("GET /jobs/user/{id}", auth.RequireAuth(http.HandlerFunc(getUserJobs)))

	router.Handle("GET /workers/count", auth.IsAdmin(http.HandlerFunc(getWorkerCount)))
	router.Handle("DELETE /cooldown/{userID}", auth.IsAdmin(http.HandlerFunc(clearUserCooldown)))

	log.Debug("Routes opened")

	server := http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: enableCORS(router),
	}
	return server.ListenAndServe()
}
