package handlers

import (
	"net/http"

	"github.com/termgate/termgate/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	runtimeStatus := "disconnected"
	runtimeBackend := "none"
	if Reg != nil {
		rt := Reg.Runtime()
		runtimeBackend = rt.BackendName()
		if rt.IsAvailable(r.Context()) {
			runtimeStatus = "connected"
		}
	}

	status := "healthy"
	if dbStatus != "connected" || runtimeStatus != "connected" {
		status = "unhealthy"
	}

	sessions := 0
	if Reg != nil {
		sessions = Reg.Count()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"database":        dbStatus,
		"runtime":         runtimeStatus,
		"runtime_backend": runtimeBackend,
		"sessions":        sessions,
	})
}
