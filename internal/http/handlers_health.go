package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthPingTimeout bounds the store check so a hung database fails the check fast.
const healthPingTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// healthHandler reports 200 while the job run store answers and 503 once it does not.
// HEAD requests get the status code only.
func healthHandler(ping func(ctx context.Context) error, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, code := healthResponse{Status: "ok"}, http.StatusOK
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			err := ping(ctx)
			cancel()
			if err != nil {
				resp, code = healthResponse{Status: "unavailable", Store: "unreachable"}, http.StatusServiceUnavailable
				if logger != nil {
					logger.WarnContext(r.Context(), "health check failed", "error", err)
				}
			} else {
				resp.Store = "ok"
			}
		}

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			return
		}
		WriteJSON(w, code, resp)
	})
}
