package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/handlers/render"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
)

const healthTimeout = 2 * time.Second

func handleHealth(health healthChecker, l logger.Logger) http.Handler {
	type response struct {
		Status string `json:"status"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()

			if err := health.Ping(ctx); err != nil {
				l.Warn("Health check failed", "error", err)
				render.JSONWithStatus(w, response{Status: "unavailable"}, http.StatusServiceUnavailable)
				return
			}
		}

		render.JSON(w, response{Status: "ok"})
	})
}
