package server

import (
	"net/http"

	"github.com/verimeet/broker/internal/config"
)

func pingHandlerFunc(cfg *config.Config) func(http.ResponseWriter, *http.Request) {
	return withTelemetry(cfg, "ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		_, _ = w.Write([]byte(`{ "result": "ping" }`))
	})
}
