package handlers

import "net/http"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping() error
}

// NewHealthHandler returns GET /health handler. Nil pingers are skipped.
func NewHealthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		report := map[string]string{"status": "ok"}
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check.Ping(); err != nil {
				status = http.StatusServiceUnavailable
				report["status"] = "degraded"
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		writeJSON(w, status, report)
	}
}

// PingFunc adapts a function to Pinger.
type PingFunc func() error

// Ping calls f.
func (f PingFunc) Ping() error { return f() }
