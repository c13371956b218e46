package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// Handler exposes liveness and readiness endpoints. A nil probe marks a
// dependency that is not configured, such as the store in memory mode.
type Handler struct {
	Probes  map[string]Probe
	Timeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe and answers 503 if any of them fails.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status, ok := h.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Check runs the probes in name order.
func (h Handler) Check(ctx context.Context) (map[string]string, bool) {
	names := make([]string, 0, len(h.Probes))
	for name := range h.Probes {
		names = append(names, name)
	}
	sort.Strings(names)

	status := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		probe := h.Probes[name]
		if probe == nil {
			status[name] = "disabled"
			continue
		}
		if err := h.run(ctx, probe); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	return status, healthy
}

func (h Handler) run(ctx context.Context, probe Probe) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout())
	defer cancel()
	return probe(ctx)
}

func (h Handler) timeout() time.Duration {
	if h.Timeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.Timeout
}
