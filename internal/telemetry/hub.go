// Package telemetry collects decoded measurement batches and exposes
// them over HTTP for live inspection: recent history, cumulative
// counters, and a server-sent event stream.
package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coilsense/ldcstream/internal/logging"
	"github.com/coilsense/ldcstream/ldc"
)

// Point is one decoded sample as served to telemetry clients.
type Point struct {
	Time      float64 `json:"time"`
	Frequency float64 `json:"frequency"`
}

// Counters accumulate over the life of the hub.
type Counters struct {
	Samples   uint64 `json:"samples"`
	Errors    uint64 `json:"errors"`
	Overflows uint64 `json:"overflows"`
}

// Reporter consumes decoded batches.
type Reporter interface {
	ReportBatch(samples []ldc.Sample, errors, overflows uint64)
}

// MultiReporter fans batches out to several destinations.
type MultiReporter []Reporter

func (m MultiReporter) ReportBatch(samples []ldc.Sample, errors, overflows uint64) {
	for _, r := range m {
		if r != nil {
			r.ReportBatch(samples, errors, overflows)
		}
	}
}

// Hub keeps a bounded sample history and fans live updates out to
// subscribers. It implements Reporter.
type Hub struct {
	mu           sync.RWMutex
	history      []Point
	historyLimit int
	subscribers  map[chan []Point]struct{}
	counters     Counters
	started      time.Time

	log logging.Logger
}

const defaultHistoryLimit = 2500 // 10 s at the 250 Hz default rate

// NewHub builds a hub keeping at most historyLimit recent points.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Hub{
		historyLimit: historyLimit,
		subscribers:  make(map[chan []Point]struct{}),
		started:      time.Now(),
		log:          logger,
	}
}

// ReportBatch records a decoded batch. The error and overflow counts
// are the session's cumulative values and replace the stored ones.
func (h *Hub) ReportBatch(samples []ldc.Sample, errors, overflows uint64) {
	points := make([]Point, len(samples))
	for i, s := range samples {
		points[i] = Point{Time: s.Time, Frequency: s.Frequency}
	}

	h.mu.Lock()
	h.history = append(h.history, points...)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	h.counters.Samples += uint64(len(points))
	h.counters.Errors = errors
	h.counters.Overflows = overflows
	for ch := range h.subscribers {
		select {
		case ch <- points:
		default:
			// Slow client; it catches up from history.
		}
	}
	h.mu.Unlock()

	if h.log != nil {
		h.log.Debug("batch recorded",
			logging.Field{Key: "points", Value: len(points)},
			logging.Field{Key: "errors", Value: errors},
			logging.Field{Key: "overflows", Value: overflows})
	}
}

// History returns a copy of the stored points.
func (h *Hub) History() []Point {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Point, len(h.history))
	copy(out, h.history)
	return out
}

// CountersSnapshot returns the current cumulative counters.
func (h *Hub) CountersSnapshot() Counters {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counters
}

// Subscribe registers a live-update listener. The returned cancel
// function unregisters it and closes the channel.
func (h *Hub) Subscribe() (chan []Point, func()) {
	ch := make(chan []Point, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// RunStatus is the /api/status payload.
type RunStatus struct {
	Counters      Counters `json:"counters"`
	UptimeSeconds float64  `json:"uptimeSeconds"`
	Goroutines    int      `json:"goroutines"`
	HistoryLength int      `json:"historyLength"`
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.History())
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mu.RLock()
	status := RunStatus{
		Counters:      h.counters,
		UptimeSeconds: time.Since(h.started).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		HistoryLength: len(h.history),
	}
	h.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// Replay history so the client has context immediately.
	writeEvent(w, h.History())
	flusher.Flush()

	for {
		select {
		case points, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, points)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, points []Point) {
	payload, err := json.Marshal(points)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
