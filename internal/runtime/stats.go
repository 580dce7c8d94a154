package runtime

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/drblury/socialbus/internal/runtime/jsoncodec"
)

const latencySampleSize = 128

// HandlerInfo describes one registered handler binding.
type HandlerInfo struct {
	Name        string        `json:"name"`
	TypeTag     string        `json:"type_tag"`
	Destination string        `json:"destination"`
	Stats       *HandlerStats `json:"stats"`
}

// HandlerStats accumulates invocation results of one binding.
type HandlerStats struct {
	mu sync.Mutex

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	MessagesSkipped     uint64    `json:"messages_skipped"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	LastError           string    `json:"last_error,omitempty"`

	Latency LatencyMetrics `json:"latency"`

	latencyWindow *latencyWindow
}

// LatencyMetrics summarises the most recent invocation durations.
type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

func newHandlerStats() *HandlerStats {
	return &HandlerStats{latencyWindow: newLatencyWindow(latencySampleSize)}
}

func (h *HandlerStats) recordInvocation(duration time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.MessagesProcessed++
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = time.Now()
	if err != nil {
		h.MessagesFailed++
		h.LastError = err.Error()
	}
	h.latencyWindow.Add(duration)
	h.Latency = h.latencyWindow.Snapshot()
}

// recordSkip counts a message the handler could not be resolved for.
func (h *HandlerStats) recordSkip(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.MessagesSkipped++
	if err != nil {
		h.LastError = err.Error()
	}
}

// Snapshot returns a copy safe to read while dispatch continues.
func (h *HandlerStats) Snapshot() HandlerStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandlerStats{
		MessagesProcessed:   h.MessagesProcessed,
		MessagesFailed:      h.MessagesFailed,
		MessagesSkipped:     h.MessagesSkipped,
		TotalProcessingTime: h.TotalProcessingTime,
		LastProcessedAt:     h.LastProcessedAt,
		LastError:           h.LastError,
		Latency:             h.Latency,
	}
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	snapshot := h.Snapshot()

	type alias struct {
		MessagesProcessed   uint64         `json:"messages_processed"`
		MessagesFailed      uint64         `json:"messages_failed"`
		MessagesSkipped     uint64         `json:"messages_skipped"`
		TotalProcessingTime int64          `json:"total_processing_time_ns"`
		LastProcessedAt     time.Time      `json:"last_processed_at"`
		LastError           string         `json:"last_error,omitempty"`
		Latency             LatencyMetrics `json:"latency"`
	}
	return jsoncodec.Marshal(alias{
		MessagesProcessed:   snapshot.MessagesProcessed,
		MessagesFailed:      snapshot.MessagesFailed,
		MessagesSkipped:     snapshot.MessagesSkipped,
		TotalProcessingTime: snapshot.TotalProcessingTime,
		LastProcessedAt:     snapshot.LastProcessedAt,
		LastError:           snapshot.LastError,
		Latency:             snapshot.Latency,
	})
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}

	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)

	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.SampleSize = lw.filled
	metrics.AverageNs = sum / int64(len(samples))
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

// percentile interpolates linearly between the two nearest ranks of sorted
// samples.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}
