package runtime

import (
	"net/http"
	goruntime "runtime"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/defood/orderflow/internal/runtime/jsoncodec"
)

const statsPath = "/api/stats"

// ResourceUsage is a coarse view of process load.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// StatsReport is served as JSON next to the Prometheus endpoint.
type StatsReport struct {
	Exchange string          `json:"exchange"`
	Queues   []string        `json:"queues"`
	Metrics  MetricsSnapshot `json:"metrics"`
	Resource ResourceUsage   `json:"resource"`
}

// resourceSampler derives CPU percent from the runtime's cumulative CPU
// seconds between two samples.
type resourceSampler struct {
	mu         sync.Mutex
	sample     []metrics.Sample
	lastCPU    float64
	lastSample time.Time
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{sample: []metrics.Sample{{Name: "/cpu/classes/total:cpu-seconds"}}}
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.sample)
	now := time.Now()
	usage := ResourceUsage{Goroutines: goruntime.NumGoroutine()}

	if v := r.sample[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !r.lastSample.IsZero() {
			if wall := now.Sub(r.lastSample).Seconds(); wall > 0 {
				usage.CPUPercent = (cpu - r.lastCPU) / wall / float64(goruntime.NumCPU()) * 100
			}
		}
		r.lastCPU = cpu
	}
	r.lastSample = now

	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	return usage
}

// Stats assembles the current StatsReport.
func (s *Service) Stats() StatsReport {
	desc := s.topology.Descriptor()
	return StatsReport{
		Exchange: desc.Exchange,
		Queues:   desc.Queues(),
		Metrics:  s.metrics.Snapshot(),
		Resource: s.resources.Snapshot(),
	}
}

func (s *Service) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	if err := jsoncodec.Encode(w, s.Stats()); err != nil {
		s.Logger.Error("Failed to encode stats", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
