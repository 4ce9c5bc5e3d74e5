package fate

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// stepLatencyWindow is the number of most recent Call durations retained
// per step name for the mean/stddev computed by StepStats.
const stepLatencyWindow = 256

// StepLatencyStats is a snapshot of recent execution timing for one step
// name.
type StepLatencyStats struct {
	Name    string
	Samples int
	Mean    time.Duration
	StdDev  time.Duration
}

// metricsRegistry tracks a bounded ring buffer of recent Call durations per
// step name and reduces them with gonum/stat on demand. This is the
// observability complement to the executor's per-transaction state: the
// teacher repo stamps per-node StartTime/EndTime but never aggregates them,
// so this is new, built on the same timing fields.
type metricsRegistry struct {
	mu      sync.Mutex
	samples map[string][]float64 // nanoseconds, ring buffer
	next    map[string]int
}

func newMetricsRegistry() *metricsRegistry {
	return &metricsRegistry{
		samples: make(map[string][]float64),
		next:    make(map[string]int),
	}
}

func (m *metricsRegistry) record(stepName string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.samples[stepName]
	if !ok {
		buf = make([]float64, 0, stepLatencyWindow)
	}
	if len(buf) < stepLatencyWindow {
		m.samples[stepName] = append(buf, float64(d))
		return
	}
	i := m.next[stepName]
	buf[i] = float64(d)
	m.next[stepName] = (i + 1) % stepLatencyWindow
}

// Stats returns the current mean/stddev for stepName, or false if no
// samples have been recorded yet.
func (m *metricsRegistry) Stats(stepName string) (StepLatencyStats, bool) {
	m.mu.Lock()
	buf := append([]float64(nil), m.samples[stepName]...)
	m.mu.Unlock()

	if len(buf) == 0 {
		return StepLatencyStats{}, false
	}
	mean, stddev := stat.MeanStdDev(buf, nil)
	return StepLatencyStats{
		Name:    stepName,
		Samples: len(buf),
		Mean:    time.Duration(mean),
		StdDev:  time.Duration(stddev),
	}, true
}

// StepNames returns the set of step names with recorded samples.
func (m *metricsRegistry) StepNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.samples))
	for name := range m.samples {
		names = append(names, name)
	}
	return names
}
