package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CrackerCat/Android-DataBackup/internal/logging"
)

// RunMetrics is the summary of one run exported as Prometheus metrics.
type RunMetrics struct {
	Flow  string // backup-app, restore-media, ...
	RunID string

	StartTime time.Time
	EndTime   time.Time

	TasksTotal     int
	TasksSucceeded int
	TasksFailed    int
	ObjectsSkipped int
	ObjectsFailed  int
	EventsDropped  int
	Cancelled      bool
}

// Success reports whether every task of the run succeeded.
func (m *RunMetrics) Success() bool {
	return !m.Cancelled && m.TasksFailed == 0
}

// PrometheusExporter writes run metrics in textfile format for node_exporter.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger

	mu          sync.Mutex
	lastSuccess map[string]time.Time
}

// NewPrometheusExporter creates a new PrometheusExporter using the provided directory.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
		lastSuccess: make(map[string]time.Time),
	}
}

// Path returns the textfile written for flow.
func (pe *PrometheusExporter) Path(flow string) string {
	return filepath.Join(pe.textfileDir, "databackup_"+strings.ReplaceAll(flow, "-", "_")+".prom")
}

// Export writes m to the flow's textfile, replacing the previous run.
func (pe *PrometheusExporter) Export(m *RunMetrics) error {
	if pe == nil || m == nil {
		return nil
	}
	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}
	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	pe.mu.Lock()
	if m.Success() {
		pe.lastSuccess[m.Flow] = m.EndTime
	}
	last := pe.lastSuccess[m.Flow]
	pe.mu.Unlock()

	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"flow": m.Flow}
	gauge := func(name, help string, value float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "databackup",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(value)
		reg.MustRegister(g)
	}

	status := 0.0
	switch {
	case m.Cancelled:
		status = 2
	case m.TasksFailed > 0:
		status = 1
	}

	gauge("start_time_seconds", "Unix timestamp of run start", float64(m.StartTime.Unix()))
	gauge("end_time_seconds", "Unix timestamp of run end", float64(m.EndTime.Unix()))
	gauge("duration_seconds", "Duration of the last run in seconds", m.EndTime.Sub(m.StartTime).Seconds())
	gauge("status", "Run status (0=success, 1=failed tasks, 2=cancelled)", status)
	gauge("tasks_total", "Tasks in the last run", float64(m.TasksTotal))
	gauge("tasks_succeeded", "Tasks that succeeded in the last run", float64(m.TasksSucceeded))
	gauge("tasks_failed", "Tasks that failed in the last run", float64(m.TasksFailed))
	gauge("objects_skipped", "Objects skipped as unchanged in the last run", float64(m.ObjectsSkipped))
	gauge("objects_failed", "Objects that failed in the last run", float64(m.ObjectsFailed))
	gauge("events_dropped", "Progress events dropped because the consumer was slow", float64(m.EventsDropped))
	if !last.IsZero() {
		gauge("last_success_timestamp_seconds", "Unix timestamp of the last fully successful run", float64(last.Unix()))
	}

	path := pe.Path(m.Flow)
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write metrics file %s: %w", path, err)
	}
	pe.logger.Debug("Prometheus metrics written to %s", path)
	return nil
}
