// Package metrics exposes the counts of an event group to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/unvariance/perfctr/pkg/perfevent"
)

const (
	namespace = "perfctr"
	subsystem = "group"
)

// Source supplies the current value of every counter of a group
type Source interface {
	Labels() []string
	Read() ([]uint64, error)
}

// ControlSource reads a perfevent control group. Reads are serialized so a
// scrape never races the owner of the group.
type ControlSource struct {
	mu      sync.Mutex
	ctx     *perfevent.Context
	control *perfevent.Control
}

// NewControlSource binds a control group to the context it was opened with
func NewControlSource(ctx *perfevent.Context, control *perfevent.Control) *ControlSource {
	return &ControlSource{ctx: ctx, control: control}
}

func (s *ControlSource) Labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control.Labels(s.ctx)
}

func (s *ControlSource) Read() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts, err := s.control.Read(s.ctx)
	if err != nil {
		return nil, err
	}
	// the read buffer is reused by the next read
	out := make([]uint64, len(counts))
	copy(out, counts)
	return out, nil
}

// Collector implements prometheus.Collector over a Source
type Collector struct {
	src        Source
	log        *zap.Logger
	count      *prometheus.Desc
	readErrors prometheus.Counter
}

// NewCollector returns a collector reporting src. constLabels are attached
// to every series, for example the measured CPU.
func NewCollector(src Source, constLabels prometheus.Labels, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{
		src: src,
		log: log,
		count: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "events_total"),
			"Value of the hardware or software counter, scaled when multiplexed.",
			[]string{"event"}, constLabels,
		),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "read_errors_total",
			Help:        "Number of failed counter reads.",
			ConstLabels: constLabels,
		}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.count
	c.readErrors.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	defer c.readErrors.Collect(ch)

	counts, err := c.src.Read()
	if err != nil {
		c.log.Warn("reading counters failed", zap.Error(err))
		c.readErrors.Inc()
		return
	}
	labels := c.src.Labels()
	if len(labels) != len(counts) {
		c.log.Error("label and count mismatch", zap.Int("labels", len(labels)), zap.Int("counts", len(counts)))
		c.readErrors.Inc()
		return
	}
	for i, v := range counts {
		ch <- prometheus.MustNewConstMetric(c.count, prometheus.CounterValue, float64(v), labels[i])
	}
}
