// Package metrics records gateway action outcomes as time series points.
package metrics

import (
	"io"
	"log"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const measurement = "agent_action"

// Observation is one handled gateway action.
type Observation struct {
	Action   string
	Agent    string
	Success  bool
	Code     string
	Attempts int
	Duration time.Duration
	At       time.Time
}

// Recorder receives observations. Implementations must not block the caller.
type Recorder interface {
	Observe(o Observation)
	Close()
}

// Nop discards observations.
type Nop struct{}

func (Nop) Observe(Observation) {}
func (Nop) Close()              {}

// Point converts an observation into an Influx point.
func Point(o Observation) *write.Point {
	outcome := "ok"
	if !o.Success {
		outcome = "error"
	}
	tags := map[string]string{
		"action":  o.Action,
		"outcome": outcome,
	}
	if o.Code != "" {
		tags["code"] = o.Code
	}
	fields := map[string]interface{}{
		"duration_ms": o.Duration.Milliseconds(),
		"attempts":    int64(o.Attempts),
	}
	if o.Agent != "" {
		fields["agent"] = o.Agent
	}
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	return influxdb2.NewPoint(measurement, tags, fields, at)
}

// InfluxConfig locates the bucket observations are written to.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Influx writes observations through the non-blocking write API.
type Influx struct {
	client influxdb2.Client
	write  api.WriteAPI
	logger *log.Logger
	done   chan struct{}
	once   sync.Once
}

// NewInflux creates a recorder. Write errors are logged.
func NewInflux(cfg InfluxConfig, logger *log.Logger) *Influx {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(1000))
	i := &Influx{
		client: client,
		write:  client.WriteAPI(cfg.Org, cfg.Bucket),
		logger: logger,
		done:   make(chan struct{}),
	}
	go i.drainErrors()
	return i
}

func (i *Influx) drainErrors() {
	errs := i.write.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			i.logger.Printf("metrics: influx write failed: %v", err)
		case <-i.done:
			return
		}
	}
}

// Observe queues the observation.
func (i *Influx) Observe(o Observation) {
	i.write.WritePoint(Point(o))
}

// Close flushes pending points and closes the client.
func (i *Influx) Close() {
	i.once.Do(func() {
		i.write.Flush()
		close(i.done)
		i.client.Close()
	})
}

// Memory keeps observations in memory.
type Memory struct {
	mu  sync.Mutex
	obs []Observation
}

func (m *Memory) Observe(o Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, o)
}

func (m *Memory) Close() {}

// Observations returns the recorded observations for an action, or all when
// action is empty.
func (m *Memory) Observations(action string) []Observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Observation
	for _, o := range m.obs {
		if action == "" || o.Action == action {
			out = append(out, o)
		}
	}
	return out
}
