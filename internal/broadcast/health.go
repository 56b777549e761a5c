package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Quality buckets a connection's link condition for instructor-facing
// indicators.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
)

// Sample is one point-in-time reading taken from a connection's stats.
type Sample struct {
	RTT         time.Duration
	BitrateKbps float64
}

// Probe exposes just enough of a peer connection for the monitor to judge
// its health without owning it.
type Probe interface {
	State() webrtc.PeerConnectionState
	Sample() Sample
}

// Fleet is the set of connections under watch. The fan-out manager
// implements it; tests substitute fakes.
type Fleet interface {
	ViewerIDs() []string
	Probe(viewerID string) (Probe, bool)
	Reconnect(viewerID string) error
}

// MonitorConfig tunes the sweep cadence and the bounded recovery sequence.
type MonitorConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Backoff     time.Duration
	RTTGood     time.Duration
	RTTPoor     time.Duration
}

// Monitor periodically inspects every connection in the fleet, classifies
// link quality, and drives a bounded reconnect sequence for connections
// that drop. It observes and repairs connections but never decides session
// membership; the signaling server remains the only authority on who is in
// the room.
type Monitor struct {
	fleet Fleet
	cfg   MonitorConfig
	log   *zap.Logger

	// injected for tests
	sleep func(time.Duration)

	mu         sync.Mutex
	attempts   map[string]int
	recovering map[string]bool
	pending    map[string]bool // terminal state seen on the previous sweep
	failed     map[string]bool // reconnect budget exhausted
	quality    map[string]Quality

	onQuality func(viewerID string, q Quality, s Sample)
	onFailure func(viewerID string)
}

func NewMonitor(fleet Fleet, cfg MonitorConfig, log *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 4 * time.Second
	}
	if cfg.RTTGood <= 0 {
		cfg.RTTGood = 150 * time.Millisecond
	}
	if cfg.RTTPoor <= 0 {
		cfg.RTTPoor = 400 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		fleet:      fleet,
		cfg:        cfg,
		log:        log,
		sleep:      time.Sleep,
		attempts:   make(map[string]int),
		recovering: make(map[string]bool),
		pending:    make(map[string]bool),
		failed:     make(map[string]bool),
		quality:    make(map[string]Quality),
	}
}

// OnQualityChange registers the callback fired when a connection moves
// between quality buckets.
func (m *Monitor) OnQualityChange(fn func(viewerID string, q Quality, s Sample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQuality = fn
}

// OnPermanentFailure registers the callback fired after the reconnect
// budget for a viewer is exhausted.
func (m *Monitor) OnPermanentFailure(fn func(viewerID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = fn
}

// Run sweeps the fleet on the configured interval until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// QualityOf returns the last classified quality for a viewer.
func (m *Monitor) QualityOf(viewerID string) (Quality, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quality[viewerID]
	return q, ok
}

func (m *Monitor) sweep() {
	for _, id := range m.fleet.ViewerIDs() {
		probe, ok := m.fleet.Probe(id)
		if !ok {
			continue
		}
		switch probe.State() {
		case webrtc.PeerConnectionStateConnected:
			m.observe(id, probe)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			// disconnected is routinely transient; recovery starts only
			// once the terminal state has persisted past a full interval
			m.mu.Lock()
			exhausted := m.failed[id]
			persisted := m.pending[id]
			m.pending[id] = true
			m.mu.Unlock()
			if exhausted || !persisted {
				continue
			}
			m.recover(id)
		default:
			m.mu.Lock()
			delete(m.pending, id)
			m.mu.Unlock()
		}
	}
}

func (m *Monitor) observe(id string, probe Probe) {
	sample := probe.Sample()
	q := m.classify(sample)

	m.mu.Lock()
	// link is back, reset the recovery budget
	delete(m.attempts, id)
	delete(m.pending, id)
	delete(m.failed, id)
	prev, had := m.quality[id]
	m.quality[id] = q
	fn := m.onQuality
	m.mu.Unlock()

	if had && prev == q {
		return
	}
	m.log.Debug("connection quality",
		zap.String("viewer_id", id),
		zap.String("quality", string(q)),
		zap.Duration("rtt", sample.RTT),
		zap.Float64("bitrate_kbps", sample.BitrateKbps))
	if fn != nil {
		fn(id, q, sample)
	}
}

func (m *Monitor) classify(s Sample) Quality {
	switch {
	case s.RTT <= m.cfg.RTTGood:
		return QualityExcellent
	case s.RTT <= m.cfg.RTTPoor:
		return QualityGood
	default:
		return QualityPoor
	}
}

func (m *Monitor) recover(id string) {
	m.mu.Lock()
	if m.recovering[id] {
		m.mu.Unlock()
		return
	}
	if m.attempts[id] >= m.cfg.MaxAttempts {
		// terminal: the id stays marked failed and is never retried until
		// a connected observation clears it
		fn := m.onFailure
		m.failed[id] = true
		delete(m.attempts, id)
		delete(m.quality, id)
		m.mu.Unlock()
		m.log.Warn("reconnect budget exhausted", zap.String("viewer_id", id))
		if fn != nil {
			fn(id)
		}
		return
	}
	m.recovering[id] = true
	m.attempts[id]++
	attempt := m.attempts[id]
	m.mu.Unlock()

	m.log.Info("reconnecting viewer",
		zap.String("viewer_id", id),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", m.cfg.MaxAttempts))

	go func() {
		m.sleep(m.cfg.Backoff)
		err := m.fleet.Reconnect(id)
		m.mu.Lock()
		delete(m.recovering, id)
		m.mu.Unlock()
		if err != nil {
			m.log.Warn("reconnect failed", zap.String("viewer_id", id), zap.Error(err))
		}
	}()
}
