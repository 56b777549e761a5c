package broadcast

import (
	"sync"
	"testing"
	"time"

	webrtc "github.com/pion/webrtc/v3"
)

type fakeProbe struct {
	mu     sync.Mutex
	state  webrtc.PeerConnectionState
	sample Sample
}

func (p *fakeProbe) State() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakeProbe) Sample() Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample
}

func (p *fakeProbe) set(state webrtc.PeerConnectionState, rtt time.Duration) {
	p.mu.Lock()
	p.state = state
	p.sample = Sample{RTT: rtt, BitrateKbps: 900}
	p.mu.Unlock()
}

type fakeFleet struct {
	mu         sync.Mutex
	probes     map[string]*fakeProbe
	reconnects []string
}

func (f *fakeFleet) ViewerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.probes))
	for id := range f.probes {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeFleet) Probe(id string) (Probe, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.probes[id]
	return p, ok
}

func (f *fakeFleet) Reconnect(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects = append(f.reconnects, id)
	return nil
}

func (f *fakeFleet) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reconnects)
}

// waitIdle blocks until no recovery goroutine is in flight for the viewer.
func waitIdle(t *testing.T, m *Monitor, id string) {
	t.Helper()
	for i := 0; i < 2000; i++ {
		m.mu.Lock()
		busy := m.recovering[id]
		m.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("recovery goroutine did not finish")
}

func testMonitor(fleet *fakeFleet, maxAttempts int) *Monitor {
	m := NewMonitor(fleet, MonitorConfig{MaxAttempts: maxAttempts}, nil)
	m.sleep = func(time.Duration) {}
	return m
}

func TestMonitorQualityClassification(t *testing.T) {
	probe := &fakeProbe{}
	fleet := &fakeFleet{probes: map[string]*fakeProbe{"v1": probe}}
	m := testMonitor(fleet, 3)

	var changes []Quality
	m.OnQualityChange(func(_ string, q Quality, _ Sample) { changes = append(changes, q) })

	probe.set(webrtc.PeerConnectionStateConnected, 50*time.Millisecond)
	m.sweep()
	if q, _ := m.QualityOf("v1"); q != QualityExcellent {
		t.Fatalf("quality = %s, want excellent", q)
	}

	// Same bucket, no callback.
	probe.set(webrtc.PeerConnectionStateConnected, 100*time.Millisecond)
	m.sweep()

	probe.set(webrtc.PeerConnectionStateConnected, 300*time.Millisecond)
	m.sweep()
	if q, _ := m.QualityOf("v1"); q != QualityGood {
		t.Fatalf("quality = %s, want good", q)
	}

	probe.set(webrtc.PeerConnectionStateConnected, time.Second)
	m.sweep()
	if q, _ := m.QualityOf("v1"); q != QualityPoor {
		t.Fatalf("quality = %s, want poor", q)
	}

	want := []Quality{QualityExcellent, QualityGood, QualityPoor}
	if len(changes) != len(want) {
		t.Fatalf("callback fired %d times, want %d", len(changes), len(want))
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change[%d] = %s, want %s", i, changes[i], want[i])
		}
	}
}

func TestMonitorBoundedReconnect(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(webrtc.PeerConnectionStateFailed, 0)
	fleet := &fakeFleet{probes: map[string]*fakeProbe{"v1": probe}}
	m := testMonitor(fleet, 2)

	var failed []string
	m.OnPermanentFailure(func(id string) { failed = append(failed, id) })

	// First sweep only records the terminal state; recovery starts on the
	// second.
	m.sweep()
	if got := fleet.reconnectCount(); got != 0 {
		t.Fatalf("reconnect started on first observation (attempts=%d)", got)
	}
	m.sweep()
	waitIdle(t, m, "v1")
	m.sweep()
	waitIdle(t, m, "v1")
	if got := fleet.reconnectCount(); got != 2 {
		t.Fatalf("reconnect attempts = %d, want 2", got)
	}
	if len(failed) != 0 {
		t.Fatal("failure reported before the budget ran out")
	}

	// Budget exhausted: the next sweep gives up instead of retrying.
	m.sweep()
	if got := fleet.reconnectCount(); got != 2 {
		t.Errorf("reconnect attempts after exhaustion = %d, want 2", got)
	}
	if len(failed) != 1 || failed[0] != "v1" {
		t.Fatalf("permanent failure not reported, got %v", failed)
	}

	// The failure is reported once, not on every later sweep.
	m.sweep()
	m.sweep()
	if len(failed) != 1 {
		t.Errorf("permanent failure reported %d times, want 1", len(failed))
	}
	if got := fleet.reconnectCount(); got != 2 {
		t.Errorf("reconnects resumed after permanent failure: %d", got)
	}
}

func TestMonitorRecoveryResetsBudget(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(webrtc.PeerConnectionStateFailed, 0)
	fleet := &fakeFleet{probes: map[string]*fakeProbe{"v1": probe}}
	m := testMonitor(fleet, 1)

	var failed []string
	m.OnPermanentFailure(func(id string) { failed = append(failed, id) })

	m.sweep()
	m.sweep()
	waitIdle(t, m, "v1")

	// The reconnect worked: a connected observation clears the budget.
	probe.set(webrtc.PeerConnectionStateConnected, 50*time.Millisecond)
	m.sweep()

	probe.set(webrtc.PeerConnectionStateFailed, 0)
	m.sweep()
	m.sweep()
	waitIdle(t, m, "v1")
	if got := fleet.reconnectCount(); got != 2 {
		t.Errorf("reconnect attempts = %d, want 2 after budget reset", got)
	}
	if len(failed) != 0 {
		t.Errorf("unexpected permanent failure: %v", failed)
	}
}

func TestMonitorToleratesTransientDisconnect(t *testing.T) {
	probe := &fakeProbe{}
	fleet := &fakeFleet{probes: map[string]*fakeProbe{"v1": probe}}
	m := testMonitor(fleet, 3)

	// A single disconnected observation never starts recovery.
	probe.set(webrtc.PeerConnectionStateDisconnected, 0)
	m.sweep()
	if got := fleet.reconnectCount(); got != 0 {
		t.Fatalf("reconnect started on first observation (attempts=%d)", got)
	}

	// The link comes back before the next sweep: nothing happens, and the
	// persistence marker is gone.
	probe.set(webrtc.PeerConnectionStateConnected, 50*time.Millisecond)
	m.sweep()
	probe.set(webrtc.PeerConnectionStateDisconnected, 0)
	m.sweep()
	if got := fleet.reconnectCount(); got != 0 {
		t.Fatalf("recovered blip counted as persistent (attempts=%d)", got)
	}

	// Still down one interval later: now recovery starts.
	m.sweep()
	waitIdle(t, m, "v1")
	if got := fleet.reconnectCount(); got != 1 {
		t.Errorf("reconnect attempts = %d, want 1", got)
	}
}

func TestMonitorStaysFailedWithoutCallback(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(webrtc.PeerConnectionStateFailed, 0)
	fleet := &fakeFleet{probes: map[string]*fakeProbe{"v1": probe}}
	m := testMonitor(fleet, 1)

	m.sweep()
	m.sweep()
	waitIdle(t, m, "v1")
	if got := fleet.reconnectCount(); got != 1 {
		t.Fatalf("reconnect attempts = %d, want 1", got)
	}

	// Budget exhausted with no failure callback registered: the connection
	// must stay in its terminal state, not cycle through fresh budgets.
	for i := 0; i < 4; i++ {
		m.sweep()
		waitIdle(t, m, "v1")
	}
	if got := fleet.reconnectCount(); got != 1 {
		t.Errorf("reconnect attempts after exhaustion = %d, want 1", got)
	}
}

func TestMonitorIgnoresHealthyAndClosed(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(webrtc.PeerConnectionStateClosed, 0)
	fleet := &fakeFleet{probes: map[string]*fakeProbe{"v1": probe}}
	m := testMonitor(fleet, 3)

	m.sweep()
	if got := fleet.reconnectCount(); got != 0 {
		t.Errorf("closed connection triggered %d reconnects", got)
	}
	if _, ok := m.QualityOf("v1"); ok {
		t.Errorf("closed connection was classified")
	}
}
