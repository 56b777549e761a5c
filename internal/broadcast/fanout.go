package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/lumenclass/backend/internal/live"
)

// ConnState is the negotiation state of one per-viewer connection record.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnOffering     ConnState = "offering"
	ConnAnswered     ConnState = "answered"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

var (
	ErrUnknownViewer = errors.New("no connection record for viewer")
	ErrOutOfOrder    = errors.New("negotiation message out of order")
	ErrNoTracks      = errors.New("local tracks not set")
)

// Signaler sends a control message into the signaling channel.
type Signaler interface {
	Send(live.Message) error
}

// Config tunes the fan-out manager.
type Config struct {
	ICEURLs            []string
	NegotiationTimeout time.Duration
}

// Manager owns the broadcaster's local tracks and maintains one
// independently negotiated peer connection per viewer, replicating the same
// tracks to each. There is no media-level multiplexing between viewers.
type Manager struct {
	api       *webrtc.API
	rtcConfig webrtc.Configuration
	signal    Signaler
	sessionID uuid.UUID
	timeout   time.Duration
	log       *zap.Logger

	mu    sync.Mutex
	audio webrtc.TrackLocal
	video webrtc.TrackLocal
	conns map[string]*viewerConn

	onTimeout func(viewerID string)
}

type viewerConn struct {
	id string

	// mu serializes negotiation steps for this one viewer; different
	// viewers' connections proceed independently.
	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	audioSender  *webrtc.RTPSender
	videoSender  *webrtc.RTPSender
	state        ConnState
	pendingICE   []webrtc.ICECandidateInit
	timeoutTimer *time.Timer

	// stats bookkeeping for bitrate estimation between samples.
	lastBytes    uint64
	lastSampleAt time.Time
}

// NewManager builds a fan-out manager. The WebRTC API carries the default
// codecs and interceptors so every per-viewer connection shares one
// media engine.
func NewManager(cfg Config, sessionID uuid.UUID, signal Signaler, log *zap.Logger) (*Manager, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))

	rtcConfig := webrtc.Configuration{}
	for _, u := range cfg.ICEURLs {
		if u != "" {
			rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	if len(rtcConfig.ICEServers) == 0 {
		rtcConfig.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	timeout := cfg.NegotiationTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		api:       api,
		rtcConfig: rtcConfig,
		signal:    signal,
		sessionID: sessionID,
		timeout:   timeout,
		log:       log,
		conns:     make(map[string]*viewerConn),
	}, nil
}

// OnNegotiationTimeout registers the callback fired when a viewer never
// answers an offer within the configured window.
func (m *Manager) OnNegotiationTimeout(fn func(viewerID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = fn
}

// SetTracks installs the local media tracks replicated to every viewer.
// Must be called before the first AddViewer.
func (m *Manager) SetTracks(audio, video webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = audio
	m.video = video
}

// AddViewer creates a peer connection for a newly joined viewer, attaches
// the current local tracks, and sends the negotiation offer through the
// relay. Adding the same viewer twice tears down the stale connection first.
func (m *Manager) AddViewer(viewerID string) error {
	m.mu.Lock()
	if old, ok := m.conns[viewerID]; ok {
		delete(m.conns, viewerID)
		go old.close()
	}
	audio, video := m.audio, m.video
	m.mu.Unlock()

	if audio == nil || video == nil {
		return ErrNoTracks
	}

	pc, err := m.api.NewPeerConnection(m.rtcConfig)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	vc := &viewerConn{id: viewerID, pc: pc, state: ConnNew}

	audioSender, err := pc.AddTrack(audio)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("add audio track: %w", err)
	}
	videoSender, err := pc.AddTrack(video)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("add video track: %w", err)
	}
	vc.audioSender = audioSender
	vc.videoSender = videoSender

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		body, _ := json.Marshal(c.ToJSON())
		_ = m.signal.Send(live.New(live.TypeICECandidate, live.RelayPayload{
			SessionID: m.sessionID,
			To:        viewerID,
			Purpose:   live.PurposeBroadcast,
			Body:      body,
		}))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		vc.mu.Lock()
		switch s {
		case webrtc.PeerConnectionStateConnected:
			vc.state = ConnConnected
			vc.stopTimeoutLocked()
		case webrtc.PeerConnectionStateDisconnected:
			if vc.state != ConnClosed && vc.state != ConnFailed {
				vc.state = ConnDisconnected
			}
		case webrtc.PeerConnectionStateFailed:
			if vc.state != ConnClosed {
				vc.state = ConnFailed
			}
		case webrtc.PeerConnectionStateClosed:
			vc.state = ConnClosed
		}
		state := vc.state
		vc.mu.Unlock()
		m.log.Debug("viewer connection state",
			zap.String("viewer_id", viewerID), zap.String("state", string(state)))
	})

	vc.mu.Lock()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		vc.mu.Unlock()
		_ = pc.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		vc.mu.Unlock()
		_ = pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}
	vc.state = ConnOffering
	vc.timeoutTimer = time.AfterFunc(m.timeout, func() { m.negotiationTimedOut(viewerID) })
	vc.mu.Unlock()

	m.mu.Lock()
	m.conns[viewerID] = vc
	m.mu.Unlock()

	body, _ := json.Marshal(offer)
	if err := m.signal.Send(live.New(live.TypeOffer, live.RelayPayload{
		SessionID: m.sessionID,
		To:        viewerID,
		Purpose:   live.PurposeBroadcast,
		Body:      body,
	})); err != nil {
		m.RemoveViewer(viewerID)
		return fmt.Errorf("send offer: %w", err)
	}

	m.log.Info("viewer connection offered", zap.String("viewer_id", viewerID))
	return nil
}

// HandleAnswer applies a viewer's negotiation answer. Answers for unknown
// viewers or in the wrong state are dropped and logged, never fatal.
func (m *Manager) HandleAnswer(viewerID string, body json.RawMessage) error {
	vc := m.conn(viewerID)
	if vc == nil {
		m.log.Warn("answer for unknown viewer, dropping", zap.String("viewer_id", viewerID))
		return ErrUnknownViewer
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(body, &answer); err != nil {
		m.log.Warn("malformed answer, dropping", zap.String("viewer_id", viewerID), zap.Error(err))
		return fmt.Errorf("decode answer: %w", err)
	}

	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.state != ConnOffering {
		m.log.Warn("answer out of order, dropping",
			zap.String("viewer_id", viewerID), zap.String("state", string(vc.state)))
		return ErrOutOfOrder
	}
	if err := vc.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	vc.state = ConnAnswered
	vc.stopTimeoutLocked()
	for _, cand := range vc.pendingICE {
		if err := vc.pc.AddICECandidate(cand); err != nil {
			m.log.Warn("buffered candidate rejected", zap.String("viewer_id", viewerID), zap.Error(err))
		}
	}
	vc.pendingICE = nil
	return nil
}

// HandleRemoteCandidate routes a viewer's ICE candidate to its connection.
// Candidates arriving before the answer are buffered, candidates for unknown
// viewers dropped.
func (m *Manager) HandleRemoteCandidate(viewerID string, body json.RawMessage) error {
	vc := m.conn(viewerID)
	if vc == nil {
		m.log.Warn("candidate for unknown viewer, dropping", zap.String("viewer_id", viewerID))
		return ErrUnknownViewer
	}

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(body, &cand); err != nil {
		m.log.Warn("malformed candidate, dropping", zap.String("viewer_id", viewerID), zap.Error(err))
		return fmt.Errorf("decode candidate: %w", err)
	}

	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.pc.RemoteDescription() == nil {
		vc.pendingICE = append(vc.pendingICE, cand)
		return nil
	}
	return vc.pc.AddICECandidate(cand)
}

// RemoveViewer closes and discards the viewer's connection record,
// cancelling any in-flight negotiation. Idempotent.
func (m *Manager) RemoveViewer(viewerID string) {
	m.mu.Lock()
	vc, ok := m.conns[viewerID]
	if ok {
		delete(m.conns, viewerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	vc.close()
	m.log.Info("viewer connection removed", zap.String("viewer_id", viewerID))
}

// ReplaceTrack swaps the outgoing track of the given kind on every existing
// connection in place (same connection objects, no renegotiation), and
// installs it for future viewers. Used for camera/screen-share toggling.
func (m *Manager) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, vc := range m.conns {
		sender := vc.videoSender
		if kind == webrtc.RTPCodecTypeAudio {
			sender = vc.audioSender
		}
		if sender == nil {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace track for %s: %w", vc.id, err)
		}
	}
	if kind == webrtc.RTPCodecTypeAudio {
		m.audio = track
	} else {
		m.video = track
	}
	return nil
}

// Reconnect tears down a viewer's connection and negotiates a fresh one.
// Driven by the health monitor's bounded recovery sequence.
func (m *Manager) Reconnect(viewerID string) error {
	m.RemoveViewer(viewerID)
	return m.AddViewer(viewerID)
}

// ViewerIDs returns the ids of all live connection records.
func (m *Manager) ViewerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// StateOf returns a viewer connection's negotiation state.
func (m *Manager) StateOf(viewerID string) (ConnState, bool) {
	vc := m.conn(viewerID)
	if vc == nil {
		return "", false
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.state, true
}

// Probe returns the health probe for a viewer connection.
func (m *Manager) Probe(viewerID string) (Probe, bool) {
	vc := m.conn(viewerID)
	if vc == nil {
		return nil, false
	}
	return vc, true
}

// CloseAll tears down every connection (session stop).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*viewerConn)
	m.mu.Unlock()
	for _, vc := range conns {
		vc.close()
	}
}

func (m *Manager) conn(viewerID string) *viewerConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[viewerID]
}

func (m *Manager) negotiationTimedOut(viewerID string) {
	vc := m.conn(viewerID)
	if vc == nil {
		return
	}
	vc.mu.Lock()
	if vc.state != ConnOffering {
		vc.mu.Unlock()
		return
	}
	vc.state = ConnFailed
	vc.mu.Unlock()

	m.log.Warn("negotiation timed out", zap.String("viewer_id", viewerID))
	m.mu.Lock()
	fn := m.onTimeout
	m.mu.Unlock()
	if fn != nil {
		fn(viewerID)
	}
}

// State implements Probe.
func (vc *viewerConn) State() webrtc.PeerConnectionState {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.pc == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return vc.pc.ConnectionState()
}

// Sample implements Probe: round-trip estimate from the selected candidate
// pair and outgoing bitrate from byte deltas between samples.
func (vc *viewerConn) Sample() Sample {
	vc.mu.Lock()
	pc := vc.pc
	vc.mu.Unlock()
	if pc == nil {
		return Sample{}
	}

	stats := pc.GetStats()
	var sample Sample
	var bytesSent uint64
	for _, s := range stats {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && st.CurrentRoundTripTime > 0 {
				sample.RTT = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.OutboundRTPStreamStats:
			bytesSent += st.BytesSent
		}
	}

	vc.mu.Lock()
	now := time.Now()
	if !vc.lastSampleAt.IsZero() && bytesSent >= vc.lastBytes {
		elapsed := now.Sub(vc.lastSampleAt).Seconds()
		if elapsed > 0 {
			sample.BitrateKbps = float64(bytesSent-vc.lastBytes) * 8 / 1000 / elapsed
		}
	}
	vc.lastBytes = bytesSent
	vc.lastSampleAt = now
	vc.mu.Unlock()
	return sample
}

func (vc *viewerConn) close() {
	vc.mu.Lock()
	vc.stopTimeoutLocked()
	pc := vc.pc
	vc.state = ConnClosed
	vc.pendingICE = nil
	vc.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
}

func (vc *viewerConn) stopTimeoutLocked() {
	if vc.timeoutTimer != nil {
		vc.timeoutTimer.Stop()
		vc.timeoutTimer = nil
	}
}
