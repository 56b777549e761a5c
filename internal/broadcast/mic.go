package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/lumenclass/backend/internal/live"
)

// MicController handles the instructor side of viewer mic admission.
// An approved viewer negotiates its own inbound audio connection, separate
// from the outbound broadcast connection to that same viewer; revoking a
// mic tears down only the inbound leg.
type MicController struct {
	api       *webrtc.API
	rtcConfig webrtc.Configuration
	signal    Signaler
	sessionID uuid.UUID
	log       *zap.Logger

	mu    sync.Mutex
	conns map[string]*micConn

	onActive func(viewerID string, track *webrtc.TrackRemote)
}

type micConn struct {
	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	pendingICE []webrtc.ICECandidateInit
	active     bool
}

func NewMicController(cfg Config, sessionID uuid.UUID, signal Signaler, log *zap.Logger) (*MicController, error) {
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
	if log == nil {
		log = zap.NewNop()
	}
	return &MicController{
		api:       api,
		rtcConfig: rtcConfig,
		signal:    signal,
		sessionID: sessionID,
		log:       log,
		conns:     make(map[string]*micConn),
	}, nil
}

// OnMicActive registers the callback fired when an approved viewer's audio
// actually starts flowing.
func (mc *MicController) OnMicActive(fn func(viewerID string, track *webrtc.TrackRemote)) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.onActive = fn
}

// Approve grants a pending mic request.
func (mc *MicController) Approve(viewerID string) error {
	return mc.signal.Send(live.New(live.TypeMicApproved, live.MicPayload{
		SessionID: mc.sessionID,
		ViewerID:  viewerID,
	}))
}

// Reject declines a pending mic request.
func (mc *MicController) Reject(viewerID string) error {
	return mc.signal.Send(live.New(live.TypeMicRejected, live.MicPayload{
		SessionID: mc.sessionID,
		ViewerID:  viewerID,
	}))
}

// Revoke withdraws an already granted mic and closes the inbound audio
// connection. The viewer's broadcast connection is untouched.
func (mc *MicController) Revoke(viewerID string) error {
	mc.dropConn(viewerID)
	return mc.signal.Send(live.New(live.TypeMicRevoked, live.MicPayload{
		SessionID: mc.sessionID,
		ViewerID:  viewerID,
	}))
}

// HandleOffer answers an approved viewer's mic offer with a receive-only
// audio connection.
func (mc *MicController) HandleOffer(viewerID string, body json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(body, &offer); err != nil {
		return fmt.Errorf("decode mic offer: %w", err)
	}

	// a fresh offer from the same viewer replaces any stale connection
	mc.dropConn(viewerID)

	pc, err := mc.api.NewPeerConnection(mc.rtcConfig)
	if err != nil {
		return fmt.Errorf("new mic connection: %w", err)
	}
	conn := &micConn{pc: pc}
	mc.mu.Lock()
	mc.conns[viewerID] = conn
	mc.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candBody, _ := json.Marshal(c.ToJSON())
		_ = mc.signal.Send(live.New(live.TypeICECandidate, live.RelayPayload{
			SessionID: mc.sessionID,
			To:        viewerID,
			Purpose:   live.PurposeMic,
			Body:      candBody,
		}))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		mc.connStateChanged(viewerID, conn, s)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		conn.mu.Lock()
		first := !conn.active
		conn.active = true
		conn.mu.Unlock()
		if !first {
			return
		}
		mc.log.Info("viewer mic active", zap.String("viewer_id", viewerID))
		_ = mc.signal.Send(live.New(live.TypeMicActive, live.MicPayload{
			SessionID: mc.sessionID,
			ViewerID:  viewerID,
		}))
		mc.mu.Lock()
		fn := mc.onActive
		mc.mu.Unlock()
		if fn != nil {
			fn(viewerID, track)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		mc.dropConn(viewerID)
		return fmt.Errorf("set mic offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		mc.dropConn(viewerID)
		return fmt.Errorf("create mic answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		mc.dropConn(viewerID)
		return fmt.Errorf("set mic answer: %w", err)
	}

	conn.mu.Lock()
	for _, cand := range conn.pendingICE {
		if err := pc.AddICECandidate(cand); err != nil {
			mc.log.Warn("buffered mic candidate rejected",
				zap.String("viewer_id", viewerID), zap.Error(err))
		}
	}
	conn.pendingICE = nil
	conn.mu.Unlock()

	answerBody, _ := json.Marshal(answer)
	return mc.signal.Send(live.New(live.TypeAnswer, live.RelayPayload{
		SessionID: mc.sessionID,
		To:        viewerID,
		Purpose:   live.PurposeMic,
		Body:      answerBody,
	}))
}

// HandleCandidate routes an approved viewer's mic ICE candidate.
func (mc *MicController) HandleCandidate(viewerID string, body json.RawMessage) error {
	mc.mu.Lock()
	conn, ok := mc.conns[viewerID]
	mc.mu.Unlock()
	if !ok {
		mc.log.Warn("mic candidate without connection, dropping", zap.String("viewer_id", viewerID))
		return ErrUnknownViewer
	}

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(body, &cand); err != nil {
		return fmt.Errorf("decode mic candidate: %w", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.pc.RemoteDescription() == nil {
		conn.pendingICE = append(conn.pendingICE, cand)
		return nil
	}
	return conn.pc.AddICECandidate(cand)
}

// DropViewer closes a departing viewer's mic connection without sending a
// revoke; the registry already notified everyone.
func (mc *MicController) DropViewer(viewerID string) {
	mc.dropConn(viewerID)
}

// Close tears down all inbound mic connections.
func (mc *MicController) Close() {
	mc.mu.Lock()
	conns := mc.conns
	mc.conns = make(map[string]*micConn)
	mc.mu.Unlock()
	for _, conn := range conns {
		_ = conn.pc.Close()
	}
}

// connStateChanged tears down a mic connection whose transport died. The
// revoke is sent even for a connection that never produced audio: a grant
// without a live inbound leg cannot be fulfilled.
func (mc *MicController) connStateChanged(viewerID string, conn *micConn, s webrtc.PeerConnectionState) {
	if s != webrtc.PeerConnectionStateDisconnected && s != webrtc.PeerConnectionStateFailed {
		return
	}
	mc.mu.Lock()
	if mc.conns[viewerID] != conn {
		// already replaced or dropped
		mc.mu.Unlock()
		return
	}
	delete(mc.conns, viewerID)
	mc.mu.Unlock()
	_ = conn.pc.Close()
	mc.log.Warn("mic connection lost",
		zap.String("viewer_id", viewerID), zap.String("state", s.String()))
	_ = mc.signal.Send(live.New(live.TypeMicRevoked, live.MicPayload{
		SessionID: mc.sessionID,
		ViewerID:  viewerID,
	}))
}

func (mc *MicController) dropConn(viewerID string) {
	mc.mu.Lock()
	conn, ok := mc.conns[viewerID]
	if ok {
		delete(mc.conns, viewerID)
	}
	mc.mu.Unlock()
	if ok {
		_ = conn.pc.Close()
	}
}
