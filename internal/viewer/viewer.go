// Package viewer implements the receiving side of a live broadcast: a
// headless agent that joins a session, answers the broadcaster's offer, and
// can request a mic slot to send its own audio upstream.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/lumenclass/backend/internal/live"
	"github.com/lumenclass/backend/internal/signal"
)

// MicState tracks the viewer's own mic slot as seen locally.
type MicState string

const (
	MicNone      MicState = "none"
	MicRequested MicState = "requested"
	MicApproved  MicState = "approved"
	MicActive    MicState = "active"
	MicRejected  MicState = "rejected"
	MicRevoked   MicState = "revoked"
)

var (
	ErrNotJoined     = errors.New("not joined to a session")
	ErrMicUnapproved = errors.New("mic not approved")
	ErrNoMicTrack    = errors.New("no mic track configured")
)

// Config tunes the viewer agent.
type Config struct {
	ICEURLs []string
	// MicTrack, when set, is the audio sent upstream once a mic slot is
	// granted.
	MicTrack webrtc.TrackLocal
}

// Agent is one viewer's coordination state: the signaling channel, the
// receive connection, and the optional outbound mic connection.
type Agent struct {
	conn signal.Conn
	api  *webrtc.API
	rtc  webrtc.Configuration
	mic  webrtc.TrackLocal
	log  *zap.Logger

	mu            sync.Mutex
	sessionID     uuid.UUID
	selfID        string
	broadcasterID string
	count         int
	micState      MicState
	recvPC        *webrtc.PeerConnection
	micPC         *webrtc.PeerConnection
	recvICE       []webrtc.ICECandidateInit
	micICE        []webrtc.ICECandidateInit

	onTrack func(track *webrtc.TrackRemote)
	onCount func(count int)
	onMic   func(state MicState)
	onEnded func()
}

func New(conn signal.Conn, cfg Config, log *zap.Logger) (*Agent, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	rtc := webrtc.Configuration{}
	for _, u := range cfg.ICEURLs {
		if u != "" {
			rtc.ICEServers = append(rtc.ICEServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Agent{
		conn:     conn,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir)),
		rtc:      rtc,
		mic:      cfg.MicTrack,
		log:      log,
		micState: MicNone,
	}, nil
}

// OnTrack registers the callback fired for each incoming media track.
func (a *Agent) OnTrack(fn func(*webrtc.TrackRemote)) { a.mu.Lock(); a.onTrack = fn; a.mu.Unlock() }

// OnViewerCount registers the callback fired on count updates.
func (a *Agent) OnViewerCount(fn func(int)) { a.mu.Lock(); a.onCount = fn; a.mu.Unlock() }

// OnMicChange registers the callback fired on mic slot transitions,
// including local-only outcomes like rejection.
func (a *Agent) OnMicChange(fn func(MicState)) { a.mu.Lock(); a.onMic = fn; a.mu.Unlock() }

// OnSessionEnded registers the callback fired when the broadcast ends.
func (a *Agent) OnSessionEnded(fn func()) { a.mu.Lock(); a.onEnded = fn; a.mu.Unlock() }

// Join announces the viewer to a running session. The server replies with
// join-accepted, handled by Run.
func (a *Agent) Join(sessionID uuid.UUID, name string) error {
	a.mu.Lock()
	a.sessionID = sessionID
	a.mu.Unlock()
	return a.conn.Send(live.New(live.TypeJoinSession, live.JoinPayload{
		SessionID: sessionID,
		Viewer:    live.ViewerInfo{Name: name},
	}))
}

// Leave exits the session cleanly.
func (a *Agent) Leave() error {
	a.mu.Lock()
	sid := a.sessionID
	a.mu.Unlock()
	if sid == uuid.Nil {
		return ErrNotJoined
	}
	return a.conn.Send(live.New(live.TypeLeaveSession, live.LeavePayload{SessionID: sid}))
}

// RequestMic asks the broadcaster for a mic slot.
func (a *Agent) RequestMic() error {
	a.mu.Lock()
	sid, self := a.sessionID, a.selfID
	if sid == uuid.Nil || self == "" {
		a.mu.Unlock()
		return ErrNotJoined
	}
	a.micState = MicRequested
	a.mu.Unlock()
	a.notifyMic(MicRequested)
	return a.conn.Send(live.New(live.TypeMicRequest, live.MicPayload{
		SessionID: sid,
		ViewerID:  self,
	}))
}

// MicState returns the current local mic slot state.
func (a *Agent) MicState() MicState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.micState
}

// ViewerCount returns the last count the server pushed.
func (a *Agent) ViewerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Run reads and dispatches signaling messages until the connection closes,
// the session ends, or the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := a.conn.Receive()
		if err != nil {
			return fmt.Errorf("signaling channel: %w", err)
		}
		done, err := a.dispatch(msg)
		if err != nil {
			a.log.Warn("message handling failed", zap.String("type", string(msg.Type)), zap.Error(err))
		}
		if done {
			return nil
		}
	}
}

func (a *Agent) dispatch(msg live.Message) (done bool, err error) {
	payload, err := live.Decode(msg)
	if err != nil {
		return false, err
	}

	switch p := payload.(type) {
	case live.JoinAcceptedPayload:
		a.mu.Lock()
		a.selfID = p.SelfID
		a.count = p.Count
		a.mu.Unlock()
		a.log.Info("joined session",
			zap.String("session_id", p.SessionID.String()),
			zap.String("self_id", p.SelfID),
			zap.Int("viewers", p.Count))
	case live.RelayPayload:
		return false, a.handleRelay(msg.Type, p)
	case live.MicPayload:
		a.handleMic(msg.Type)
	case live.ViewerCountPayload:
		a.mu.Lock()
		a.count = p.Count
		fn := a.onCount
		a.mu.Unlock()
		if fn != nil {
			fn(p.Count)
		}
	case live.SessionEndedPayload:
		a.log.Info("session ended", zap.String("session_id", p.SessionID.String()))
		a.teardown()
		a.mu.Lock()
		fn := a.onEnded
		a.mu.Unlock()
		if fn != nil {
			fn()
		}
		return true, nil
	case live.ErrorPayload:
		a.log.Warn("server error", zap.String("code", p.Code), zap.String("message", p.Message))
		if p.Code == live.CodeRoomNotFound {
			return true, fmt.Errorf("session not found: %s", p.Message)
		}
	}
	return false, nil
}

func (a *Agent) handleRelay(t live.MessageType, p live.RelayPayload) error {
	switch t {
	case live.TypeOffer:
		return a.handleOffer(p)
	case live.TypeAnswer:
		if p.Purpose != live.PurposeMic {
			return nil
		}
		return a.handleMicAnswer(p.Body)
	case live.TypeICECandidate:
		return a.handleCandidate(p)
	}
	return nil
}

// handleOffer answers the broadcaster's offer on a fresh receive-only
// connection. A repeat offer (broadcaster reconnect) replaces the old one.
func (a *Agent) handleOffer(p live.RelayPayload) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(p.Body, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	a.mu.Lock()
	a.broadcasterID = p.From
	if a.recvPC != nil {
		old := a.recvPC
		a.recvPC = nil
		a.recvICE = nil
		go old.Close()
	}
	a.mu.Unlock()

	pc, err := a.api.NewPeerConnection(a.rtc)
	if err != nil {
		return fmt.Errorf("new receive connection: %w", err)
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		a.log.Info("receiving track", zap.String("kind", track.Kind().String()))
		a.mu.Lock()
		fn := a.onTrack
		a.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		a.sendCandidate(c, live.PurposeBroadcast, p.From)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set answer: %w", err)
	}

	a.mu.Lock()
	a.recvPC = pc
	buffered := a.recvICE
	a.recvICE = nil
	sid := a.sessionID
	a.mu.Unlock()
	for _, cand := range buffered {
		if err := pc.AddICECandidate(cand); err != nil {
			a.log.Warn("buffered candidate rejected", zap.Error(err))
		}
	}

	body, _ := json.Marshal(answer)
	return a.conn.Send(live.New(live.TypeAnswer, live.RelayPayload{
		SessionID: sid,
		To:        p.From,
		Purpose:   live.PurposeBroadcast,
		Body:      body,
	}))
}

func (a *Agent) handleMicAnswer(body json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(body, &answer); err != nil {
		return fmt.Errorf("decode mic answer: %w", err)
	}
	a.mu.Lock()
	pc := a.micPC
	buffered := a.micICE
	a.micICE = nil
	a.mu.Unlock()
	if pc == nil {
		return errors.New("mic answer without mic connection")
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set mic answer: %w", err)
	}
	for _, cand := range buffered {
		if err := pc.AddICECandidate(cand); err != nil {
			a.log.Warn("buffered mic candidate rejected", zap.Error(err))
		}
	}
	return nil
}

func (a *Agent) handleCandidate(p live.RelayPayload) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Body, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	pc := a.recvPC
	buf := &a.recvICE
	if p.Purpose == live.PurposeMic {
		pc = a.micPC
		buf = &a.micICE
	}
	if pc == nil || pc.RemoteDescription() == nil {
		*buf = append(*buf, cand)
		return nil
	}
	return pc.AddICECandidate(cand)
}

func (a *Agent) handleMic(t live.MessageType) {
	switch t {
	case live.TypeMicApproved:
		a.mu.Lock()
		a.micState = MicApproved
		a.mu.Unlock()
		a.notifyMic(MicApproved)
		if err := a.offerMic(); err != nil {
			a.log.Warn("mic negotiation failed", zap.Error(err))
		}
	case live.TypeMicRejected:
		// surfaced locally only; nothing is announced to other viewers
		a.mu.Lock()
		a.micState = MicRejected
		a.mu.Unlock()
		a.notifyMic(MicRejected)
	case live.TypeMicRevoked:
		a.mu.Lock()
		a.micState = MicRevoked
		pc := a.micPC
		a.micPC = nil
		a.micICE = nil
		a.mu.Unlock()
		if pc != nil {
			_ = pc.Close()
		}
		a.notifyMic(MicRevoked)
	case live.TypeMicActive:
		a.mu.Lock()
		a.micState = MicActive
		a.mu.Unlock()
		a.notifyMic(MicActive)
	}
}

// offerMic opens the dedicated outbound audio connection after approval.
func (a *Agent) offerMic() error {
	a.mu.Lock()
	track := a.mic
	sid := a.sessionID
	target := a.broadcasterID
	a.mu.Unlock()
	if track == nil {
		return ErrNoMicTrack
	}
	if target == "" {
		return errors.New("broadcaster identity not yet known")
	}

	pc, err := a.api.NewPeerConnection(a.rtc)
	if err != nil {
		return fmt.Errorf("new mic connection: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return fmt.Errorf("add mic track: %w", err)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		a.sendCandidate(c, live.PurposeMic, "")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		a.micConnStateChanged(pc, s)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create mic offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set mic offer: %w", err)
	}

	a.mu.Lock()
	a.micPC = pc
	a.mu.Unlock()

	body, _ := json.Marshal(offer)
	return a.conn.Send(live.New(live.TypeOffer, live.RelayPayload{
		SessionID: sid,
		To:        target,
		Purpose:   live.PurposeMic,
		Body:      body,
	}))
}

// micConnStateChanged drops the mic leg when its transport dies. The grant
// is gone either way; local state falls back to MicNone so the viewer can
// request again.
func (a *Agent) micConnStateChanged(pc *webrtc.PeerConnection, s webrtc.PeerConnectionState) {
	if s != webrtc.PeerConnectionStateDisconnected && s != webrtc.PeerConnectionStateFailed {
		return
	}
	a.mu.Lock()
	if a.micPC != pc {
		// already replaced or torn down
		a.mu.Unlock()
		return
	}
	a.micPC = nil
	a.micICE = nil
	changed := a.micState == MicApproved || a.micState == MicActive
	if changed {
		a.micState = MicNone
	}
	a.mu.Unlock()
	_ = pc.Close()
	a.log.Warn("mic connection lost", zap.String("state", s.String()))
	if changed {
		a.notifyMic(MicNone)
	}
}

// sendCandidate trickles a local candidate to the other side. An empty
// target falls back to the broadcaster's channel id.
func (a *Agent) sendCandidate(c *webrtc.ICECandidate, purpose, to string) {
	a.mu.Lock()
	sid := a.sessionID
	if to == "" {
		to = a.broadcasterID
	}
	a.mu.Unlock()
	body, _ := json.Marshal(c.ToJSON())
	_ = a.conn.Send(live.New(live.TypeICECandidate, live.RelayPayload{
		SessionID: sid,
		To:        to,
		Purpose:   purpose,
		Body:      body,
	}))
}

func (a *Agent) teardown() {
	a.mu.Lock()
	recv, mic := a.recvPC, a.micPC
	a.recvPC, a.micPC = nil, nil
	a.recvICE, a.micICE = nil, nil
	a.mu.Unlock()
	if recv != nil {
		_ = recv.Close()
	}
	if mic != nil {
		_ = mic.Close()
	}
}

func (a *Agent) notifyMic(s MicState) {
	a.mu.Lock()
	fn := a.onMic
	a.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Close releases the agent's connections. The signaling channel is closed
// last so in-flight sends drain.
func (a *Agent) Close() error {
	a.teardown()
	return a.conn.Close()
}
