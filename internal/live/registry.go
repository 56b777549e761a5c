package live

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrRoomNotFound   = errors.New("session not found")
	ErrUnknownPeer    = errors.New("unknown peer identity")
	ErrAlreadyLive    = errors.New("broadcaster already has an active session")
	ErrNotBroadcaster = errors.New("operation reserved for the broadcaster")
)

// MicState tracks one viewer's position in the mic admission workflow.
type MicState string

const (
	MicNone      MicState = "none"
	MicRequested MicState = "requested"
	MicApproved  MicState = "approved"
	MicActive    MicState = "active"
	MicRevoked   MicState = "revoked"
)

// Sender delivers a signaling message to one participant's channel.
// Send must not block; a full channel drops the message.
type Sender interface {
	Send(Message) bool
}

// ViewerEntry is the registry's record of one joined viewer.
type ViewerEntry struct {
	ID       string    `json:"id"`
	UserID   uuid.UUID `json:"user_id"`
	Name     string    `json:"name,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
	Mic      MicState  `json:"mic"`
	LastSeen time.Time `json:"last_seen"`

	send Sender
}

// MicRequest is one pending mic admission request.
type MicRequest struct {
	ViewerID    string    `json:"viewer_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// CountHook observes viewer-count changes (presence cache, peak tracking, metrics).
type CountHook func(sessionID uuid.UUID, count int)

// EventHook observes lifecycle and mic admission events for compliance logging.
type EventHook func(ev SessionEvent)

// SessionEvent is what the registry reports to the audit collaborator.
// ActorID is the channel identity; UserID is the platform account behind
// it, when known.
type SessionEvent struct {
	Type      string
	SessionID uuid.UUID
	CourseID  uuid.UUID
	ActorID   string
	UserID    uuid.UUID
	At        time.Time
}

// Event type names reported through the EventHook.
const (
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
	EventViewerJoined   = "viewer_joined"
	EventViewerLeft     = "viewer_left"
	EventMicRequested   = "mic_requested"
	EventMicApproved    = "mic_approved"
	EventMicRejected    = "mic_rejected"
	EventMicRevoked     = "mic_revoked"
	EventMicActive      = "mic_active"
)

type session struct {
	id              uuid.UUID
	meta            SessionMetadata
	createdAt       time.Time
	broadcaster     Sender
	broadcasterID   string
	broadcasterUser uuid.UUID

	// mu serializes all membership and mic mutations for this session.
	mu      sync.Mutex
	viewers map[string]*ViewerEntry
	ended   bool
}

// Registry is the single source of truth for active broadcast sessions:
// which session is live, who is watching, and who holds a mic grant.
// Membership is mutated here and nowhere else.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	byOwner  map[string]uuid.UUID // broadcaster channel id -> session

	log     *zap.Logger
	onCount CountHook
	onEvent EventHook
}

// NewRegistry creates an empty session registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[uuid.UUID]*session),
		byOwner:  make(map[string]uuid.UUID),
		log:      log,
	}
}

// SetCountHook registers the observer for viewer-count changes.
func (r *Registry) SetCountHook(fn CountHook) { r.onCount = fn }

// SetEventHook registers the observer for lifecycle and mic events.
func (r *Registry) SetEventHook(fn EventHook) { r.onEvent = fn }

func (r *Registry) emit(t string, s *session, actorID string, userID uuid.UUID) {
	if r.onEvent == nil {
		return
	}
	r.onEvent(SessionEvent{
		Type:      t,
		SessionID: s.id,
		CourseID:  s.meta.CourseID,
		ActorID:   actorID,
		UserID:    userID,
		At:        time.Now(),
	})
}

// userOf returns the platform user behind a channel id, if the session
// knows it. Callers hold no locks.
func (s *session) userOf(channelID string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channelID == s.broadcasterID {
		return s.broadcasterUser
	}
	if v, ok := s.viewers[channelID]; ok {
		return v.UserID
	}
	return uuid.Nil
}

// CreateSession registers a new broadcast owned by the given channel.
// A broadcaster has at most one session; creating while one is live ends
// the old one first (covers broadcaster tab reloads that race the close).
func (r *Registry) CreateSession(b Sender, broadcasterID string, broadcasterUser uuid.UUID, meta SessionMetadata) (uuid.UUID, error) {
	r.mu.Lock()
	if old, ok := r.byOwner[broadcasterID]; ok {
		r.mu.Unlock()
		r.EndSession(old)
		r.mu.Lock()
	}
	s := &session{
		id:              uuid.New(),
		meta:            meta,
		createdAt:       time.Now(),
		broadcaster:     b,
		broadcasterID:   broadcasterID,
		broadcasterUser: broadcasterUser,
		viewers:         make(map[string]*ViewerEntry),
	}
	r.sessions[s.id] = s
	r.byOwner[broadcasterID] = s.id
	r.mu.Unlock()

	r.log.Info("session created",
		zap.String("session_id", s.id.String()),
		zap.String("broadcaster_id", broadcasterID),
		zap.String("course_id", meta.CourseID.String()))
	r.emit(EventSessionStarted, s, broadcasterID, broadcasterUser)
	return s.id, nil
}

func (r *Registry) get(sessionID uuid.UUID) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Join adds a viewer to a session. Joining a nonexistent session returns
// ErrRoomNotFound and creates nothing. A duplicate join for the same viewer
// identity replaces the entry and does not change the count.
func (r *Registry) Join(sessionID uuid.UUID, viewerID string, userID uuid.UUID, info ViewerInfo, send Sender) (int, error) {
	s := r.get(sessionID)
	if s == nil {
		return 0, ErrRoomNotFound
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return 0, ErrRoomNotFound
	}
	_, rejoin := s.viewers[viewerID]
	now := time.Now()
	s.viewers[viewerID] = &ViewerEntry{
		ID:       viewerID,
		UserID:   userID,
		Name:     info.Name,
		JoinedAt: now,
		Mic:      MicNone,
		LastSeen: now,
		send:     send,
	}
	count := len(s.viewers)
	s.broadcastCountLocked(count)
	if !rejoin {
		s.notifyBroadcasterLocked(New(TypeViewerJoined, ViewerEventPayload{
			SessionID: s.id, ViewerID: viewerID, Name: info.Name,
		}))
	}
	s.mu.Unlock()

	r.log.Debug("viewer joined",
		zap.String("session_id", sessionID.String()),
		zap.String("viewer_id", viewerID),
		zap.Int("count", count))
	if r.onCount != nil {
		r.onCount(sessionID, count)
	}
	r.emit(EventViewerJoined, s, viewerID, userID)
	return count, nil
}

// Leave removes a viewer. A leave for an absent viewer is a no-op, not an
// error. Any mic grant held by the viewer is dropped with it.
func (r *Registry) Leave(sessionID uuid.UUID, viewerID string) {
	s := r.get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	v, ok := s.viewers[viewerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	hadMic := v.Mic == MicApproved || v.Mic == MicActive
	leftUser := v.UserID
	delete(s.viewers, viewerID)
	count := len(s.viewers)
	s.broadcastCountLocked(count)
	s.notifyBroadcasterLocked(New(TypeViewerLeft, ViewerEventPayload{
		SessionID: s.id, ViewerID: viewerID,
	}))
	if hadMic {
		s.notifyBroadcasterLocked(New(TypeMicRevoked, MicPayload{SessionID: s.id, ViewerID: viewerID}))
	}
	s.mu.Unlock()

	r.log.Debug("viewer left",
		zap.String("session_id", sessionID.String()),
		zap.String("viewer_id", viewerID),
		zap.Int("count", count))
	if r.onCount != nil {
		r.onCount(sessionID, count)
	}
	r.emit(EventViewerLeft, s, viewerID, leftUser)
}

// Relay forwards a negotiation message between exactly two named parties.
// The payload body is never inspected. A message for an unknown target is
// dropped and logged; the relay never fails the session over it.
func (r *Registry) Relay(sessionID uuid.UUID, fromID string, msg Message, p RelayPayload) error {
	s := r.get(sessionID)
	if s == nil {
		return ErrRoomNotFound
	}

	s.mu.Lock()
	var target Sender
	switch {
	case p.To == s.broadcasterID:
		target = s.broadcaster
	default:
		if v, ok := s.viewers[p.To]; ok {
			target = v.send
		}
	}
	s.mu.Unlock()

	if target == nil {
		r.log.Warn("relay target unknown, dropping",
			zap.String("session_id", sessionID.String()),
			zap.String("from", fromID),
			zap.String("to", p.To),
			zap.String("type", string(msg.Type)))
		return ErrUnknownPeer
	}
	target.Send(msg)
	return nil
}

// RequestMic records a viewer's mic request and notifies the broadcaster.
// At most one request is outstanding per viewer: repeats while requested,
// approved or active are no-ops.
func (r *Registry) RequestMic(sessionID uuid.UUID, viewerID string) error {
	s := r.get(sessionID)
	if s == nil {
		return ErrRoomNotFound
	}

	s.mu.Lock()
	v, ok := s.viewers[viewerID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownPeer
	}
	if v.Mic == MicRequested || v.Mic == MicApproved || v.Mic == MicActive {
		s.mu.Unlock()
		return nil
	}
	v.Mic = MicRequested
	s.notifyBroadcasterLocked(New(TypeMicRequest, MicPayload{SessionID: s.id, ViewerID: viewerID}))
	s.mu.Unlock()

	r.emit(EventMicRequested, s, viewerID, s.userOf(viewerID))
	return nil
}

// ApproveMic moves a viewer's mic request to approved and tells the viewer,
// which then initiates its own offer carrying the microphone track.
// Approving an absent viewer or an absent request is a no-op.
func (r *Registry) ApproveMic(sessionID uuid.UUID, viewerID string) {
	if r.setMicState(sessionID, viewerID, MicRequested, MicApproved, TypeMicApproved) {
		if s := r.get(sessionID); s != nil {
			r.emit(EventMicApproved, s, viewerID, s.userOf(viewerID))
		}
	}
}

// RejectMic denies a pending request. No-op when absent.
func (r *Registry) RejectMic(sessionID uuid.UUID, viewerID string) {
	if r.setMicState(sessionID, viewerID, MicRequested, MicNone, TypeMicRejected) {
		if s := r.get(sessionID); s != nil {
			r.emit(EventMicRejected, s, viewerID, s.userOf(viewerID))
		}
	}
}

// MicActivated marks a viewer's mic active. Reported by the broadcaster once
// the viewer's own connection is connected and carries an inbound audio
// track; the registry never infers this from connection counts.
func (r *Registry) MicActivated(sessionID uuid.UUID, viewerID string) {
	if r.setMicState(sessionID, viewerID, MicApproved, MicActive, TypeMicActive) {
		if s := r.get(sessionID); s != nil {
			r.emit(EventMicActive, s, viewerID, s.userOf(viewerID))
		}
	}
}

// RevokeMic withdraws a grant in any granted state and tells the viewer to
// drop its mic connection. The viewer's receive connection is not touched.
// No-op for viewers without a grant.
func (r *Registry) RevokeMic(sessionID uuid.UUID, viewerID string) {
	s := r.get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	v, ok := s.viewers[viewerID]
	if !ok || v.Mic == MicNone || v.Mic == MicRevoked {
		s.mu.Unlock()
		return
	}
	v.Mic = MicRevoked
	msg := New(TypeMicRevoked, MicPayload{SessionID: s.id, ViewerID: viewerID})
	v.send.Send(msg)
	s.notifyBroadcasterLocked(msg)
	s.mu.Unlock()

	r.emit(EventMicRevoked, s, viewerID, s.userOf(viewerID))
}

// setMicState transitions viewerID's mic state from -> to when it currently
// equals from, notifying the viewer with a message of the given type.
// Returns false (no-op) otherwise.
func (r *Registry) setMicState(sessionID uuid.UUID, viewerID string, from, to MicState, notify MessageType) bool {
	s := r.get(sessionID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	v, ok := s.viewers[viewerID]
	if !ok || v.Mic != from {
		s.mu.Unlock()
		return false
	}
	v.Mic = to
	v.send.Send(New(notify, MicPayload{SessionID: s.id, ViewerID: viewerID}))
	s.mu.Unlock()
	return true
}

// EndSession tears a session down: notifies every viewer, removes all
// entries and forgets the session. Idempotent.
func (r *Registry) EndSession(sessionID uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	delete(r.byOwner, s.broadcasterID)
	r.mu.Unlock()

	s.mu.Lock()
	s.ended = true
	end := New(TypeSessionEnded, SessionEndedPayload{SessionID: s.id})
	for _, v := range s.viewers {
		v.send.Send(end)
	}
	s.viewers = make(map[string]*ViewerEntry)
	s.mu.Unlock()

	r.log.Info("session ended", zap.String("session_id", sessionID.String()))
	if r.onCount != nil {
		r.onCount(sessionID, 0)
	}
	r.emit(EventSessionEnded, s, s.broadcasterID, s.broadcasterUser)
}

// DropChannel handles a closed signaling channel: a broadcaster's close ends
// its session, a viewer's close leaves every session it joined.
func (r *Registry) DropChannel(channelID string) {
	r.mu.RLock()
	if sid, ok := r.byOwner[channelID]; ok {
		r.mu.RUnlock()
		r.EndSession(sid)
		return
	}
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Leave(id, channelID)
	}
}

// Heartbeat refreshes a viewer's last-seen time.
func (r *Registry) Heartbeat(sessionID uuid.UUID, viewerID string) {
	s := r.get(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if v, ok := s.viewers[viewerID]; ok {
		v.LastSeen = time.Now()
	}
	s.mu.Unlock()
}

// PruneStale removes viewers whose channel went silent for longer than
// maxAge without a clean close. Safety net behind the websocket read
// deadline; returns the number of entries removed.
func (r *Registry) PruneStale(maxAge time.Duration) int {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for _, s := range sessions {
		s.mu.Lock()
		var stale []string
		for id, v := range s.viewers {
			if v.LastSeen.Before(cutoff) {
				stale = append(stale, id)
			}
		}
		s.mu.Unlock()
		for _, id := range stale {
			r.Leave(s.id, id)
			pruned++
		}
	}
	return pruned
}

// ViewerCount returns the number of joined viewers. The count comes from the
// membership set, never from negotiated-connection liveness.
func (r *Registry) ViewerCount(sessionID uuid.UUID) int {
	s := r.get(sessionID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Viewers returns a snapshot of the viewer entries for a session.
func (r *Registry) Viewers(sessionID uuid.UUID) []ViewerEntry {
	s := r.get(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ViewerEntry, 0, len(s.viewers))
	for _, v := range s.viewers {
		out = append(out, *v)
	}
	return out
}

// MicStateOf returns a viewer's current mic state, MicNone when absent.
func (r *Registry) MicStateOf(sessionID uuid.UUID, viewerID string) MicState {
	s := r.get(sessionID)
	if s == nil {
		return MicNone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.viewers[viewerID]; ok {
		return v.Mic
	}
	return MicNone
}

// IsBroadcaster reports whether channelID owns the session.
func (r *Registry) IsBroadcaster(sessionID uuid.UUID, channelID string) bool {
	s := r.get(sessionID)
	return s != nil && s.broadcasterID == channelID
}

// SessionForCourse returns the live session id for a course, if any.
func (r *Registry) SessionForCourse(courseID uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, s := range r.sessions {
		if s.meta.CourseID == courseID {
			return id, true
		}
	}
	return uuid.Nil, false
}

// Metadata returns a session's metadata.
func (r *Registry) Metadata(sessionID uuid.UUID) (SessionMetadata, bool) {
	s := r.get(sessionID)
	if s == nil {
		return SessionMetadata{}, false
	}
	return s.meta, true
}

// broadcastCountLocked sends the current count to the broadcaster and every
// viewer. Caller holds s.mu, so counts for one viewer's join-then-leave are
// sent in order.
func (s *session) broadcastCountLocked(count int) {
	msg := New(TypeViewerCount, ViewerCountPayload{SessionID: s.id, Count: count})
	if s.broadcaster != nil {
		s.broadcaster.Send(msg)
	}
	for _, v := range s.viewers {
		v.send.Send(msg)
	}
}

func (s *session) notifyBroadcasterLocked(msg Message) {
	if s.broadcaster != nil {
		s.broadcaster.Send(msg)
	}
}
