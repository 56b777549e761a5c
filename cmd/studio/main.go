// Package main runs the studio, the headless broadcaster agent: it opens a
// signaling channel, creates a broadcast session for a course, fans the
// program feed out to every viewer, moderates mic admission and records the
// session for later playback.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lumenclass/backend/config"
	"github.com/lumenclass/backend/internal/broadcast"
	"github.com/lumenclass/backend/internal/lectures"
	"github.com/lumenclass/backend/internal/live"
	"github.com/lumenclass/backend/internal/recorder"
	signaling "github.com/lumenclass/backend/internal/signal"
	"github.com/lumenclass/backend/pkg/storage"
)

type studio struct {
	cfg    *config.Config
	log    *zap.Logger
	client *signaling.Client
	s3     *storage.S3
	rec    *recorder.Service
	life   *broadcast.Lifecycle

	courseID  uuid.UUID
	sessionID uuid.UUID
	selfID    string

	source  *broadcast.FileSource
	screen  *broadcast.FileSource
	manager *broadcast.Manager
	mic     *broadcast.MicController
	monitor *broadcast.Monitor

	recordingAt time.Time
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Studio.Token == "" || cfg.Studio.CourseID == "" {
		logger.Fatal("STUDIO_TOKEN and STUDIO_COURSE_ID are required")
	}
	if cfg.Studio.VideoFile == "" || cfg.Studio.AudioFile == "" {
		logger.Fatal("STUDIO_VIDEO_FILE and STUDIO_AUDIO_FILE are required")
	}
	courseID, err := uuid.Parse(cfg.Studio.CourseID)
	if err != nil {
		logger.Fatal("invalid STUDIO_COURSE_ID", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := signaling.Dial(ctx, cfg.Studio.ServerURL, cfg.Studio.Token)
	if err != nil {
		logger.Fatal("signaling dial", zap.Error(err))
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			LecturesBucket:       cfg.AWS.LecturesBucket,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled, recordings stay local", zap.Error(err))
		}
	}

	st := &studio{
		cfg:      cfg,
		log:      logger,
		client:   client,
		s3:       s3Client,
		rec:      recorder.NewService(cfg.Studio.RecordingDir, logger),
		life:     broadcast.NewLifecycle(),
		courseID: courseID,
	}
	st.life.OnTransition(func(from, to broadcast.State) {
		logger.Info("lifecycle", zap.String("from", string(from)), zap.String("to", string(to)))
	})

	if err := st.life.Transition(broadcast.StateStarting); err != nil {
		logger.Fatal("lifecycle", zap.Error(err))
	}
	err = client.Send(live.New(live.TypeCreateSession, live.CreateSessionPayload{
		Metadata: live.SessionMetadata{CourseID: courseID, Title: cfg.Studio.Title},
	}))
	if err != nil {
		logger.Fatal("create session", zap.Error(err))
	}

	msgs := make(chan live.Message)
	go func() {
		defer close(msgs)
		for {
			msg, err := client.Receive()
			if err != nil {
				return
			}
			msgs <- msg
		}
	}()

	cmds := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				cmds <- line
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			st.shutdown()
			return
		case line := <-cmds:
			if quit := st.command(ctx, line); quit {
				st.shutdown()
				return
			}
		case msg, ok := <-msgs:
			if !ok {
				logger.Warn("signaling channel closed")
				st.shutdown()
				return
			}
			st.dispatch(ctx, msg)
		}
	}
}

func (st *studio) dispatch(ctx context.Context, msg live.Message) {
	payload, err := live.Decode(msg)
	if err != nil {
		st.log.Warn("undecodable message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	switch p := payload.(type) {
	case live.SessionCreatedPayload:
		st.onSessionCreated(ctx, p)

	case live.ViewerEventPayload:
		if st.manager == nil {
			return
		}
		switch msg.Type {
		case live.TypeViewerJoined:
			st.log.Info("viewer joined", zap.String("viewer_id", p.ViewerID), zap.String("name", p.Name))
			if err := st.manager.AddViewer(p.ViewerID); err != nil {
				st.log.Warn("add viewer", zap.String("viewer_id", p.ViewerID), zap.Error(err))
			}
		case live.TypeViewerLeft:
			st.manager.RemoveViewer(p.ViewerID)
			st.mic.DropViewer(p.ViewerID)
		}

	case live.RelayPayload:
		st.onRelay(msg.Type, p)

	case live.MicPayload:
		if msg.Type != live.TypeMicRequest {
			return
		}
		if st.mic != nil && st.cfg.Studio.AutoApproveMic {
			st.log.Info("mic request auto-approved", zap.String("viewer_id", p.ViewerID))
			_ = st.mic.Approve(p.ViewerID)
			return
		}
		st.log.Info("mic request pending, type: approve "+p.ViewerID, zap.String("viewer_id", p.ViewerID))

	case live.ViewerCountPayload:
		st.log.Debug("viewer count", zap.Int("count", p.Count))

	case live.SessionEndedPayload:
		st.log.Warn("session ended by server", zap.String("session_id", p.SessionID.String()))
		st.life.Reconcile(false)

	case live.ErrorPayload:
		st.log.Warn("server error", zap.String("code", p.Code), zap.String("message", p.Message))
	}
}

func (st *studio) onSessionCreated(ctx context.Context, p live.SessionCreatedPayload) {
	st.sessionID = p.SessionID
	st.selfID = p.SelfID

	source, err := broadcast.NewFileSource(st.cfg.Studio.VideoFile, st.cfg.Studio.AudioFile, "studio", st.log)
	if err != nil {
		st.log.Error("media source", zap.Error(err))
		st.life.Fail()
		return
	}
	st.source = source
	source.Stream(ctx)

	rtcCfg := broadcast.Config{
		ICEURLs:            st.cfg.Live.ICEUrls,
		NegotiationTimeout: time.Duration(st.cfg.Live.NegotiationTimeoutSec) * time.Second,
	}
	manager, err := broadcast.NewManager(rtcCfg, p.SessionID, st.client, st.log)
	if err != nil {
		st.log.Error("fanout manager", zap.Error(err))
		st.life.Fail()
		return
	}
	manager.SetTracks(source.AudioTrack(), source.VideoTrack())
	manager.OnNegotiationTimeout(func(viewerID string) {
		st.log.Warn("negotiation timed out", zap.String("viewer_id", viewerID))
	})
	st.manager = manager

	mic, err := broadcast.NewMicController(rtcCfg, p.SessionID, st.client, st.log)
	if err != nil {
		st.log.Error("mic controller", zap.Error(err))
		st.life.Fail()
		return
	}
	mic.OnMicActive(func(viewerID string, track *webrtc.TrackRemote) {
		st.log.Info("mic active", zap.String("viewer_id", viewerID), zap.String("codec", track.Codec().MimeType))
	})
	st.mic = mic

	monitor := broadcast.NewMonitor(manager, broadcast.MonitorConfig{
		Interval:    time.Duration(st.cfg.Live.MonitorIntervalSec) * time.Second,
		MaxAttempts: st.cfg.Live.ReconnectMaxAttempts,
		Backoff:     time.Duration(st.cfg.Live.ReconnectBackoffSec) * time.Second,
	}, st.log)
	monitor.OnQualityChange(func(viewerID string, q broadcast.Quality, s broadcast.Sample) {
		st.log.Info("link quality changed",
			zap.String("viewer_id", viewerID),
			zap.String("quality", string(q)),
			zap.Duration("rtt", s.RTT),
			zap.Float64("kbps", s.BitrateKbps))
	})
	monitor.OnPermanentFailure(func(viewerID string) {
		st.log.Warn("viewer connection abandoned", zap.String("viewer_id", viewerID))
		st.manager.RemoveViewer(viewerID)
	})
	st.monitor = monitor
	go monitor.Run(ctx)

	if err := st.life.Transition(broadcast.StateLive); err != nil {
		st.log.Error("lifecycle", zap.Error(err))
		return
	}
	st.log.Info("broadcast live",
		zap.String("session_id", p.SessionID.String()),
		zap.String("course_id", st.courseID.String()))
}

func (st *studio) onRelay(t live.MessageType, p live.RelayPayload) {
	if st.manager == nil {
		return
	}
	if p.Purpose == live.PurposeMic {
		switch t {
		case live.TypeOffer:
			if err := st.mic.HandleOffer(p.From, p.Body); err != nil {
				st.log.Warn("mic offer", zap.String("viewer_id", p.From), zap.Error(err))
			}
		case live.TypeICECandidate:
			if err := st.mic.HandleCandidate(p.From, p.Body); err != nil {
				st.log.Debug("mic candidate", zap.String("viewer_id", p.From), zap.Error(err))
			}
		}
		return
	}
	switch t {
	case live.TypeAnswer:
		if err := st.manager.HandleAnswer(p.From, p.Body); err != nil {
			st.log.Warn("answer", zap.String("viewer_id", p.From), zap.Error(err))
		}
	case live.TypeICECandidate:
		if err := st.manager.HandleRemoteCandidate(p.From, p.Body); err != nil {
			st.log.Debug("candidate", zap.String("viewer_id", p.From), zap.Error(err))
		}
	}
}

// command executes one operator line from stdin. Returns true to quit.
func (st *studio) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	verb := fields[0]

	if st.mic == nil && verb != "stop" {
		st.log.Warn("session not created yet")
		return false
	}

	switch verb {
	case "stop":
		return true

	case "approve", "reject", "revoke":
		if len(fields) < 2 {
			st.log.Warn("usage: " + verb + " <viewer-id>")
			return false
		}
		if !st.life.Controls().CanModerateMic {
			st.log.Warn("mic moderation not available", zap.String("state", string(st.life.State())))
			return false
		}
		var err error
		switch verb {
		case "approve":
			err = st.mic.Approve(fields[1])
		case "reject":
			err = st.mic.Reject(fields[1])
		case "revoke":
			err = st.mic.Revoke(fields[1])
		}
		if err != nil {
			st.log.Warn(verb+" failed", zap.String("viewer_id", fields[1]), zap.Error(err))
		}

	case "viewers":
		for _, id := range st.manager.ViewerIDs() {
			state, _ := st.manager.StateOf(id)
			q, _ := st.monitor.QualityOf(id)
			st.log.Info("viewer",
				zap.String("viewer_id", id),
				zap.String("conn", string(state)),
				zap.String("quality", string(q)))
		}

	case "record":
		st.record(ctx, fields)

	case "screen":
		st.screenShare(ctx, fields)

	default:
		st.log.Warn("unknown command", zap.String("line", line))
	}
	return false
}

func (st *studio) record(ctx context.Context, fields []string) {
	if len(fields) < 2 {
		st.log.Warn("usage: record start|stop")
		return
	}
	switch fields[1] {
	case "start":
		if !st.life.Controls().CanRecord {
			st.log.Warn("recording not available", zap.String("state", string(st.life.State())))
			return
		}
		path, err := st.rec.Start(ctx, st.sessionID, st.cfg.Studio.VideoFile, st.cfg.Studio.AudioFile)
		if err != nil {
			st.log.Error("recording start", zap.Error(err))
			return
		}
		st.recordingAt = time.Now()
		if err := st.life.Transition(broadcast.StateRecording); err != nil {
			st.log.Warn("lifecycle", zap.Error(err))
		}
		st.log.Info("recording", zap.String("path", path))
	case "stop":
		path, err := st.rec.Stop(st.sessionID)
		if err != nil {
			st.log.Error("recording stop", zap.Error(err))
			return
		}
		if err := st.life.Transition(broadcast.StateLive); err != nil {
			st.log.Warn("lifecycle", zap.Error(err))
		}
		st.publishRecording(path)
	}
}

func (st *studio) screenShare(ctx context.Context, fields []string) {
	if len(fields) < 2 {
		st.log.Warn("usage: screen start|stop")
		return
	}
	switch fields[1] {
	case "start":
		if st.cfg.Studio.ScreenFile == "" {
			st.log.Warn("STUDIO_SCREEN_FILE not configured")
			return
		}
		if !st.life.Controls().CanScreenShare {
			st.log.Warn("screen share not available", zap.String("state", string(st.life.State())))
			return
		}
		if st.screen == nil {
			screen, err := broadcast.NewFileSource(st.cfg.Studio.ScreenFile, "", "studio-screen", st.log)
			if err != nil {
				st.log.Error("screen source", zap.Error(err))
				return
			}
			st.screen = screen
			screen.Stream(ctx)
		}
		if err := st.manager.ReplaceTrack(webrtc.RTPCodecTypeVideo, st.screen.VideoTrack()); err != nil {
			st.log.Error("replace track", zap.Error(err))
			return
		}
		if err := st.life.Transition(broadcast.StateScreenSharing); err != nil {
			st.log.Warn("lifecycle", zap.Error(err))
		}
	case "stop":
		if err := st.manager.ReplaceTrack(webrtc.RTPCodecTypeVideo, st.source.VideoTrack()); err != nil {
			st.log.Error("replace track", zap.Error(err))
			return
		}
		if err := st.life.Transition(broadcast.StateLive); err != nil {
			st.log.Warn("lifecycle", zap.Error(err))
		}
	}
}

// publishRecording uploads a finished recording and registers it with the
// platform so it appears as a lecture on the course.
func (st *studio) publishRecording(path string) {
	if st.s3 == nil {
		st.log.Info("recording kept local", zap.String("path", path))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	key := storage.RecordingKey(st.courseID.String(), st.sessionID.String())
	objectURL, err := st.s3.UploadFile(ctx, st.s3.RecordingsBucket(), key, "video/webm", path)
	if err != nil {
		st.log.Error("recording upload", zap.String("path", path), zap.Error(err))
		return
	}

	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	body, _ := json.Marshal(lectures.RecordingReadyPayload{
		CourseID:  st.courseID.String(),
		SessionID: st.sessionID.String(),
		Title:     st.cfg.Studio.Title,
		S3Key:     key,
		S3URL:     objectURL,
		FileSize:  size,
		Duration:  int64(time.Since(st.recordingAt).Seconds()),
	})
	resp, err := http.Post(st.webhookURL(), "application/json", bytes.NewReader(body))
	if err != nil {
		st.log.Error("recording-ready webhook", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		st.log.Error("recording-ready webhook rejected", zap.Int("status", resp.StatusCode))
		return
	}
	st.log.Info("recording published", zap.String("s3_key", key))
}

// webhookURL maps the websocket endpoint to the HTTP webhook endpoint on
// the same server.
func (st *studio) webhookURL() string {
	u, err := url.Parse(st.cfg.Studio.ServerURL)
	if err != nil {
		return "http://localhost:8080/webhooks/recording-ready"
	}
	switch u.Scheme {
	case "wss", "https":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/webhooks/recording-ready"
	u.RawQuery = ""
	return u.String()
}

func (st *studio) shutdown() {
	if err := st.life.Transition(broadcast.StateStopping); err == nil {
		defer func() { _ = st.life.Transition(broadcast.StateIdle) }()
	}

	if st.rec.HasActive(st.sessionID) {
		if path, err := st.rec.Stop(st.sessionID); err == nil {
			st.publishRecording(path)
		} else {
			st.log.Error("recording stop", zap.Error(err))
		}
	}
	if st.mic != nil {
		st.mic.Close()
	}
	if st.manager != nil {
		st.manager.CloseAll()
	}
	_ = st.client.Close()
	st.log.Info("studio stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
