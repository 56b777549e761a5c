// Package recorder archives a broadcast session to a local webm file via
// ffmpeg, for upload once the session ends.
package recorder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Default max recording duration (4 hours).
const defaultMaxDuration = 4 * time.Hour

// Session is one active recording.
type Session struct {
	sessionID  uuid.UUID
	outputPath string
	cmd        *exec.Cmd
	startedAt  time.Time
}

// Service starts and stops session recordings. It remuxes the studio's
// program sources into a single webm in real time, so stopping at any point
// leaves a playable file covering the session so far.
type Service struct {
	outputDir string
	maxDur    time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewService creates a recorder writing into outputDir.
func NewService(outputDir string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		outputDir: outputDir,
		maxDur:    defaultMaxDuration,
		log:       log,
		sessions:  make(map[uuid.UUID]*Session),
	}
}

// HasActive reports whether a recording is running for the session.
func (s *Service) HasActive(sessionID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// Start begins recording the given program sources. VP8 and Opus streams
// are copied, not re-encoded.
func (s *Service) Start(ctx context.Context, sessionID uuid.UUID, videoPath, audioPath string) (string, error) {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("recording already running for session %s", sessionID)
	}
	s.mu.Unlock()

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	outputPath := filepath.Join(s.outputDir, sessionID.String()+".webm")

	args := []string{"-y"}
	if videoPath != "" {
		args = append(args, "-re", "-stream_loop", "-1", "-i", videoPath)
	}
	if audioPath != "" {
		args = append(args, "-re", "-stream_loop", "-1", "-i", audioPath)
	}
	if videoPath == "" && audioPath == "" {
		return "", fmt.Errorf("no sources to record")
	}
	args = append(args,
		"-c:v", "copy",
		"-c:a", "copy",
		"-t", fmt.Sprintf("%d", int(s.maxDur.Seconds())),
		outputPath,
	)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start ffmpeg: %w", err)
	}

	sess := &Session{
		sessionID:  sessionID,
		outputPath: outputPath,
		cmd:        cmd,
		startedAt:  time.Now(),
	}
	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	s.log.Info("recording started",
		zap.String("session_id", sessionID.String()),
		zap.String("output", outputPath))
	return outputPath, nil
}

// Stop finalizes the recording and returns the output path. ffmpeg gets an
// interrupt first so it can write the container trailer.
func (s *Service) Stop(sessionID uuid.UUID) (string, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no recording running for session %s", sessionID)
	}

	if err := sess.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = sess.cmd.Process.Kill()
	}
	waited := make(chan struct{})
	go func() {
		_ = sess.cmd.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(10 * time.Second):
		_ = sess.cmd.Process.Kill()
		<-waited
	}

	info, err := os.Stat(sess.outputPath)
	if err != nil {
		return "", fmt.Errorf("recording output missing: %w", err)
	}
	s.log.Info("recording stopped",
		zap.String("session_id", sessionID.String()),
		zap.Int64("size", info.Size()),
		zap.Duration("duration", time.Since(sess.startedAt)))
	return sess.outputPath, nil
}

// StopAll finalizes every running recording, for shutdown.
func (s *Service) StopAll() {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if _, err := s.Stop(id); err != nil {
			s.log.Warn("stop recording failed", zap.String("session_id", id.String()), zap.Error(err))
		}
	}
}
