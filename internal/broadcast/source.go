package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"
)

const oggSampleRate = 48000

// FileSource feeds local tracks from an IVF video file and an OGG/Opus
// audio file, looping at end of file. A second FileSource over a different
// video file stands in for screen capture; the fan-out manager swaps
// between them with ReplaceTrack.
type FileSource struct {
	videoPath string
	audioPath string
	video     *webrtc.TrackLocalStaticSample
	audio     *webrtc.TrackLocalStaticSample
	log       *zap.Logger
}

func NewFileSource(videoPath, audioPath, streamID string, log *zap.Logger) (*FileSource, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &FileSource{videoPath: videoPath, audioPath: audioPath, log: log}

	if videoPath != "" {
		if _, err := os.Stat(videoPath); err != nil {
			return nil, fmt.Errorf("video file: %w", err)
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		s.video = track
	}
	if audioPath != "" {
		if _, err := os.Stat(audioPath); err != nil {
			return nil, fmt.Errorf("audio file: %w", err)
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		s.audio = track
	}
	return s, nil
}

func (s *FileSource) VideoTrack() webrtc.TrackLocal { return s.video }
func (s *FileSource) AudioTrack() webrtc.TrackLocal { return s.audio }

// Stream pumps both files into their tracks until the context ends.
func (s *FileSource) Stream(ctx context.Context) {
	if s.video != nil {
		go s.streamVideo(ctx)
	}
	if s.audio != nil {
		go s.streamAudio(ctx)
	}
}

func (s *FileSource) streamVideo(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.playIVF(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("video source stopped", zap.String("file", s.videoPath), zap.Error(err))
			return
		}
	}
}

func (s *FileSource) playIVF(ctx context.Context) error {
	file, err := os.Open(s.videoPath)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("parse ivf: %w", err)
	}
	frameDuration := time.Duration(
		float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	if frameDuration <= 0 {
		frameDuration = 33 * time.Millisecond
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil // loop the file
		}
		if err != nil {
			return fmt.Errorf("read ivf frame: %w", err)
		}
		if err := s.video.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return fmt.Errorf("write video sample: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *FileSource) streamAudio(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.playOGG(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("audio source stopped", zap.String("file", s.audioPath), zap.Error(err))
			return
		}
	}
}

func (s *FileSource) playOGG(ctx context.Context) error {
	file, err := os.Open(s.audioPath)
	if err != nil {
		return err
	}
	defer file.Close()

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("parse ogg: %w", err)
	}

	var lastGranule uint64
	for {
		pageData, pageHeader, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil // loop the file
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}
		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		sampleDuration := time.Duration(sampleCount / oggSampleRate * float64(time.Second))

		if err := s.audio.WriteSample(media.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
			return fmt.Errorf("write audio sample: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sampleDuration):
		}
	}
}
