package video

import (
	"image"
	"io"
	"time"
)

// Frame is one decoded video frame with its position in the stream.
type Frame struct {
	Index     int
	Timestamp time.Duration
	Image     image.Image
}

// FrameSource yields frames in order. Next returns io.EOF after the
// last frame.
type FrameSource interface {
	Next() (*Frame, error)
	// Duration is the total length of the stream, used to pick the
	// sampling rate before any frame is read. Zero means unknown.
	Duration() time.Duration
	// FPS is the nominal frame rate. Zero means unknown.
	FPS() float64
	Close() error
}

// FrameSink consumes annotated frames in order.
type FrameSink interface {
	Write(frame *Frame) error
	Close() error
}

// ImageSource serves a fixed slice of images as a frame stream. The
// frame rate stamps each frame's timestamp.
type ImageSource struct {
	images []image.Image
	fps    float64
	next   int
}

// NewImageSource wraps decoded images as a frame source.
func NewImageSource(images []image.Image, fps float64) *ImageSource {
	if fps <= 0 {
		fps = 24
	}
	return &ImageSource{images: images, fps: fps}
}

func (s *ImageSource) Next() (*Frame, error) {
	if s.next >= len(s.images) {
		return nil, io.EOF
	}
	f := &Frame{
		Index:     s.next,
		Timestamp: time.Duration(float64(s.next) / s.fps * float64(time.Second)),
		Image:     s.images[s.next],
	}
	s.next++
	return f, nil
}

func (s *ImageSource) Duration() time.Duration {
	return time.Duration(float64(len(s.images)) / s.fps * float64(time.Second))
}

func (s *ImageSource) FPS() float64 { return s.fps }

func (s *ImageSource) Close() error { return nil }

// ResumeSource discards frames below a start index so a re-run can
// continue an interrupted job without re-emitting frames already
// written. Frame indexes and timestamps keep their original values.
type ResumeSource struct {
	src   FrameSource
	start int
}

// NewResumeSource skips the stream forward to startFrame.
func NewResumeSource(src FrameSource, startFrame int) *ResumeSource {
	return &ResumeSource{src: src, start: startFrame}
}

func (s *ResumeSource) Next() (*Frame, error) {
	for {
		f, err := s.src.Next()
		if err != nil {
			return nil, err
		}
		if f.Index >= s.start {
			return f, nil
		}
	}
}

func (s *ResumeSource) Duration() time.Duration { return s.src.Duration() }

func (s *ResumeSource) FPS() float64 { return s.src.FPS() }

func (s *ResumeSource) Close() error { return s.src.Close() }
