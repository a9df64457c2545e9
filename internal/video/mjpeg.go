package video

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"time"
)

// JPEG stream markers.
const (
	markerPrefix = 0xff
	markerSOI    = 0xd8 // start of image
	markerEOI    = 0xd9 // end of image
)

// MJPEGSource decodes a stream of concatenated JPEG images, the format
// ffmpeg emits with `-f mjpeg`. Duration and FPS describe the original
// clip and must be supplied by the caller, since the raw stream carries
// no timing.
type MJPEGSource struct {
	r        *bufio.Reader
	closer   io.Closer
	fps      float64
	duration time.Duration
	next     int
}

// NewMJPEGSource wraps a raw MJPEG stream. fps defaults to 24 when
// non-positive.
func NewMJPEGSource(r io.ReadCloser, fps float64, duration time.Duration) *MJPEGSource {
	if fps <= 0 {
		fps = 24
	}
	return &MJPEGSource{
		r:        bufio.NewReaderSize(r, 1<<20),
		closer:   r,
		fps:      fps,
		duration: duration,
	}
}

func (s *MJPEGSource) Next() (*Frame, error) {
	data, err := s.readJPEG()
	if err != nil {
		return nil, err
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", s.next, err)
	}

	f := &Frame{
		Index:     s.next,
		Timestamp: time.Duration(float64(s.next) / s.fps * float64(time.Second)),
		Image:     img,
	}
	s.next++
	return f, nil
}

// readJPEG scans one SOI..EOI section out of the stream.
func (s *MJPEGSource) readJPEG() ([]byte, error) {
	// Seek the start-of-image marker, tolerating padding between frames.
	// The byte after a prefix is re-tested as a prefix itself, so runs
	// like ff ff d8 still find the frame start.
	b, err := s.r.ReadByte()
	for {
		if err != nil {
			return nil, eofOrError(err, s.next)
		}
		if b != markerPrefix {
			b, err = s.r.ReadByte()
			continue
		}
		b, err = s.r.ReadByte()
		if err != nil {
			return nil, eofOrError(err, s.next)
		}
		if b == markerSOI {
			break
		}
	}

	buf := bytes.NewBuffer([]byte{markerPrefix, markerSOI})
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("frame %d truncated: %w", s.next, err)
		}
		buf.WriteByte(b)
		if b != markerPrefix {
			continue
		}
		nb, err := s.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("frame %d truncated: %w", s.next, err)
		}
		buf.WriteByte(nb)
		if nb == markerEOI {
			return buf.Bytes(), nil
		}
	}
}

// CountFrames scans an MJPEG stream and reports how many complete
// frames it holds, without decoding them. A truncated final frame does
// not count; resuming overwrites nothing and re-emits nothing.
func CountFrames(r io.Reader) (int, error) {
	s := &MJPEGSource{r: bufio.NewReaderSize(r, 1<<20)}
	for {
		if _, err := s.readJPEG(); err != nil {
			if errors.Is(err, io.EOF) {
				return s.next, nil
			}
			return s.next, err
		}
		s.next++
	}
}

func eofOrError(err error, frame int) error {
	if err == io.EOF {
		return io.EOF
	}
	return fmt.Errorf("read frame %d: %w", frame, err)
}

func (s *MJPEGSource) Duration() time.Duration { return s.duration }

func (s *MJPEGSource) FPS() float64 { return s.fps }

func (s *MJPEGSource) Close() error { return s.closer.Close() }

// MJPEGSink writes frames as concatenated JPEGs.
type MJPEGSink struct {
	w       *bufio.Writer
	closer  io.Closer
	quality int
}

// NewMJPEGSink writes an MJPEG stream with the given JPEG quality
// (defaults to 90 when non-positive).
func NewMJPEGSink(w io.WriteCloser, quality int) *MJPEGSink {
	if quality <= 0 {
		quality = 90
	}
	return &MJPEGSink{
		w:       bufio.NewWriterSize(w, 1<<20),
		closer:  w,
		quality: quality,
	}
}

func (s *MJPEGSink) Write(frame *Frame) error {
	if err := jpeg.Encode(s.w, frame.Image, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("encode frame %d: %w", frame.Index, err)
	}
	return nil
}

func (s *MJPEGSink) Close() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush mjpeg stream: %w", err)
	}
	return s.closer.Close()
}
