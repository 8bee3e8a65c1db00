package mir

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type streamIndex int

// Streams in their cross-stream write order.
const (
	streamBaseline streamIndex = iota
	streamSpectrum
	streamPayload
	streamIntegration
	streamEngineering
	streamCount
)

var streamNames = [streamCount]string{
	BaselineStream,
	SpectrumStream,
	PayloadStream,
	IntegrationStream,
	EngineeringStream,
}

const streamBufferSize = 256 << 10

// Session is one set of output streams, opened together and closed together.
type Session struct {
	ID     string
	Dir    string
	Opened time.Time

	files   [streamCount]*os.File
	bufs    [streamCount]*bufio.Writer
	offsets [streamCount]int64
	closed  bool
}

// OpenSession creates <root>/<yyyymmdd_hhmmss>_<id8>/ with empty streams.
func OpenSession(root string, now time.Time) (*Session, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("mir: output directory is empty")
	}
	id := uuid.New().String()
	name := fmt.Sprintf("%s_%s", now.UTC().Format("20060102_150405"), id[:8])
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mir: create session dir: %w", err)
	}

	s := &Session{ID: name, Dir: dir, Opened: now.UTC()}
	for i, stream := range streamNames {
		f, err := os.OpenFile(filepath.Join(dir, stream), os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0o644)
		if err != nil {
			s.closeFiles()
			return nil, fmt.Errorf("mir: open %s: %w", stream, err)
		}
		s.files[i] = f
		s.bufs[i] = bufio.NewWriterSize(f, streamBufferSize)
	}
	return s, nil
}

// append buffers p on a stream and returns the offset it starts at.
func (s *Session) append(idx streamIndex, p []byte) (int64, error) {
	if s.closed {
		return 0, errors.New("mir: session is closed")
	}
	off := s.offsets[idx]
	n, err := s.bufs[idx].Write(p)
	s.offsets[idx] += int64(n)
	if err != nil {
		return off, fmt.Errorf("mir: write %s: %w", streamNames[idx], err)
	}
	return off, nil
}

// commit appends one scan's records, one part per stream, and flushes them.
// On any error every stream is truncated back to where it stood before the
// call, so a scan is either present in all streams or in none.
func (s *Session) commit(parts [streamCount][]byte) error {
	if s.closed {
		return errors.New("mir: session is closed")
	}
	if err := s.Flush(); err != nil {
		return s.rollback(s.offsets, err)
	}
	start := s.offsets
	for i, p := range parts {
		if _, err := s.append(streamIndex(i), p); err != nil {
			return s.rollback(start, err)
		}
	}
	if err := s.Flush(); err != nil {
		return s.rollback(start, err)
	}
	return nil
}

// rollback discards buffered bytes and truncates each stream to start.
func (s *Session) rollback(start [streamCount]int64, cause error) error {
	for i, f := range s.files {
		if f == nil {
			continue
		}
		s.bufs[i].Reset(f)
		if err := f.Truncate(start[i]); err != nil {
			cause = fmt.Errorf("%w; truncate %s: %v", cause, streamNames[i], err)
			continue
		}
		s.offsets[i] = start[i]
	}
	return cause
}

// offset is the current end of a stream, including buffered bytes.
func (s *Session) offset(idx streamIndex) int64 {
	return s.offsets[idx]
}

// Flush pushes buffered records to disk in stream order so a reader that
// finds an integration record can rely on its payload being present.
func (s *Session) Flush() error {
	for i := range s.bufs {
		if s.bufs[i] == nil {
			continue
		}
		if err := s.bufs[i].Flush(); err != nil {
			return fmt.Errorf("mir: flush %s: %w", streamNames[i], err)
		}
	}
	return nil
}

// Close flushes and closes every stream.
func (s *Session) Close() error {
	if s == nil || s.closed {
		return nil
	}
	err := s.Flush()
	if cerr := s.closeFiles(); err == nil {
		err = cerr
	}
	s.closed = true
	return err
}

func (s *Session) closeFiles() error {
	var first error
	for i, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = fmt.Errorf("mir: close %s: %w", streamNames[i], err)
		}
		s.files[i] = nil
	}
	return first
}

// Sizes returns the byte length of each stream by file name.
func (s *Session) Sizes() map[string]int64 {
	out := make(map[string]int64, streamCount)
	for i, name := range streamNames {
		out[name] = s.offsets[i]
	}
	return out
}
