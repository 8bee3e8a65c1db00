package ingest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"datacatcher/bundle"
	"datacatcher/scan"
)

var frameTime = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func testBundle(crate int) *bundle.Bundle {
	return &bundle.Bundle{
		Crate:    crate,
		Block:    3,
		Time:     frameTime,
		Duration: 30 * time.Second,
		Label:    "3c273",
		Visibilities: []bundle.Visibility{{
			Ant1: 1, Ant2: 2, Sideband: bundle.USB, Pol: bundle.PolRR, Chunk: 1,
			Real: []float32{1, 2, 3, 4},
			Imag: []float32{0, -1, -2, -3},
		}},
	}
}

type scriptedIngester struct {
	mu       sync.Mutex
	statuses []scan.Status
	got      []*bundle.Bundle
}

func (s *scriptedIngester) Ingest(b *bundle.Bundle) (scan.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, b)
	if len(s.statuses) == 0 {
		return scan.Accepted, nil
	}
	st := s.statuses[0]
	s.statuses = s.statuses[1:]
	return st, nil
}

func (s *scriptedIngester) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func startServer(t *testing.T, opts Options, ing Ingester) *Server {
	t.Helper()
	opts.Listen = "127.0.0.1:0"
	srv := NewServer(opts, ing)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendAndReply(t *testing.T, conn net.Conn, b *bundle.Bundle, compress bool) byte {
	t.Helper()
	if err := WriteFrame(conn, b, compress); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	reply, err := ReadReply(conn)
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	return reply
}

func TestFrameRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, testBundle(4), compress); err != nil {
			t.Fatalf("WriteFrame(compress=%t): %v", compress, err)
		}
		got, err := ReadFrame(&buf, 1<<20)
		if err != nil {
			t.Fatalf("ReadFrame(compress=%t): %v", compress, err)
		}
		if got.Crate != 4 || got.Label != "3c273" || !got.Time.Equal(frameTime) {
			t.Fatalf("bundle mismatch: %+v", got)
		}
		if got.Visibilities[0].Imag[3] != -3 {
			t.Fatalf("visibility mismatch: %+v", got.Visibilities[0])
		}
	}
}

func TestReadFrameRejectsBadHeader(t *testing.T) {
	bad := []byte{0x12, 0x34, 1, 0, 0, 0, 0, 0}
	if _, err := ReadFrame(bytes.NewReader(bad), 1024); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}

	var big [frameHeaderSize]byte
	binary.BigEndian.PutUint16(big[0:], frameMagic)
	big[2] = frameVersion
	binary.BigEndian.PutUint32(big[4:], 4096)
	if _, err := ReadFrame(bytes.NewReader(big[:]), 1024); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	if _, err := ReadFrame(bytes.NewReader(nil), 1024); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestServerRepliesWithStatus(t *testing.T) {
	ing := &scriptedIngester{statuses: []scan.Status{scan.Accepted, scan.RedundantFragment, scan.UnexpectedProducer}}
	now := frameTime.Add(time.Minute)
	srv := startServer(t, Options{Now: func() time.Time { return now }}, ing)
	conn := dial(t, srv)

	want := []byte{ReplyAccepted, ReplyRedundant, ReplyUnexpected}
	for i, w := range want {
		if got := sendAndReply(t, conn, testBundle(7), i%2 == 0); got != w {
			t.Fatalf("frame %d: expected reply %d, got %d", i, w, got)
		}
	}
	if ing.count() != 3 {
		t.Fatalf("expected 3 bundles ingested, got %d", ing.count())
	}
	if seen := srv.LastSeen()[7]; !seen.Equal(now) {
		t.Fatalf("expected crate 7 last seen at %v, got %v", now, seen)
	}
	conns := srv.Connections()
	if len(conns) != 1 || conns[0].Crate != 7 || conns[0].Frames != 3 {
		t.Fatalf("unexpected connections: %+v", conns)
	}
}

func TestServerSurvivesMalformedPayload(t *testing.T) {
	ing := &scriptedIngester{}
	srv := startServer(t, Options{}, ing)
	conn := dial(t, srv)

	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:], frameMagic)
	hdr[2] = frameVersion
	binary.BigEndian.PutUint32(hdr[4:], 3)
	if _, err := conn.Write(append(hdr[:], 0xde, 0xad, 0xbe)); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	reply, err := ReadReply(conn)
	if err != nil || reply != ReplyMalformed {
		t.Fatalf("expected malformed reply, got %d (%v)", reply, err)
	}
	if got := sendAndReply(t, conn, testBundle(2), false); got != ReplyAccepted {
		t.Fatalf("expected link to keep working, got reply %d", got)
	}
	if srv.Stats().Malformed != 1 || srv.Stats().Frames != 1 {
		t.Fatalf("unexpected stats: %+v", srv.Stats())
	}
}

func TestServerEnforcesMaxConnections(t *testing.T) {
	srv := startServer(t, Options{MaxConnections: 1}, &scriptedIngester{})
	first := dial(t, srv)
	if got := sendAndReply(t, first, testBundle(1), false); got != ReplyAccepted {
		t.Fatalf("expected first link accepted, got %d", got)
	}

	second := dial(t, srv)
	var b [1]byte
	if _, err := second.Read(b[:]); err == nil {
		t.Fatalf("expected second link to be closed")
	}
	if srv.Stats().Refused != 1 {
		t.Fatalf("expected 1 refused link, got %d", srv.Stats().Refused)
	}
}
