package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"datacatcher/bundle"
	"datacatcher/internal/ratelimit"
	"datacatcher/scan"
)

const malformedLogInterval = 10 * time.Second

// Ingester files one bundle. *scan.Registry satisfies it.
type Ingester interface {
	Ingest(b *bundle.Bundle) (scan.Status, error)
}

// Options configures the listener.
type Options struct {
	Listen         string
	MaxConnections int
	MaxFrameBytes  int
	ReadTimeout    time.Duration
	Now            func() time.Time
}

// ConnInfo describes one connected crate link.
type ConnInfo struct {
	Remote    string    `json:"remote"`
	Crate     int       `json:"crate"`
	Connected time.Time `json:"connected"`
	LastFrame time.Time `json:"last_frame"`
	Frames    uint64    `json:"frames"`
}

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	Frames    uint64 `json:"frames"`
	Malformed uint64 `json:"malformed"`
	Rejected  uint64 `json:"rejected"`
	Refused   uint64 `json:"refused"`
}

// Server accepts crate connections. Each connection is read by its own
// goroutine; ordering across crates is whatever the registry sees.
type Server struct {
	opts     Options
	ingester Ingester
	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	conns    map[net.Conn]*ConnInfo
	lastSeen map[int]time.Time

	frames    atomic.Uint64
	malformed *ratelimit.Counter
	rejected  atomic.Uint64
	refused   atomic.Uint64
}

// NewServer builds a server that feeds ing.
func NewServer(opts Options, ing Ingester) *Server {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 << 20
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Server{
		opts:      opts,
		ingester:  ing,
		shutdown:  make(chan struct{}),
		conns:     make(map[net.Conn]*ConnInfo),
		lastSeen:  make(map[int]time.Time),
		malformed: ratelimit.NewCounter(malformedLogInterval),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to start ingest server: %w", err)
	}
	s.listener = listener
	log.Printf("Ingest: listening on %s", listener.Addr())
	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// Addr returns the bound address; nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Ingest: error accepting connection: %v", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		addr := conn.RemoteAddr().String()
		s.mu.Lock()
		full := s.opts.MaxConnections > 0 && len(s.conns) >= s.opts.MaxConnections
		if !full {
			s.conns[conn] = &ConnInfo{Remote: addr, Crate: -1, Connected: s.opts.Now()}
		}
		s.mu.Unlock()
		if full {
			s.refused.Add(1)
			conn.Close()
			log.Printf("Ingest: rejected connection from %s: max connections reached (%d)", addr, s.opts.MaxConnections)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(2 * time.Minute)
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn reads frames until EOF, a framing error or shutdown.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	addr := conn.RemoteAddr().String()
	log.Printf("Ingest: crate link from %s", addr)
	reader := bufio.NewReaderSize(conn, 256*1024)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		b, err := ReadFrame(reader, s.opts.MaxFrameBytes)
		var reply byte
		switch {
		case err == nil:
			reply = s.ingest(conn, b)
		case isFrameError(err):
			if total, ok := s.malformed.Inc(); ok {
				log.Printf("Ingest: malformed frame from %s: %v (total=%d)", addr, err, total)
			}
			reply = ReplyMalformed
		default:
			if !errors.Is(err, io.EOF) && !isClosed(err) {
				log.Printf("Ingest: closing link from %s: %v", addr, err)
			}
			return
		}
		if _, err := conn.Write([]byte{reply}); err != nil {
			log.Printf("Ingest: reply to %s failed: %v", addr, err)
			return
		}
	}
}

func (s *Server) ingest(conn net.Conn, b *bundle.Bundle) byte {
	s.frames.Add(1)
	now := s.opts.Now()
	s.mu.Lock()
	if info := s.conns[conn]; info != nil {
		info.Crate = b.Crate
		info.LastFrame = now
		info.Frames++
	}
	s.lastSeen[b.Crate] = now
	s.mu.Unlock()

	status, _ := s.ingester.Ingest(b)
	switch status {
	case scan.Accepted:
		return ReplyAccepted
	case scan.RedundantFragment:
		return ReplyRedundant
	case scan.UnexpectedProducer:
		return ReplyUnexpected
	default:
		s.rejected.Add(1)
		return ReplyRejected
	}
}

// Connections returns the open links ordered by crate.
func (s *Server) Connections() []ConnInfo {
	s.mu.Lock()
	out := make([]ConnInfo, 0, len(s.conns))
	for _, info := range s.conns {
		out = append(out, *info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Crate != out[j].Crate {
			return out[i].Crate < out[j].Crate
		}
		return out[i].Remote < out[j].Remote
	})
	return out
}

// LastSeen returns when each crate last delivered a frame.
func (s *Server) LastSeen() map[int]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]time.Time, len(s.lastSeen))
	for k, v := range s.lastSeen {
		out[k] = v
	}
	return out
}

// Stats returns the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Frames:    s.frames.Load(),
		Malformed: s.malformed.Total(),
		Rejected:  s.rejected.Load(),
		Refused:   s.refused.Load(),
	}
}

func isFrameError(err error) bool {
	var fe *frameError
	return errors.As(err, &fe)
}

func isClosed(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
