package icap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"icapfilter/logger"
)

// Observer is notified about finished transactions and open connections.
type Observer interface {
	TransactionDone(method string, status int, elapsed time.Duration)
	ConnectionsChanged(delta int)
}

// Config configures a Server.
type Config struct {
	Addr           string
	ServiceName    string
	ServiceID      string
	OptionsTTL     int
	MaxConnections int
	MaxBody        int
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration
}

// Server ICAP 服务器
type Server struct {
	cfg      Config
	adapter  Adapter
	observer Observer

	istag atomic.Pointer[string]
	sem   chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]*atomic.Bool // value: idle between transactions
	closing  atomic.Bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config, adapter Adapter) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "icapfilter"
	}
	s := &Server{
		cfg:     cfg,
		adapter: adapter,
		sem:     make(chan struct{}, cfg.MaxConnections),
		conns:   make(map[net.Conn]*atomic.Bool),
	}
	s.RenewISTag()
	return s
}

// SetObserver must be called before serving.
func (s *Server) SetObserver(o Observer) {
	s.observer = o
}

// RenewISTag gives the service a new tag so clients drop cached adaptations.
// Called on every filter reload.
func (s *Server) RenewISTag() string {
	tag := `"` + strings.ReplaceAll(uuid.NewString(), "-", "") + `"`
	s.istag.Store(&tag)
	logger.Debugf("[ICAP] ISTag is now %s", tag)
	return tag
}

func (s *Server) ISTag() string {
	return *s.istag.Load()
}

// ListenAndServe 监听并处理 ICAP 连接
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	logger.Infof("[ICAP] Listening on %s (service %q)", l.Addr(), s.cfg.ServiceName)
	return s.Serve(l)
}

// Serve accepts connections until Shutdown. Connections beyond
// MaxConnections get a 503 and are closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		select {
		case s.sem <- struct{}{}:
		default:
			logger.Warnf("[ICAP] Connection limit %d reached, rejecting %s", s.cfg.MaxConnections, conn.RemoteAddr())
			s.reject(conn)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer func() { <-s.sem }()
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

func (s *Server) reject(conn net.Conn) {
	resp := s.newResponse(503)
	resp.Header.Set("Connection", "close")
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	resp.Write(conn)
	conn.Close()
}

// ServeConn runs the keep-alive loop of one connection: transactions are
// processed one after the other and the connection is closed on the first
// error.
func (s *Server) ServeConn(conn net.Conn) {
	idle := s.track(conn)
	defer s.untrack(conn)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("[ICAP] Connection %s panicked: %v", conn.RemoteAddr(), r)
		}
	}()

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	for !s.closing.Load() {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		idle.Store(true)
		if s.closing.Load() {
			return
		}
		_, err := br.Peek(1)
		idle.Store(false)
		if err != nil {
			s.logConnError(conn, err)
			return
		}
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		keepAlive, err := s.serveTransaction(br, bw)
		if err != nil {
			s.logConnError(conn, err)
			return
		}
		if !keepAlive {
			return
		}
	}
}

func (s *Server) serveTransaction(br *bufio.Reader, bw *bufio.Writer) (bool, error) {
	start := time.Now()
	req, err := ReadRequest(br, s.cfg.MaxBody)
	if err != nil {
		if errors.Is(err, ErrMalformedRequest) {
			resp := s.newResponse(400)
			resp.Header.Set("Connection", "close")
			s.send(bw, resp)
		}
		return false, err
	}

	resp, err := s.respond(req, br, bw)
	if err != nil {
		return false, err
	}
	if !req.KeepAlive() {
		resp.Header.Set("Connection", "close")
	}
	if err := s.send(bw, resp); err != nil {
		return false, err
	}

	if s.observer != nil {
		s.observer.TransactionDone(req.Method, resp.StatusCode, time.Since(start))
	}
	if logger.IsDebug() {
		logger.Debugf("[ICAP] %s %s -> %d (%s)", req.Method, req.HostURL(), resp.StatusCode, time.Since(start))
	}
	return req.KeepAlive(), nil
}

func (s *Server) respond(req *Request, br *bufio.Reader, bw *bufio.Writer) (*Response, error) {
	if !strings.HasPrefix(req.Proto, "ICAP/1.") {
		return s.newResponse(505), nil
	}
	if !s.serviceMatches(req) {
		return s.newResponse(404), nil
	}

	switch req.Method {
	case MethodOptions:
		return s.options(), nil
	case MethodReqmod, MethodRespmod:
	default:
		return s.newResponse(405), nil
	}

	tx := NewTransaction(req)
	resp := tx.Next(s.adapter)
	if tx.State() == StateContinuationRequested {
		if err := s.send(bw, s.decorate(resp)); err != nil {
			return nil, err
		}
		if err := req.ReadContinuation(br, s.cfg.MaxBody); err != nil {
			return nil, fmt.Errorf("read continuation: %w", err)
		}
		resp = tx.Next(s.adapter)
	}
	return s.decorate(resp), nil
}

func (s *Server) serviceMatches(req *Request) bool {
	path := strings.Trim(req.URI.Path, "/")
	if path == "" {
		return true
	}
	first, _, _ := strings.Cut(path, "/")
	return first == s.cfg.ServiceName
}

func (s *Server) options() *Response {
	resp := s.newResponse(200)
	h := resp.Header
	h["Methods"] = []string{"REQMOD, RESPMOD"}
	h["Options-TTL"] = []string{strconv.Itoa(s.cfg.OptionsTTL)}
	h["Max-Connections"] = []string{strconv.Itoa(s.cfg.MaxConnections)}
	h["Allow"] = []string{"204, 206"}
	h["Preview"] = []string{"0"}
	h["Transfer-Preview"] = []string{"*"}
	h["Encapsulated"] = []string{"null-body=0"}
	return resp
}

func (s *Server) newResponse(code int) *Response {
	return s.decorate(NewResponse(code))
}

// decorate adds the headers every response carries.
func (s *Server) decorate(resp *Response) *Response {
	h := resp.Header
	h["ISTag"] = []string{s.ISTag()}
	h["Service"] = []string{s.cfg.ServiceName}
	if s.cfg.ServiceID != "" {
		h["Service-ID"] = []string{s.cfg.ServiceID}
	}
	h["Date"] = []string{time.Now().UTC().Format(http.TimeFormat)}
	return resp
}

func (s *Server) send(bw *bufio.Writer, resp *Response) error {
	if err := resp.Write(bw); err != nil {
		return err
	}
	return bw.Flush()
}

func (s *Server) track(conn net.Conn) *atomic.Bool {
	idle := new(atomic.Bool)
	s.mu.Lock()
	s.conns[conn] = idle
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.ConnectionsChanged(1)
	}
	return idle
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.ConnectionsChanged(-1)
	}
}

// logConnError logs how a connection ended: clean closes are silent, peer
// resets and timeouts go to debug, anything else to warn.
func (s *Server) logConnError(conn net.Conn, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		logger.Debugf("[ICAP] Connection %s closed: %v", conn.RemoteAddr(), err)
	default:
		logger.Warnf("[ICAP] Connection %s failed: %v", conn.RemoteAddr(), err)
	}
}

// Shutdown 优雅关闭：停止接受新连接，等待进行中的事务结束
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	// idle connections are blocked in Peek; wake them up
	for c, idle := range s.conns {
		if idle.Load() {
			c.SetReadDeadline(time.Now())
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("[ICAP] Server stopped")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}
