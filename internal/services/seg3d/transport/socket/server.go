// Package socket serves the remote action protocol: a line-oriented TCP
// stream where each line is an action command and the reply is one or more
// prefixed report lines.
package socket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

const (
	// DefaultAppName is used in the greeting when none is configured.
	DefaultAppName = "Seg3D"
	// ExitCommand closes the connection.
	ExitCommand = "exit"
	// MaxLineBytes caps one command line.
	MaxLineBytes = 1 << 20

	lineEnd = "\r\n"
)

// Executor runs one command line and waits for its outcome.
type Executor interface {
	Exec(ctx context.Context, line string, source action.Source) (*action.BufferedContext, error)
}

// Options configures a Server.
type Options struct {
	AppName string
	// MaxConns bounds concurrent connections. Zero means unlimited.
	MaxConns int
	// IdleTimeout closes a connection that sends nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Server accepts connections and feeds their lines to an Executor.
type Server struct {
	exec        Executor
	appName     string
	idleTimeout time.Duration
	logger      *zap.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Listen opens a TCP listener on addr and returns a server for it.
func Listen(addr string, exec Executor, opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return New(ln, exec, opts), nil
}

// New wraps an existing listener. The server owns ln from now on.
func New(ln net.Listener, exec Executor, opts Options) *Server {
	if opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConns)
	}
	if strings.TrimSpace(opts.AppName) == "" {
		opts.AppName = DefaultAppName
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		exec:        exec,
		appName:     opts.AppName,
		idleTimeout: opts.IdleTimeout,
		logger:      logger.With(zap.String("component", "action_socket")),
		ln:          ln,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting connections. Serve closes the listener itself when
// its context ends; Close is for a server that never served.
func (s *Server) Close() error {
	return s.ln.Close()
}

// Serve accepts connections until ctx is done, then closes the listener and
// every open connection and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.ln.Close()
		s.closeConns()
	})
	defer stop()

	s.logger.Info("action socket listening", zap.Stringer("addr", s.ln.Addr()))
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.closeConns()
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Go(func() {
			defer s.untrack(conn)
			s.handle(ctx, conn)
		})
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for conn := range conns {
		_ = conn.Close()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	logger := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	logger.Debug("connection opened")
	defer logger.Debug("connection closed")

	w := bufio.NewWriter(conn)
	if err := writeLines(w, "Welcome to "+s.appName); err != nil {
		return
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), MaxLineBytes)
	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == ExitCommand {
			return
		}
		if err := writeLines(w, s.reply(ctx, line)...); err != nil {
			logger.Debug("write failed", zap.Error(err))
			return
		}
	}
}

// reply runs line and renders its reports. Every reply ends with a RESULT:
// or ERROR: line so clients know when to stop reading.
func (s *Server) reply(ctx context.Context, line string) []string {
	actx, err := s.exec.Exec(ctx, line, action.SourceCommandLine)
	if err != nil && actx == nil {
		return []string{errorLine(err.Error())}
	}
	var out []string
	terminal := false
	for _, r := range actx.Reports() {
		out = append(out, action.Report{Level: r.Level, Text: oneLine(r.Text)}.String())
		terminal = r.Level == action.LevelResult || r.Level == action.LevelError
	}
	if err != nil {
		return append(out, errorLine(err.Error()))
	}
	if !terminal {
		if actx.Status() == action.StatusSuccess {
			out = append(out, action.LevelResult.Prefix())
		} else {
			out = append(out, errorLine(actx.Status().String()))
		}
	}
	return out
}

func errorLine(text string) string {
	return action.Report{Level: action.LevelError, Text: oneLine(text)}.String()
}

var newlines = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// oneLine keeps multi-line report text inside one protocol line.
func oneLine(s string) string {
	return newlines.Replace(s)
}

func writeLines(w *bufio.Writer, lines ...string) error {
	for _, l := range lines {
		if _, err := io.WriteString(w, l+lineEnd); err != nil {
			return err
		}
	}
	return w.Flush()
}
