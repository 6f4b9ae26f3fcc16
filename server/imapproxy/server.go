package imapproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mailkeep/mailkeep/config"
	"github.com/mailkeep/mailkeep/helpers"
	"github.com/mailkeep/mailkeep/logger"
	"github.com/mailkeep/mailkeep/pkg/metrics"
	"github.com/mailkeep/mailkeep/server/classifier"
	"github.com/mailkeep/mailkeep/server/directory"
	"github.com/mailkeep/mailkeep/server/quarantine"
)

// Server accepts client connections and runs one proxy Session per
// connection. Each session authenticates the client, resolves its
// upstream route through the directory, and then relays traffic while
// inspecting retrieval responses.
type Server struct {
	listener   net.Listener
	listenerMu sync.RWMutex

	name     string
	addr     string
	hostname string

	dir        directory.Directory
	classifier classifier.Classifier
	store      *quarantine.Store

	tls         bool
	tlsCertFile string
	tlsKeyFile  string
	tlsConfig   *tls.Config

	authIdleTimeout  time.Duration
	connectTimeout   time.Duration
	closeGracePeriod time.Duration

	unknownIdentityPolicy string
	fallbackRoute         *directory.Route

	threshold        float64
	maxInterceptSize int64
	storeOpTimeout   time.Duration

	debug       bool
	debugWriter io.Writer

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Active session tracking for graceful shutdown
	activeSessionsMu sync.RWMutex
	activeSessions   map[*Session]struct{}
}

// maskingWriter wraps an io.Writer to mask credentials in debug output.
type maskingWriter struct {
	w io.Writer
}

// Write inspects the log output, and if it's a client command (prefixed
// with "C: "), it masks the sensitive parts of LOGIN or AUTHENTICATE
// commands.
func (mw *maskingWriter) Write(p []byte) (n int, err error) {
	line := string(p)
	originalLen := len(p)

	if !strings.HasPrefix(line, "C: ") {
		return mw.w.Write(p)
	}

	cmdLine := strings.TrimPrefix(line, "C: ")
	trimmedCmdLine := strings.TrimRight(cmdLine, "\r\n")
	parts := strings.Fields(trimmedCmdLine)
	if len(parts) < 2 { // Needs at least tag and command
		return mw.w.Write(p)
	}

	command := strings.ToUpper(parts[1])
	maskedCmdLine := helpers.MaskSensitive(trimmedCmdLine, command, "LOGIN", "AUTHENTICATE")

	if maskedCmdLine != trimmedCmdLine {
		maskedLine := "C: " + maskedCmdLine + "\r\n"
		_, err = mw.w.Write([]byte(maskedLine))
	} else {
		_, err = mw.w.Write(p)
	}
	if err != nil {
		return 0, err
	}

	// Always return the original length to prevent buffering issues
	return originalLen, nil
}

// ServerOptions holds options for creating a new proxy server.
type ServerOptions struct {
	Name        string
	Addr        string
	TLS         bool
	TLSCertFile string
	TLSKeyFile  string

	AuthIdleTimeout  time.Duration
	ConnectTimeout   time.Duration
	CloseGracePeriod time.Duration

	UnknownIdentityPolicy string
	FallbackRoute         *directory.Route

	Threshold        float64
	MaxInterceptSize int64
	StoreOpTimeout   time.Duration

	Debug bool
}

// New creates a new proxy server.
func New(appCtx context.Context, hostname string, dir directory.Directory, cls classifier.Classifier, store *quarantine.Store, opts ServerOptions) (*Server, error) {
	ctx, cancel := context.WithCancel(appCtx)

	if dir == nil {
		cancel()
		return nil, fmt.Errorf("no account directory configured")
	}
	if store == nil {
		cancel()
		return nil, fmt.Errorf("no quarantine store configured")
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	closeGracePeriod := opts.CloseGracePeriod
	if closeGracePeriod == 0 {
		closeGracePeriod = 5 * time.Second
	}
	policy := opts.UnknownIdentityPolicy
	if policy == "" {
		policy = config.PolicyReject
	}
	if policy == config.PolicyFallback && opts.FallbackRoute == nil {
		cancel()
		return nil, fmt.Errorf("unknown_identity_policy is 'fallback' but no fallback route is configured")
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = config.DefaultThreshold
	}
	maxInterceptSize := opts.MaxInterceptSize
	if maxInterceptSize == 0 {
		maxInterceptSize = config.DefaultMaxInterceptSize
	}
	storeOpTimeout := opts.StoreOpTimeout
	if storeOpTimeout == 0 {
		storeOpTimeout = 5 * time.Second
	}

	var debugWriter io.Writer
	if opts.Debug {
		debugWriter = &maskingWriter{w: os.Stdout}
	}

	return &Server{
		name:                  opts.Name,
		addr:                  opts.Addr,
		hostname:              hostname,
		dir:                   dir,
		classifier:            cls,
		store:                 store,
		tls:                   opts.TLS,
		tlsCertFile:           opts.TLSCertFile,
		tlsKeyFile:            opts.TLSKeyFile,
		authIdleTimeout:       opts.AuthIdleTimeout,
		connectTimeout:        connectTimeout,
		closeGracePeriod:      closeGracePeriod,
		unknownIdentityPolicy: policy,
		fallbackRoute:         opts.FallbackRoute,
		threshold:             threshold,
		maxInterceptSize:      maxInterceptSize,
		storeOpTimeout:        storeOpTimeout,
		debug:                 opts.Debug,
		debugWriter:           debugWriter,
		ctx:                   ctx,
		cancel:                cancel,
		activeSessions:        make(map[*Session]struct{}),
	}, nil
}

// Start starts the proxy server and blocks in the accept loop.
func (s *Server) Start() error {
	if s.tls {
		if s.tlsCertFile == "" || s.tlsKeyFile == "" {
			s.cancel()
			return fmt.Errorf("TLS enabled for proxy [%s] but no tls_cert_file/tls_key_file provided", s.name)
		}
		cert, err := tls.LoadX509KeyPair(s.tlsCertFile, s.tlsKeyFile)
		if err != nil {
			s.cancel()
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ServerName:    s.hostname,
			NextProtos:    []string{"imap"},
			Renegotiation: tls.RenegotiateNever,
		}

		s.listenerMu.Lock()
		listener, err := tls.Listen("tcp", s.addr, s.tlsConfig)
		if err != nil {
			s.listenerMu.Unlock()
			return fmt.Errorf("failed to start TLS listener: %w", err)
		}
		s.listener = listener
		s.listenerMu.Unlock()
	} else {
		s.listenerMu.Lock()
		listener, err := net.Listen("tcp", s.addr)
		if err != nil {
			s.listenerMu.Unlock()
			return fmt.Errorf("failed to start listener: %w", err)
		}
		s.listener = listener
		s.listenerMu.Unlock()
	}

	logger.Info("Proxy listening", "proxy", s.name, "addr", s.addr, "tls", s.tls)
	return s.acceptConnections()
}

// ServeListener runs the accept loop on a caller-provided listener.
func (s *Server) ServeListener(listener net.Listener) error {
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	return s.acceptConnections()
}

// acceptConnections accepts incoming connections.
func (s *Server) acceptConnections() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil // Graceful shutdown
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Other accept errors are connection-level issues (TLS
			// handshake failures, client disconnects). The listener
			// itself is still healthy.
			logger.Warn("Failed to accept connection", "proxy", s.name, "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Session panic recovered", "proxy", s.name, "error", r)
					conn.Close()
				}
			}()

			metrics.ConnectionsTotal.Inc()
			metrics.ConnectionsCurrent.Inc()

			session := newSession(s, conn)
			s.addSession(session)
			defer s.removeSession(session)
			session.handleConnection()
		}()
	}
}

// Stop stops the proxy server and waits for active sessions to drain.
func (s *Server) Stop() error {
	logger.Info("Stopping proxy server", "proxy", s.name)

	s.sendGracefulShutdownBye()

	s.cancel()

	s.listenerMu.RLock()
	listener := s.listener
	s.listenerMu.RUnlock()

	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Proxy server stopped gracefully", "proxy", s.name)
	case <-time.After(30 * time.Second):
		logger.Warn("Proxy server stop timeout", "proxy", s.name)
	}

	return nil
}

// addSession tracks an active session for graceful shutdown.
func (s *Server) addSession(session *Session) {
	s.activeSessionsMu.Lock()
	defer s.activeSessionsMu.Unlock()
	s.activeSessions[session] = struct{}{}
}

// removeSession removes a session from active tracking.
func (s *Server) removeSession(session *Session) {
	s.activeSessionsMu.Lock()
	defer s.activeSessionsMu.Unlock()
	delete(s.activeSessions, session)
}

// sendGracefulShutdownBye sends a BYE message to all active client
// connections and LOGOUT to upstream servers for clean shutdown.
func (s *Server) sendGracefulShutdownBye() {
	s.activeSessionsMu.RLock()
	activeSessions := make([]*Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMu.RUnlock()

	if len(activeSessions) == 0 {
		return
	}

	logger.Info("Sending graceful shutdown messages", "proxy", s.name, "count", len(activeSessions))

	for _, session := range activeSessions {
		session.mu.Lock()
		if session.clientWriter != nil {
			session.clientWriter.WriteString("* BYE Server shutting down, please reconnect\r\n")
			session.clientWriter.Flush()
		}
		upstreamWriter := session.upstreamWriter
		session.mu.Unlock()

		// The upstream writer has its own lock; the relay's client-to-
		// upstream direction writes to it without holding session.mu.
		if upstreamWriter != nil {
			session.upstreamMu.Lock()
			upstreamWriter.WriteString("MKP1 LOGOUT\r\n")
			upstreamWriter.Flush()
			session.upstreamMu.Unlock()
		}
	}

	// Give both sides a brief moment to process
	time.Sleep(1 * time.Second)

	logger.Debug("Proceeding with connection cleanup", "proxy", s.name)
}
