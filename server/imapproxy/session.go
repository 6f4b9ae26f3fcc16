package imapproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mailkeep/mailkeep/config"
	"github.com/mailkeep/mailkeep/consts"
	"github.com/mailkeep/mailkeep/logger"
	"github.com/mailkeep/mailkeep/pkg/metrics"
	"github.com/mailkeep/mailkeep/server"
	"github.com/mailkeep/mailkeep/server/directory"
	"github.com/mailkeep/mailkeep/server/idgen"
)

// maxAuthErrors is the number of invalid commands tolerated during the
// authentication phase before the connection is dropped.
const maxAuthErrors = 2

// maxAuthLiteral bounds literal arguments to LOGIN and AUTHENTICATE, and
// maxAuthLine bounds a whole authentication-phase command line.
const (
	maxAuthLiteral = 8192
	maxAuthLine    = 8192
)

// Session relays one client connection. It owns both connections: the
// client side from the accept loop and, once the client authenticates,
// the upstream side resolved through the directory.
type Session struct {
	server         *Server
	clientConn     net.Conn
	upstreamConn   net.Conn
	upstreamReader *bufio.Reader
	upstreamWriter *bufio.Writer
	clientReader   *bufio.Reader
	clientWriter   *bufio.Writer
	identity       string
	route          directory.Route
	sessionID      string

	// passCache remembers content hashes this session already classified
	// below the threshold, so refetches skip the classifier.
	passCache map[string]struct{}

	// clearedSeqs and recordSeqs bind message sequence numbers to their
	// disposition once a full body has been seen. A later fetch of any
	// fragment of the same message resolves through these instead of the
	// fragment's bytes, which hash to nothing the store knows.
	clearedSeqs map[uint32]struct{}
	recordSeqs  map[uint32]string

	mu         sync.Mutex // guards client writes and upstream teardown
	upstreamMu sync.Mutex // guards upstream writes
	ctx        context.Context
	cancel     context.CancelFunc
	errorCount int
}

// newSession creates a new proxy session.
func newSession(server *Server, conn net.Conn) *Session {
	sessionCtx, sessionCancel := context.WithCancel(server.ctx)
	return &Session{
		server:       server,
		clientConn:   conn,
		clientReader: bufio.NewReader(conn),
		clientWriter: bufio.NewWriter(conn),
		sessionID:    idgen.New(),
		passCache:    make(map[string]struct{}),
		clearedSeqs:  make(map[uint32]struct{}),
		recordSeqs:   make(map[uint32]string),
		ctx:          sessionCtx,
		cancel:       sessionCancel,
	}
}

// handleConnection runs the session: greeting, authentication phase, then
// the relay phase.
func (s *Session) handleConnection() {
	defer s.cancel()
	defer s.close()

	clientAddr := s.clientConn.RemoteAddr().String()
	if s.server.debug {
		logger.Debug("New connection", "proxy", s.server.name, "session", s.sessionID, "client", clientAddr)
	}

	if err := s.sendGreeting(); err != nil {
		logger.Warn("Failed to send greeting", "proxy", s.server.name, "client", clientAddr, "error", err)
		return
	}

	authenticated := false
	for !authenticated {
		// The idle timeout applies only before authentication. Once the
		// session is relaying, idle handling belongs to the upstream.
		if s.server.authIdleTimeout > 0 {
			if err := s.clientConn.SetReadDeadline(time.Now().Add(s.server.authIdleTimeout)); err != nil {
				logger.Warn("Failed to set read deadline", "proxy", s.server.name, "client", clientAddr, "error", err)
				return
			}
		}

		line, err := s.clientReader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Info("Client timed out before authenticating", "proxy", s.server.name, "client", clientAddr)
				s.sendResponse("* BYE Idle timeout")
				return
			}
			if err != io.EOF {
				logger.Warn("Error reading from client", "proxy", s.server.name, "client", clientAddr, "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		s.Log("C: %s\r\n", line)

		if len(line) > maxAuthLine {
			metrics.ProtocolErrors.WithLabelValues("client", "recoverable").Inc()
			if s.handleAuthError("* BAD " + consts.ErrLineTooLong.Error()) {
				return
			}
			continue
		}

		line, err = s.resolveAuthLiterals(line)
		if err != nil {
			metrics.ProtocolErrors.WithLabelValues("client", "recoverable").Inc()
			if s.handleAuthError("* BAD " + err.Error()) {
				return
			}
			continue
		}

		tag, command, args, err := server.ParseLine(line, true)
		if err != nil {
			metrics.ProtocolErrors.WithLabelValues("client", "recoverable").Inc()
			var resp string
			if tag != "" {
				resp = fmt.Sprintf("%s BAD %s", tag, err.Error())
			} else {
				resp = fmt.Sprintf("* BAD %s", err.Error())
			}
			if s.handleAuthError(resp) {
				return
			}
			continue
		}

		if tag == "" { // Empty line
			continue
		}
		if command == "" { // Tag only
			if s.handleAuthError(fmt.Sprintf("%s BAD Command is missing", tag)) {
				return
			}
			continue
		}

		switch command {
		case "LOGIN":
			if len(args) < 2 {
				if s.handleAuthError(fmt.Sprintf("%s NO LOGIN requires username and password", tag)) {
					return
				}
				continue
			}
			identity := server.UnquoteString(args[0])
			password := server.UnquoteString(args[1])
			authenticated = s.authenticate(tag, identity, password)

		case "AUTHENTICATE":
			if len(args) < 1 || strings.ToUpper(args[0]) != "PLAIN" {
				if s.handleAuthError(fmt.Sprintf("%s NO AUTHENTICATE PLAIN is the only supported mechanism", tag)) {
					return
				}
				continue
			}

			var saslLine string
			if len(args) > 1 {
				// Initial response was provided with the command
				saslLine = server.UnquoteString(args[1])
			} else {
				s.sendResponse("+")
				var err error
				saslLine, err = s.clientReader.ReadString('\n')
				if err != nil {
					if err != io.EOF {
						logger.Warn("Error reading SASL response", "proxy", s.server.name, "error", err)
					}
					return
				}
				saslLine = server.UnquoteString(strings.TrimRight(saslLine, "\r\n"))
			}

			if saslLine == "*" {
				// Client-side cancellation is not an error we should count.
				s.sendResponse(fmt.Sprintf("%s BAD Authentication cancelled", tag))
				continue
			}

			decoded, err := base64.StdEncoding.DecodeString(saslLine)
			if err != nil {
				if s.handleAuthError(fmt.Sprintf("%s NO Invalid base64 encoding", tag)) {
					return
				}
				continue
			}

			parts := strings.Split(string(decoded), "\x00")
			if len(parts) != 3 {
				if s.handleAuthError(fmt.Sprintf("%s NO Invalid SASL PLAIN response", tag)) {
					return
				}
				continue
			}

			// parts[0] is the authorization identity, unused here.
			authenticated = s.authenticate(tag, parts[1], parts[2])

		case "LOGOUT":
			s.sendResponse("* BYE Proxy logging out")
			s.sendResponse(fmt.Sprintf("%s OK LOGOUT completed", tag))
			return

		case "CAPABILITY":
			s.sendResponse("* CAPABILITY IMAP4rev1 AUTH=PLAIN LOGIN")
			s.sendResponse(fmt.Sprintf("%s OK CAPABILITY completed", tag))

		case "ID":
			s.sendResponse("* ID (\"name\" \"Mailkeep-Proxy\" \"version\" \"1.0\")")
			s.sendResponse(fmt.Sprintf("%s OK ID completed", tag))

		case "NOOP":
			s.sendResponse(fmt.Sprintf("%s OK NOOP completed", tag))

		default:
			if s.handleAuthError(fmt.Sprintf("%s NO Command not supported before authentication", tag)) {
				return
			}
			continue
		}
	}

	// Clear the pre-auth read deadline; the relay phase has no proxy-side
	// idle limit.
	if s.server.authIdleTimeout > 0 {
		if err := s.clientConn.SetReadDeadline(time.Time{}); err != nil {
			logger.Warn("Failed to clear read deadline", "proxy", s.server.name, "client", clientAddr, "error", err)
		}
	}

	if s.upstreamConn != nil {
		if s.server.debug {
			logger.Debug("Starting relay", "proxy", s.server.name, "session", s.sessionID, "identity", s.identity, "upstream", s.route.Addr())
		}
		s.startRelay()
	} else {
		logger.Warn("Cannot start relay: no upstream connection", "proxy", s.server.name, "identity", s.identity)
	}
}

// resolveAuthLiterals folds literal arguments on an authentication-phase
// command line into quoted strings. For synchronizing literals the proxy
// itself sends the continuation request; the upstream is not connected
// yet.
func (s *Session) resolveAuthLiterals(line string) (string, error) {
	for {
		size, nonSync, ok := server.ParseLiteralMarker(line)
		if !ok {
			return line, nil
		}
		if size > maxAuthLiteral {
			return "", consts.ErrLiteralTooLarge
		}
		if !nonSync {
			if err := s.sendResponse("+ Ready"); err != nil {
				return "", err
			}
		}

		buf := make([]byte, size)
		if _, err := io.ReadFull(s.clientReader, buf); err != nil {
			return "", fmt.Errorf("failed to read literal argument: %w", err)
		}
		rest, err := s.clientReader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read command continuation: %w", err)
		}
		rest = strings.TrimRight(rest, "\r\n")

		trimmed := strings.TrimRight(line, "\r\n")
		open := strings.LastIndexByte(trimmed, '{')
		line = trimmed[:open] + server.QuoteString(string(buf)) + rest
	}
}

// handleAuthError increments the error count, sends an error response, and
// returns true if the connection should be dropped.
func (s *Session) handleAuthError(response string) bool {
	s.errorCount++
	s.sendResponse(response)
	if s.errorCount >= maxAuthErrors {
		logger.Info("Too many authentication errors, dropping connection", "proxy", s.server.name, "client", s.clientConn.RemoteAddr().String())
		s.sendResponse("* BYE Too many invalid commands")
		return true
	}
	return false
}

// sendGreeting sends the protocol greeting.
func (s *Session) sendGreeting() error {
	greeting := "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN LOGIN] Mailkeep Proxy Ready\r\n"
	_, err := s.clientWriter.WriteString(greeting)
	if err != nil {
		return err
	}
	return s.clientWriter.Flush()
}

// sendResponse sends a response line to the client.
func (s *Session) sendResponse(response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.clientWriter.WriteString(response + "\r\n")
	if err != nil {
		return err
	}
	return s.clientWriter.Flush()
}

// Log logs wire traffic with credential masking if debug is enabled.
func (s *Session) Log(format string, args ...interface{}) {
	if s.server.debug {
		message := fmt.Sprintf(format, args...)
		s.server.debugWriter.Write([]byte(message))
	}
}

// authenticate resolves the identity's route, connects upstream and
// forwards the credentials. It returns true when the upstream accepted
// them; on any failure the client gets a tagged response and the session
// stays in the authentication phase.
func (s *Session) authenticate(tag, identity, password string) bool {
	route, err := s.resolveRoute(identity)
	if err != nil {
		if errors.Is(err, consts.ErrIdentityNotFound) {
			logger.Info("Rejecting unknown identity", "proxy", s.server.name, "identity", identity)
			metrics.AuthenticationAttempts.WithLabelValues("unknown_identity").Inc()
			s.sendResponse(fmt.Sprintf("%s NO Authentication failed", tag))
			return false
		}
		logger.Warn("Directory lookup failed", "proxy", s.server.name, "identity", identity, "error", err)
		metrics.AuthenticationAttempts.WithLabelValues("failure").Inc()
		s.sendResponse(fmt.Sprintf("%s NO [UNAVAILABLE] Directory temporarily unavailable", tag))
		return false
	}

	if err := s.connectUpstream(route); err != nil {
		logger.Warn("Failed to connect upstream", "proxy", s.server.name, "identity", identity, "upstream", route.Addr(), "error", err)
		metrics.AuthenticationAttempts.WithLabelValues("upstream_unreachable").Inc()
		s.sendResponse(fmt.Sprintf("%s NO [UNAVAILABLE] Upstream server temporarily unavailable", tag))
		return false
	}

	ok, err := s.forwardLogin(tag, identity, password)
	if err != nil {
		logger.Warn("Upstream authentication exchange failed", "proxy", s.server.name, "identity", identity, "upstream", route.Addr(), "error", err)
		metrics.AuthenticationAttempts.WithLabelValues("upstream_unreachable").Inc()
		s.closeUpstream()
		s.sendResponse(fmt.Sprintf("%s NO [UNAVAILABLE] Upstream server temporarily unavailable", tag))
		return false
	}
	if !ok {
		// The upstream refused the credentials; its tagged NO has already
		// been relayed. Drop the upstream and let the client retry.
		logger.Info("Upstream rejected credentials", "proxy", s.server.name, "identity", identity, "upstream", route.Addr())
		metrics.AuthenticationAttempts.WithLabelValues("failure").Inc()
		s.closeUpstream()
		return false
	}

	s.identity = identity
	s.route = route
	metrics.AuthenticationAttempts.WithLabelValues("success").Inc()
	return true
}

// resolveRoute looks the identity up in the directory, applying the
// unknown-identity policy.
func (s *Session) resolveRoute(identity string) (directory.Route, error) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	route, err := s.server.dir.Lookup(ctx, identity)
	if err == nil {
		metrics.DirectoryLookups.WithLabelValues("found").Inc()
		return route, nil
	}
	if errors.Is(err, consts.ErrIdentityNotFound) {
		if s.server.unknownIdentityPolicy == config.PolicyFallback && s.server.fallbackRoute != nil {
			logger.Info("Routing unknown identity to fallback", "proxy", s.server.name, "identity", identity, "fallback", s.server.fallbackRoute.Addr())
			metrics.DirectoryLookups.WithLabelValues("fallback").Inc()
			return *s.server.fallbackRoute, nil
		}
		metrics.DirectoryLookups.WithLabelValues("not_found").Inc()
		return directory.Route{}, err
	}
	metrics.DirectoryLookups.WithLabelValues("error").Inc()
	return directory.Route{}, err
}

// connectUpstream dials the route and consumes the upstream greeting.
func (s *Session) connectUpstream(route directory.Route) error {
	connectCtx, connectCancel := context.WithTimeout(s.ctx, s.server.connectTimeout)
	defer connectCancel()

	var conn net.Conn
	var err error
	if route.TLS {
		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{},
			Config: &tls.Config{
				ServerName: route.Host,
				MinVersion: tls.VersionTLS12,
			},
		}
		conn, err = dialer.DialContext(connectCtx, "tcp", route.Addr())
	} else {
		dialer := &net.Dialer{}
		conn, err = dialer.DialContext(connectCtx, "tcp", route.Addr())
	}
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrUpstreamConnect, err)
	}

	reader := bufio.NewReader(conn)

	// Bound the greeting read; a hung upstream must not hold the session.
	if err := conn.SetReadDeadline(time.Now().Add(s.server.connectTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set greeting deadline: %w", err)
	}
	greeting, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: failed to read greeting: %v", consts.ErrUpstreamConnect, err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to clear greeting deadline: %w", err)
	}
	s.Log("U: %s", greeting)
	if !strings.HasPrefix(greeting, "* OK") {
		conn.Close()
		return fmt.Errorf("%w: unexpected greeting %q", consts.ErrUpstreamProtocol, strings.TrimRight(greeting, "\r\n"))
	}

	s.mu.Lock()
	s.upstreamConn = conn
	s.upstreamReader = reader
	s.upstreamWriter = bufio.NewWriter(conn)
	s.mu.Unlock()
	return nil
}

// forwardLogin sends the client's credentials to the upstream as a LOGIN
// command under the client's own tag and relays the upstream's responses.
// It returns whether the upstream accepted the credentials.
func (s *Session) forwardLogin(tag, identity, password string) (bool, error) {
	if err := s.upstreamConn.SetDeadline(time.Now().Add(s.server.connectTimeout)); err != nil {
		return false, fmt.Errorf("failed to set auth deadline: %w", err)
	}

	cmd := fmt.Sprintf("%s LOGIN %s %s\r\n", tag, server.QuoteString(identity), server.QuoteString(password))
	if _, err := s.upstreamWriter.WriteString(cmd); err != nil {
		return false, fmt.Errorf("failed to send LOGIN: %w", err)
	}
	if err := s.upstreamWriter.Flush(); err != nil {
		return false, fmt.Errorf("failed to send LOGIN: %w", err)
	}

	// Relay untagged responses (CAPABILITY and friends) until the tagged
	// completion arrives.
	var tagged string
	for {
		resp, err := s.upstreamReader.ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("failed to read auth response: %w", err)
		}
		s.Log("U: %s", resp)
		trimmed := strings.TrimRight(resp, "\r\n")
		if strings.HasPrefix(trimmed, tag+" ") {
			tagged = trimmed
			break
		}
		if err := s.sendResponse(trimmed); err != nil {
			return false, fmt.Errorf("failed to relay response: %w", err)
		}
	}

	if err := s.upstreamConn.SetDeadline(time.Time{}); err != nil {
		return false, fmt.Errorf("failed to clear auth deadline: %w", err)
	}

	if err := s.sendResponse(tagged); err != nil {
		return false, fmt.Errorf("failed to relay tagged response: %w", err)
	}
	return strings.HasPrefix(tagged, tag+" OK"), nil
}

// closeUpstream tears down the upstream side only, returning the session
// to the authentication phase.
func (s *Session) closeUpstream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstreamConn != nil {
		s.upstreamConn.Close()
		s.upstreamConn = nil
		s.upstreamReader = nil
		s.upstreamWriter = nil
	}
}

// startRelay runs both relay directions until one of them ends. When a
// direction terminates, the other side gets the close grace period to
// flush before both connections are forced shut.
func (s *Session) startRelay() {
	var wg sync.WaitGroup
	done := make(chan struct{})
	var closeOnce sync.Once

	cascade := func(side string, err error) {
		if err != nil && !isClosingError(err) {
			logger.Warn("Relay error", "proxy", s.server.name, "session", s.sessionID, "side", side, "error", err)
		}
		closeOnce.Do(func() {
			go func() {
				select {
				case <-done:
				case <-time.After(s.server.closeGracePeriod):
					logger.Debug("Close grace period expired, forcing shutdown", "proxy", s.server.name, "session", s.sessionID)
				}
				s.clientConn.Close()
				s.upstreamConn.Close()
			}()
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		cascade("client", s.relayClientToUpstream())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cascade("upstream", s.relayUpstreamToClient())
	}()

	go func() {
		<-s.ctx.Done()
		s.clientConn.Close()
		s.upstreamConn.Close()
	}()

	wg.Wait()
	close(done)
}

// close closes all connections.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics.ConnectionsCurrent.Dec()

	if s.clientConn != nil {
		s.clientConn.Close()
	}
	if s.upstreamConn != nil {
		s.upstreamConn.Close()
	}
}

func isClosingError(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
