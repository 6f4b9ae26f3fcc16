package imapproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mailkeep/mailkeep/consts"
	"github.com/mailkeep/mailkeep/logger"
	"github.com/mailkeep/mailkeep/pkg/metrics"
	"github.com/mailkeep/mailkeep/server"
	"github.com/mailkeep/mailkeep/server/classifier"
	"github.com/mailkeep/mailkeep/server/quarantine"
)

var fetchResponsePattern = regexp.MustCompile(`^\* ([0-9]+) FETCH `)

// bodyKind classifies the item a FETCH response announces a literal for.
type bodyKind int

const (
	bodyNone bodyKind = iota // no message body on this line
	bodyFull                 // the complete message, BODY[] or RFC822
	bodyPart                 // a header, MIME sub-part or byte range
)

// fetchBodyKind inspects a FETCH response line. Only a full retrieval
// can be classified; a fragment of a message never can, and treating
// fragments independently would let a client reassemble a withheld body
// from pieces that individually carry no detectable amount.
func fetchBodyKind(line string) bodyKind {
	upper := strings.ToUpper(line)
	if i := strings.Index(upper, "BODY["); i >= 0 {
		rest := upper[i+len("BODY["):]
		j := strings.IndexByte(rest, ']')
		if j < 0 {
			return bodyNone
		}
		if j == 0 && !strings.HasPrefix(rest[1:], "<") {
			return bodyFull
		}
		return bodyPart
	}
	switch {
	case strings.Contains(upper, "RFC822.HEADER"), strings.Contains(upper, "RFC822.TEXT"):
		return bodyPart
	case strings.Contains(upper, "RFC822"):
		return bodyFull
	}
	return bodyNone
}

// relayClientToUpstream forwards client traffic line by line. Literal
// payloads announced by a command line pass through opaquely; malformed
// command lines are answered locally with a tagged BAD and never reach
// the upstream.
func (s *Session) relayClientToUpstream() error {
	for {
		line, err := s.clientReader.ReadString('\n')
		if len(line) > 0 {
			s.Log("C: %s", line)
		}
		if err != nil {
			if len(line) > 0 {
				_ = s.writeUpstream([]byte(line))
			}
			return err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		tag, _, _, perr := server.ParseLine(trimmed, true)
		if perr != nil {
			metrics.ProtocolErrors.WithLabelValues("client", "recoverable").Inc()
			if tag != "" {
				s.sendResponse(fmt.Sprintf("%s BAD %s", tag, perr.Error()))
			} else {
				s.sendResponse(fmt.Sprintf("* BAD %s", perr.Error()))
			}
			// A rejected line can still end in a non-sync literal marker;
			// its payload is already on the wire and must be drained or
			// it would be read back as protocol lines.
			if size, nonSync, ok := server.ParseLiteralMarker(trimmed); ok && nonSync && size > 0 {
				if _, err := io.CopyN(io.Discard, s.clientReader, size); err != nil {
					return err
				}
			}
			continue
		}

		if err := s.writeUpstream([]byte(line)); err != nil {
			return err
		}

		// A trailing literal marker means raw payload bytes follow. They
		// are not protocol lines and must pass through untouched. For a
		// synchronizing literal the client waits for the upstream's
		// continuation, which flows back on the other relay direction.
		if size, _, ok := server.ParseLiteralMarker(trimmed); ok && size > 0 {
			if err := s.copyClientLiteral(size); err != nil {
				return err
			}
		}
	}
}

// relayUpstreamToClient forwards upstream traffic, capturing message body
// literals on FETCH responses for classification. Everything else is
// relayed byte for byte.
func (s *Session) relayUpstreamToClient() error {
	for {
		line, err := s.upstreamReader.ReadString('\n')
		if len(line) > 0 {
			s.Log("U: %s", line)
		}
		if err != nil {
			if len(line) > 0 {
				_ = s.writeClient([]byte(line))
			}
			return err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		size, _, ok := server.ParseLiteralMarker(trimmed)
		if !ok {
			if err := s.writeClient([]byte(line)); err != nil {
				return err
			}
			continue
		}

		kind := bodyNone
		var seq uint32
		if m := fetchResponsePattern.FindStringSubmatch(trimmed); m != nil {
			if v, perr := strconv.ParseUint(m[1], 10, 32); perr == nil {
				seq = uint32(v)
				kind = fetchBodyKind(trimmed)
			}
		}

		if kind == bodyNone || size == 0 {
			if err := s.writeClient([]byte(line)); err != nil {
				return err
			}
			if err := s.copyUpstreamLiteral(size); err != nil {
				return err
			}
			continue
		}

		// A message this session already cleared passes through whole or
		// in fragments.
		if _, cleared := s.clearedSeqs[seq]; cleared {
			metrics.InterceptDecisions.WithLabelValues("cleared").Inc()
			if err := s.writeClient([]byte(line)); err != nil {
				return err
			}
			if err := s.copyUpstreamLiteral(size); err != nil {
				return err
			}
			continue
		}

		// A message with a quarantine record is resolved by its record,
		// regardless of how much of it this response carries. The
		// upstream bytes are discarded unseen by the client.
		if id, held := s.recordSeqs[seq]; held {
			if _, err := io.CopyN(io.Discard, s.upstreamReader, size); err != nil {
				return fmt.Errorf("%w: truncated body literal: %v", consts.ErrUpstreamProtocol, err)
			}
			deliver := s.recordDisposition(id)
			if err := s.writeClient([]byte(server.RewriteLiteralMarker(trimmed, int64(len(deliver))))); err != nil {
				return err
			}
			if err := s.writeClient(deliver); err != nil {
				return err
			}
			continue
		}

		// A fragment of a message this session has never seen whole
		// cannot be classified; it relays verbatim.
		if kind == bodyPart {
			if err := s.writeClient([]byte(line)); err != nil {
				return err
			}
			if err := s.copyUpstreamLiteral(size); err != nil {
				return err
			}
			continue
		}

		if size > s.server.maxInterceptSize {
			logger.Warn("Message body exceeds intercept limit, relaying verbatim",
				"proxy", s.server.name, "session", s.sessionID, "identity", s.identity, "size", size)
			metrics.InterceptDecisions.WithLabelValues("oversize").Inc()
			if err := s.writeClient([]byte(line)); err != nil {
				return err
			}
			if err := s.copyUpstreamLiteral(size); err != nil {
				return err
			}
			continue
		}

		// Capture the full body before deciding; the marker line has not
		// been sent to the client yet, so substitution stays possible.
		body := make([]byte, size)
		if _, err := io.ReadFull(s.upstreamReader, body); err != nil {
			return fmt.Errorf("%w: truncated body literal: %v", consts.ErrUpstreamProtocol, err)
		}

		deliver := s.disposition(seq, body)
		out := line
		if len(deliver) != len(body) || &deliver[0] != &body[0] {
			out = server.RewriteLiteralMarker(line, int64(len(deliver)))
		}
		if err := s.writeClient([]byte(out)); err != nil {
			return err
		}
		if err := s.writeClient(deliver); err != nil {
			return err
		}
	}
}

// disposition decides what the client receives for a captured full
// message body: the original bytes, the stored (possibly edited) content
// of an approved record, or a placeholder while the message is held. It
// also binds the message sequence number to the outcome so later partial
// or sub-part fetches of the same message resolve the same way.
func (s *Session) disposition(seq uint32, body []byte) []byte {
	hash := quarantine.ContentHash(body)

	// Bodies this session already cleared skip the store and classifier.
	if _, ok := s.passCache[hash]; ok {
		s.clearedSeqs[seq] = struct{}{}
		metrics.InterceptDecisions.WithLabelValues("cleared").Inc()
		return body
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.server.storeOpTimeout)
	defer cancel()

	rec, err := s.server.store.FindByContentHash(ctx, s.identity, hash)
	if errors.Is(err, consts.ErrStoreNotFound) {
		return s.classifyAndDecide(ctx, seq, hash, body)
	}
	if err != nil {
		// Unknown status; withhold rather than risk delivering a held
		// message. The next fetch retries.
		logger.Error("Quarantine lookup failed, withholding message",
			"proxy", s.server.name, "session", s.sessionID, "identity", s.identity, "error", err)
		metrics.InterceptDecisions.WithLabelValues("pending").Inc()
		return placeholderMessage("", classifier.Metadata{})
	}

	s.recordSeqs[seq] = rec.ID
	switch rec.Status {
	case quarantine.StatusApproved:
		metrics.InterceptDecisions.WithLabelValues("approved").Inc()
		return rec.RawContent
	case quarantine.StatusDeleted:
		metrics.InterceptDecisions.WithLabelValues("deleted").Inc()
		return placeholderMessage(rec.ID, rec.Metadata)
	default:
		metrics.InterceptDecisions.WithLabelValues("pending").Inc()
		return placeholderMessage(rec.ID, rec.Metadata)
	}
}

// recordDisposition resolves a fetch of a message already bound to a
// quarantine record. Approved records deliver their stored content, so
// an edit is never bypassed by fetching a range of the upstream copy.
func (s *Session) recordDisposition(id string) []byte {
	ctx, cancel := context.WithTimeout(s.ctx, s.server.storeOpTimeout)
	defer cancel()

	rec, err := s.server.store.Get(ctx, id)
	if err != nil {
		logger.Error("Quarantine lookup failed, withholding message",
			"proxy", s.server.name, "session", s.sessionID, "identity", s.identity, "id", id, "error", err)
		metrics.InterceptDecisions.WithLabelValues("pending").Inc()
		return placeholderMessage("", classifier.Metadata{})
	}

	switch rec.Status {
	case quarantine.StatusApproved:
		metrics.InterceptDecisions.WithLabelValues("approved").Inc()
		return rec.RawContent
	case quarantine.StatusDeleted:
		metrics.InterceptDecisions.WithLabelValues("deleted").Inc()
		return placeholderMessage(rec.ID, rec.Metadata)
	default:
		metrics.InterceptDecisions.WithLabelValues("pending").Inc()
		return placeholderMessage(rec.ID, rec.Metadata)
	}
}

// classifyAndDecide runs the classifier on a body the store has never
// seen and either quarantines it or clears it for this session.
func (s *Session) classifyAndDecide(ctx context.Context, seq uint32, hash string, body []byte) []byte {
	md := s.server.classifier.Classify(body)
	if !md.AmountFound || md.Amount < s.server.threshold {
		s.passCache[hash] = struct{}{}
		s.clearedSeqs[seq] = struct{}{}
		metrics.InterceptDecisions.WithLabelValues("cleared").Inc()
		return body
	}

	id, err := s.server.store.Put(ctx, s.identity, body, md)
	if err != nil {
		// No record was created; withhold now, the next fetch retries.
		logger.Error("Failed to quarantine message, withholding",
			"proxy", s.server.name, "session", s.sessionID, "identity", s.identity, "error", err)
		metrics.InterceptDecisions.WithLabelValues("pending").Inc()
		return placeholderMessage("", md)
	}

	s.recordSeqs[seq] = id
	logger.Info("Message quarantined",
		"proxy", s.server.name, "session", s.sessionID, "identity", s.identity,
		"id", id, "amount", md.Amount, "currency", md.Currency, "sender", md.Sender)
	metrics.InterceptDecisions.WithLabelValues("quarantined").Inc()
	return placeholderMessage(id, md)
}

// placeholderMessage builds the synthetic message delivered in place of a
// held body. It keeps the original subject and date when known so mailbox
// listings stay stable.
func placeholderMessage(id string, md classifier.Metadata) []byte {
	var b strings.Builder
	b.WriteString("From: Mailkeep Quarantine <quarantine@mailkeep.invalid>\r\n")
	subject := "[Held for review]"
	if md.Subject != "" {
		subject += " " + md.Subject
	}
	b.WriteString("Subject: " + subject + "\r\n")
	// Render in UTC so the placeholder built at quarantine time matches
	// the one rebuilt from the stored record, whose date round-trips
	// through the store in UTC.
	date := md.Date
	if date.IsZero() {
		date = time.Now()
	}
	b.WriteString("Date: " + date.UTC().Format(time.RFC1123Z) + "\r\n")
	if id != "" {
		b.WriteString("X-Mailkeep-Reference: " + id + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString("This message has been withheld pending review.\r\n")
	b.WriteString("\r\n")
	if id != "" {
		b.WriteString("Reference: " + id + "\r\n")
	}
	b.WriteString("Contact your administrator to release it.\r\n")
	return []byte(b.String())
}

// writeUpstream writes bytes to the upstream and flushes. Writes are
// serialized against the shutdown LOGOUT from Server.Stop.
func (s *Session) writeUpstream(p []byte) error {
	s.upstreamMu.Lock()
	defer s.upstreamMu.Unlock()
	if _, err := s.upstreamWriter.Write(p); err != nil {
		return err
	}
	if err := s.upstreamWriter.Flush(); err != nil {
		return err
	}
	metrics.BytesThroughput.WithLabelValues("in").Add(float64(len(p)))
	return nil
}

// copyClientLiteral streams a client literal payload to the upstream.
func (s *Session) copyClientLiteral(size int64) error {
	s.upstreamMu.Lock()
	defer s.upstreamMu.Unlock()
	n, err := io.CopyN(s.upstreamWriter, s.clientReader, size)
	metrics.BytesThroughput.WithLabelValues("in").Add(float64(n))
	if err != nil {
		return err
	}
	return s.upstreamWriter.Flush()
}

// writeClient writes bytes to the client and flushes. Writes are
// serialized against locally generated responses from the other relay
// direction.
func (s *Session) writeClient(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.clientWriter.Write(p); err != nil {
		return err
	}
	if err := s.clientWriter.Flush(); err != nil {
		return err
	}
	metrics.BytesThroughput.WithLabelValues("out").Add(float64(len(p)))
	return nil
}

// copyUpstreamLiteral streams an uninspected upstream literal to the
// client.
func (s *Session) copyUpstreamLiteral(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := io.CopyN(s.clientWriter, s.upstreamReader, size)
	metrics.BytesThroughput.WithLabelValues("out").Add(float64(n))
	if err != nil {
		return err
	}
	return s.clientWriter.Flush()
}
