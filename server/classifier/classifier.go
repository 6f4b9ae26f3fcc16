// Package classifier extracts metadata and monetary amounts from raw
// RFC822 message bytes. Classification is pure and side-effect free: the
// same bytes always produce the same result, and malformed content
// degrades to a best-effort raw scan instead of an error, so
// classification can never abort message delivery.
package classifier

import (
	"bytes"
	"io"
	"mime"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"

	"github.com/mailkeep/mailkeep/pkg/metrics"
)

// Metadata is the extraction result for one message.
type Metadata struct {
	Sender    string
	Recipient string
	Subject   string
	Date      time.Time

	// Amount is the largest currency amount found in the decoded text,
	// valid only when AmountFound is true.
	Amount      float64
	AmountFound bool

	// Supplementary invoice fields, best effort.
	InvoiceNumber string
	Vendor        string
	Currency      string
}

// Classifier turns raw message bytes into Metadata. Implementations must
// be pure so the surrounding session logic can swap detection strategies
// without behavioral surprises.
type Classifier interface {
	Classify(raw []byte) Metadata
}

// AmountClassifier is the pattern-matching classifier: it walks the MIME
// structure, decodes textual parts (converting HTML to text) and scans
// for currency-prefixed numeric literals.
type AmountClassifier struct{}

func New() *AmountClassifier {
	return &AmountClassifier{}
}

var (
	// Symbol- or code-prefixed amounts with optional thousands separators
	// and decimal fraction, e.g. "$15,000.00", "EUR 1200", "£99.50".
	amountPattern = regexp.MustCompile(`(?i)(?:[$€£]|\b(?:USD|EUR|GBP|CAD|AUD)\b)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)

	invoiceNumberPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)invoice\s*#?\s*:?\s*([A-Z0-9\-]{3,})`),
		regexp.MustCompile(`(?i)inv\s*#?\s*:?\s*([A-Z0-9\-]{3,})`),
		regexp.MustCompile(`(?i)invoice\s*number\s*:?\s*([A-Z0-9\-]+)`),
	}

	vendorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)vendor\s*:?\s*([A-Za-z0-9 &.,]+)`),
		regexp.MustCompile(`(?i)billed\s*by\s*:?\s*([A-Za-z0-9 &.,]+)`),
	}

	currencyCodes = []string{"USD", "EUR", "GBP", "CAD", "AUD"}
)

// Classify parses the message and extracts headers and amounts. A parse
// failure falls back to scanning the raw bytes for amounts.
func (c *AmountClassifier) Classify(raw []byte) Metadata {
	var md Metadata

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		metrics.ClassifierFailures.Inc()
		c.scanText(string(raw), &md)
		return md
	}

	header := entity.Header
	md.Sender = decodeHeader(header.Get("From"))
	md.Recipient = decodeHeader(header.Get("To"))
	md.Subject = decodeHeader(header.Get("Subject"))
	if d, err := mail.ParseDate(header.Get("Date")); err == nil {
		md.Date = d
	}

	text := collectText(entity)
	if text == "" {
		// No decodable text part; scan the raw bytes rather than give up.
		text = string(raw)
	}
	c.scanText(text, &md)
	return md
}

// scanText extracts amounts and supplementary invoice fields from
// decoded text.
func (c *AmountClassifier) scanText(text string, md *Metadata) {
	for _, m := range amountPattern.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil {
			continue
		}
		// Multiple candidates: the maximum wins, never first-match or sum.
		if !md.AmountFound || v > md.Amount {
			md.Amount = v
			md.AmountFound = true
		}
	}

	for _, p := range invoiceNumberPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			md.InvoiceNumber = strings.TrimSpace(m[1])
			break
		}
	}
	for _, p := range vendorPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			md.Vendor = strings.TrimSpace(strings.Split(m[1], "\n")[0])
			break
		}
	}
	md.Currency = detectCurrency(text)
}

// collectText walks the MIME structure and concatenates all decoded
// textual parts, converting HTML to plain text. Errors in individual
// parts are skipped; the remaining parts still contribute.
func collectText(entity *message.Entity) string {
	var sb strings.Builder
	var walk func(e *message.Entity)
	walk = func(e *message.Entity) {
		mediaType, _, err := e.Header.ContentType()
		if err != nil {
			mediaType = "text/plain"
		}
		if strings.HasPrefix(mediaType, "multipart/") {
			mr := e.MultipartReader()
			if mr == nil {
				return
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					return
				}
				walk(part)
			}
			return
		}

		switch mediaType {
		case "text/plain", "":
			body, err := io.ReadAll(e.Body)
			if err != nil {
				return
			}
			sb.Write(body)
			sb.WriteByte('\n')
		case "text/html":
			body, err := io.ReadAll(e.Body)
			if err != nil {
				return
			}
			sb.WriteString(html2text.HTML2Text(string(body)))
			sb.WriteByte('\n')
		}
	}
	walk(entity)
	return sb.String()
}

func detectCurrency(text string) string {
	upper := strings.ToUpper(text)
	for _, code := range currencyCodes {
		if strings.Contains(upper, code) {
			return code
		}
	}
	switch {
	case strings.Contains(text, "$"):
		return "USD"
	case strings.Contains(text, "€"):
		return "EUR"
	case strings.Contains(text, "£"):
		return "GBP"
	}
	return "USD"
}

func decodeHeader(value string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
