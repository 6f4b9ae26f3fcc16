package classifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(subject, body string) []byte {
	return []byte("From: billing@acme.example\r\n" +
		"To: user@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body + "\r\n")
}

func TestClassifyHeaders(t *testing.T) {
	c := New()
	md := c.Classify(msg("Invoice attached", "hello"))

	assert.Equal(t, "billing@acme.example", md.Sender)
	assert.Equal(t, "user@example.com", md.Recipient)
	assert.Equal(t, "Invoice attached", md.Subject)
	require.False(t, md.Date.IsZero())
	assert.Equal(t, 2006, md.Date.Year())
}

func TestClassifyMaximumAmountWins(t *testing.T) {
	// Two candidates: the maximum is selected, not first-match, not sum.
	c := New()
	md := c.Classify(msg("Invoice", "Subtotal $200.00 and grand total $15,000.00 due."))

	require.True(t, md.AmountFound)
	assert.Equal(t, 15000.00, md.Amount)
}

func TestClassifyAmountVariants(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		want  float64
		found bool
	}{
		{"dollar symbol", "Pay $1,234.56 now", 1234.56, true},
		{"currency code", "Amount due: USD 9999", 9999, true},
		{"euro symbol", "Total €42.00", 42, true},
		{"code lowercase", "total eur 100.50", 100.50, true},
		{"no separator thousands", "USD 1000000", 1000000, true},
		{"no amount", "See you tomorrow", 0, false},
		{"bare number is not an amount", "Order 123456 confirmed", 0, false},
	}
	c := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := c.Classify(msg("x", tt.body))
			assert.Equal(t, tt.found, md.AmountFound)
			if tt.found {
				assert.Equal(t, tt.want, md.Amount)
			}
		})
	}
}

func TestClassifyHTMLPart(t *testing.T) {
	raw := []byte("From: a@b.c\r\n" +
		"To: d@e.f\r\n" +
		"Subject: html invoice\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><p>Total: <b>$12,500.00</b></p></body></html>\r\n")

	md := New().Classify(raw)
	require.True(t, md.AmountFound)
	assert.Equal(t, 12500.00, md.Amount)
}

func TestClassifyMultipart(t *testing.T) {
	raw := []byte("From: a@b.c\r\n" +
		"Subject: multipart\r\n" +
		"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Plain total $300.00\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>HTML total $800.00</p>\r\n" +
		"--XYZ--\r\n")

	md := New().Classify(raw)
	require.True(t, md.AmountFound)
	assert.Equal(t, 800.00, md.Amount)
}

func TestClassifyMalformedDegrades(t *testing.T) {
	// Not a parseable message at all: classification must not fail, and
	// the raw bytes are still scanned for amounts.
	md := New().Classify([]byte("\x00\xffgarbage $777.00 more garbage"))
	assert.True(t, md.AmountFound)
	assert.Equal(t, 777.00, md.Amount)
}

func TestClassifyInvoiceFields(t *testing.T) {
	body := strings.Join([]string{
		"Invoice #: INV-2024-0042",
		"Vendor: Acme Supplies Inc.",
		"Total: $450.00",
	}, "\r\n")

	md := New().Classify(msg("Invoice", body))
	assert.Equal(t, "INV-2024-0042", md.InvoiceNumber)
	assert.Contains(t, md.Vendor, "Acme Supplies")
	assert.Equal(t, "USD", md.Currency)
}

func TestClassifyCurrencyDetection(t *testing.T) {
	c := New()
	assert.Equal(t, "EUR", c.Classify(msg("x", "Total €10.00")).Currency)
	assert.Equal(t, "GBP", c.Classify(msg("x", "Total £10.00")).Currency)
	assert.Equal(t, "CAD", c.Classify(msg("x", "Total CAD 10.00")).Currency)
	assert.Equal(t, "USD", c.Classify(msg("x", "no currency here")).Currency)
}

func TestClassifyIsDeterministic(t *testing.T) {
	raw := msg("Invoice", "Total $1,000.00 or maybe $2,000.00")
	c := New()
	first := c.Classify(raw)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify(raw))
	}
}
