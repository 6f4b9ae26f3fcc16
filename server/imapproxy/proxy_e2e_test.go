package imapproxy

import (
	"bytes"
	"context"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailkeep/mailkeep/server/quarantine"
)

// TestProxyWithIMAPClient exercises the proxy through a real IMAP client
// library to make sure the rewritten responses stay parseable on the wire.
func TestProxyWithIMAPClient(t *testing.T) {
	upstream := newFakeUpstream(t)
	store := newTestStore(t)
	addr := startTestProxy(t, staticDir(upstream), store)

	original := []byte("From: billing@example.com\r\nSubject: Invoice 7\r\n\r\nAmount due: $20,000.00\r\n")
	upstream.setFetchBody(original)

	c, err := imapclient.DialInsecure(addr, nil)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer c.Close()

	if err := c.Login(testIdentity, "secret").Wait(); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := c.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("select: %v", err)
	}

	section := &imap.FetchItemBodySection{}
	fetchOpts := &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	}

	msgs, err := c.Fetch(imap.SeqSetNum(1), fetchOpts).Collect()
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	body := msgs[0].FindBodySection(section)
	if body == nil {
		t.Fatal("no body section in fetch response")
	}
	if bytes.Equal(body, original) {
		t.Fatal("original message was delivered despite quarantine")
	}
	if !bytes.Contains(body, []byte("withheld")) {
		t.Errorf("placeholder text missing: %q", body)
	}

	records, err := store.List(context.Background(), testIdentity)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 quarantine record, got %d", len(records))
	}
	if records[0].Status != quarantine.StatusPending {
		t.Errorf("status = %q, want pending", records[0].Status)
	}

	// Approve and refetch on a fresh connection; the client must now
	// receive the original content.
	if err := store.Approve(context.Background(), records[0].ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := c.Logout().Wait(); err != nil {
		t.Logf("logout: %v", err)
	}

	c2, err := imapclient.DialInsecure(addr, nil)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer c2.Close()
	if err := c2.Login(testIdentity, "secret").Wait(); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := c2.Select("INBOX", nil).Wait(); err != nil {
		t.Fatalf("select: %v", err)
	}
	msgs, err = c2.Fetch(imap.SeqSetNum(1), fetchOpts).Collect()
	if err != nil {
		t.Fatalf("fetch after approve: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	body = msgs[0].FindBodySection(section)
	if !bytes.Equal(body, original) {
		t.Errorf("approved message must be delivered intact\ngot:  %q\nwant: %q", body, original)
	}
}
