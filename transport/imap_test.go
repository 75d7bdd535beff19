package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"testing"
	"time"

	"mailwarm/models"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memory.New() ships with this single user.
var imapCreds = Credentials{Username: "username", Password: "password"}

func startIMAP(t *testing.T) *models.WarmupAccount {
	t.Helper()

	s := server.New(memory.New())
	s.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })

	account := &models.WarmupAccount{
		Email:          "bob@example.org",
		IMAPHost:       "127.0.0.1",
		IMAPPort:       ln.Addr().(*net.TCPAddr).Port,
		IMAPEncryption: "NONE",
	}
	account.ID = 2
	return account
}

func imapClient(t *testing.T, account *models.WarmupAccount) *client.Client {
	t.Helper()
	c, err := client.Dial(fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort))
	require.NoError(t, err)
	require.NoError(t, c.Login(imapCreds.Username, imapCreds.Password))
	t.Cleanup(func() { _ = c.Logout() })
	return c
}

func appendWarmup(t *testing.T, c *client.Client, mailbox, warmupID string) {
	t.Helper()
	raw := "From: ada@example.com\r\n" +
		"To: bob@example.org\r\n" +
		"Subject: Quick question\r\n" +
		"Message-ID: " + warmupID + "\r\n" +
		HeaderWarmupID + ": " + warmupID + "\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Hi Bob\r\n"
	require.NoError(t, c.Append(mailbox, nil, time.Now(), bytes.NewBufferString(raw)))
}

func countMatching(t *testing.T, c *client.Client, mailbox, warmupID string) int {
	t.Helper()
	_, err := c.Select(mailbox, true)
	require.NoError(t, err)
	criteria := imap.NewSearchCriteria()
	criteria.Header = textproto.MIMEHeader{}
	criteria.Header.Add(HeaderWarmupID, warmupID)
	uids, err := c.UidSearch(criteria)
	require.NoError(t, err)
	return len(uids)
}

func TestIMAPVerifierFindsInboxMessage(t *testing.T) {
	account := startIMAP(t)
	c := imapClient(t, account)
	appendWarmup(t, c, "INBOX", "<job-inbox@warmup.local>")

	v := NewIMAPVerifier(5 * time.Second)
	res, err := v.Check(context.Background(), account, imapCreds, "<job-inbox@warmup.local>")
	require.NoError(t, err)
	assert.Equal(t, PlacementResult{Found: true, Inbox: true}, res)
}

func TestIMAPVerifierRescuesSpam(t *testing.T) {
	account := startIMAP(t)
	c := imapClient(t, account)
	require.NoError(t, c.Create("Junk"))
	appendWarmup(t, c, "Junk", "<job-spam@warmup.local>")

	v := NewIMAPVerifier(5 * time.Second)
	res, err := v.Check(context.Background(), account, imapCreds, "<job-spam@warmup.local>")
	require.NoError(t, err)
	assert.Equal(t, PlacementResult{Found: true, Spam: true, Moved: true}, res)

	assert.Equal(t, 1, countMatching(t, c, "INBOX", "<job-spam@warmup.local>"))
	assert.Equal(t, 0, countMatching(t, c, "Junk", "<job-spam@warmup.local>"))
}

func TestIMAPVerifierMatchesWholeID(t *testing.T) {
	account := startIMAP(t)
	c := imapClient(t, account)
	appendWarmup(t, c, "INBOX", "<job-12@warmup.local>")

	v := NewIMAPVerifier(5 * time.Second)
	res, err := v.Check(context.Background(), account, imapCreds, "job-1")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestIMAPVerifierNotFound(t *testing.T) {
	account := startIMAP(t)

	v := NewIMAPVerifier(5 * time.Second)
	res, err := v.Check(context.Background(), account, imapCreds, "<missing@warmup.local>")
	require.NoError(t, err)
	assert.Equal(t, PlacementResult{}, res)
}

func TestIMAPVerifierBadLogin(t *testing.T) {
	account := startIMAP(t)

	v := NewIMAPVerifier(5 * time.Second)
	_, err := v.Check(context.Background(), account, Credentials{Username: "username", Password: "wrong"}, "<x@warmup.local>")
	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonAuthFailed, te.Reason)
}

func TestIMAPVerifierRequiresIMAP(t *testing.T) {
	v := NewIMAPVerifier(time.Second)
	_, err := v.Check(context.Background(), &models.WarmupAccount{Email: "x@example.com"}, imapCreds, "<x@warmup.local>")
	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonConfig, te.Reason)
}

func TestIsSpamMailbox(t *testing.T) {
	assert.True(t, IsSpamMailbox("[Gmail]/Spam", nil, defaultSpamFolders))
	assert.True(t, IsSpamMailbox("junk", nil, defaultSpamFolders))
	assert.True(t, IsSpamMailbox("Quarantine", []string{imap.JunkAttr}, defaultSpamFolders))
	assert.False(t, IsSpamMailbox("Archive", []string{imap.NoInferiorsAttr}, defaultSpamFolders))
}

// stubMover records rescue steps and fails the ones named in fail.
type stubMover struct {
	fail  map[string]bool
	steps []string
}

func (m *stubMover) step(name string) error {
	m.steps = append(m.steps, name)
	if m.fail[name] {
		return fmt.Errorf("%s: NO server unavailable", name)
	}
	return nil
}

func (m *stubMover) UidMove(*imap.SeqSet, string) error { return m.step("move") }
func (m *stubMover) UidCopy(*imap.SeqSet, string) error { return m.step("copy") }
func (m *stubMover) Expunge(chan uint32) error          { return m.step("expunge") }
func (m *stubMover) UidStore(*imap.SeqSet, imap.StoreItem, interface{}, chan *imap.Message) error {
	return m.step("store")
}

func TestRescuePrefersMove(t *testing.T) {
	m := &stubMover{}
	res := rescue(m, []uint32{4})
	assert.Equal(t, PlacementResult{Found: true, Spam: true, Moved: true}, res)
	assert.Equal(t, []string{"move"}, m.steps)
}

func TestRescueFallsBackWhenMoveRefused(t *testing.T) {
	m := &stubMover{fail: map[string]bool{"move": true}}
	res := rescue(m, []uint32{4})
	assert.True(t, res.Moved)
	assert.NoError(t, res.MoveErr)
	assert.Equal(t, []string{"move", "copy", "store", "expunge"}, m.steps)
}

func TestRescueKeepsSpamLandingWhenMoveFails(t *testing.T) {
	m := &stubMover{fail: map[string]bool{"move": true, "store": true}}
	res := rescue(m, []uint32{4})

	assert.True(t, res.Found)
	assert.True(t, res.Spam)
	assert.False(t, res.Moved)
	assert.Error(t, res.MoveErr)
}
