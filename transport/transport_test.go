package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mailwarm/models"
	"mailwarm/utils"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gopkg.in/gomail.v2"
)

type fakeSender struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	sent  []*gomail.Message
}

func (f *fakeSender) Send(ctx context.Context, m *gomail.Message) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return f.err
}

func testMessage() *Message {
	return &Message{
		FromName:  "Ada",
		From:      "ada@example.com",
		To:        "bob@example.org",
		Subject:   "Quick question",
		Body:      "Hi Bob",
		MessageID: "<job-1@warmup.local>",
	}
}

func smtpAccount() *models.WarmupAccount {
	a := &models.WarmupAccount{Email: "ada@example.com", Provider: models.ProviderSMTP, SMTPHost: "smtp.example.com", SMTPPort: 587}
	a.ID = 1
	return a
}

func TestSendWithTagsMessage(t *testing.T) {
	s := &fakeSender{}
	id, err := sendWith(context.Background(), s, testMessage())
	require.NoError(t, err)
	assert.Equal(t, "<job-1@warmup.local>", id)

	require.Len(t, s.sent, 1)
	m := s.sent[0]
	assert.Equal(t, []string{"<job-1@warmup.local>"}, m.GetHeader(HeaderWarmupID))
	assert.Equal(t, []string{"<job-1@warmup.local>"}, m.GetHeader("Message-ID"))
	assert.Equal(t, []string{"bob@example.org"}, m.GetHeader("To"))
}

func TestSendWithClassifiesFailure(t *testing.T) {
	s := &fakeSender{err: errors.New("550 5.1.1 mailbox unavailable")}
	_, err := sendWith(context.Background(), s, testMessage())

	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTerminal, te.Kind)
	assert.Equal(t, ReasonInvalidRecipient, te.Reason)
}

func TestSendWithTimeout(t *testing.T) {
	s := &fakeSender{delay: 200 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sendWith(ctx, s, testMessage())
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTransient, te.Kind)
	assert.Equal(t, ReasonTimeout, te.Reason)
	assert.Empty(t, s.sent)
}

func TestSMTPTransport(t *testing.T) {
	s := &fakeSender{}
	tr := NewSMTPTransport("warmup.local")
	var gotCreds Credentials
	tr.dial = func(_ *models.WarmupAccount, creds Credentials) Sender {
		gotCreds = creds
		return s
	}

	_, err := tr.Send(context.Background(), smtpAccount(), Credentials{Username: "ada", Password: "pw"}, testMessage())
	require.NoError(t, err)
	assert.Equal(t, "pw", gotCreds.Password)
	assert.Len(t, s.sent, 1)

	_, err = tr.Send(context.Background(), &models.WarmupAccount{Email: "x@example.com"}, Credentials{}, testMessage())
	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonConfig, te.Reason)
	assert.False(t, te.Retryable())
}

func TestGoogleTransportNeedsRefreshToken(t *testing.T) {
	tr := NewGoogleTransport("id", "secret")
	_, err := tr.Send(context.Background(), smtpAccount(), Credentials{}, testMessage())

	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonAuthFailed, te.Reason)
}

func TestGoogleTransportUsesAccessToken(t *testing.T) {
	s := &fakeSender{}
	tr := &GoogleTransport{
		tokens: func(_ context.Context, _ string) oauth2.TokenSource {
			return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access"})
		},
	}
	var token string
	tr.dial = func(_ *models.WarmupAccount, accessToken string) Sender {
		token = accessToken
		return s
	}

	_, err := tr.Send(context.Background(), smtpAccount(), Credentials{RefreshToken: "refresh"}, testMessage())
	require.NoError(t, err)
	assert.Equal(t, "access", token)
	assert.Len(t, s.sent, 1)
}

func staticTokens(_ context.Context, _ string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "graph-token"})
}

func TestGraphTransport(t *testing.T) {
	var got graphSendMail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/sendMail", r.URL.Path)
		assert.Equal(t, "Bearer graph-token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewGraphTransportWithTokens(srv.URL, staticTokens)
	id, err := tr.Send(context.Background(), smtpAccount(), Credentials{RefreshToken: "r"}, testMessage())
	require.NoError(t, err)
	assert.Equal(t, "<job-1@warmup.local>", id)

	assert.Equal(t, "Quick question", got.Message.Subject)
	require.Len(t, got.Message.ToRecipients, 1)
	assert.Equal(t, "bob@example.org", got.Message.ToRecipients[0].EmailAddress.Address)
	require.Len(t, got.Message.InternetMessageHeaders, 1)
	assert.Equal(t, HeaderWarmupID, got.Message.InternetMessageHeaders[0].Name)
}

func TestGraphTransportStatusCodes(t *testing.T) {
	tests := []struct {
		status    int
		reason    string
		retryable bool
	}{
		{http.StatusTooManyRequests, ReasonThrottled, true},
		{http.StatusUnauthorized, ReasonAuthFailed, false},
		{http.StatusServiceUnavailable, ReasonServerError, true},
		{http.StatusBadRequest, ReasonRejected, false},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"error":{"code":"x"}}`))
		}))

		tr := NewGraphTransportWithTokens(srv.URL, staticTokens)
		_, err := tr.Send(context.Background(), smtpAccount(), Credentials{RefreshToken: "r"}, testMessage())
		srv.Close()

		te, ok := AsError(err)
		require.True(t, ok, "status %d", tt.status)
		assert.Equal(t, tt.reason, te.Reason, "status %d", tt.status)
		assert.Equal(t, tt.retryable, te.Retryable(), "status %d", tt.status)
	}
}

type stubTransport struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubTransport) Send(_ context.Context, _ *models.WarmupAccount, _ Credentials, msg *Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return msg.MessageID, nil
}

func breakerSettings() BreakerSettings {
	return BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 3, FailureRatio: 0.5}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	inner := &stubTransport{err: Transient(ReasonNetwork, errors.New("reset"))}
	b := NewBreakerTransport("smtp", inner, breakerSettings(), utils.DiscardLogger())

	for i := 0; i < 3; i++ {
		_, err := b.Send(context.Background(), smtpAccount(), Credentials{}, testMessage())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State(smtpAccount()))

	_, err := b.Send(context.Background(), smtpAccount(), Credentials{}, testMessage())
	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonCircuitOpen, te.Reason)
	assert.True(t, te.Retryable())
	assert.Equal(t, 3, inner.calls)
}

func TestBreakerIgnoresTerminalFailures(t *testing.T) {
	inner := &stubTransport{err: Terminal(ReasonInvalidRecipient, errors.New("550"))}
	b := NewBreakerTransport("smtp", inner, breakerSettings(), utils.DiscardLogger())

	for i := 0; i < 5; i++ {
		_, err := b.Send(context.Background(), smtpAccount(), Credentials{}, testMessage())
		te, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, ReasonInvalidRecipient, te.Reason)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State(smtpAccount()))
	assert.Equal(t, 5, inner.calls)
}

// hostTransport fails for one SMTP host only.
type hostTransport struct {
	mu     sync.Mutex
	broken string
	calls  map[string]int
}

func (h *hostTransport) Send(_ context.Context, account *models.WarmupAccount, _ Credentials, msg *Message) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls == nil {
		h.calls = make(map[string]int)
	}
	h.calls[account.SMTPHost]++
	if account.SMTPHost == h.broken {
		return "", Transient(ReasonNetwork, errors.New("connection reset"))
	}
	return msg.MessageID, nil
}

func TestHostBreakerIsolatesServers(t *testing.T) {
	inner := &hostTransport{broken: "broken.example"}
	b := NewHostBreakerTransport("smtp", inner, breakerSettings(), utils.DiscardLogger())

	broken := smtpAccount()
	broken.SMTPHost = "broken.example"
	good := smtpAccount()
	good.ID = 2
	good.SMTPHost = "good.example"

	for i := 0; i < 5; i++ {
		_, _ = b.Send(context.Background(), broken, Credentials{}, testMessage())
	}
	assert.Equal(t, gobreaker.StateOpen, b.State(broken))
	assert.Equal(t, 3, inner.calls["broken.example"])

	id, err := b.Send(context.Background(), good, Credentials{}, testMessage())
	require.NoError(t, err)
	assert.Equal(t, "<job-1@warmup.local>", id)
	assert.Equal(t, gobreaker.StateClosed, b.State(good))

	// host names differing only in case share a breaker
	shouting := smtpAccount()
	shouting.SMTPHost = "BROKEN.example"
	_, err = b.Send(context.Background(), shouting, Credentials{}, testMessage())
	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonCircuitOpen, te.Reason)
}

func TestProviderBreakerIsShared(t *testing.T) {
	inner := &stubTransport{err: Transient(ReasonThrottled, errors.New("429"))}
	b := NewBreakerTransport("google", inner, breakerSettings(), utils.DiscardLogger())

	first := smtpAccount()
	second := smtpAccount()
	second.Email = "bob@example.com"
	for i := 0; i < 3; i++ {
		_, _ = b.Send(context.Background(), first, Credentials{}, testMessage())
	}
	assert.Equal(t, gobreaker.StateOpen, b.State(second))
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	b := NewBreakerTransport("smtp", &stubTransport{}, breakerSettings(), utils.DiscardLogger())
	id, err := b.Send(context.Background(), smtpAccount(), Credentials{}, testMessage())
	require.NoError(t, err)
	assert.Equal(t, "<job-1@warmup.local>", id)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	smtp := &stubTransport{}
	r.Register(models.ProviderSMTP, smtp)

	got, err := r.For(smtpAccount())
	require.NoError(t, err)
	assert.Same(t, smtp, got)

	_, err = r.For(&models.WarmupAccount{Provider: models.ProviderMicrosoft})
	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTerminal, te.Kind)
	assert.Equal(t, ReasonConfig, te.Reason)
}

func TestCredentialResolver(t *testing.T) {
	cipher, err := utils.NewCipher("0123456789abcdef")
	require.NoError(t, err)
	smtpPw, err := cipher.Encrypt("smtp-secret")
	require.NoError(t, err)
	imapPw, err := cipher.Encrypt("imap-secret")
	require.NoError(t, err)
	token, err := cipher.Encrypt("refresh")
	require.NoError(t, err)

	account := smtpAccount()
	account.SMTPPassword = smtpPw
	account.IMAPPassword = imapPw
	account.IMAPUsername = "ada-imap"
	account.OAuthRefreshToken = token

	r := NewCredentialResolver(cipher)
	creds, err := r.SMTP(account)
	require.NoError(t, err)
	assert.Equal(t, Credentials{Username: "ada@example.com", Password: "smtp-secret", RefreshToken: "refresh"}, creds)

	creds, err = r.IMAP(account)
	require.NoError(t, err)
	assert.Equal(t, Credentials{Username: "ada-imap", Password: "imap-secret"}, creds)

	account.SMTPPassword = "not base64!"
	_, err = r.SMTP(account)
	te, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonConfig, te.Reason)
}

func TestValidateRecipient(t *testing.T) {
	assert.NoError(t, ValidateRecipient("bob@example.org"))

	te, ok := AsError(ValidateRecipient("not-an-address"))
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidRecipient, te.Reason)
	assert.False(t, te.Retryable())
}
