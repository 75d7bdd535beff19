package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailwarm/models"
)

// Message is one outbound warmup email.
type Message struct {
	FromName  string
	From      string
	To        string
	Subject   string
	Body      string
	HTMLBody  string
	MessageID string // also carried in the X-Warmup-Id header
	Date      time.Time
}

// HeaderWarmupID tags every warmup message so placement and replies can find it.
const HeaderWarmupID = "X-Warmup-Id"

// Credentials are the decrypted secrets a transport needs for one account.
type Credentials struct {
	Username     string
	Password     string
	RefreshToken string
}

// MailTransport delivers a message on behalf of an account and returns the
// message id it was sent with.
type MailTransport interface {
	Send(ctx context.Context, account *models.WarmupAccount, creds Credentials, msg *Message) (string, error)
}

// Kind splits transport failures into those worth retrying and those that are not.
type Kind int

const (
	KindTransient Kind = iota + 1
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Reasons recorded on failed jobs and records.
const (
	ReasonTimeout          = "timeout"
	ReasonThrottled        = "throttled"
	ReasonNetwork          = "network"
	ReasonServerError      = "server_error"
	ReasonCircuitOpen      = "circuit_open"
	ReasonAuthFailed       = "auth_failed"
	ReasonInvalidRecipient = "invalid_recipient"
	ReasonRejected         = "rejected"
	ReasonConfig           = "config"
)

// Error is a classified transport failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s transport error: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s transport error (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Kind == KindTransient }

func Transient(reason string, err error) *Error {
	return &Error{Kind: KindTransient, Reason: reason, Err: err}
}

func Terminal(reason string, err error) *Error {
	return &Error{Kind: KindTerminal, Reason: reason, Err: err}
}

// AsError extracts a classified error from err's chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Registry selects the transport once per account provider.
type Registry struct {
	byProvider map[models.Provider]MailTransport
}

func NewRegistry() *Registry {
	return &Registry{byProvider: make(map[models.Provider]MailTransport)}
}

func (r *Registry) Register(provider models.Provider, t MailTransport) {
	r.byProvider[provider] = t
}

func (r *Registry) For(account *models.WarmupAccount) (MailTransport, error) {
	t, ok := r.byProvider[account.Provider]
	if !ok {
		return nil, Terminal(ReasonConfig, fmt.Errorf("no transport for provider %q", account.Provider))
	}
	return t, nil
}
