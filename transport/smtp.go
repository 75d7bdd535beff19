package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"mailwarm/models"

	"gopkg.in/gomail.v2"
)

// Sender delivers one message and gives up once ctx is done.
type Sender interface {
	Send(ctx context.Context, m *gomail.Message) error
}

// SMTPTransport sends through the account's own SMTP server.
type SMTPTransport struct {
	localName string
	dial      func(account *models.WarmupAccount, creds Credentials) Sender
}

func NewSMTPTransport(localName string) *SMTPTransport {
	t := &SMTPTransport{localName: localName}
	t.dial = t.dialer
	return t
}

func (t *SMTPTransport) dialer(account *models.WarmupAccount, creds Credentials) Sender {
	username := creds.Username
	if username == "" {
		username = account.Email
	}
	return &smtpSession{
		host:      account.SMTPHost,
		port:      account.SMTPPort,
		username:  username,
		password:  creds.Password,
		ssl:       strings.EqualFold(account.Encryption, "SSL") || account.SMTPPort == 465,
		tlsConfig: &tls.Config{ServerName: account.SMTPHost},
		localName: t.localName,
	}
}

func (t *SMTPTransport) Send(ctx context.Context, account *models.WarmupAccount, creds Credentials, msg *Message) (string, error) {
	if account.SMTPHost == "" || account.SMTPPort == 0 {
		return "", Terminal(ReasonConfig, fmt.Errorf("account %d has no SMTP server configured", account.ID))
	}
	return sendWith(ctx, t.dial(account, creds), msg)
}

func sendWith(ctx context.Context, s Sender, msg *Message) (string, error) {
	if err := s.Send(ctx, buildMessage(msg)); err != nil {
		if ctx.Err() != nil {
			return "", Transient(ReasonTimeout, fmt.Errorf("%w: %v", ctx.Err(), err))
		}
		return "", Classify(err)
	}
	return msg.MessageID, nil
}

// smtpSession is one SMTP conversation whose connection deadline follows
// ctx, so a stalled server cannot hold the connection past the send timeout.
type smtpSession struct {
	host      string
	port      int
	username  string
	password  string
	auth      smtp.Auth
	ssl       bool
	tlsConfig *tls.Config
	localName string
}

func (s *smtpSession) Send(ctx context.Context, m *gomail.Message) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	// Cancellation without a deadline still unblocks pending reads.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if s.ssl {
		conn = tls.Client(conn, s.tlsConfig)
	}
	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return err
	}
	defer c.Close()

	if s.localName != "" {
		if err := c.Hello(s.localName); err != nil {
			return err
		}
	}
	if !s.ssl {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(s.tlsConfig); err != nil {
				return err
			}
		}
	}
	if auth := s.authFor(c); auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}

	err = gomail.Send(gomail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		if err := c.Mail(from); err != nil {
			return err
		}
		for _, rcpt := range to {
			if err := c.Rcpt(rcpt); err != nil {
				return err
			}
		}
		w, err := c.Data()
		if err != nil {
			return err
		}
		if _, err := msg.WriteTo(w); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	}), m)
	if err != nil {
		return err
	}
	return c.Quit()
}

// authFor picks the mechanism the way gomail's dialer does: an explicit
// Auth wins, then CRAM-MD5 when offered, then PLAIN.
func (s *smtpSession) authFor(c *smtp.Client) smtp.Auth {
	ok, mechs := c.Extension("AUTH")
	if !ok {
		return nil
	}
	if s.auth != nil {
		return s.auth
	}
	if s.username == "" {
		return nil
	}
	if strings.Contains(mechs, "CRAM-MD5") {
		return smtp.CRAMMD5Auth(s.username, s.password)
	}
	return smtp.PlainAuth("", s.username, s.password, s.host)
}

func buildMessage(msg *Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.From, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", msg.MessageID)
	m.SetHeader(HeaderWarmupID, msg.MessageID)
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}
	m.SetDateHeader("Date", date)
	m.SetHeader("X-Priority", "3")
	m.SetBody("text/plain", msg.Body)
	if msg.HTMLBody != "" {
		m.AddAlternative("text/html", msg.HTMLBody)
	}
	return m
}
