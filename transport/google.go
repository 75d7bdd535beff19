package transport

import (
	"context"
	"crypto/tls"

	"mailwarm/models"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	gmailSMTPHost = "smtp.gmail.com"
	gmailSMTPPort = 587
)

// GoogleTransport sends through Gmail SMTP authenticated with XOAUTH2.
type GoogleTransport struct {
	tokens TokenSourceFunc
	dial   func(account *models.WarmupAccount, accessToken string) Sender
}

func NewGoogleTransport(clientID, clientSecret string) *GoogleTransport {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://mail.google.com/"},
	}
	return &GoogleTransport{tokens: RefreshTokenSource(cfg), dial: gmailDialer}
}

func gmailDialer(account *models.WarmupAccount, accessToken string) Sender {
	return &smtpSession{
		host:      gmailSMTPHost,
		port:      gmailSMTPPort,
		username:  account.Email,
		auth:      XOAuth2(account.Email, accessToken),
		tlsConfig: &tls.Config{ServerName: gmailSMTPHost},
	}
}

func (t *GoogleTransport) Send(ctx context.Context, account *models.WarmupAccount, creds Credentials, msg *Message) (string, error) {
	tok, err := accessToken(ctx, t.tokens, creds)
	if err != nil {
		return "", err
	}
	return sendWith(ctx, t.dial(account, tok.AccessToken), msg)
}
