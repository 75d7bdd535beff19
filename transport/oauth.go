package transport

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"

	"golang.org/x/oauth2"
)

// TokenSourceFunc builds a refreshing token source from a stored refresh token.
type TokenSourceFunc func(ctx context.Context, refreshToken string) oauth2.TokenSource

// RefreshTokenSource returns a TokenSourceFunc backed by an OAuth client config.
func RefreshTokenSource(cfg *oauth2.Config) TokenSourceFunc {
	return func(ctx context.Context, refreshToken string) oauth2.TokenSource {
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	}
}

// accessToken exchanges the refresh token, classifying provider refusals as terminal.
func accessToken(ctx context.Context, source TokenSourceFunc, creds Credentials) (*oauth2.Token, error) {
	if creds.RefreshToken == "" {
		return nil, Terminal(ReasonAuthFailed, errors.New("account has no OAuth refresh token"))
	}
	tok, err := source(ctx, creds.RefreshToken).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			if re.Response.StatusCode >= 500 {
				return nil, Transient(ReasonServerError, err)
			}
			return nil, Terminal(ReasonAuthFailed, err)
		}
		return nil, Classify(err)
	}
	return tok, nil
}

// xoauth2Auth implements the SASL XOAUTH2 mechanism for net/smtp.
type xoauth2Auth struct {
	username string
	token    string
}

func XOAuth2(username, accessToken string) smtp.Auth {
	return &xoauth2Auth{username: username, token: accessToken}
}

func (a *xoauth2Auth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, a.token)
	return "XOAUTH2", []byte(resp), nil
}

// Next answers the server's error challenge with an empty line so the
// server completes the exchange with its 535 reply.
func (a *xoauth2Auth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}
