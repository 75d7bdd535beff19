package transport

import (
	"fmt"

	"mailwarm/models"

	"github.com/badoux/checkmail"
)

// Decrypter opens secrets stored encrypted on an account row.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// CredentialResolver turns an account's encrypted secrets into Credentials.
type CredentialResolver struct {
	cipher Decrypter
}

func NewCredentialResolver(cipher Decrypter) *CredentialResolver {
	return &CredentialResolver{cipher: cipher}
}

// SMTP returns the credentials used to send as the account.
func (r *CredentialResolver) SMTP(account *models.WarmupAccount) (Credentials, error) {
	password, err := r.open(account.SMTPPassword)
	if err != nil {
		return Credentials{}, Terminal(ReasonConfig, fmt.Errorf("decrypt SMTP password for %s: %w", account.Email, err))
	}
	token, err := r.open(account.OAuthRefreshToken)
	if err != nil {
		return Credentials{}, Terminal(ReasonConfig, fmt.Errorf("decrypt refresh token for %s: %w", account.Email, err))
	}

	username := account.SMTPUsername
	if username == "" {
		username = account.Email
	}
	return Credentials{Username: username, Password: password, RefreshToken: token}, nil
}

// IMAP returns the credentials used to read the account's mailbox.
func (r *CredentialResolver) IMAP(account *models.WarmupAccount) (Credentials, error) {
	password, err := r.open(account.IMAPPassword)
	if err != nil {
		return Credentials{}, Terminal(ReasonConfig, fmt.Errorf("decrypt IMAP password for %s: %w", account.Email, err))
	}

	username := account.IMAPUsername
	if username == "" {
		username = account.Email
	}
	return Credentials{Username: username, Password: password}, nil
}

func (r *CredentialResolver) open(secret string) (string, error) {
	if secret == "" || r.cipher == nil {
		return secret, nil
	}
	return r.cipher.Decrypt(secret)
}

// ValidateRecipient rejects addresses no server would accept.
func ValidateRecipient(address string) error {
	if err := checkmail.ValidateFormat(address); err != nil {
		return Terminal(ReasonInvalidRecipient, fmt.Errorf("recipient %q: %w", address, err))
	}
	return nil
}
