package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"mailwarm/models"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// GraphTransport sends through the Microsoft Graph sendMail API.
type GraphTransport struct {
	baseURL string
	tokens  TokenSourceFunc
}

func NewGraphTransport(clientID, clientSecret, tenant, baseURL string) *GraphTransport {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       []string{"offline_access", "https://graph.microsoft.com/Mail.Send"},
	}
	return NewGraphTransportWithTokens(baseURL, RefreshTokenSource(cfg))
}

func NewGraphTransportWithTokens(baseURL string, tokens TokenSourceFunc) *GraphTransport {
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	return &GraphTransport{baseURL: baseURL, tokens: tokens}
}

type graphRecipient struct {
	EmailAddress graphAddress `json:"emailAddress"`
}

type graphAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphSendMail struct {
	Message struct {
		Subject string `json:"subject"`
		Body    struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
		ToRecipients           []graphRecipient `json:"toRecipients"`
		InternetMessageHeaders []graphHeader    `json:"internetMessageHeaders"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}

func (t *GraphTransport) Send(ctx context.Context, account *models.WarmupAccount, creds Credentials, msg *Message) (string, error) {
	tok, err := accessToken(ctx, t.tokens, creds)
	if err != nil {
		return "", err
	}

	var payload graphSendMail
	payload.Message.Subject = msg.Subject
	payload.Message.Body.ContentType = "Text"
	payload.Message.Body.Content = msg.Body
	if msg.HTMLBody != "" {
		payload.Message.Body.ContentType = "HTML"
		payload.Message.Body.Content = msg.HTMLBody
	}
	payload.Message.ToRecipients = []graphRecipient{{EmailAddress: graphAddress{Address: msg.To}}}
	// Graph assigns its own Message-ID; custom X- headers survive delivery.
	payload.Message.InternetMessageHeaders = []graphHeader{{Name: HeaderWarmupID, Value: msg.MessageID}}
	payload.SaveToSentItems = true

	body, err := json.Marshal(payload)
	if err != nil {
		return "", Terminal(ReasonConfig, fmt.Errorf("encode sendMail: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/me/sendMail", bytes.NewReader(body))
	if err != nil {
		return "", Terminal(ReasonConfig, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	tok.SetAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", ClassifyHTTP(resp.StatusCode,
			fmt.Errorf("graph API returned HTTP %d for %s: %s", resp.StatusCode, account.Email, bytes.TrimSpace(detail)))
	}
	return msg.MessageID, nil
}
