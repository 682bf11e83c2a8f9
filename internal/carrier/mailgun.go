package carrier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/config"
)

// Mailgun sends email through the Mailgun Messages API.
type Mailgun struct {
	apiKey   string
	domain   string
	baseURL  string
	fromName string
	from     string
	client   *http.Client
}

// NewMailgun creates a Mailgun carrier from config.
func NewMailgun(cfg config.EmailConfig) *Mailgun {
	return &Mailgun{
		apiKey:   cfg.APIKey,
		domain:   cfg.Domain,
		baseURL:  "https://api.mailgun.net/v3",
		fromName: cfg.FromName,
		from:     cfg.FromEmail,
		client:   &http.Client{Timeout: cfg.Timeout()},
	}
}

// Send delivers one email. The returned external id is the Mailgun message
// id with the angle brackets stripped.
func (m *Mailgun) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if m.apiKey == "" {
		return nil, apperr.New(apperr.CodeCarrierPermanent, "mailgun api key not configured")
	}

	from := msg.From
	if from == "" {
		from = m.from
	}
	fromName := msg.FromName
	if fromName == "" {
		fromName = m.fromName
	}

	form := url.Values{}
	form.Add("from", fmt.Sprintf("%s <%s>", fromName, from))
	form.Add("to", msg.To)
	form.Add("subject", msg.Subject)
	if msg.HTMLBody != "" {
		form.Add("html", msg.HTMLBody)
	}
	if msg.TextBody != "" {
		form.Add("text", msg.TextBody)
	}
	if msg.ReplyTo != "" {
		form.Add("h:Reply-To", msg.ReplyTo)
	}
	form.Add("v:lead_id", msg.LeadID)
	form.Add("v:conversation_id", msg.ConversationID)

	endpoint := fmt.Sprintf("%s/%s/messages", m.baseURL, m.domain)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCarrierPermanent, "create mailgun request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCarrierTransient, "mailgun request failed", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, classifyStatus("mailgun", resp.StatusCode, string(body))
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	json.Unmarshal(body, &result)
	messageID := strings.Trim(result.ID, "<>")
	log.Printf("[Mailgun] Accepted message for lead %s (id: %s)", msg.LeadID, messageID)

	return &SendResult{ExternalID: messageID, AcceptedAt: time.Now()}, nil
}
