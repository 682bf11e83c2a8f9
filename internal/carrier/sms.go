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

// TwilioSMS sends text messages through a Twilio-compatible Messages API.
type TwilioSMS struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     *http.Client
}

// NewTwilioSMS creates an SMS carrier from config. BaseURL is overridable
// for compatible providers and tests.
func NewTwilioSMS(cfg config.SMSConfig) *TwilioSMS {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &TwilioSMS{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.FromNumber,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: cfg.Timeout()},
	}
}

// Send delivers one SMS and returns the message SID.
func (t *TwilioSMS) Send(ctx context.Context, msg *SMSMessage) (*SendResult, error) {
	if t.accountSID == "" || t.authToken == "" {
		return nil, apperr.New(apperr.CodeCarrierPermanent, "sms credentials not configured")
	}

	from := msg.From
	if from == "" {
		from = t.from
	}

	form := url.Values{}
	form.Add("To", msg.To)
	form.Add("From", from)
	form.Add("Body", msg.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCarrierPermanent, "create sms request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCarrierTransient, "sms request failed", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, classifyStatus("sms carrier", resp.StatusCode, string(body))
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	json.Unmarshal(body, &result)
	log.Printf("[SMS] Accepted message for lead %s (sid: %s)", msg.LeadID, result.SID)

	return &SendResult{ExternalID: result.SID, AcceptedAt: time.Now()}, nil
}
