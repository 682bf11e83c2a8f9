package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/engine"
	"github.com/cadencehq/cadence/internal/pkg/logger"
)

// ReplySink is the engine surface the scanner needs: reply attribution and
// lead creation for rule-matched senders.
type ReplySink interface {
	HandleReply(ctx context.Context, channel domain.Channel, in *engine.InboundMessage) (*engine.Ack, error)
	Ingest(ctx context.Context, lead *domain.Lead) (*engine.IngestResult, error)
}

// Scanner polls an IMAP mailbox and feeds unseen messages into the engine.
// Messages from known leads become conversation replies; unknown senders run
// through the mailbox rules, which may create a lead first.
type Scanner struct {
	cfg      config.IMAPConfig
	sink     ReplySink
	rules    []MailboxRule
	breakers *breaker.Registry

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	totalScanned int64
	totalReplies int64
	totalCreated int64
}

// NewScanner creates the mailbox scanner. Rules must be compiled.
func NewScanner(cfg config.IMAPConfig, sink ReplySink, rules []MailboxRule, breakers *breaker.Registry) *Scanner {
	return &Scanner{cfg: cfg, sink: sink, rules: rules, breakers: breakers}
}

// Start begins polling. No-op when IMAP is not configured.
func (s *Scanner) Start() {
	if !s.cfg.Enabled() {
		log.Printf("[IMAP] Not configured, scanner disabled")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.pollLoop()
	log.Printf("[IMAP] Scanner started (host: %s, mailbox: %s, poll: %v)",
		s.cfg.Host, s.cfg.Mailbox, s.cfg.PollInterval())
}

// Stop halts polling and waits for the in-flight scan.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	log.Printf("[IMAP] Scanner stopped (scanned: %d, replies: %d, leads created: %d)",
		atomic.LoadInt64(&s.totalScanned), atomic.LoadInt64(&s.totalReplies), atomic.LoadInt64(&s.totalCreated))
}

func (s *Scanner) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			scan := func(ctx context.Context) error { return s.ScanOnce(ctx) }
			var err error
			if s.breakers != nil {
				err = s.breakers.Get(breaker.ServiceIMAP).Do(s.ctx, scan)
			} else {
				err = scan(s.ctx)
			}
			if err != nil {
				log.Printf("[IMAP] Scan failed: %v", err)
			}
		}
	}
}

// ScanOnce connects, processes all unseen messages, and disconnects. Each
// processed message is flagged seen so a crash mid-scan re-reads at most the
// unflagged remainder; reply dedupe makes the replay harmless.
func (s *Scanner) ScanOnce(ctx context.Context) error {
	c, err := imapclient.DialTLS(fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port), nil)
	if err != nil {
		return fmt.Errorf("imap dial: %w", err)
	}
	defer c.Close()

	if err := c.Login(s.cfg.User, s.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("imap login: %w", err)
	}
	defer c.Logout()

	if _, err := c.Select(s.cfg.Mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", s.cfg.Mailbox, err)
	}

	search, err := c.Search(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}, nil).Wait()
	if err != nil {
		return fmt.Errorf("imap search: %w", err)
	}
	nums := search.AllSeqNums()
	if len(nums) == 0 {
		return nil
	}

	section := &imap.FetchItemBodySection{}
	msgs, err := c.Fetch(imap.SeqSetNum(nums...), &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return fmt.Errorf("imap fetch: %w", err)
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		atomic.AddInt64(&s.totalScanned, 1)
		if err := s.processMessage(ctx, msg, section); err != nil {
			log.Printf("[IMAP] Message %d failed: %v", msg.SeqNum, err)
			continue
		}
		seen := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagSeen}}
		if err := c.Store(imap.SeqSetNum(msg.SeqNum), seen, nil).Close(); err != nil {
			log.Printf("[IMAP] Flag seen %d failed: %v", msg.SeqNum, err)
		}
	}
	return nil
}

func (s *Scanner) processMessage(ctx context.Context, msg *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) error {
	env := msg.Envelope
	if env == nil || len(env.From) == 0 {
		return nil
	}
	sender := env.From[0].Addr()
	senderName := env.From[0].Name
	subject := env.Subject

	raw := msg.FindBodySection(section)
	body := textBody(raw)
	if body == "" {
		body = subject
	}

	inReplyTo := ""
	if len(env.InReplyTo) > 0 {
		inReplyTo = strings.Trim(env.InReplyTo[0], "<>")
	}

	in := &engine.InboundMessage{
		ExternalID: strings.Trim(env.MessageID, "<>"),
		Sender:     sender,
		Content:    body,
		InReplyTo:  inReplyTo,
		RawPayload: raw,
	}

	ack, err := s.sink.HandleReply(ctx, domain.ChannelEmail, in)
	if err != nil {
		return err
	}
	if !ack.Orphan {
		if !ack.Duplicate {
			atomic.AddInt64(&s.totalReplies, 1)
		}
		return nil
	}

	// Unknown sender: let the mailbox rules decide whether this is a lead.
	rule := s.matchRule(sender, subject, body)
	if rule == nil || !rule.Actions.CreateLead {
		return nil
	}

	lead := &domain.Lead{
		Name:       senderName,
		Email:      sender,
		Source:     "imap:" + rule.Name,
		CampaignID: rule.Actions.AssignCampaign,
		Metadata:   map[string]any{"source_external_id": in.ExternalID},
	}
	if lead.Name == "" {
		lead.Name = displayName(sender)
	}
	if rule.Actions.SetPriority != "" {
		lead.Metadata["priority"] = rule.Actions.SetPriority
	}
	if len(rule.Actions.AddTags) > 0 {
		lead.Metadata["tags"] = rule.Actions.AddTags
	}

	res, err := s.sink.Ingest(ctx, lead)
	if err != nil {
		return err
	}
	atomic.AddInt64(&s.totalCreated, 1)
	log.Printf("[IMAP] Rule %q created lead %s from %s", rule.Name, res.LeadID, logger.RedactEmail(sender))

	// Replay the email as the lead's first inbound message now that it can
	// be attributed.
	if _, err := s.sink.HandleReply(ctx, domain.ChannelEmail, in); err != nil {
		return err
	}
	atomic.AddInt64(&s.totalReplies, 1)
	return nil
}

func (s *Scanner) matchRule(from, subject, body string) *MailboxRule {
	for i := range s.rules {
		if s.rules[i].Matches(from, subject, body) {
			return &s.rules[i]
		}
	}
	return nil
}

// Stats reports scanner counters for the stats endpoint.
func (s *Scanner) Stats() map[string]any {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return map[string]any{
		"running":       running,
		"total_scanned": atomic.LoadInt64(&s.totalScanned),
		"total_replies": atomic.LoadInt64(&s.totalReplies),
		"leads_created": atomic.LoadInt64(&s.totalCreated),
	}
}

// textBody extracts the first text/plain part of a MIME message, falling
// back to the raw bytes for non-MIME mail.
func textBody(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if h, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			if ct == "text/plain" || ct == "" {
				b, _ := io.ReadAll(part.Body)
				return strings.TrimSpace(string(b))
			}
		}
	}
	return ""
}
