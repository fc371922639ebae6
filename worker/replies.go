package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"leadflow/config"
	"leadflow/store"
	"leadflow/utils"
)

// ReplyPoller watches the campaign mailbox over IMAP and reports email
// replies into the delivery lifecycle. A reply is matched to its delivery
// row through the In-Reply-To header, which carries the Message-ID we
// assigned at send time.
type ReplyPoller struct {
	deliveries store.DeliveryStoreInterface
	cfg        config.IMAPConfig
	interval   time.Duration
	logger     *log.Logger
}

func NewReplyPoller(deliveries store.DeliveryStoreInterface, cfg config.IMAPConfig, interval time.Duration) *ReplyPoller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReplyPoller{
		deliveries: deliveries,
		cfg:        cfg,
		interval:   interval,
		logger:     log.New(os.Stdout, "REPLIES: ", log.LstdFlags),
	}
}

// Run polls the mailbox until ctx is cancelled. Each poll is a fresh
// connection; campaign mailboxes are low-volume and IMAP servers drop
// long-idle sessions anyway.
func (p *ReplyPoller) Run(ctx context.Context) {
	if !p.cfg.Enabled {
		p.logger.Println("IMAP disabled, reply detection off")
		return
	}

	p.logger.Printf("🚀 Starting reply poller (%s every %s)", p.cfg.Host, utils.FormatDuration(p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.poll(); err != nil {
			utils.LogError("reply_poll", err, map[string]interface{}{"host": p.cfg.Host})
		}

		select {
		case <-ctx.Done():
			p.logger.Println("✅ Reply poller stopped")
			return
		case <-ticker.C:
		}
	}
}

func (p *ReplyPoller) poll() error {
	c, err := p.connect()
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}
	defer c.Logout()

	if err := c.Login(p.cfg.Username, p.cfg.Password); err != nil {
		return fmt.Errorf("imap login: %w", err)
	}

	mbox, err := c.Select(p.cfg.Mailbox, false)
	if err != nil {
		return fmt.Errorf("imap select %s: %w", p.cfg.Mailbox, err)
	}
	if mbox.Messages == 0 {
		return nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("imap search: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	// PEEK keeps the unseen flag until the whole batch is processed.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	for msg := range messages {
		p.handleMessage(msg, section)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("imap fetch: %w", err)
	}

	// Mark the batch seen so the next poll starts clean.
	markSeen := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.Store(seqset, markSeen, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("imap store: %w", err)
	}
	return nil
}

func (p *ReplyPoller) connect() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)

	switch strings.ToUpper(p.cfg.Encryption) {
	case "SSL", "TLS":
		return client.DialTLS(addr, nil)
	case "STARTTLS":
		c, err := client.Dial(addr)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(nil); err != nil {
			c.Logout()
			return nil, err
		}
		return c, nil
	default:
		return client.Dial(addr)
	}
}

func (p *ReplyPoller) handleMessage(msg *imap.Message, section *imap.BodySectionName) {
	if msg == nil || msg.Envelope == nil {
		return
	}

	// In-Reply-To may carry several references; the first that matches one
	// of our sends wins.
	for _, ref := range strings.Fields(msg.Envelope.InReplyTo) {
		messageID := extractMessageID(ref)
		if messageID == "" {
			continue
		}

		err := p.deliveries.ApplyEvent(messageID, store.EventReplied, msg.Envelope.Date)
		if errors.Is(err, store.ErrNotFound) {
			// Not one of ours, or the reply references an older thread.
			continue
		}
		if err != nil {
			utils.LogError("reply_apply", err, map[string]interface{}{"message_id": messageID})
			continue
		}

		utils.LogEvent("reply_detected", map[string]interface{}{
			"message_id": messageID,
			"from":       envelopeFrom(msg.Envelope),
			"snippet":    replySnippet(msg.GetBody(section)),
		})
		return
	}
}

// replySnippet pulls the first bit of plain text out of a reply body for
// the event log. Best effort; a parse failure just yields an empty snippet.
func replySnippet(body io.Reader) string {
	if body == nil {
		return ""
	}
	mr, err := mail.CreateReader(body)
	if err != nil {
		return ""
	}

	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ctype, _, _ := header.ContentType()
		if ctype != "text/plain" {
			continue
		}

		buf := make([]byte, 200)
		n, _ := io.ReadFull(part.Body, buf)
		return strings.TrimSpace(string(buf[:n]))
	}
}

// extractMessageID pulls our send-time id out of an In-Reply-To reference:
// "<uuid@sender-domain>" becomes "uuid".
func extractMessageID(ref string) string {
	ref = strings.Trim(strings.TrimSpace(ref), "<>")
	if at := strings.Index(ref, "@"); at != -1 {
		ref = ref[:at]
	}
	return ref
}

func envelopeFrom(env *imap.Envelope) string {
	if len(env.From) == 0 {
		return ""
	}
	return env.From[0].Address()
}
