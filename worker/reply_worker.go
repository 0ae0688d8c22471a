package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"cadence/config"
	"cadence/models"
	"cadence/utils"
)

// ReplyWorker polls the sender inbox over IMAP and turns replies to
// sequence emails into engagement events. Replies are matched by the
// In-Reply-To header against recorded message ids; the provider event id is
// derived from the inbound message id so repeated polls dedupe naturally.
type ReplyWorker struct {
	Ingestor     *utils.EventIngestor
	Logger       *log.Logger
	IMAP         config.IMAPConfig
	PollInterval time.Duration

	lastPoll time.Time
}

func NewReplyWorker(ingestor *utils.EventIngestor, logger *log.Logger, imapCfg config.IMAPConfig, pollInterval time.Duration) *ReplyWorker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Minute
	}
	return &ReplyWorker{
		Ingestor:     ingestor,
		Logger:       logger,
		IMAP:         imapCfg,
		PollInterval: pollInterval,
		lastPoll:     time.Now().Add(-24 * time.Hour),
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.Logger.Printf("Reply worker started (poll=%s)", rw.PollInterval)

	ticker := time.NewTicker(rw.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Println("Reply worker shutting down...")
			return
		case <-ticker.C:
			if err := rw.fetchReplies(); err != nil {
				rw.Logger.Printf("Reply fetch failed: %v", err)
			}
		}
	}
}

func (rw *ReplyWorker) fetchReplies() error {
	imapClient, err := rw.dial()
	if err != nil {
		return err
	}
	defer imapClient.Logout()

	if err := imapClient.Login(rw.IMAP.Username, rw.IMAP.Password); err != nil {
		return fmt.Errorf("imap login failed: %w", err)
	}

	if _, err := imapClient.Select("INBOX", true); err != nil {
		return fmt.Errorf("imap select failed: %w", err)
	}

	since := rw.lastPoll
	polledAt := time.Now()

	criteria := imap.NewSearchCriteria()
	criteria.Since = since.Truncate(24 * time.Hour) // IMAP SINCE has day granularity
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("imap search failed: %w", err)
	}
	if len(ids) == 0 {
		rw.lastPoll = polledAt
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope}, messages)
	}()

	var matched int
	for msg := range messages {
		if msg.Envelope == nil || msg.Envelope.InReplyTo == "" {
			continue
		}
		if rw.ingestReply(msg.Envelope) {
			matched++
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("imap fetch failed: %w", err)
	}

	// Only a fully successful poll narrows the next window; a failed one
	// retries the same range.
	rw.lastPoll = polledAt

	if matched > 0 {
		rw.Logger.Printf("Matched %d replies to sequence emails", matched)
	}
	return nil
}

// ingestReply attributes one inbound message to an enrollment. Returns true
// when the message replied to an email this engine sent.
func (rw *ReplyWorker) ingestReply(envelope *imap.Envelope) bool {
	messageID := utils.ParseMessageID(envelope.InReplyTo)
	if messageID == "" {
		return false
	}

	occurredAt := envelope.Date
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	providerEventID := "imap:" + utils.ParseMessageID(envelope.MessageId)

	_, err := rw.Ingestor.IngestByMessageID(messageID, models.EventReplied, occurredAt, providerEventID)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateEvent) {
			return false
		}
		if errors.Is(err, models.ErrNotFound) {
			// Not one of ours.
			return false
		}
		rw.Logger.Printf("Failed to ingest reply %s: %v", providerEventID, err)
		return false
	}
	return true
}

func (rw *ReplyWorker) dial() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", rw.IMAP.Host, rw.IMAP.Port)

	if rw.IMAP.UseTLS {
		c, err := client.DialTLS(addr, &tls.Config{ServerName: rw.IMAP.Host})
		if err != nil {
			return nil, fmt.Errorf("imap dial failed: %w", err)
		}
		return c, nil
	}

	c, err := client.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("imap dial failed: %w", err)
	}
	if err := c.StartTLS(&tls.Config{ServerName: rw.IMAP.Host}); err != nil {
		// Server without STARTTLS; continue in the clear for local testing.
		rw.Logger.Printf("IMAP STARTTLS unavailable: %v", err)
	}
	return c, nil
}
