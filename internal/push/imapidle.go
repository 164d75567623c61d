package push

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
)

const (
	imapInitialBackoff = time.Second
	imapMaxBackoff     = 5 * time.Minute
)

// MailAccount describes one IMAP mailbox to watch.
type MailAccount struct {
	UserID   int64
	Label    string
	Addr     string // host:port, connected over TLS
	Username string
	Password string
	Mailbox  string
	// UseSASL authenticates with SASL PLAIN instead of LOGIN.
	UseSASL bool
}

// Publisher is the slice of Registry the watcher needs.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// IMAPWatcher keeps an IDLE session open on one account and publishes a mail
// event whenever the message count grows. Run reconnects with capped
// exponential backoff until the context is cancelled.
type IMAPWatcher struct {
	account MailAccount
	publish Publisher
	dial    func(addr string) (*client.Client, error)
}

func NewIMAPWatcher(account MailAccount, publish Publisher) *IMAPWatcher {
	if account.Mailbox == "" {
		account.Mailbox = "INBOX"
	}
	return &IMAPWatcher{account: account, publish: publish, dial: dialTLS}
}

func dialTLS(addr string) (*client.Client, error) {
	return client.DialTLS(addr, nil)
}

func (w *IMAPWatcher) Run(ctx context.Context) {
	backoff := imapInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[WARN] imap watcher %s: %v", w.account.Label, err)
		}
		// A session that survived for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = imapInitialBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > imapMaxBackoff {
			backoff = imapMaxBackoff
		}
	}
}

func (w *IMAPWatcher) session(ctx context.Context) error {
	c, err := w.dial(w.account.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.account.Addr, err)
	}
	defer c.Logout()

	if w.account.UseSASL {
		auth := sasl.NewPlainClient("", w.account.Username, w.account.Password)
		if err := c.Authenticate(auth); err != nil {
			return fmt.Errorf("sasl auth: %w", err)
		}
	} else {
		if err := c.Login(w.account.Username, w.account.Password); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	status, err := c.Select(w.account.Mailbox, true)
	if err != nil {
		return fmt.Errorf("select %s: %w", w.account.Mailbox, err)
	}
	seen := status.Messages
	log.Printf("[INFO] imap watcher %s idling on %s (%d messages)", w.account.Label, w.account.Mailbox, seen)

	updates := make(chan client.Update, 64)
	c.Updates = updates

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- c.Idle(stop, nil) }()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return nil
		case err := <-done:
			return err
		case update := <-updates:
			mbox, ok := update.(*client.MailboxUpdate)
			if !ok || mbox.Mailbox == nil {
				continue
			}
			seen = w.noteMessages(ctx, mbox.Mailbox.Messages, seen)
		}
	}
}

// noteMessages publishes a mail event when the mailbox grew past the
// previous count and returns the new high-water mark. Expunges shrink the
// count without an event.
func (w *IMAPWatcher) noteMessages(ctx context.Context, messages, seen uint32) uint32 {
	if messages > seen {
		w.publish.Publish(ctx, Event{
			UserID: w.account.UserID,
			Topic:  "mail:new",
			Payload: map[string]any{
				"account":  w.account.Label,
				"mailbox":  w.account.Mailbox,
				"messages": messages,
			},
		})
	}
	return messages
}
