package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"mailwarm/models"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
)

// PlacementResult says where a warmup message was found in the receiver's mailbox.
type PlacementResult struct {
	Found bool
	Inbox bool
	Spam  bool
	Moved bool
	// MoveErr is set when a spam landing could not be moved to the inbox.
	MoveErr error
}

// PlacementChecker inspects a receiving mailbox for one warmup message.
type PlacementChecker interface {
	Check(ctx context.Context, receiver *models.WarmupAccount, creds Credentials, warmupID string) (PlacementResult, error)
}

var defaultSpamFolders = []string{"[Gmail]/Spam", "Junk", "Junk Email", "Junk E-mail", "Spam", "Bulk Mail"}

// IMAPVerifier looks for warmup messages over IMAP and rescues them from spam.
type IMAPVerifier struct {
	timeout     time.Duration
	spamFolders []string
}

func NewIMAPVerifier(timeout time.Duration) *IMAPVerifier {
	return &IMAPVerifier{timeout: timeout, spamFolders: defaultSpamFolders}
}

func (v *IMAPVerifier) Check(ctx context.Context, receiver *models.WarmupAccount, creds Credentials, warmupID string) (PlacementResult, error) {
	var result PlacementResult
	if !receiver.HasIMAP() {
		return result, Terminal(ReasonConfig, fmt.Errorf("account %d has no IMAP server configured", receiver.ID))
	}

	c, err := v.connect(ctx, receiver)
	if err != nil {
		return result, Classify(err)
	}
	defer c.Logout()

	username := creds.Username
	if username == "" {
		username = receiver.Email
	}
	if err := c.Login(username, creds.Password); err != nil {
		return result, Terminal(ReasonAuthFailed, err)
	}

	uids, err := v.find(c, "INBOX", true, warmupID)
	if err != nil {
		return result, Classify(err)
	}
	if len(uids) > 0 {
		return PlacementResult{Found: true, Inbox: true}, nil
	}

	for _, folder := range v.spamCandidates(c) {
		uids, err := v.find(c, folder, false, warmupID)
		if err != nil {
			continue
		}
		if len(uids) == 0 {
			continue
		}

		return rescue(c, uids), nil
	}
	return result, nil
}

func (v *IMAPVerifier) connect(ctx context.Context, account *models.WarmupAccount) (*client.Client, error) {
	port := account.IMAPPort
	if port == 0 {
		port = 993
	}
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, port)
	tlsConfig := &tls.Config{ServerName: account.IMAPHost}

	var c *client.Client
	var err error
	switch strings.ToUpper(account.IMAPEncryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to IMAP %s: %w", addr, err)
	}

	c.Timeout = v.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && (c.Timeout == 0 || d < c.Timeout) {
			c.Timeout = d
		}
	}
	return c, nil
}

// find returns UIDs in mailbox whose warmup header matches id exactly.
// IMAP HEADER search is a substring match, so candidates are confirmed by
// parsing their headers.
func (v *IMAPVerifier) find(c *client.Client, mailbox string, readOnly bool, id string) ([]uint32, error) {
	if _, err := c.Select(mailbox, readOnly); err != nil {
		return nil, fmt.Errorf("select %s: %w", mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header = textproto.MIMEHeader{}
	criteria.Header.Add(HeaderWarmupID, id)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", mailbox, err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
	}()

	var matched []uint32
	for msg := range messages {
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		mr, err := mail.CreateReader(literal)
		if err != nil {
			continue
		}
		if strings.TrimSpace(mr.Header.Get(HeaderWarmupID)) == id {
			matched = append(matched, msg.Uid)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch headers in %s: %w", mailbox, err)
	}
	return matched, nil
}

// spamCandidates prefers folders advertising the \Junk attribute, then known names.
func (v *IMAPVerifier) spamCandidates(c *client.Client) []string {
	mailboxes := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var junk, named []string
	for m := range mailboxes {
		if IsSpamMailbox(m.Name, m.Attributes, v.spamFolders) {
			if hasAttr(m.Attributes, imap.JunkAttr) {
				junk = append(junk, m.Name)
			} else {
				named = append(named, m.Name)
			}
		}
	}
	if err := <-done; err != nil {
		return v.spamFolders
	}
	return append(junk, named...)
}

// IsSpamMailbox reports whether a listed mailbox holds junk mail.
func IsSpamMailbox(name string, attrs []string, known []string) bool {
	if hasAttr(attrs, imap.JunkAttr) {
		return true
	}
	for _, k := range known {
		if strings.EqualFold(name, k) {
			return true
		}
	}
	return false
}

func hasAttr(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// mailboxMover is the part of the IMAP client a rescue needs.
type mailboxMover interface {
	UidMove(seqset *imap.SeqSet, dest string) error
	UidCopy(seqset *imap.SeqSet, dest string) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Expunge(ch chan uint32) error
}

// rescue always reports the spam landing; the move outcome only sets Moved.
func rescue(c mailboxMover, uids []uint32) PlacementResult {
	result := PlacementResult{Found: true, Spam: true}
	if err := moveToInbox(c, uids); err != nil {
		result.MoveErr = err
		return result
	}
	result.Moved = true
	return result
}

func moveToInbox(c mailboxMover, uids []uint32) error {
	if len(uids) == 0 {
		return errors.New("nothing to move")
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	if err := c.UidMove(seqset, "INBOX"); err == nil {
		return nil
	}
	// Some servers advertise MOVE and still refuse it.
	if err := c.UidCopy(seqset, "INBOX"); err != nil {
		return fmt.Errorf("copy to INBOX: %w", err)
	}
	flags := []interface{}{imap.DeletedFlag}
	if err := c.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return fmt.Errorf("flag deleted: %w", err)
	}
	if err := c.Expunge(nil); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}
