// Package mailbox polls an IMAP folder for unread messages carrying
// bordereaux attachments and feeds them into the storage layer.
package mailbox

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
)

// Attachment is one decoded file from a message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Message is the poller's view of one unread email.
type Message struct {
	SeqNum      uint32
	Sender      string
	Subject     string
	Date        time.Time
	Attachments []Attachment
}

// Client is the mailbox transport. The IMAP implementation is the production
// one; tests substitute a fake.
type Client interface {
	FetchUnseen() ([]Message, error)
	MarkSeen(seqNums []uint32) error
	Close() error
}

// Credentials selects password or OAuth bearer authentication. Exactly one
// of Password and OAuthToken must be set.
type Credentials struct {
	Username   string
	Password   string
	OAuthToken string
}

// imapConn wraps a live go-imap connection with a selected folder.
type imapConn struct {
	c      *imapclient.Client
	folder string
}

// Dial connects to host:port over TLS, authenticates, and selects folder.
func Dial(host string, port int, creds Credentials, folder string) (Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	c, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}

	if creds.OAuthToken != "" {
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: creds.Username,
			Token:    creds.OAuthToken,
			Host:     host,
			Port:     port,
		})
		err = c.Authenticate(auth)
	} else {
		err = c.Login(creds.Username, creds.Password)
	}
	if err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap auth: %w", err)
	}

	if _, err := c.Select(folder, false); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap select %s: %w", folder, err)
	}
	return &imapConn{c: c, folder: folder}, nil
}

func (ic *imapConn) FetchUnseen() ([]Message, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	seqNums, err := ic.c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(seqNums) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	ch := make(chan *imap.Message, len(seqNums))
	done := make(chan error, 1)
	go func() { done <- ic.c.Fetch(seqset, items, ch) }()

	var out []Message
	for msg := range ch {
		m := Message{SeqNum: msg.SeqNum}
		if env := msg.Envelope; env != nil {
			m.Subject = env.Subject
			m.Date = env.Date
			if len(env.From) > 0 {
				m.Sender = env.From[0].Address()
			}
		}

		body := msg.GetBody(section)
		if body == nil {
			out = append(out, m)
			continue
		}
		atts, err := extractAttachments(body)
		if err != nil {
			log.Printf("[mailbox] warn: message %d: %v", msg.SeqNum, err)
		}
		m.Attachments = atts
		out = append(out, m)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}
	return out, nil
}

// extractAttachments walks the MIME tree and decodes every attachment part.
// A broken part stops the walk but keeps what was already decoded.
func extractAttachments(r io.Reader) ([]Attachment, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse mime: %w", err)
	}

	var atts []Attachment
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return atts, fmt.Errorf("read part: %w", err)
		}

		if ah, ok := p.Header.(*mail.AttachmentHeader); ok {
			filename, err := ah.Filename()
			if err != nil || filename == "" {
				continue
			}
			data, err := io.ReadAll(p.Body)
			if err != nil {
				return atts, fmt.Errorf("read attachment %s: %w", filename, err)
			}
			atts = append(atts, Attachment{Filename: filename, Data: data})
		}
	}
	return atts, nil
}

func (ic *imapConn) MarkSeen(seqNums []uint32) error {
	if len(seqNums) == 0 {
		return nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := ic.c.Store(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("imap store seen: %w", err)
	}
	return nil
}

func (ic *imapConn) Close() error {
	return ic.c.Logout()
}
