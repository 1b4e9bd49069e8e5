package mailbox

import (
	"context"
	"log"
	"path/filepath"
	"strings"

	"github.com/ignite/bordereaux/internal/storage"
)

// Stats summarizes one poll run.
type Stats struct {
	Processed        int `json:"processed"`
	Duplicate        int `json:"duplicate"`
	Failed           int `json:"failed"`
	EmailsMarkedSeen int `json:"emails_marked_seen"`
}

// Poller drains unread messages from a mailbox into the file store. A
// message is acknowledged (marked seen) only when every allowed attachment
// on it was saved; messages with no allowed attachments are left unread.
type Poller struct {
	dial    func() (Client, error)
	store   *storage.Store
	allowed map[string]bool
}

// NewPoller creates a Poller. dial opens a fresh authenticated connection
// per run; allowedTypes is the attachment extension allow-list.
func NewPoller(dial func() (Client, error), store *storage.Store, allowedTypes []string) *Poller {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(strings.TrimPrefix(t, "."))] = true
	}
	return &Poller{dial: dial, store: store, allowed: allowed}
}

// Run performs one poll. Connect or auth failures abort with an error; per
// attachment failures are counted and leave the message unread for retry.
func (p *Poller) Run(ctx context.Context) (*Stats, error) {
	client, err := p.dial()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	msgs, err := client.FetchUnseen()
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	var ack []uint32
	for _, msg := range msgs {
		if p.handleMessage(ctx, msg, stats) {
			ack = append(ack, msg.SeqNum)
		}
	}

	if err := client.MarkSeen(ack); err != nil {
		log.Printf("[mailbox] warn: mark seen: %v", err)
	} else {
		stats.EmailsMarkedSeen = len(ack)
	}

	log.Printf("[mailbox] poll done: %d saved, %d duplicate, %d failed, %d acked",
		stats.Processed, stats.Duplicate, stats.Failed, stats.EmailsMarkedSeen)
	return stats, nil
}

// handleMessage saves every allowed attachment and reports whether the
// message may be acknowledged.
func (p *Poller) handleMessage(ctx context.Context, msg Message, stats *Stats) bool {
	sawAllowed := false
	allSaved := true

	for _, att := range msg.Attachments {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(att.Filename), "."))
		if !p.allowed[ext] {
			continue
		}
		sawAllowed = true

		received := msg.Date
		res, err := p.store.Save(ctx, storage.SaveRequest{
			Data:       att.Data,
			Filename:   att.Filename,
			Sender:     msg.Sender,
			Subject:    msg.Subject,
			ReceivedAt: &received,
		})
		if err != nil {
			log.Printf("[mailbox] save %s from %s: %v", att.Filename, msg.Sender, err)
			stats.Failed++
			allSaved = false
			continue
		}

		if res.IsDuplicate {
			stats.Duplicate++
			continue
		}
		stats.Processed++
		if err := p.store.MarkReceived(ctx, res.FileID); err != nil {
			log.Printf("[mailbox] warn: mark received file %d: %v", res.FileID, err)
		}
	}

	// Only fully ingested messages are acked; ones without any allowed
	// attachment stay unread as well.
	return sawAllowed && allSaved
}
