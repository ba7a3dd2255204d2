// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/mailwatch/go-imap-watch/domain"
	"github.com/mailwatch/go-imap-watch/log"
	"github.com/mailwatch/go-imap-watch/mail"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap-move"
	"github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

const (
	// Servers drop IDLE connections unilaterally, most after 30 minutes.
	// Re-issue the idle command well under that ceiling.
	idleRestartInterval = 20 * time.Minute
	// Poll interval when the server does not support IDLE at all.
	idlePollInterval = time.Minute

	eventBuffer = 64
)

// ImapConnection is one authenticated protocol session. It is not safe for
// concurrent use; the Supervisor serializes access to it.
type ImapConnection struct {
	connection  *client.Client
	mailDeleter deleter
	mailMover   mover

	server, user, password string

	selectedFolder string
	uidValidity    atomic.Uint32

	events chan domain.MailboxEvent

	l *logrus.Logger
}

func NewImapConnection(server string, user string, password string) (*ImapConnection, error) {
	imapClient, err := client.DialTLS(server, nil)
	if err != nil {
		return nil, fmt.Errorf("could not dial to imap: %w", err)
	}

	err = imapClient.Login(user, password)
	if err != nil {
		return nil, fmt.Errorf("could not login to imap: %w", err)
	}

	uidPlusClient := uidplus.NewClient(imapClient)
	uidPlusSupported, err := uidPlusClient.SupportUidPlus()
	if err != nil {
		return nil, fmt.Errorf("could not check for UIDPLUS support: %w", err)
	}

	moveClient := move.NewClient(imapClient)
	moveSupported, err := moveClient.SupportMove()
	if err != nil {
		return nil, fmt.Errorf("could not check for MOVE support: %w", err)
	}

	conn := &ImapConnection{
		connection: imapClient,
		server:     server,
		user:       user,
		password:   password,
		events:     make(chan domain.MailboxEvent, eventBuffer),
		l:          log.Logger(log.LOG_IMAP),
	}

	baseLogger := conn.l.WithFields(logrus.Fields{"server": server})
	baseLogger.Debug("Logged in to server")

	if uidPlusSupported {
		baseLogger.Debug("UIDPLUS supported on server, using UID delete")
		conn.mailDeleter = &uidPlusDeleter{
			imapConn:      conn,
			uidplusClient: uidPlusClient,
		}
	} else {
		baseLogger.Info("UIDPLUS not supported on server, falling back to flag&expunge")
		conn.mailDeleter = &compatibilityDeleter{
			imapConn: conn,
		}
	}

	if moveSupported {
		baseLogger.Debug("MOVE supported on server")
		conn.mailMover = &moveMover{
			moveClient: moveClient,
		}
	} else {
		baseLogger.Info("MOVE not supported on server, falling back to copy&delete")
		conn.mailMover = &compatibilityMover{
			imapConn: conn,
		}
	}

	// The client pushes unsolicited updates here, most of them while an
	// IDLE command is outstanding. Translate them into domain events so
	// nothing above this package sees protocol types.
	rawUpdates := make(chan client.Update, eventBuffer)
	imapClient.Updates = rawUpdates
	go conn.translateUpdates(rawUpdates, imapClient.LoggedOut())

	return conn, nil
}

func (ic *ImapConnection) SelectFolder(folder string, readOnly bool) (*domain.FolderStatus, error) {
	m, err := ic.connection.Select(folder, readOnly)
	if err != nil {
		return nil, fmt.Errorf("could not select folder: %w", err)
	}

	ic.selectedFolder = folder
	ic.uidValidity.Store(m.UidValidity)
	return &domain.FolderStatus{
		Name:        folder,
		UidValidity: m.UidValidity,
		Count:       m.Messages,
	}, nil
}

func (ic *ImapConnection) ListUids() ([]uint32, error) {
	// Get all UIDs in folder (empty search criteria)
	criteria := imap.NewSearchCriteria()
	ids, err := ic.connection.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("could not list folder: %w", err)
	}

	return ids, nil
}

func (ic *ImapConnection) FetchSummaries(uids []uint32) ([]*domain.MailSummary, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)

	fetchItems := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchRFC822Size,
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.UidFetch(seqset, fetchItems, messages)
	}()

	summaries := []*domain.MailSummary{}
	for msg := range messages {
		summaries = append(summaries, summaryFromMessage(msg))
	}

	err := <-done
	if err != nil {
		return nil, fmt.Errorf("could not fetch summaries: %w", err)
	}

	return summaries, nil
}

func (ic *ImapConnection) FetchMail(uid uint32) ([]byte, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uid)

	fullBodySection := &imap.BodySectionName{
		Peek: true,
	}
	fetchItems := []imap.FetchItem{fullBodySection.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.UidFetch(seqset, fetchItems, messages)
	}()

	var rawMail []byte
	for msg := range messages {
		r := msg.GetBody(fullBodySection)
		if r == nil {
			continue
		}

		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("could not read mail body: %w", err)
		}
		rawMail = body
	}

	err := <-done
	if err != nil {
		return nil, fmt.Errorf("could not fetch mail: %w", err)
	}

	if rawMail == nil {
		return nil, fmt.Errorf("server returned no body for uid %d", uid)
	}

	return rawMail, nil
}

func (ic *ImapConnection) Append(body []byte, folder string) error {
	err := ic.connection.Append(folder, nil, time.Now(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not append: %w", err)
	}

	return nil
}

func (ic *ImapConnection) Delete(uids []uint32) error {
	return ic.mailDeleter.delete(uids)
}

func (ic *ImapConnection) Move(uids []uint32, folder string) error {
	return ic.mailMover.move(uids, folder)
}

func (ic *ImapConnection) Noop() error {
	err := ic.connection.Noop()
	if err != nil {
		return fmt.Errorf("could not noop: %w", err)
	}

	return nil
}

// Idle blocks until stop is closed or the connection dies. The client
// re-issues the command before the server idle ceiling and falls back to
// NOOP polling on servers without IDLE support.
func (ic *ImapConnection) Idle(stop <-chan struct{}) error {
	err := ic.connection.Idle(stop, &client.IdleOptions{
		LogoutTimeout: idleRestartInterval,
		PollInterval:  idlePollInterval,
	})
	if err != nil {
		return fmt.Errorf("idle failed: %w", err)
	}

	return nil
}

func (ic *ImapConnection) Events() <-chan domain.MailboxEvent {
	return ic.events
}

func (ic *ImapConnection) Close() error {
	return ic.connection.Logout()
}

func (ic *ImapConnection) IsClosed() bool {
	select {
	case <-ic.connection.LoggedOut():
		return true
	default:
		return false
	}
}

// translateUpdates ends, closing the event stream, when the client logs out.
// The client never closes its Updates channel, so waiting for that alone
// would leak this goroutine on every reconnect.
func (ic *ImapConnection) translateUpdates(rawUpdates <-chan client.Update, loggedOut <-chan struct{}) {
	defer close(ic.events)

	for {
		var update client.Update
		var ok bool
		select {
		case update, ok = <-rawUpdates:
			if !ok {
				return
			}
		case <-loggedOut:
			return
		}

		switch u := update.(type) {
		case *client.MailboxUpdate:
			if u.Mailbox == nil {
				continue
			}
			if u.Mailbox.UidValidity != 0 && u.Mailbox.UidValidity != ic.uidValidity.Load() {
				ic.uidValidity.Store(u.Mailbox.UidValidity)
				// A lost uidvalidity change would leave the consumer acting
				// on stale uids, so this send must not be dropped.
				select {
				case ic.events <- domain.MailboxEvent{
					Type:        domain.ValidityChanged,
					UidValidity: u.Mailbox.UidValidity,
				}:
				case <-loggedOut:
					return
				}
			}
			ic.emit(domain.MailboxEvent{
				Type:  domain.CountChanged,
				Count: u.Mailbox.Messages,
			})
		case *client.ExpungeUpdate:
			ic.emit(domain.MailboxEvent{
				Type:   domain.ItemRemoved,
				SeqNum: u.SeqNum,
			})
		}
	}
}

func (ic *ImapConnection) emit(event domain.MailboxEvent) {
	select {
	case ic.events <- event:
	default:
		// The consumer resynchronizes from server state anyway, dropping
		// an event only delays the next pass.
		ic.l.WithField("event", event.Type).Warn("Event buffer full, dropping event")
	}
}

func (ic *ImapConnection) delete(uids []uint32) error {
	return ic.mailDeleter.delete(uids)
}

func (ic *ImapConnection) UidCopy(seqset *imap.SeqSet, dest string) error {
	return ic.connection.UidCopy(seqset, dest)
}

func (ic *ImapConnection) Expunge(ch chan uint32) error {
	return ic.connection.Expunge(ch)
}

func (ic *ImapConnection) UidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	return ic.connection.UidSearch(criteria)
}

func (ic *ImapConnection) flagDeleted(uids []uint32) (*imap.SeqSet, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)
	err := ic.connection.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil)
	if err != nil {
		return nil, fmt.Errorf("could set delete flag: %w", err)
	}

	return seqset, nil
}

func summaryFromMessage(msg *imap.Message) *domain.MailSummary {
	summary := &domain.MailSummary{
		Uid:   msg.Uid,
		Size:  msg.Size,
		Flags: msg.Flags,
	}

	if msg.Envelope != nil {
		summary.Subject = mail.DecodeSubject(msg.Envelope.Subject)
		summary.Date = msg.Envelope.Date
		summary.From = convertAddresses(msg.Envelope.From)
		summary.To = convertAddresses(msg.Envelope.To)
	}

	return summary
}

func convertAddresses(addresses []*imap.Address) []domain.MailAddress {
	converted := make([]domain.MailAddress, 0, len(addresses))
	for _, a := range addresses {
		converted = append(converted, domain.MailAddress{
			Name:    a.PersonalName,
			Address: a.MailboxName + "@" + a.HostName,
		})
	}
	return converted
}
