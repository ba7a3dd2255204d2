// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "fmt"

// MailHandler is the application-side subscriber for folder activity.
// Mail is called once per new message, in ascending uid order; a message is
// never redelivered, even if the handler returns in a panic or sets flags
// that later fail to apply.
type MailHandler interface {
	SyncStarted(folder string, newMails int)
	Mail(item *MailItem)
	SyncFinished(folder string)
}

// MailOps is the callback surface a MailItem uses to lazily reach back into
// the session and outbound transport.
type MailOps interface {
	FetchMail(uid uint32) ([]byte, error)
	ExtractText(raw []byte) (string, error)
	SaveAttachments(raw []byte, directory string) ([]string, error)
	Forward(summary *MailSummary, raw []byte, recipients []string, comment string) error
}

// MailItem is handed to MailHandler.Mail for every newly arrived message.
// The handler may set Delete or MoveToSubfolder; both are applied by the
// engine right after the handler returns. Delete takes precedence when both
// are set.
type MailItem struct {
	Summary *MailSummary

	Delete          bool
	MoveToSubfolder string

	ops MailOps
	raw []byte
}

func NewMailItem(summary *MailSummary, ops MailOps) *MailItem {
	return &MailItem{
		Summary: summary,
		ops:     ops,
	}
}

// FullMessage downloads the raw RFC822 message. The download happens at most
// once; later calls return the cached bytes.
func (m *MailItem) FullMessage() ([]byte, error) {
	if m.raw != nil {
		return m.raw, nil
	}

	raw, err := m.ops.FetchMail(m.Summary.Uid)
	if err != nil {
		return nil, fmt.Errorf("could not fetch full message: %w", err)
	}

	m.raw = raw
	return m.raw, nil
}

// TextBody downloads the message if necessary and returns its decoded
// plain-text body.
func (m *MailItem) TextBody() (string, error) {
	raw, err := m.FullMessage()
	if err != nil {
		return "", err
	}

	return m.ops.ExtractText(raw)
}

// SaveAttachments downloads the message if necessary and writes every
// attachment into directory, returning the written file paths.
func (m *MailItem) SaveAttachments(directory string) ([]string, error) {
	raw, err := m.FullMessage()
	if err != nil {
		return nil, err
	}

	return m.ops.SaveAttachments(raw, directory)
}

// Forward sends the message on to recipients with an optional leading
// comment. An empty recipient list is a configuration error.
func (m *MailItem) Forward(recipients []string, comment string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("no forward recipients given")
	}

	raw, err := m.FullMessage()
	if err != nil {
		return err
	}

	return m.ops.Forward(m.Summary, raw, recipients, comment)
}
