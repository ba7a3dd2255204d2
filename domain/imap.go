// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

// FolderStatus is the snapshot returned by selecting a folder.
type FolderStatus struct {
	Name        string
	UidValidity uint32
	Count       uint32
}

// MailAddress is a decoded sender or recipient address.
type MailAddress struct {
	Name    string
	Address string
}

// MailSummary carries the envelope-level view of a message, fetched without
// pulling the full body.
type MailSummary struct {
	Uid     uint32
	Subject string
	From    []MailAddress
	To      []MailAddress
	Date    time.Time
	Size    uint32
	Flags   []string
}

// MailSession is the protocol session the connection supervisor hands out.
// A session handle is not safe for concurrent use; all access is serialized
// by the owning supervisor.
type MailSession interface {
	SelectFolder(folder string, readOnly bool) (*FolderStatus, error)
	ListUids() ([]uint32, error)
	FetchSummaries(uids []uint32) ([]*MailSummary, error)
	FetchMail(uid uint32) ([]byte, error)
	Append(body []byte, folder string) error
	Delete(uids []uint32) error
	Move(uids []uint32, folder string) error
	Noop() error

	// Idle blocks until the server pushes a change, the stop channel is
	// closed or the connection dies. Push notifications arrive on Events.
	Idle(stop <-chan struct{}) error
	Events() <-chan MailboxEvent

	Close() error
	IsClosed() bool
}
