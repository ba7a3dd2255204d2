// SPDX-License-Identifier: GPL-3.0-or-later
package domain

// MailboxEventType enumerates the push notifications a watched folder emits.
type MailboxEventType int

const (
	// CountChanged reports the new total number of messages in the folder.
	CountChanged = MailboxEventType(0)
	// ItemRemoved reports the sequence number of an expunged message.
	ItemRemoved = MailboxEventType(1)
	// ValidityChanged reports a new uidvalidity; all previously known uids
	// are meaningless afterwards.
	ValidityChanged = MailboxEventType(2)
)

type MailboxEvent struct {
	Type MailboxEventType

	// Count is set for CountChanged.
	Count uint32
	// SeqNum is set for ItemRemoved.
	SeqNum uint32
	// UidValidity is set for ValidityChanged.
	UidValidity uint32
}
