// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"fmt"

	"github.com/emersion/go-imap"
)

type mover interface {
	move(uids []uint32, folder string) error
}

type moveClient interface {
	UidMove(seqset *imap.SeqSet, dest string) error
}

// moveMover uses the MOVE extension directly.
type moveMover struct {
	moveClient moveClient
}

func (m *moveMover) move(uids []uint32, folder string) error {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)
	return m.moveClient.UidMove(seqset, folder)
}

type copyAndDeleteMoveClient interface {
	deleter
	UidCopy(seqset *imap.SeqSet, dest string) error
}

// compatibilityMover emulates MOVE with copy followed by delete.
type compatibilityMover struct {
	imapConn copyAndDeleteMoveClient
}

func (c *compatibilityMover) move(uids []uint32, folder string) error {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)
	err := c.imapConn.UidCopy(seqset, folder)
	if err != nil {
		return fmt.Errorf("could not copy mails: %w", err)
	}

	err = c.imapConn.delete(uids)
	if err != nil {
		return fmt.Errorf("could not delete copied mails: %w", err)
	}

	return nil
}
