// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"fmt"
	"testing"

	"github.com/emersion/go-imap"

	"github.com/stretchr/testify/assert"
)

type fakeMoveConn struct {
	movedSet    *imap.SeqSet
	movedDest   string
	moveErr     error
	copiedSet   *imap.SeqSet
	copiedDest  string
	copyErr     error
	deletedUids []uint32
	deleteErr   error
}

func (f *fakeMoveConn) UidMove(seqset *imap.SeqSet, dest string) error {
	f.movedSet = seqset
	f.movedDest = dest
	return f.moveErr
}

func (f *fakeMoveConn) UidCopy(seqset *imap.SeqSet, dest string) error {
	f.copiedSet = seqset
	f.copiedDest = dest
	return f.copyErr
}

func (f *fakeMoveConn) delete(uids []uint32) error {
	f.deletedUids = uids
	return f.deleteErr
}

func expectedSeqSet(uids ...int) *imap.SeqSet {
	seqset := &imap.SeqSet{}
	seqset.AddNum(u32a(uids...)...)
	return seqset
}

func TestMoveMover_Move(t *testing.T) {
	conn := &fakeMoveConn{}
	mover := moveMover{conn}

	err := mover.move(u32a(1, 2, 3), "archive")
	assert.NoError(t, err)
	assert.Equal(t, expectedSeqSet(1, 2, 3), conn.movedSet)
	assert.Equal(t, "archive", conn.movedDest)
}

func TestCompatibilityMover_Move(t *testing.T) {
	conn := &fakeMoveConn{}
	mover := compatibilityMover{conn}

	err := mover.move(u32a(1, 2, 3), "archive")
	assert.NoError(t, err)
	assert.Equal(t, expectedSeqSet(1, 2, 3), conn.copiedSet)
	assert.Equal(t, "archive", conn.copiedDest)
	assert.Equal(t, u32a(1, 2, 3), conn.deletedUids)
}

func TestCompatibilityMover_MoveCopyFails(t *testing.T) {
	conn := &fakeMoveConn{copyErr: fmt.Errorf("copy failed")}
	mover := compatibilityMover{conn}

	err := mover.move(u32a(1), "archive")
	assert.EqualError(t, err, "could not copy mails: copy failed")
	assert.Nil(t, conn.deletedUids)
}

func TestCompatibilityMover_MoveDeleteFails(t *testing.T) {
	conn := &fakeMoveConn{deleteErr: fmt.Errorf("delete failed")}
	mover := compatibilityMover{conn}

	err := mover.move(u32a(1), "archive")
	assert.EqualError(t, err, "could not delete copied mails: delete failed")
}
