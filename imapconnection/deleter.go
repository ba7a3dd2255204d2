// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"fmt"

	"github.com/emersion/go-imap"
)

type deleter interface {
	delete(uids []uint32) error
}

type deletedFlagger interface {
	flagDeleted(uids []uint32) (*imap.SeqSet, error)
}

type uidExpunger interface {
	UidExpunge(seqSet *imap.SeqSet, ch chan uint32) error
}

// uidPlusDeleter expunges exactly the requested uids via UIDPLUS.
type uidPlusDeleter struct {
	imapConn      deletedFlagger
	uidplusClient uidExpunger
}

func (u *uidPlusDeleter) delete(uids []uint32) error {
	seqset, err := u.imapConn.flagDeleted(uids)
	if err != nil {
		return fmt.Errorf("could not flag items as deleted: %w", err)
	}

	out := make(chan uint32)
	done := make(chan error, 1)
	go func() {
		done <- u.uidplusClient.UidExpunge(seqset, out)
	}()

	expunged := []uint32{}
	for uid := range out {
		expunged = append(expunged, uid)
	}

	err = <-done
	if err != nil {
		return fmt.Errorf("could not expunge mails: %w", err)
	}

	if len(expunged) != len(uids) {
		return fmt.Errorf("unexpected number of expunges, expected %d got %d", len(uids), len(expunged))
	}

	return nil
}

type deleteFlaggerAndExpunger interface {
	deletedFlagger
	Expunge(ch chan uint32) error
	UidSearch(criteria *imap.SearchCriteria) (uids []uint32, err error)
}

var ItemsWithDeletedFlagPresent = fmt.Errorf("folder has previous items with delete flag set")

// compatibilityDeleter flags and expunges. EXPUNGE removes everything with
// the deleted flag, so it refuses to run while the folder holds items some
// other client already flagged.
type compatibilityDeleter struct {
	imapConn deleteFlaggerAndExpunger
}

func (c *compatibilityDeleter) delete(uids []uint32) error {
	criteria := imap.NewSearchCriteria()
	criteria.WithFlags = []string{imap.DeletedFlag}
	flagged, err := c.imapConn.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("could not search for deleted in folder: %w", err)
	}

	if len(flagged) > 0 {
		return fmt.Errorf("folder is not ready for delete: %w", ItemsWithDeletedFlagPresent)
	}

	_, err = c.imapConn.flagDeleted(uids)
	if err != nil {
		return fmt.Errorf("could not set deleted flag: %w", err)
	}

	out := make(chan uint32)
	done := make(chan error, 1)
	go func() {
		done <- c.imapConn.Expunge(out)
	}()

	expunged := []uint32{}
	for uid := range out {
		expunged = append(expunged, uid)
	}

	err = <-done
	if err != nil {
		return fmt.Errorf("could not expunge mails: %w", err)
	}

	if len(expunged) != len(uids) {
		return fmt.Errorf("unexpected number of expunges, expected %d got %d", len(uids), len(expunged))
	}

	return nil
}
