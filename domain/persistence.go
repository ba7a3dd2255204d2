// SPDX-License-Identifier: GPL-3.0-or-later
package domain

// FolderState is the persisted sync position of one watched folder.
type FolderState struct {
	Name        string
	UidValidity uint32
	// LastHandledUid is the highest uid whose handling fully completed in
	// the current uidvalidity epoch. 0 means nothing was handled yet.
	LastHandledUid uint32
}

type Persistence interface {
	Close() error
	FolderState(name string) (*FolderState, error)
	SaveFolderState(name string, uidValidity uint32, lastHandledUid uint32) error
}
