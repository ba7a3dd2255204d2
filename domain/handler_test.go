// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeOps struct {
	fetches   int
	fetchErr  error
	forwarded []string
}

func (f *fakeOps) FetchMail(uid uint32) ([]byte, error) {
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return []byte(fmt.Sprintf("raw %d", uid)), nil
}

func (f *fakeOps) ExtractText(raw []byte) (string, error) {
	return "text of " + string(raw), nil
}

func (f *fakeOps) SaveAttachments(raw []byte, directory string) ([]string, error) {
	return []string{directory + "/file"}, nil
}

func (f *fakeOps) Forward(summary *MailSummary, raw []byte, recipients []string, comment string) error {
	f.forwarded = recipients
	return nil
}

func TestMailItem_FullMessageIsFetchedOnce(t *testing.T) {
	ops := &fakeOps{}
	item := NewMailItem(&MailSummary{Uid: 5}, ops)

	raw, err := item.FullMessage()
	assert.NoError(t, err)
	assert.Equal(t, []byte("raw 5"), raw)

	_, err = item.FullMessage()
	assert.NoError(t, err)
	_, err = item.TextBody()
	assert.NoError(t, err)
	assert.Equal(t, 1, ops.fetches)
}

func TestMailItem_FullMessageFetchFails(t *testing.T) {
	ops := &fakeOps{fetchErr: fmt.Errorf("gone")}
	item := NewMailItem(&MailSummary{Uid: 5}, ops)

	_, err := item.FullMessage()
	assert.EqualError(t, err, "could not fetch full message: gone")
}

func TestMailItem_TextBody(t *testing.T) {
	item := NewMailItem(&MailSummary{Uid: 5}, &fakeOps{})

	text, err := item.TextBody()
	assert.NoError(t, err)
	assert.Equal(t, "text of raw 5", text)
}

func TestMailItem_SaveAttachments(t *testing.T) {
	item := NewMailItem(&MailSummary{Uid: 5}, &fakeOps{})

	paths, err := item.SaveAttachments("dir")
	assert.NoError(t, err)
	assert.Equal(t, []string{"dir/file"}, paths)
}

func TestMailItem_Forward(t *testing.T) {
	ops := &fakeOps{}
	item := NewMailItem(&MailSummary{Uid: 5}, ops)

	err := item.Forward([]string{"you@example.com"}, "fyi")
	assert.NoError(t, err)
	assert.Equal(t, []string{"you@example.com"}, ops.forwarded)
}

func TestMailItem_ForwardWithoutRecipients(t *testing.T) {
	item := NewMailItem(&MailSummary{Uid: 5}, &fakeOps{})

	err := item.Forward(nil, "")
	assert.EqualError(t, err, "no forward recipients given")
}
