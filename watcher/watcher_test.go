// SPDX-License-Identifier: GPL-3.0-or-later
package watcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mailwatch/go-imap-watch/domain"
	"github.com/mailwatch/go-imap-watch/imapconnection"
	"github.com/mailwatch/go-imap-watch/log"

	"github.com/stretchr/testify/assert"
)

type fakeSession struct {
	mu          sync.Mutex
	closed      bool
	status      domain.FolderStatus
	selectErr   error
	idleErr     error
	idleStarted chan struct{}
	events      chan domain.MailboxEvent
}

func newFakeSession(count uint32, uidValidity uint32) *fakeSession {
	return &fakeSession{
		status:      domain.FolderStatus{UidValidity: uidValidity, Count: count},
		idleStarted: make(chan struct{}),
		events:      make(chan domain.MailboxEvent, 16),
	}
}

func (f *fakeSession) SelectFolder(folder string, readOnly bool) (*domain.FolderStatus, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	status := f.status
	status.Name = folder
	return &status, nil
}

func (f *fakeSession) ListUids() ([]uint32, error) { return nil, nil }
func (f *fakeSession) FetchSummaries(uids []uint32) ([]*domain.MailSummary, error) {
	return nil, nil
}
func (f *fakeSession) FetchMail(uid uint32) ([]byte, error)    { return nil, nil }
func (f *fakeSession) Append(body []byte, folder string) error { return nil }
func (f *fakeSession) Delete(uids []uint32) error              { return nil }
func (f *fakeSession) Move(uids []uint32, folder string) error { return nil }
func (f *fakeSession) Noop() error                             { return nil }

func (f *fakeSession) Idle(stop <-chan struct{}) error {
	close(f.idleStarted)
	if f.idleErr != nil {
		return f.idleErr
	}
	<-stop
	return nil
}

func (f *fakeSession) Events() <-chan domain.MailboxEvent { return f.events }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func dialSessions(sessions ...*fakeSession) imapconnection.DialFunc {
	i := 0
	var mu sync.Mutex
	return func() (domain.MailSession, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(sessions) {
			return nil, fmt.Errorf("no more scripted sessions")
		}
		session := sessions[i]
		i++
		return session, nil
	}
}

func receiveEvent(t *testing.T, events <-chan domain.MailboxEvent) domain.MailboxEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.MailboxEvent{}
	}
}

func TestWatcher_EmitsInitialCountAndForwardsEvents(t *testing.T) {
	log.InitLogging("error")
	session := newFakeSession(7, 100)
	supervisor := imapconnection.NewSupervisor(dialSessions(session), time.Minute)
	w := New(supervisor, "INBOX")

	result := w.Start()
	defer w.Stop()

	initial := receiveEvent(t, w.Events())
	assert.Equal(t, domain.CountChanged, initial.Type)
	assert.Equal(t, uint32(7), initial.Count)

	<-session.idleStarted
	session.events <- domain.MailboxEvent{Type: domain.CountChanged, Count: 8}
	forwarded := receiveEvent(t, w.Events())
	assert.Equal(t, domain.CountChanged, forwarded.Type)
	assert.Equal(t, uint32(8), forwarded.Count)

	session.events <- domain.MailboxEvent{Type: domain.ItemRemoved, SeqNum: 3}
	removed := receiveEvent(t, w.Events())
	assert.Equal(t, domain.ItemRemoved, removed.Type)
	assert.Equal(t, uint32(3), removed.SeqNum)

	w.Stop()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_FirstConnectFailureEndsRun(t *testing.T) {
	log.InitLogging("error")
	supervisor := imapconnection.NewSupervisor(func() (domain.MailSession, error) {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}, time.Minute)
	w := New(supervisor, "INBOX")

	result := w.Start()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, imapconnection.NeverConnectedError)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not fail")
	}
	assert.Equal(t, Stopped, w.State())
}

func TestWatcher_ReconnectsAfterIdleFailure(t *testing.T) {
	log.InitLogging("error")
	first := newFakeSession(1, 100)
	first.idleErr = fmt.Errorf("connection reset by peer")
	second := newFakeSession(2, 100)

	supervisor := imapconnection.NewSupervisor(dialSessions(first, second), time.Minute)
	w := New(supervisor, "INBOX")
	w.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	w.Start()
	defer w.Stop()

	// Initial count from the first session, then again from the second after
	// the reconnect.
	firstCount := receiveEvent(t, w.Events())
	assert.Equal(t, uint32(1), firstCount.Count)

	secondCount := receiveEvent(t, w.Events())
	assert.Equal(t, uint32(2), secondCount.Count)
	assert.True(t, first.IsClosed())
}

func TestWatcher_EmitsValidityChangeAcrossReconnect(t *testing.T) {
	log.InitLogging("error")
	first := newFakeSession(1, 100)
	first.idleErr = fmt.Errorf("connection reset by peer")
	second := newFakeSession(1, 200)

	supervisor := imapconnection.NewSupervisor(dialSessions(first, second), time.Minute)
	w := New(supervisor, "INBOX")
	w.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	w.Start()
	defer w.Stop()

	receiveEvent(t, w.Events()) // initial count, first session

	// After the reconnect the epoch moved from 100 to 200.
	change := receiveEvent(t, w.Events())
	assert.Equal(t, domain.ValidityChanged, change.Type)
	assert.Equal(t, uint32(200), change.UidValidity)
}

func TestWatcher_ValidityEventFromSession(t *testing.T) {
	log.InitLogging("error")
	session := newFakeSession(1, 100)
	supervisor := imapconnection.NewSupervisor(dialSessions(session), time.Minute)
	w := New(supervisor, "INBOX")

	w.Start()
	defer w.Stop()

	receiveEvent(t, w.Events()) // initial count
	<-session.idleStarted

	session.events <- domain.MailboxEvent{Type: domain.ValidityChanged, UidValidity: 333}
	change := receiveEvent(t, w.Events())
	assert.Equal(t, domain.ValidityChanged, change.Type)
	assert.Equal(t, uint32(333), change.UidValidity)
}

func TestWatcher_StartTwiceFails(t *testing.T) {
	log.InitLogging("error")
	session := newFakeSession(0, 100)
	supervisor := imapconnection.NewSupervisor(dialSessions(session), time.Minute)
	w := New(supervisor, "INBOX")

	w.Start()
	defer w.Stop()

	err := <-w.Start()
	assert.EqualError(t, err, "already watching")
}

func TestWatcher_ValidityEventSurvivesFullBuffer(t *testing.T) {
	log.InitLogging("error")
	w := New(nil, "INBOX")

	for i := 0; i < cap(w.events); i++ {
		w.events <- domain.MailboxEvent{Type: domain.CountChanged, Count: uint32(i)}
	}

	// A count event under backlog is dropped, a validity change is not.
	w.emit(domain.MailboxEvent{Type: domain.CountChanged, Count: 999})

	delivered := make(chan struct{})
	go func() {
		w.emit(domain.MailboxEvent{Type: domain.ValidityChanged, UidValidity: 200})
		close(delivered)
	}()

	found := false
	deadline := time.After(2 * time.Second)
	for !found {
		select {
		case event := <-w.Events():
			assert.NotEqual(t, uint32(999), event.Count)
			if event.Type == domain.ValidityChanged {
				assert.Equal(t, uint32(200), event.UidValidity)
				found = true
			}
		case <-deadline:
			t.Fatal("validity change was dropped")
		}
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked validity send never completed")
	}
}

func TestWatcher_StopBeforeStart(t *testing.T) {
	log.InitLogging("error")
	supervisor := imapconnection.NewSupervisor(dialSessions(), time.Minute)
	w := New(supervisor, "INBOX")
	w.Stop()
	assert.Equal(t, Stopped, w.State())
}
