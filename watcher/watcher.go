// SPDX-License-Identifier: GPL-3.0-or-later
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mailwatch/go-imap-watch/domain"
	"github.com/mailwatch/go-imap-watch/imapconnection"
	"github.com/mailwatch/go-imap-watch/log"

	"github.com/sirupsen/logrus"
)

type State int

const (
	Stopped    = State(0)
	Connecting = State(1)
	Watching   = State(2)
)

const (
	initialRetryDelay = 5 * time.Second
	maxRetryDoublings = 10
)

// Watcher keeps a long-poll session open on one folder and forwards its push
// notifications. It reconnects on any transient failure and only gives up
// when stopped or when the very first connect fails.
type Watcher struct {
	supervisor *imapconnection.Supervisor
	folder     string

	events chan domain.MailboxEvent

	mu           sync.Mutex
	state        State
	cancel       context.CancelFunc
	runResult    chan error
	lastValidity uint32

	retryDelay     time.Duration
	retryDoublings int

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error

	l *logrus.Logger
}

func New(supervisor *imapconnection.Supervisor, folder string) *Watcher {
	return &Watcher{
		supervisor: supervisor,
		folder:     folder,
		events:     make(chan domain.MailboxEvent, 64),
		retryDelay: initialRetryDelay,
		sleep:      sleepContext,
		l:          log.Logger(log.LOG_WATCHER),
	}
}

// Events delivers folder notifications. The channel is closed when watching
// ends for good.
func (w *Watcher) Events() <-chan domain.MailboxEvent {
	return w.events
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start runs the watch loop on its own goroutine and returns a channel that
// receives the loop's result when it exits: nil after Stop, an error when
// the first-ever connect failed.
func (w *Watcher) Start() <-chan error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.runResult != nil {
		result := make(chan error, 1)
		result <- fmt.Errorf("already watching")
		return result
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.runResult = make(chan error, 1)
	result := w.runResult

	go func() {
		result <- w.Run(ctx)
	}()

	return result
}

// Stop signals cancellation and blocks until the watch loop has fully
// quiesced. Safe to call any number of times, also before Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	result := w.runResult
	w.cancel = nil
	w.runResult = nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-result
}

// Run blocks the caller and loops connect → select → idle until ctx is
// cancelled. Transient failures are logged and retried with backoff; only a
// first-ever connect failure is returned.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.setState(Stopped)
		close(w.events)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w.setState(Connecting)
		err := w.supervisor.Connect(ctx)
		if err != nil {
			if errors.Is(err, imapconnection.NeverConnectedError) {
				return err
			}
			// Connect only fails on cancellation once a connect ever
			// succeeded.
			return nil
		}

		err = w.watchSession(ctx)
		if ctx.Err() != nil {
			return nil
		}

		w.l.WithFields(logrus.Fields{"error": err, "retryIn": w.retryDelay}).Warn("Watch session failed, reconnecting")
		w.supervisor.Disconnect()
		if err := w.sleep(ctx, w.nextRetryDelay()); err != nil {
			return nil
		}
	}
}

// watchSession drives one connected session until it fails or ctx is
// cancelled. A nil return only happens through cancellation.
func (w *Watcher) watchSession(ctx context.Context) error {
	session := w.supervisor.Session()
	if session == nil {
		return fmt.Errorf("no session after connect")
	}

	status, err := session.SelectFolder(w.folder, true)
	if err != nil {
		return fmt.Errorf("could not open folder %s: %w", w.folder, err)
	}

	w.resetRetryDelay()
	w.setState(Watching)
	w.l.WithFields(logrus.Fields{"folder": w.folder, "count": status.Count, "uidvalidity": status.UidValidity}).Info("Watching folder")

	w.observeValidity(status.UidValidity)
	w.emit(domain.MailboxEvent{Type: domain.CountChanged, Count: status.Count})

	stopIdle := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() {
		idleDone <- session.Idle(stopIdle)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stopIdle)
			<-idleDone
			w.supervisor.Disconnect()
			return nil

		case event, ok := <-session.Events():
			if !ok {
				// Session closed underneath us.
				close(stopIdle)
				<-idleDone
				return fmt.Errorf("session event stream ended")
			}
			if event.Type == domain.ValidityChanged {
				w.observeValidity(event.UidValidity)
				continue
			}
			w.emit(event)

		case err := <-idleDone:
			if err == nil {
				err = fmt.Errorf("idle returned without stop request")
			}
			return err
		}
	}
}

// observeValidity emits ValidityChanged only when the epoch actually moved;
// the first observation after process start is not a change.
func (w *Watcher) observeValidity(uidValidity uint32) {
	w.mu.Lock()
	previous := w.lastValidity
	w.lastValidity = uidValidity
	w.mu.Unlock()

	if previous != 0 && previous != uidValidity {
		w.l.WithFields(logrus.Fields{"old": previous, "new": uidValidity}).Warn("Folder uidvalidity changed, all known uids are stale")
		w.emit(domain.MailboxEvent{Type: domain.ValidityChanged, UidValidity: uidValidity})
	}
}

func (w *Watcher) emit(event domain.MailboxEvent) {
	// The engine keeps draining until this channel closes, so a blocking
	// send cannot deadlock. ValidityChanged must reach the engine; count
	// events are coalescable and may be dropped under backlog.
	if event.Type == domain.ValidityChanged {
		w.events <- event
		return
	}

	select {
	case w.events <- event:
	default:
		w.l.WithField("event", event.Type).Warn("Event buffer full, dropping event")
	}
}

func (w *Watcher) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Watcher) nextRetryDelay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	delay := w.retryDelay
	if w.retryDoublings < maxRetryDoublings {
		w.retryDelay *= 2
		w.retryDoublings++
	}
	return delay
}

func (w *Watcher) resetRetryDelay() {
	w.mu.Lock()
	w.retryDelay = initialRetryDelay
	w.retryDoublings = 0
	w.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
