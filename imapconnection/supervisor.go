// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mailwatch/go-imap-watch/domain"
	"github.com/mailwatch/go-imap-watch/log"

	"github.com/sirupsen/logrus"
)

const (
	DefaultInitialBackoff    = time.Minute
	DefaultKeepAliveInterval = 5 * time.Minute

	// Backoff doubles per consecutive failure, at most this many times.
	maxBackoffDoublings = 10
)

// NeverConnectedError marks a connect failure before any attempt in this
// supervisor's lifetime ever succeeded. That is almost certainly a bad host
// or bad credentials, so it is not retried.
var NeverConnectedError = fmt.Errorf("never connected before, assuming permanent misconfiguration")

// DialFunc establishes and authenticates one session.
type DialFunc func() (domain.MailSession, error)

// Supervisor owns one protocol session: it connects with retry and backoff,
// serializes all use of the non-reentrant session handle, transparently
// reconnects a dead session once per operation, and keeps the connection
// alive with periodic no-ops.
type Supervisor struct {
	mu      sync.Mutex
	dial    DialFunc
	session domain.MailSession

	everConnected       bool
	initialBackoff      time.Duration
	currentBackoff      time.Duration
	doublings           int
	consecutiveFailures int

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error

	keepAliveStop chan struct{}
	keepAliveDone chan struct{}

	l *logrus.Logger
}

func NewSupervisor(dial DialFunc, initialBackoff time.Duration) *Supervisor {
	if initialBackoff <= 0 {
		initialBackoff = DefaultInitialBackoff
	}

	return &Supervisor{
		dial:           dial,
		initialBackoff: initialBackoff,
		currentBackoff: initialBackoff,
		sleep:          sleepContext,
		l:              log.Logger(log.LOG_IMAP),
	}
}

// Connect establishes a session if none is live. A failure before the first
// lifetime success returns a NeverConnectedError-wrapped error immediately;
// afterwards it retries forever with exponential backoff until the context
// is cancelled.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil && !s.session.IsClosed() {
		return nil
	}

	for {
		session, err := s.dial()
		if err == nil {
			s.adoptSessionLocked(session)
			return nil
		}

		if !s.everConnected {
			return fmt.Errorf("could not connect: %w: %w", NeverConnectedError, err)
		}

		s.consecutiveFailures++
		backoff := s.currentBackoff
		s.l.WithFields(logrus.Fields{"error": err, "failures": s.consecutiveFailures, "backoff": backoff}).Warn("Connect failed, backing off")

		if s.doublings < maxBackoffDoublings {
			s.currentBackoff *= 2
			s.doublings++
		}

		if err := s.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("connect aborted: %w", err)
		}
	}
}

// WithSession runs op against the live session under mutual exclusion. When
// op fails and the session looks dead, the supervisor reconnects once and
// retries op exactly once more before surfacing the error.
func (s *Supervisor) WithSession(op func(session domain.MailSession) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return fmt.Errorf("not connected")
	}

	err := op(s.session)
	if err == nil {
		return nil
	}

	if !s.session.IsClosed() && !looksDisconnected(err) {
		return err
	}

	s.l.WithField("error", err).Warn("Session looks dead, reconnecting once")
	s.closeSessionLocked()

	session, dialErr := s.dial()
	if dialErr != nil {
		return fmt.Errorf("could not reconnect after %v: %w", err, dialErr)
	}
	s.adoptSessionLocked(session)

	return op(s.session)
}

// Session returns the current session handle, or nil when disconnected. The
// watcher uses it for the blocking idle wait, which must not hold the
// supervisor lock for its whole duration.
func (s *Supervisor) Session() domain.MailSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Connected reports connection health without touching the server.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && !s.session.IsClosed()
}

// Disconnect tears the session down. Idempotent.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSessionLocked()
}

// StartKeepAlive issues a no-op through WithSession at the given interval. A
// failed keep-alive is handled like any other dead-session failure, with one
// transparent reconnect and retry.
func (s *Supervisor) StartKeepAlive(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	s.mu.Lock()
	if s.keepAliveStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.keepAliveStop = stop
	s.keepAliveDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				err := s.WithSession(func(session domain.MailSession) error {
					return session.Noop()
				})
				if err != nil {
					s.l.WithField("error", err).Warn("Keep-alive failed")
				}
			}
		}
	}()
}

// StopKeepAlive stops the keep-alive loop and waits for it to end.
// Idempotent.
func (s *Supervisor) StopKeepAlive() {
	s.mu.Lock()
	stop, done := s.keepAliveStop, s.keepAliveDone
	s.keepAliveStop, s.keepAliveDone = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Supervisor) adoptSessionLocked(session domain.MailSession) {
	s.session = session
	s.everConnected = true
	s.consecutiveFailures = 0
	s.currentBackoff = s.initialBackoff
	s.doublings = 0
	s.l.Debug("Session established")
}

func (s *Supervisor) closeSessionLocked() {
	if s.session == nil {
		return
	}
	if err := s.session.Close(); err != nil {
		s.l.WithField("error", err).Debug("Error closing session")
	}
	s.session = nil
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

func looksDisconnected(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"connection closed",
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"eof",
		"i/o timeout",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}

	return false
}
