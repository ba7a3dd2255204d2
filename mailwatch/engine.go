// SPDX-License-Identifier: GPL-3.0-or-later
package mailwatch

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mailwatch/go-imap-watch/domain"
	"github.com/mailwatch/go-imap-watch/imapconnection"
	"github.com/mailwatch/go-imap-watch/log"
	"github.com/mailwatch/go-imap-watch/mail"
	"github.com/mailwatch/go-imap-watch/trigger"

	"github.com/sirupsen/logrus"
)

// MailSender submits composed outbound mail. smtpout.Sender implements it.
type MailSender interface {
	From() string
	Send(to []string, body []byte) error
}

// Engine reconciles the watched folder against the watermark of already
// handled uids. Watcher events are debounced into reconciliation passes;
// each pass lists the folder, fetches the unhandled messages in batches and
// dispatches them to the application handler in ascending uid order, moving
// the watermark forward after every item.
type Engine struct {
	persistence domain.Persistence
	commands    *imapconnection.Supervisor
	sender      MailSender
	handler     domain.MailHandler
	registry    *trigger.Registry
	folder      string

	configuration *configuration
	trig          *trigger.Trigger

	mu             sync.Mutex
	lastHandledUid uint32
	uidValidity    uint32
	cachedCount    uint32

	// Single-flight guard for passes: a pass requested while one runs is
	// recorded and honored with exactly one immediate rerun.
	passMu  sync.Mutex
	pending atomic.Int32

	l *logrus.Logger
}

// NewEngine wires the synchronization engine. sender may be nil; forwarding
// then fails with a configuration error at the call site.
func NewEngine(
	persistence domain.Persistence,
	commands *imapconnection.Supervisor,
	sender MailSender,
	handler domain.MailHandler,
	registry *trigger.Registry,
	folder string,
	configFunc ...ConfigFunc,
) (*Engine, error) {
	config := defaultConfiguration()
	for _, f := range configFunc {
		err := f(config)
		if err != nil {
			return nil, fmt.Errorf("error applying configuration: %w", err)
		}
	}

	return &Engine{
		persistence:   persistence,
		commands:      commands,
		sender:        sender,
		handler:       handler,
		registry:      registry,
		folder:        folder,
		configuration: config,
		l:             log.Logger(log.LOG_SYNC),
	}, nil
}

// Start restores the persisted watermark and arms the debounce trigger. It
// does not run a pass by itself; the first watcher event does.
func (e *Engine) Start() error {
	state, err := e.persistence.FolderState(e.folder)
	if err != nil {
		return fmt.Errorf("could not restore folder state: %w", err)
	}

	e.mu.Lock()
	if state != nil {
		e.lastHandledUid = state.LastHandledUid
		e.uidValidity = state.UidValidity
	} else {
		e.lastHandledUid = e.configuration.SeedLastHandled
	}
	e.mu.Unlock()

	e.trig = trigger.New(e.registry, e.configuration.DebounceMinDelay, e.configuration.DebounceMaxDelay, e.runPass)

	e.l.WithFields(logrus.Fields{"folder": e.folder, "lastHandledUid": e.lastHandledUid, "uidvalidity": e.uidValidity}).Info("Engine started")
	return nil
}

// Stop cancels any pending pass trigger. A pass already running finishes.
func (e *Engine) Stop() {
	if e.trig != nil {
		e.trig.Dispose()
	}
}

// LastHandledUid returns the current watermark.
func (e *Engine) LastHandledUid() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastHandledUid
}

// ConsumeEvents processes watcher events until the channel closes. Intended
// to run on its own goroutine.
func (e *Engine) ConsumeEvents(events <-chan domain.MailboxEvent) {
	for event := range events {
		e.HandleEvent(event)
	}
	e.l.Debug("Event stream ended")
}

func (e *Engine) HandleEvent(event domain.MailboxEvent) {
	switch event.Type {
	case domain.ValidityChanged:
		e.mu.Lock()
		e.uidValidity = event.UidValidity
		e.lastHandledUid = 0
		e.mu.Unlock()

		e.l.WithField("uidvalidity", event.UidValidity).Warn("Uidvalidity changed, resetting watermark")
		err := e.persistence.SaveFolderState(e.folder, event.UidValidity, 0)
		if err != nil {
			e.l.WithField("error", err).Error("Could not persist watermark reset")
		}
		e.trig.RunNow()

	case domain.CountChanged:
		e.mu.Lock()
		previous := e.cachedCount
		diverged := event.Count != previous
		e.cachedCount = event.Count
		e.mu.Unlock()

		if !diverged {
			return
		}
		if event.Count < previous {
			// Either expunges this engine did not observe yet or an
			// inconsistency; resynchronize in both cases.
			e.l.WithFields(logrus.Fields{"server": event.Count, "cached": previous}).Warn("Server count below cached count, resynchronizing")
		}
		e.trig.Notify()

	case domain.ItemRemoved:
		e.mu.Lock()
		if e.cachedCount > 0 {
			e.cachedCount--
		}
		e.mu.Unlock()
	}
}

// RequestPass asks for a reconciliation pass outside of any watcher event,
// debounced like everything else.
func (e *Engine) RequestPass() {
	e.trig.Notify()
}

func (e *Engine) runPass() {
	for {
		if !e.passMu.TryLock() {
			e.pending.Add(1)
			return
		}

		for {
			err := e.reconcile()
			if err != nil {
				e.l.WithField("error", err).Error("Reconciliation pass failed")
			}

			if e.pending.Swap(0) == 0 {
				break
			}
			e.l.Debug("Pass was requested while one was running, rerunning")
		}
		e.passMu.Unlock()

		// A request that arrived between the final swap and the unlock
		// incremented pending without anyone holding the lock. Pick it up
		// instead of leaving it parked until the next event.
		if e.pending.Load() == 0 {
			return
		}
	}
}

func (e *Engine) reconcile() error {
	var status *domain.FolderStatus
	err := e.commands.WithSession(func(session domain.MailSession) error {
		s, err := session.SelectFolder(e.folder, false)
		status = s
		return err
	})
	if err != nil {
		return fmt.Errorf("could not select folder %s: %w", e.folder, err)
	}

	e.mu.Lock()
	if e.uidValidity != status.UidValidity {
		if e.uidValidity != 0 {
			e.l.WithFields(logrus.Fields{"old": e.uidValidity, "new": status.UidValidity}).Warn("Uidvalidity changed since last pass, resetting watermark")
			e.lastHandledUid = 0
		}
		e.uidValidity = status.UidValidity
	}
	e.cachedCount = status.Count
	watermark := e.lastHandledUid
	uidValidity := e.uidValidity
	e.mu.Unlock()

	err = e.persistence.SaveFolderState(e.folder, uidValidity, watermark)
	if err != nil {
		return fmt.Errorf("could not persist folder state: %w", err)
	}

	var uids []uint32
	err = e.commands.WithSession(func(session domain.MailSession) error {
		u, err := session.ListUids()
		uids = u
		return err
	})
	if err != nil {
		return fmt.Errorf("could not list uids in folder: %w", err)
	}

	newUids := []uint32{}
	for _, uid := range uids {
		if uid > watermark {
			newUids = append(newUids, uid)
		}
	}
	sort.Slice(newUids, func(i, j int) bool { return newUids[i] < newUids[j] })

	if len(newUids) == 0 {
		e.l.WithField("folder", e.folder).Debug("Folder contains no new mails")
		return nil
	}

	e.l.WithFields(logrus.Fields{"folder": e.folder, "newmails": len(newUids), "watermark": watermark}).Info("Found new mails")
	e.handler.SyncStarted(e.folder, len(newUids))
	defer e.handler.SyncFinished(e.folder)

	return e.processUids(newUids, uidValidity)
}

// processUids fetches summaries in batches, halving the batch on a failed
// fetch. A fetch that fails for a single uid skips that uid; the watermark
// still advances past it so one poison message cannot stall the folder.
func (e *Engine) processUids(newUids []uint32, uidValidity uint32) error {
	remaining := newUids
	batchSize := len(remaining)

	for len(remaining) > 0 {
		size := batchSize
		if size > len(remaining) {
			size = len(remaining)
		}
		batch := remaining[:size]

		var summaries []*domain.MailSummary
		err := e.commands.WithSession(func(session domain.MailSession) error {
			s, err := session.FetchSummaries(batch)
			summaries = s
			return err
		})
		if err != nil {
			if size > 1 {
				batchSize = size / 2
				e.l.WithFields(logrus.Fields{"error": err, "batchsize": batchSize}).Warn("Summary fetch failed, halving batch size")
				continue
			}

			e.l.WithFields(logrus.Fields{"error": err, "uid": batch[0]}).Error("Could not fetch single mail summary, skipping it")
			e.advanceWatermark(batch[0], uidValidity)
			remaining = remaining[1:]
			continue
		}

		sort.Slice(summaries, func(i, j int) bool { return summaries[i].Uid < summaries[j].Uid })
		for _, summary := range summaries {
			e.dispatch(summary)
			e.advanceWatermark(summary.Uid, uidValidity)
		}

		// The server may have returned fewer summaries than requested
		// when uids vanished mid-pass; those uids are simply done.
		highest := batch[len(batch)-1]
		e.advanceWatermark(highest, uidValidity)

		remaining = remaining[size:]
	}

	return nil
}

// dispatch hands one message to the application and applies the requested
// post-processing. Handler and post-processing failures are reported but
// never retried: the item's callback fired once, retrying would duplicate
// side effects.
func (e *Engine) dispatch(summary *domain.MailSummary) {
	baseLogger := e.l.WithFields(logrus.Fields{"folder": e.folder, "uid": summary.Uid, "subject": mail.ShortSubject(summary.Subject)})
	baseLogger.Info("Dispatching mail")

	item := domain.NewMailItem(summary, e)

	func() {
		defer func() {
			if r := recover(); r != nil {
				baseLogger.WithField("panic", r).Error("Mail handler panicked")
			}
		}()
		e.handler.Mail(item)
	}()

	if item.Delete {
		if item.MoveToSubfolder != "" {
			// Documented policy: delete takes precedence over move.
			baseLogger.Warn("Both delete and move requested, deleting")
		}
		err := e.commands.WithSession(func(session domain.MailSession) error {
			return session.Delete([]uint32{summary.Uid})
		})
		if err != nil {
			baseLogger.WithField("error", err).Error("Could not delete mail")
		}
		return
	}

	if item.MoveToSubfolder != "" {
		err := e.commands.WithSession(func(session domain.MailSession) error {
			return session.Move([]uint32{summary.Uid}, item.MoveToSubfolder)
		})
		if err != nil {
			baseLogger.WithFields(logrus.Fields{"error": err, "destination": item.MoveToSubfolder}).Error("Could not move mail")
		}
	}
}

func (e *Engine) advanceWatermark(uid uint32, uidValidity uint32) {
	e.mu.Lock()
	if uid <= e.lastHandledUid {
		e.mu.Unlock()
		return
	}
	e.lastHandledUid = uid
	e.mu.Unlock()

	err := e.persistence.SaveFolderState(e.folder, uidValidity, uid)
	if err != nil {
		e.l.WithField("error", err).Error("Could not persist watermark")
	}
}

// FetchMail implements domain.MailOps.
func (e *Engine) FetchMail(uid uint32) ([]byte, error) {
	var raw []byte
	err := e.commands.WithSession(func(session domain.MailSession) error {
		r, err := session.FetchMail(uid)
		raw = r
		return err
	})
	return raw, err
}

// ExtractText implements domain.MailOps.
func (e *Engine) ExtractText(raw []byte) (string, error) {
	return mail.ExtractText(raw)
}

// SaveAttachments implements domain.MailOps.
func (e *Engine) SaveAttachments(raw []byte, directory string) ([]string, error) {
	return mail.SaveAttachments(raw, directory)
}

// Forward implements domain.MailOps. When a forward copy folder is
// configured, the composed message is appended there after submission.
func (e *Engine) Forward(summary *domain.MailSummary, raw []byte, recipients []string, comment string) error {
	if e.sender == nil {
		return fmt.Errorf("no smtp sender configured")
	}

	body, err := mail.ComposeForward(e.sender.From(), recipients, summary.Subject, comment, raw)
	if err != nil {
		return fmt.Errorf("could not compose forward: %w", err)
	}

	err = e.sender.Send(recipients, body)
	if err != nil {
		return err
	}

	if e.configuration.ForwardCopyFolder != "" {
		err = e.commands.WithSession(func(session domain.MailSession) error {
			return session.Append(body, e.configuration.ForwardCopyFolder)
		})
		if err != nil {
			return fmt.Errorf("forwarded, but could not keep copy in %s: %w", e.configuration.ForwardCopyFolder, err)
		}
	}

	return nil
}
