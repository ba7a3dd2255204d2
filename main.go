// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailwatch/go-imap-watch/config"
	"github.com/mailwatch/go-imap-watch/domain"
	"github.com/mailwatch/go-imap-watch/imapconnection"
	"github.com/mailwatch/go-imap-watch/log"
	"github.com/mailwatch/go-imap-watch/mailwatch"
	"github.com/mailwatch/go-imap-watch/persistence"
	"github.com/mailwatch/go-imap-watch/smtpout"
	"github.com/mailwatch/go-imap-watch/trigger"
	"github.com/mailwatch/go-imap-watch/watcher"

	"github.com/sirupsen/logrus"
)

func main() {
	log.InitLogging("debug")
	logger := log.Logger(log.LOG_MAIN)

	conf, err := config.ReadConfig("config.toml")
	if err != nil {
		logger.WithField("error", err).Fatal("Could not load config")
	}

	if conf.Loglevel != nil {
		log.SetLogLevel(*conf.Loglevel)
	}

	p, err := persistence.NewPersistence(conf.Database)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not connect to database")
	}
	defer p.Close()

	dial := func() (domain.MailSession, error) {
		return imapconnection.NewImapConnection(conf.ImapHost, conf.User, conf.Password)
	}
	initialBackoff := time.Duration(conf.InitialBackoffSeconds) * time.Second
	watchConn := imapconnection.NewSupervisor(dial, initialBackoff)
	commandConn := imapconnection.NewSupervisor(dial, initialBackoff)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	err = commandConn.Connect(ctx)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not start imap connector")
	}
	defer commandConn.Disconnect()

	commandConn.StartKeepAlive(time.Duration(conf.KeepAliveMinutes) * time.Minute)
	defer commandConn.StopKeepAlive()

	var sender mailwatch.MailSender
	if len(conf.ForwardTo) > 0 {
		smtpSender, err := smtpout.NewSender(conf.SmtpHost, conf.SmtpUser, conf.SmtpPass, conf.SmtpFrom)
		if err != nil {
			logger.WithField("error", err).Fatal("Could not start smtp sender")
		}
		sender = smtpSender
	}

	registry := trigger.NewRegistry()
	defer registry.DisposeAll()

	configs := []mailwatch.ConfigFunc{
		mailwatch.Debounce(
			time.Duration(conf.DebounceMinSeconds)*time.Second,
			time.Duration(conf.DebounceMaxSeconds)*time.Second,
		),
	}
	if conf.ForwardCopyFolder != "" {
		configs = append(configs, mailwatch.KeepForwardCopies(conf.ForwardCopyFolder))
	}

	handler := &configuredHandler{conf: conf, l: logger}
	engine, err := mailwatch.NewEngine(p, commandConn, sender, handler, registry, conf.WatchFolder, configs...)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not start sync engine")
	}

	err = engine.Start()
	if err != nil {
		logger.WithField("error", err).Fatal("Could not restore sync state")
	}
	defer engine.Stop()

	w := watcher.New(watchConn, conf.WatchFolder)
	go engine.ConsumeEvents(w.Events())

	watchResult := w.Start()
	defer w.Stop()

	logger.WithFields(logrus.Fields{"host": conf.ImapHost, "folder": conf.WatchFolder}).Info("Watching mailbox")

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-watchResult:
		if err != nil {
			logger.WithField("error", err).Fatal("Watcher failed")
		}
	}
}

// configuredHandler applies the static config.toml policy to every new mail:
// optionally save attachments, forward, and delete or move the handled mail.
type configuredHandler struct {
	conf *config.Config
	l    *logrus.Logger
}

func (h *configuredHandler) SyncStarted(folder string, newMails int) {
	h.l.WithFields(logrus.Fields{"folder": folder, "newmails": newMails}).Info("Handling new mails")
}

func (h *configuredHandler) Mail(item *domain.MailItem) {
	l := h.l.WithFields(logrus.Fields{"uid": item.Summary.Uid, "subject": item.Summary.Subject})
	l.Info("New mail")

	if h.conf.SaveAttachments {
		saved, err := item.SaveAttachments(h.conf.AttachmentDir)
		if err != nil {
			l.WithField("error", err).Warn("Could not save attachments")
		} else if len(saved) > 0 {
			l.WithField("files", saved).Info("Saved attachments")
		}
	}

	if len(h.conf.ForwardTo) > 0 {
		err := item.Forward(h.conf.ForwardTo, "")
		if err != nil {
			l.WithField("error", err).Warn("Could not forward mail")
		}
	}

	if h.conf.DeleteHandled {
		item.Delete = true
	} else if h.conf.MoveHandledTo != "" {
		item.MoveToSubfolder = h.conf.MoveHandledTo
	}
}

func (h *configuredHandler) SyncFinished(folder string) {
	h.l.WithField("folder", folder).Info("Finished handling new mails")
}
