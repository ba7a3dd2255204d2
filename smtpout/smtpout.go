// SPDX-License-Identifier: GPL-3.0-or-later
package smtpout

import (
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/mailwatch/go-imap-watch/log"

	"github.com/sirupsen/logrus"
)

// Sender submits outbound mail over SMTP with STARTTLS and PLAIN auth.
type Sender struct {
	host     string
	user     string
	password string
	from     string

	// send is swapped out in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

	l *logrus.Logger
}

func NewSender(host string, user string, password string, from string) (*Sender, error) {
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("smtp host must not be empty")
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("smtp sender address must not be empty")
	}

	return &Sender{
		host:     host,
		user:     user,
		password: password,
		from:     from,
		send:     smtp.SendMail,
		l:        log.Logger(log.LOG_SMTP),
	}, nil
}

func (s *Sender) From() string {
	return s.from
}

func (s *Sender) Send(to []string, body []byte) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients given")
	}

	var auth smtp.Auth
	if s.user != "" {
		hostname := s.host
		if host, _, err := net.SplitHostPort(s.host); err == nil {
			hostname = host
		}
		auth = smtp.PlainAuth("", s.user, s.password, hostname)
	}

	err := s.send(s.host, auth, s.from, to, body)
	if err != nil {
		return fmt.Errorf("could not send mail: %w", err)
	}

	s.l.WithFields(logrus.Fields{"recipients": len(to), "bytes": len(body)}).Info("Sent mail")
	return nil
}
