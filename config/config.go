// SPDX-License-Identifier: GPL-3.0-or-later
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database string

	ImapHost string
	User     string
	Password string

	WatchFolder string

	// Debounce delays in seconds: wait for bursts of arrivals to quiet
	// down, but never longer than the max.
	DebounceMinSeconds int
	DebounceMaxSeconds int

	KeepAliveMinutes      int
	InitialBackoffSeconds int

	// What the default handler does with every new mail.
	DeleteHandled     bool
	MoveHandledTo     string
	ForwardTo         []string
	ForwardCopyFolder string
	SaveAttachments   bool
	AttachmentDir     string

	SmtpHost string
	SmtpUser string
	SmtpPass string
	SmtpFrom string

	Loglevel *string
}

func ReadConfig(filename string) (*Config, error) {
	config := &Config{
		Database:              "watchstate.db",
		WatchFolder:           "INBOX",
		DebounceMinSeconds:    5,
		DebounceMaxSeconds:    30,
		KeepAliveMinutes:      5,
		InitialBackoffSeconds: 60,
		AttachmentDir:         "attachments",
	}

	_, err := toml.DecodeFile(filename, config)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if err := validateNonEmptyStringField(c.Database, "Database name must not be empty, set to a filename for the sqlite database"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.ImapHost, "ImapHost must not be empty, set to host:port of the imap server"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.User, "User must not be empty, set to username on the imap server"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.Password, "Password must not be empty, set to password of User on the imap server"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.WatchFolder, "WatchFolder must not be empty, set to the folder to watch"); err != nil {
		return err
	}

	if c.DebounceMinSeconds < 0 {
		return fmt.Errorf("DebounceMinSeconds cannot be negative")
	}

	if c.DebounceMaxSeconds < c.DebounceMinSeconds {
		return fmt.Errorf("DebounceMaxSeconds cannot be below DebounceMinSeconds")
	}

	if c.DeleteHandled && len(strings.TrimSpace(c.MoveHandledTo)) > 0 {
		return fmt.Errorf("DeleteHandled and MoveHandledTo cannot be set at the same time")
	}

	if len(c.ForwardTo) > 0 {
		if err := validateNonEmptyStringField(c.SmtpHost, "SmtpHost must be set if ForwardTo is set"); err != nil {
			return err
		}
		if err := validateNonEmptyStringField(c.SmtpFrom, "SmtpFrom must be set if ForwardTo is set"); err != nil {
			return err
		}
		for _, recipient := range c.ForwardTo {
			if len(strings.TrimSpace(recipient)) == 0 {
				return fmt.Errorf("ForwardTo must not contain empty recipients")
			}
		}
	}

	if len(strings.TrimSpace(c.ForwardCopyFolder)) > 0 && len(c.ForwardTo) == 0 {
		return fmt.Errorf("ForwardCopyFolder requires ForwardTo to be set")
	}

	if c.SaveAttachments {
		if err := validateNonEmptyStringField(c.AttachmentDir, "AttachmentDir must be set if SaveAttachments is set"); err != nil {
			return err
		}
	}

	return nil
}

func validateNonEmptyStringField(field string, err string) error {
	if len(strings.TrimSpace(field)) == 0 {
		return errors.New(err)
	}

	return nil
}
