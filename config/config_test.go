// SPDX-License-Identifier: GPL-3.0-or-later
package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Database:           "watchstate.db",
		ImapHost:           "imap.example.com:993",
		User:               "user",
		Password:           "secret",
		WatchFolder:        "INBOX",
		DebounceMinSeconds: 5,
		DebounceMaxSeconds: 30,
		AttachmentDir:      "attachments",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		err    string
	}{
		{"ok", func(c *Config) {}, ""},
		{"nodatabase", func(c *Config) { c.Database = " " }, "Database name must not be empty, set to a filename for the sqlite database"},
		{"nohost", func(c *Config) { c.ImapHost = "" }, "ImapHost must not be empty, set to host:port of the imap server"},
		{"nouser", func(c *Config) { c.User = "" }, "User must not be empty, set to username on the imap server"},
		{"nopassword", func(c *Config) { c.Password = "" }, "Password must not be empty, set to password of User on the imap server"},
		{"nofolder", func(c *Config) { c.WatchFolder = "" }, "WatchFolder must not be empty, set to the folder to watch"},
		{"negativedebounce", func(c *Config) { c.DebounceMinSeconds = -1 }, "DebounceMinSeconds cannot be negative"},
		{"maxbelowmin", func(c *Config) { c.DebounceMaxSeconds = 1 }, "DebounceMaxSeconds cannot be below DebounceMinSeconds"},
		{"deleteandmove", func(c *Config) { c.DeleteHandled = true; c.MoveHandledTo = "archive" }, "DeleteHandled and MoveHandledTo cannot be set at the same time"},
		{"deleteonly", func(c *Config) { c.DeleteHandled = true }, ""},
		{"moveonly", func(c *Config) { c.MoveHandledTo = "archive" }, ""},
		{"forwardwithouthost", func(c *Config) { c.ForwardTo = []string{"a@b.c"}; c.SmtpFrom = "x@y.z" }, "SmtpHost must be set if ForwardTo is set"},
		{"forwardwithoutfrom", func(c *Config) { c.ForwardTo = []string{"a@b.c"}; c.SmtpHost = "smtp.example.com:587" }, "SmtpFrom must be set if ForwardTo is set"},
		{"forwardemptyrecipient", func(c *Config) {
			c.ForwardTo = []string{"a@b.c", " "}
			c.SmtpHost = "smtp.example.com:587"
			c.SmtpFrom = "x@y.z"
		}, "ForwardTo must not contain empty recipients"},
		{"forwardok", func(c *Config) {
			c.ForwardTo = []string{"a@b.c"}
			c.SmtpHost = "smtp.example.com:587"
			c.SmtpFrom = "x@y.z"
		}, ""},
		{"copyfolderwithoutforward", func(c *Config) { c.ForwardCopyFolder = "Forwarded" }, "ForwardCopyFolder requires ForwardTo to be set"},
		{"copyfolderok", func(c *Config) {
			c.ForwardTo = []string{"a@b.c"}
			c.SmtpHost = "smtp.example.com:587"
			c.SmtpFrom = "x@y.z"
			c.ForwardCopyFolder = "Forwarded"
		}, ""},
		{"attachmentswithoutdir", func(c *Config) { c.SaveAttachments = true; c.AttachmentDir = "" }, "AttachmentDir must be set if SaveAttachments is set"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config := validConfig()
			tc.mutate(config)
			err := config.validate()
			if len(tc.err) == 0 {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, tc.err)
			}
		})
	}
}

func TestReadConfig_MissingFile(t *testing.T) {
	config, err := ReadConfig("does-not-exist.toml")
	assert.Nil(t, config)
	assert.Error(t, err)
}
