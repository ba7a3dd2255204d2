// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testMail() []byte {
	raw := `From: sender@example.com
To: recipient@example.com
Subject: Test
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="BOUNDARY"

--BOUNDARY
Content-Type: text/plain; charset=utf-8

Hello world
--BOUNDARY
Content-Type: text/html; charset=utf-8

<p>Hello world</p>
--BOUNDARY
Content-Type: application/octet-stream
Content-Disposition: attachment; filename="data.bin"

payload
--BOUNDARY--
`
	return []byte(strings.ReplaceAll(raw, "\n", "\r\n"))
}

func plainMail(body string) []byte {
	raw := "From: sender@example.com\nTo: recipient@example.com\nSubject: Plain\nContent-Type: text/plain; charset=utf-8\n\n" + body + "\n"
	return []byte(strings.ReplaceAll(raw, "\n", "\r\n"))
}

func TestDecodeSubject(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		expected string
	}{
		{"plain", "Hello", "Hello"},
		{"utf8base64", "=?utf-8?B?SMOpbGxv?=", "Héllo"},
		{"latin1", "=?iso-8859-1?Q?caf=E9?=", "café"},
		{"garbage", "=?nonsense?X?abc?=", "=?nonsense?X?abc?="},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, DecodeSubject(tc.subject))
		})
	}
}

func TestShortSubject(t *testing.T) {
	assert.Equal(t, "short", ShortSubject("short"))
	long := strings.Repeat("a", 40)
	assert.Equal(t, strings.Repeat("a", 30)+"...", ShortSubject(long))
}

func TestExtractBodies(t *testing.T) {
	text, html, attachments, err := ExtractBodies(testMail())

	assert.NoError(t, err)
	assert.Equal(t, "Hello world", strings.TrimSpace(text))
	assert.Equal(t, "<p>Hello world</p>", strings.TrimSpace(html))
	assert.Len(t, attachments, 1)
	assert.Equal(t, "data.bin", attachments[0].Filename)
	assert.Equal(t, "application/octet-stream", attachments[0].ContentType)
	assert.Equal(t, "payload", strings.TrimSpace(string(attachments[0].Data)))
}

func TestExtractText(t *testing.T) {
	text, err := ExtractText(plainMail("just text"))
	assert.NoError(t, err)
	assert.Equal(t, "just text", strings.TrimSpace(text))
}

func TestExtractText_FallsBackToHtml(t *testing.T) {
	raw := `From: sender@example.com
Subject: HtmlOnly
Content-Type: text/html; charset=utf-8

<p>only html</p>
`
	text, err := ExtractText([]byte(strings.ReplaceAll(raw, "\n", "\r\n")))
	assert.NoError(t, err)
	assert.Equal(t, "<p>only html</p>", strings.TrimSpace(text))
}

func TestExtractBodies_Unparseable(t *testing.T) {
	_, _, _, err := ExtractBodies([]byte("not a mail"))
	assert.Error(t, err)
}

func TestSaveAttachments(t *testing.T) {
	dir := t.TempDir()

	paths, err := SaveAttachments(testMail(), dir)
	assert.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "data.bin")}, paths)

	data, err := os.ReadFile(paths[0])
	assert.NoError(t, err)
	assert.Equal(t, "payload", strings.TrimSpace(string(data)))
}

func TestSaveAttachments_NoAttachments(t *testing.T) {
	paths, err := SaveAttachments(plainMail("no attachments"), t.TempDir())
	assert.NoError(t, err)
	assert.Empty(t, paths)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "report.pdf", "report.pdf"},
		{"traversal", "../../etc/passwd", "passwd"},
		{"windowspath", `..\evil.exe`, "_evil.exe"},
		{"dotfile", ".hidden", "hidden"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, sanitizeFilename(tc.input))
		})
	}
}
