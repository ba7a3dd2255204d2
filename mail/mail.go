// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	gomail "github.com/emersion/go-message/mail"

	"github.com/emersion/go-message/charset"
)

// Attachment is one file carried by a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// DecodeSubject decodes RFC 2047 encoded words, including non-standard
// charsets. Undecodable subjects are returned as-is.
func DecodeSubject(subject string) string {
	dec := &mime.WordDecoder{
		CharsetReader: charset.Reader,
	}
	decoded, err := dec.DecodeHeader(subject)
	if err != nil {
		return subject
	}

	return decoded
}

func ShortSubject(subject string) string {
	if (len(subject)) > 30 {
		subject = subject[:30] + "..."
	}
	return subject
}

// ExtractBodies walks the MIME structure and returns the plain-text body,
// the html body and all attachments.
func ExtractBodies(rawMail []byte) (string, string, []Attachment, error) {
	reader, err := gomail.CreateReader(bytes.NewReader(rawMail))
	if err != nil {
		return "", "", nil, fmt.Errorf("could not parse mail: %w", err)
	}

	var text, html string
	attachments := []Attachment{}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", "", nil, fmt.Errorf("could not read mail part: %w", err)
		}

		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			contentType, _, err := header.ContentType()
			if err != nil {
				continue
			}

			body, err := io.ReadAll(part.Body)
			if err != nil {
				return "", "", nil, fmt.Errorf("could not read mail body: %w", err)
			}

			switch contentType {
			case "text/plain":
				text = string(body)
			case "text/html":
				html = string(body)
			}

		case *gomail.AttachmentHeader:
			filename, err := header.Filename()
			if err != nil || filename == "" {
				filename = "attachment"
			}
			contentType, _, _ := header.ContentType()

			data, err := io.ReadAll(part.Body)
			if err != nil {
				return "", "", nil, fmt.Errorf("could not read attachment: %w", err)
			}

			attachments = append(attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Data:        data,
			})
		}
	}

	return text, html, attachments, nil
}

// ExtractText returns the plain-text body, falling back to the html body
// when the message carries no text part.
func ExtractText(rawMail []byte) (string, error) {
	text, html, _, err := ExtractBodies(rawMail)
	if err != nil {
		return "", err
	}

	if text == "" {
		return html, nil
	}
	return text, nil
}

// SaveAttachments writes every attachment into directory and returns the
// written paths. The directory is created if missing.
func SaveAttachments(rawMail []byte, directory string) ([]string, error) {
	_, _, attachments, err := ExtractBodies(rawMail)
	if err != nil {
		return nil, err
	}

	if len(attachments) == 0 {
		return nil, nil
	}

	err = os.MkdirAll(directory, 0o755)
	if err != nil {
		return nil, fmt.Errorf("could not create attachment directory: %w", err)
	}

	paths := []string{}
	for i, attachment := range attachments {
		name := sanitizeFilename(attachment.Filename)
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}

		path := filepath.Join(directory, name)
		err = os.WriteFile(path, attachment.Data, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not write attachment %s: %w", name, err)
		}

		paths = append(paths, path)
	}

	return paths, nil
}

// sanitizeFilename strips path separators so a hostile filename cannot
// escape the target directory.
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	filename = strings.TrimLeft(filename, ".")
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, filename)
}
