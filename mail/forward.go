// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"bytes"
	"fmt"
	"io"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// ComposeForward builds a forwarded message: an optional comment plus the
// original message text inline, and the full original attached as
// message/rfc822 so nothing is lost in re-encoding.
func ComposeForward(from string, to []string, subject string, comment string, original []byte) ([]byte, error) {
	if len(to) == 0 {
		return nil, fmt.Errorf("no recipients given")
	}

	text, _, _, err := ExtractBodies(original)
	if err != nil {
		// An unparseable original is still forwardable as an attachment.
		text = ""
	}

	toAddresses := make([]*gomail.Address, 0, len(to))
	for _, address := range to {
		toAddresses = append(toAddresses, &gomail.Address{Address: address})
	}

	var header gomail.Header
	header.SetDate(time.Now())
	header.SetAddressList("From", []*gomail.Address{{Address: from}})
	header.SetAddressList("To", toAddresses)
	header.SetSubject("Fwd: " + subject)

	var buf bytes.Buffer
	writer, err := gomail.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("could not create mail writer: %w", err)
	}

	inline, err := writer.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("could not create inline part: %w", err)
	}
	var inlineHeader gomail.InlineHeader
	inlineHeader.Set("Content-Type", "text/plain; charset=utf-8")
	part, err := inline.CreatePart(inlineHeader)
	if err != nil {
		return nil, fmt.Errorf("could not create text part: %w", err)
	}

	body := comment
	if text != "" {
		if body != "" {
			body += "\n\n"
		}
		body += "---------- Forwarded message ----------\n" + text
	}
	_, err = io.WriteString(part, body)
	if err != nil {
		return nil, fmt.Errorf("could not write text part: %w", err)
	}
	part.Close()
	inline.Close()

	var attachmentHeader gomail.AttachmentHeader
	attachmentHeader.Set("Content-Type", "message/rfc822")
	attachmentHeader.SetFilename("forwarded.eml")
	attachment, err := writer.CreateAttachment(attachmentHeader)
	if err != nil {
		return nil, fmt.Errorf("could not create attachment part: %w", err)
	}
	_, err = attachment.Write(original)
	if err != nil {
		return nil, fmt.Errorf("could not attach original mail: %w", err)
	}
	attachment.Close()

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("could not finish mail: %w", err)
	}

	return buf.Bytes(), nil
}
