package sync

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailsync/internal/models"
)

// maxBodyBytes caps how much of a single body part is read
const maxBodyBytes = 4 << 20

// NormalizedMessage is a provider message reduced to what a MailRecord keeps
type NormalizedMessage struct {
	ProviderMessageID string
	From              string
	Subject           string
	Body              string
	ReceivedAt        time.Time
}

// Normalize maps a raw provider message to sender, subject, body and
// timestamp. Plain text bodies win over HTML, which is converted to text.
func Normalize(raw RawMessage) (NormalizedMessage, error) {
	n := NormalizedMessage{
		ProviderMessageID: raw.Ref.ID,
		From:              raw.From,
		Subject:           raw.Subject,
		Body:              raw.BodyText,
		ReceivedAt:        raw.ReceivedAt,
	}

	if len(raw.MIME) > 0 {
		if err := normalizeMIME(raw.MIME, &n); err != nil {
			return NormalizedMessage{}, err
		}
	} else if n.Body == "" && raw.BodyHTML != "" {
		n.Body = htmlToText(raw.BodyHTML)
	}

	if addr, err := mail.ParseAddress(n.From); err == nil {
		n.From = addr.Address
	}
	n.From = models.NormalizeAddress(n.From)
	n.Subject = strings.TrimSpace(n.Subject)
	n.Body = strings.TrimSpace(n.Body)

	if n.From == "" {
		return NormalizedMessage{}, fmt.Errorf("message %s has no sender", raw.Ref.ID)
	}
	if n.ReceivedAt.IsZero() {
		return NormalizedMessage{}, fmt.Errorf("message %s has no timestamp", raw.Ref.ID)
	}
	return n, nil
}

func normalizeMIME(b []byte, n *NormalizedMessage) error {
	mr, err := mail.CreateReader(bytes.NewReader(b))
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("failed to parse message %s: %w", n.ProviderMessageID, err)
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		n.From = from[0].Address
	} else if n.From == "" {
		n.From = mr.Header.Get("From")
	}
	if subject, err := mr.Header.Subject(); err == nil {
		n.Subject = subject
	} else {
		n.Subject = mr.Header.Get("Subject")
	}
	if n.ReceivedAt.IsZero() {
		if date, err := mr.Header.Date(); err == nil {
			n.ReceivedAt = date
		}
	}

	var text, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("failed to read part of message %s: %w", n.ProviderMessageID, err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes))
		if err != nil {
			continue
		}
		switch ct {
		case "text/plain":
			if text == "" {
				text = string(body)
			}
		case "text/html":
			if html == "" {
				html = string(body)
			}
		}
	}

	switch {
	case text != "":
		n.Body = text
	case html != "":
		n.Body = htmlToText(html)
	}
	return nil
}

var (
	whitespaceRegex = regexp.MustCompile(`[^\S\n]+`)
	newlineRegex    = regexp.MustCompile(`\n{3,}`)
	invisibleRegex  = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{034F}\x{2060}-\x{2064}]+`)
)

// htmlToText strips markup, keeping block boundaries as line breaks
func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, head, meta, link").Remove()
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := invisibleRegex.ReplaceAllString(doc.Text(), "")
	text = whitespaceRegex.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	clean := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	text = newlineRegex.ReplaceAllString(strings.Join(clean, "\n"), "\n\n")
	return strings.TrimSpace(text)
}
