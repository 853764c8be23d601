// Package normalize turns raw RFC 5322 messages into the structured record
// the store persists.
package normalize

import (
	"bufio"
	"bytes"
	"errors"
	"html"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/microcosm-cc/bluemonday"
)

// DefaultPreviewLength is the preview size in runes.
const DefaultPreviewLength = 100

// ErrEmptyMessage is wrapped by ParseError for zero-length input.
var ErrEmptyMessage = errors.New("empty message")

// ParseError is returned only when nothing at all can be parsed. Malformed
// individual fields become nil instead.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parsing message: " + e.Err.Error() }

func (e *ParseError) Unwrap() error { return e.Err }

// AttachmentMeta describes one attachment part.
type AttachmentMeta struct {
	Filename    string
	ContentType string
	Size        int64

	// Content is only populated when the parser keeps attachment bytes.
	Content []byte
}

// NormalizedEmail is the parsed form of one message.
type NormalizedEmail struct {
	MessageID   *string
	Subject     *string
	FromAddress *string
	FromName    *string
	ToAddress   *string
	ToName      *string
	Cc          *string
	Date        *time.Time
	TextBody    *string
	HTMLBody    *string
	Attachments []AttachmentMeta
}

// HasAttachments reports whether any attachment part was found.
func (n *NormalizedEmail) HasAttachments() bool {
	return len(n.Attachments) > 0
}

// Parser parses raw messages.
type Parser struct {
	// KeepAttachmentContent retains attachment bytes in AttachmentMeta.
	KeepAttachmentContent bool

	strip *bluemonday.Policy
}

// NewParser returns a Parser that discards attachment bytes.
func NewParser() *Parser {
	return &Parser{strip: bluemonday.StrictPolicy()}
}

// Parse extracts headers, bodies and attachment metadata from raw.
func (p *Parser) Parse(raw []byte) (*NormalizedEmail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ParseError{Err: ErrEmptyMessage}
	}

	mr, ok := createReader(raw)
	if !ok {
		if repaired, dropped := dropMalformedHeaderLines(raw); dropped {
			mr, ok = createReader(repaired)
		}
	}
	if !ok {
		return p.parseFallback(raw), nil
	}
	defer mr.Close()

	out := &NormalizedEmail{}
	applyHeader(out, &mr.Header)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && (part == nil || !message.IsUnknownCharset(err)) {
			// Keep everything read so far.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			filename := inlineFilename(h)
			switch {
			case filename == "" && strings.HasPrefix(contentType, "text/plain") && out.TextBody == nil:
				out.TextBody = readText(part.Body)
			case filename == "" && strings.HasPrefix(contentType, "text/html") && out.HTMLBody == nil:
				out.HTMLBody = readText(part.Body)
			case filename != "":
				out.Attachments = append(out.Attachments, p.readAttachment(filename, contentType, part.Body))
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			out.Attachments = append(out.Attachments, p.readAttachment(filename, contentType, part.Body))
		}
	}

	return out, nil
}

func createReader(raw []byte) (*mail.Reader, bool) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil || (err != nil && !message.IsUnknownCharset(err)) {
		return nil, false
	}
	return mr, true
}

// dropMalformedHeaderLines removes header lines that are neither a
// "Name: value" field nor a continuation of a kept field. The body is left
// untouched. It reports false when nothing was dropped or no field is left.
func dropMalformedHeaderLines(raw []byte) ([]byte, bool) {
	var out bytes.Buffer
	lines := bytes.SplitAfter(raw, []byte("\n"))
	dropped, kept, prevKept := false, 0, false

	for i, line := range lines {
		content := bytes.TrimRight(line, "\r\n")
		if len(content) == 0 && len(line) > 0 {
			if !dropped || kept == 0 {
				return nil, false
			}
			for _, rest := range lines[i:] {
				out.Write(rest)
			}
			return out.Bytes(), true
		}

		switch {
		case len(content) > 0 && (content[0] == ' ' || content[0] == '\t'):
			if prevKept {
				out.Write(line)
				continue
			}
		case isHeaderField(content):
			out.Write(line)
			kept++
			prevKept = true
			continue
		}
		if len(content) > 0 {
			dropped = true
		}
		prevKept = false
	}

	// No blank line: the input is all header.
	if !dropped || kept == 0 {
		return nil, false
	}
	if !bytes.HasSuffix(out.Bytes(), []byte("\n")) {
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")
	return out.Bytes(), true
}

// isHeaderField reports whether line starts with an RFC 5322 field name
// followed by a colon.
func isHeaderField(line []byte) bool {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return false
	}
	name := bytes.TrimRight(line[:i], " \t")
	if len(name) == 0 {
		return false
	}
	for _, c := range name {
		if c < 33 || c > 126 {
			return false
		}
	}
	return true
}

func inlineFilename(h *mail.InlineHeader) string {
	_, params, err := h.ContentDisposition()
	if err != nil {
		return ""
	}
	return params["filename"]
}

func (p *Parser) readAttachment(filename, contentType string, body io.Reader) AttachmentMeta {
	meta := AttachmentMeta{Filename: filename, ContentType: contentType}
	if contentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	if p.KeepAttachmentContent {
		b, _ := io.ReadAll(body)
		meta.Content = b
		meta.Size = int64(len(b))
		return meta
	}
	n, _ := io.Copy(io.Discard, body)
	meta.Size = n
	return meta
}

// parseFallback handles input go-message rejects even after malformed
// header lines are dropped: headers are read as far as possible and the
// remainder is kept as the text body.
func (p *Parser) parseFallback(raw []byte) *NormalizedEmail {
	out := &NormalizedEmail{}
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		out.TextBody = cleanText(string(raw))
		return out
	}
	applyHeader(out, &mail.Header{Header: message.Header{Header: h}})
	out.TextBody = readText(br)
	return out
}

func applyHeader(out *NormalizedEmail, h *mail.Header) {
	if id, err := h.MessageID(); err == nil {
		out.MessageID = nonEmpty(strings.Trim(id, "<> "))
	}
	if subject, err := h.Subject(); err == nil {
		out.Subject = nonEmpty(subject)
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		d := date.UTC()
		out.Date = &d
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.FromAddress = nonEmpty(from[0].Address)
		out.FromName = nonEmpty(from[0].Name)
	}
	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		out.ToAddress = nonEmpty(joinAddresses(to))
		out.ToName = nonEmpty(to[0].Name)
	}
	if cc, err := h.AddressList("Cc"); err == nil && len(cc) > 0 {
		out.Cc = nonEmpty(joinAddresses(cc))
	}
}

func joinAddresses(list []*mail.Address) string {
	addrs := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			addrs = append(addrs, a.Address)
		}
	}
	return strings.Join(addrs, ", ")
}

func readText(r io.Reader) *string {
	b, err := io.ReadAll(r)
	if err != nil && len(b) == 0 {
		return nil
	}
	return cleanText(string(b))
}

// cleanText drops NUL bytes and invalid UTF-8, which PostgreSQL text
// columns reject.
func cleanText(s string) *string {
	s = strings.ReplaceAll(s, "\x00", "")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return nonEmpty(s)
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Preview collapses whitespace in text and truncates it to n runes with an
// "..." marker. nil input yields nil.
func Preview(text *string, n int) *string {
	if text == nil {
		return nil
	}
	if n <= 0 {
		n = DefaultPreviewLength
	}
	collapsed := strings.Join(strings.Fields(*text), " ")
	if collapsed == "" {
		return nil
	}
	runes := []rune(collapsed)
	if len(runes) <= n {
		return &collapsed
	}
	truncated := strings.TrimRight(string(runes[:n]), " ") + "..."
	return &truncated
}

// PlainText returns the text body, or the HTML body stripped of markup.
func (p *Parser) PlainText(e *NormalizedEmail) *string {
	if e.TextBody != nil {
		return e.TextBody
	}
	if e.HTMLBody == nil {
		return nil
	}
	stripped := html.UnescapeString(p.strip.Sanitize(*e.HTMLBody))
	return nonEmpty(stripped)
}

// PreviewOf derives the stored preview for e.
func (p *Parser) PreviewOf(e *NormalizedEmail, n int) *string {
	return Preview(p.PlainText(e), n)
}
