package digest

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"io"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailflow/internal/model"
)

// Item is one email line in a digest.
type Item struct {
	From       string
	Subject    string
	Preview    string
	ReceivedAt time.Time
}

// Digest is the content of one category digest.
type Digest struct {
	Category string
	Title    string
	Since    time.Time
	Until    time.Time
	Items    []Item
}

const textTemplate = `Your weekly {{.Title}} digest
{{.Since.Format "Jan 2"}} - {{.Until.Format "Jan 2, 2006"}}, {{len .Items}} email{{if ne (len .Items) 1}}s{{end}}
{{range .Items}}
* {{.Subject}}
  {{.From}}, {{.ReceivedAt.Format "Mon Jan 2 15:04"}}{{if .Preview}}
  {{.Preview}}{{end}}
{{end}}`

const htmlTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222;">
<h2>Your weekly {{.Title}} digest</h2>
<p style="color: #666;">{{.Since.Format "Jan 2"}} - {{.Until.Format "Jan 2, 2006"}}, {{len .Items}} email{{if ne (len .Items) 1}}s{{end}}</p>
<ul style="padding-left: 1em;">
{{- range .Items}}
<li style="margin-bottom: 1em;">
<strong>{{.Subject}}</strong><br>
<span style="color: #666;">{{.From}}, {{.ReceivedAt.Format "Mon Jan 2 15:04"}}</span>
{{- if .Preview}}<br>{{.Preview}}{{end}}
</li>
{{- end}}
</ul>
</body>
</html>
`

var (
	textTmpl = texttemplate.Must(texttemplate.New("digest.txt").Parse(textTemplate))
	htmlTmpl = htmltemplate.Must(htmltemplate.New("digest.html").Parse(htmlTemplate))
)

// NewDigest builds the digest content for a category.
func NewDigest(category string, emails []model.Email, since, until time.Time) Digest {
	d := Digest{
		Category: category,
		Title:    Title(category),
		Since:    since,
		Until:    until,
		Items:    make([]Item, 0, len(emails)),
	}
	for _, e := range emails {
		from := model.Deref(e.FromName)
		if from == "" {
			from = model.Deref(e.FromAddress)
		}
		subject := model.Deref(e.Subject)
		if subject == "" {
			subject = "(no subject)"
		}
		d.Items = append(d.Items, Item{
			From:       from,
			Subject:    subject,
			Preview:    model.Deref(e.Preview),
			ReceivedAt: e.ReceivedAt,
		})
	}
	return d
}

// Subject returns the message subject line.
func (d Digest) Subject() string {
	return fmt.Sprintf("Your weekly %s digest (%d)", d.Title, len(d.Items))
}

// Title turns a category label into display text: "email-verification"
// becomes "Email Verification".
func Title(category string) string {
	words := strings.Fields(strings.ReplaceAll(category, "-", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Render produces a multipart/alternative message with text and HTML
// parts.
func Render(d Digest, from, to string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: "Mailflow", Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(d.Subject())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	if err := writePart(w, "text/plain", func(out io.Writer) error {
		return textTmpl.Execute(out, d)
	}); err != nil {
		return nil, err
	}
	if err := writePart(w, "text/html", func(out io.Writer) error {
		return htmlTmpl.Execute(out, d)
	}); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing message: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(w *mail.InlineWriter, contentType string, render func(io.Writer) error) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if err := render(part); err != nil {
		part.Close()
		return fmt.Errorf("rendering %s part: %w", contentType, err)
	}
	return part.Close()
}
