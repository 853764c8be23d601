package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const multipartMessage = `Message-ID: <abc123@mail.example.com>
Date: Tue, 07 May 2024 09:30:00 +0200
From: "Weekly Digest" <news@example.com>
To: Alice <alice@example.com>, bob@example.com
Cc: carol@example.com
Subject: =?UTF-8?Q?Caf=C3=A9_news?=
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8

Hello Alice,
this is   the plain body.
--inner
Content-Type: text/html; charset=utf-8

<p>Hello <b>Alice</b></p>
--inner--
--outer
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--outer--
`

func TestParse_Multipart(t *testing.T) {
	p := NewParser()
	got, err := p.Parse(crlf(multipartMessage))
	require.NoError(t, err)

	require.NotNil(t, got.MessageID)
	assert.Equal(t, "abc123@mail.example.com", *got.MessageID)
	require.NotNil(t, got.Subject)
	assert.Equal(t, "Café news", *got.Subject)
	assert.Equal(t, "news@example.com", *got.FromAddress)
	assert.Equal(t, "Weekly Digest", *got.FromName)
	assert.Equal(t, "alice@example.com, bob@example.com", *got.ToAddress)
	assert.Equal(t, "Alice", *got.ToName)
	assert.Equal(t, "carol@example.com", *got.Cc)
	require.NotNil(t, got.Date)
	assert.True(t, got.Date.Equal(time.Date(2024, 5, 7, 7, 30, 0, 0, time.UTC)))

	require.NotNil(t, got.TextBody)
	assert.Contains(t, *got.TextBody, "plain body")
	require.NotNil(t, got.HTMLBody)
	assert.Contains(t, *got.HTMLBody, "<b>Alice</b>")

	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "report.pdf", got.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", got.Attachments[0].ContentType)
	assert.Equal(t, int64(9), got.Attachments[0].Size)
	assert.Nil(t, got.Attachments[0].Content)
	assert.True(t, got.HasAttachments())
}

func TestParse_KeepAttachmentContent(t *testing.T) {
	p := NewParser()
	p.KeepAttachmentContent = true

	got, err := p.Parse(crlf(multipartMessage))
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "%PDF-1.4\n", string(got.Attachments[0].Content))
}

func TestParse_MalformedHeadersBecomeNil(t *testing.T) {
	raw := crlf(`From: <<<not an address
To: also broken <
Date: yesterday-ish
Subject: Still readable
Content-Type: text/plain

Body survives.
`)
	got, err := NewParser().Parse(raw)
	require.NoError(t, err)

	assert.Nil(t, got.FromAddress)
	assert.Nil(t, got.ToAddress)
	assert.Nil(t, got.Date)
	assert.Nil(t, got.MessageID)
	require.NotNil(t, got.Subject)
	assert.Equal(t, "Still readable", *got.Subject)
	require.NotNil(t, got.TextBody)
	assert.Equal(t, "Body survives.", *got.TextBody)
}

func TestParse_HeaderLineWithoutColon(t *testing.T) {
	raw := crlf(`Message-ID: <abc@example.com>
Subject: Hello
From: A <a@example.com>
This line has no colon
Content-Type: text/plain

body text
`)
	got, err := NewParser().Parse(raw)
	require.NoError(t, err)

	require.NotNil(t, got.MessageID)
	assert.Equal(t, "abc@example.com", *got.MessageID)
	require.NotNil(t, got.Subject)
	assert.Equal(t, "Hello", *got.Subject)
	require.NotNil(t, got.FromAddress)
	assert.Equal(t, "a@example.com", *got.FromAddress)
	require.NotNil(t, got.TextBody)
	assert.Equal(t, "body text", *got.TextBody)
}

func TestParse_HeaderLineWithoutColonKeepsAttachments(t *testing.T) {
	raw := crlf(`Message-ID: <att@example.com>
garbage line
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

See attached.
--b
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"

%PDF-1.4
--b--
`)
	got, err := NewParser().Parse(raw)
	require.NoError(t, err)

	require.NotNil(t, got.MessageID)
	assert.Equal(t, "att@example.com", *got.MessageID)
	require.NotNil(t, got.TextBody)
	assert.Equal(t, "See attached.", *got.TextBody)
	require.True(t, got.HasAttachments())
	assert.Equal(t, "report.pdf", got.Attachments[0].Filename)
}

func TestParse_NoHeaderAtAllKeepsText(t *testing.T) {
	got, err := NewParser().Parse([]byte("just some words without any header"))
	require.NoError(t, err)

	assert.Nil(t, got.MessageID)
	require.NotNil(t, got.TextBody)
	assert.Equal(t, "just some words without any header", *got.TextBody)
}

func TestDropMalformedHeaderLines(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{
			name: "drops line and its continuation",
			raw:  "Subject: Hi\r\nbroken\r\n more broken\r\nTo: a@example.com\r\n\r\nbody",
			want: "Subject: Hi\r\nTo: a@example.com\r\n\r\nbody",
			ok:   true,
		},
		{
			name: "keeps folded field",
			raw:  "Subject: Hi\r\n there\r\nbad\r\n\r\nbody",
			want: "Subject: Hi\r\n there\r\n\r\nbody",
			ok:   true,
		},
		{
			name: "header only",
			raw:  "Subject: Hi\r\nbad",
			want: "Subject: Hi\r\n\r\n",
			ok:   true,
		},
		{name: "nothing malformed", raw: "Subject: Hi\r\n\r\nbody"},
		{name: "no field left", raw: "bad\r\n\r\nbody"},
		{name: "space in field name", raw: "Bad Name: x\r\n\r\nbody", want: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := dropMalformedHeaderLines([]byte(tt.raw))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, string(got))
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	_, err := NewParser().Parse(nil)
	require.Error(t, err)

	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = NewParser().Parse([]byte("  \r\n "))
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestParse_HTMLOnlyPreview(t *testing.T) {
	raw := crlf(`Message-ID: <html-only@example.com>
Subject: Sale
Content-Type: text/html; charset=utf-8

<html><head><style>p{color:red}</style></head><body><p>50% off &amp; free   shipping</p></body></html>
`)
	p := NewParser()
	got, err := p.Parse(raw)
	require.NoError(t, err)
	assert.Nil(t, got.TextBody)

	preview := p.PreviewOf(got, DefaultPreviewLength)
	require.NotNil(t, preview)
	assert.Equal(t, "50% off & free shipping", *preview)
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("a", 150)
	short := "  hello \n\t world  "
	accents := strings.Repeat("é", 101)
	blank := "   "

	tests := []struct {
		name string
		in   *string
		n    int
		want *string
	}{
		{name: "nil", in: nil, n: 100, want: nil},
		{name: "blank", in: &blank, n: 100, want: nil},
		{name: "collapses whitespace", in: &short, n: 100, want: ptr("hello world")},
		{name: "truncates with marker", in: &long, n: 100, want: ptr(strings.Repeat("a", 100) + "...")},
		{name: "counts runes", in: &accents, n: 100, want: ptr(strings.Repeat("é", 100) + "...")},
		{name: "default length", in: &long, n: 0, want: ptr(strings.Repeat("a", 100) + "...")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Preview(tt.in, tt.n))
		})
	}
}

func ptr(s string) *string { return &s }
