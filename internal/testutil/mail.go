package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nhle/mailflow/internal/source"
)

// SentMessage is one message accepted by a FakeConnector sender.
type SentMessage struct {
	From string
	To   []string
	Data []byte
}

// FakeConnector is an in-memory source.Connector. Mailboxes are keyed by
// name; messages must be added in ascending UID order.
type FakeConnector struct {
	mu sync.Mutex

	Mailboxes map[string][]source.FetchedMessage

	// IMAPErr and SMTPErr fail OpenIMAP and OpenSMTP.
	IMAPErr error
	SMTPErr error

	// FetchErr fails every FetchUIDs call.
	FetchErr error

	// SendErrFrom fails Send for a given sender address.
	SendErrFrom map[string]error

	Sent       []SentMessage
	Flags      map[uint32][]string
	Moved      map[uint32]string
	LastCreds  source.Credentials
	OpenIMAPs  int
	CloseIMAPs int
	OpenSMTPs  int
	CloseSMTPs int

	// SelectHook runs inside Select, for concurrency tests.
	SelectHook func()
}

// NewFakeConnector returns a connector with an empty INBOX.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{
		Mailboxes:   map[string][]source.FetchedMessage{"INBOX": nil},
		SendErrFrom: map[string]error{},
		Flags:       map[uint32][]string{},
		Moved:       map[uint32]string{},
	}
}

// AddMessage appends a raw message to mailbox.
func (c *FakeConnector) AddMessage(mailbox string, uid uint32, raw []byte, flags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Mailboxes[mailbox] = append(c.Mailboxes[mailbox], source.FetchedMessage{
		UID:          uid,
		Raw:          raw,
		InternalDate: time.Now().UTC(),
		Flags:        flags,
	})
}

// SentCount returns the number of accepted messages.
func (c *FakeConnector) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sent)
}

func (c *FakeConnector) OpenIMAP(_ context.Context, creds source.Credentials) (source.MailboxSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastCreds = creds
	if c.IMAPErr != nil {
		return nil, c.IMAPErr
	}
	c.OpenIMAPs++
	return &fakeSession{c: c}, nil
}

func (c *FakeConnector) OpenSMTP(_ context.Context, creds source.Credentials) (source.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastCreds = creds
	if c.SMTPErr != nil {
		return nil, c.SMTPErr
	}
	c.OpenSMTPs++
	return &fakeSender{c: c}, nil
}

type fakeSession struct {
	c       *FakeConnector
	mailbox string
}

func (s *fakeSession) Select(_ context.Context, mailbox string) (*source.MailboxStatus, error) {
	if s.c.SelectHook != nil {
		s.c.SelectHook()
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	msgs, ok := s.c.Mailboxes[mailbox]
	if !ok {
		return nil, fmt.Errorf("mailbox %q does not exist", mailbox)
	}
	s.mailbox = mailbox
	status := &source.MailboxStatus{Name: mailbox, Messages: uint32(len(msgs)), UIDValidity: 1, UIDNext: 1}
	if len(msgs) > 0 {
		status.UIDNext = msgs[len(msgs)-1].UID + 1
	}
	return status, nil
}

func (s *fakeSession) SearchAfterUID(_ context.Context, uid uint32) ([]uint32, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	var out []uint32
	for _, m := range s.c.Mailboxes[s.mailbox] {
		if m.UID > uid {
			out = append(out, m.UID)
		}
	}
	return out, nil
}

func (s *fakeSession) RecentUIDs(_ context.Context, n int) ([]uint32, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	msgs := s.c.Mailboxes[s.mailbox]
	if n < len(msgs) {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]uint32, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.UID)
	}
	return out, nil
}

func (s *fakeSession) FetchUIDs(_ context.Context, uids []uint32) ([]source.FetchedMessage, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.FetchErr != nil {
		return nil, s.c.FetchErr
	}
	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}
	var out []source.FetchedMessage
	for _, m := range s.c.Mailboxes[s.mailbox] {
		if want[m.UID] {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *fakeSession) AddFlags(_ context.Context, uid uint32, flags ...string) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.Flags[uid] = append(s.c.Flags[uid], flags...)
	return nil
}

func (s *fakeSession) Move(_ context.Context, uid uint32, candidates []string) (string, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	for _, name := range candidates {
		if _, ok := s.c.Mailboxes[name]; ok {
			s.c.Moved[uid] = name
			return name, nil
		}
	}
	return "", errors.New("no candidate mailbox exists")
}

func (s *fakeSession) Close() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.CloseIMAPs++
	return nil
}

type fakeSender struct {
	c *FakeConnector
}

func (s *fakeSender) Send(_ context.Context, from string, to []string, msg []byte) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if err := s.c.SendErrFrom[from]; err != nil {
		return err
	}
	s.c.Sent = append(s.c.Sent, SentMessage{From: from, To: to, Data: msg})
	return nil
}

func (s *fakeSender) Close() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.CloseSMTPs++
	return nil
}
