package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/nhle/maildigest/internal/logging"
)

const defaultConnectTimeout = 30 * time.Second

// IMAPDialer opens IMAP sessions over implicit TLS or STARTTLS.
type IMAPDialer struct {
	ConnectTimeout time.Duration
	// TLSConfig is cloned per connection; ServerName defaults to the host.
	TLSConfig *tls.Config
	Logger    *zap.Logger
}

// Dial connects, waits for the greeting and logs in. The connection is
// closed if ctx is cancelled while the session is open.
func (d *IMAPDialer) Dial(ctx context.Context, creds Credentials) (Session, error) {
	logger := logging.OrNop(d.Logger)
	addr := net.JoinHostPort(creds.Host, strconv.Itoa(creds.Port))

	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	netDialer := &net.Dialer{Timeout: timeout}

	tlsConfig := &tls.Config{}
	if d.TLSConfig != nil {
		tlsConfig = d.TLSConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = creds.Host
	}
	opts := &imapclient.Options{TLSConfig: tlsConfig}

	var client *imapclient.Client
	if creds.UseTLS {
		tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
		conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &ConnectionError{Addr: addr, Op: "dial", Err: err}
		}
		client = imapclient.New(conn, opts)
	} else {
		conn, err := netDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &ConnectionError{Addr: addr, Op: "dial", Err: err}
		}
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			_ = conn.Close()
			return nil, &ConnectionError{Addr: addr, Op: "starttls", Err: err}
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })

	if err := client.WaitGreeting(); err != nil {
		stop()
		_ = client.Close()
		return nil, &ConnectionError{Addr: addr, Op: "greeting", Err: err}
	}

	if err := client.Login(creds.Username, creds.Password).Wait(); err != nil {
		stop()
		_ = client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &AuthenticationError{Username: creds.Username, Message: imapErr.Text}
		}
		return nil, &ConnectionError{Addr: addr, Op: "login", Err: err}
	}

	logger.Debug("imap session opened", zap.String("addr", addr), zap.String("username", creds.Username))
	return &imapSession{client: client, addr: addr, stop: stop}, nil
}

type imapSession struct {
	client *imapclient.Client
	addr   string
	stop   func() bool
}

func (s *imapSession) Select(_ context.Context, mailbox string) error {
	if _, err := s.client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return &ConnectionError{Addr: s.addr, Op: "select " + mailbox, Err: err}
	}
	return nil
}

func (s *imapSession) Search(_ context.Context, since time.Time) ([]uint32, error) {
	data, err := s.client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, &ConnectionError{Addr: s.addr, Op: "search", Err: err}
	}

	uids := data.AllUIDs()
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}
	return out, nil
}

func (s *imapSession) FetchEnvelopes(_ context.Context, uids []uint32) ([]Envelope, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	bufs, err := s.client.Fetch(uidSet(uids), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		Envelope:     true,
	}).Collect()
	if err != nil {
		return nil, &ConnectionError{Addr: s.addr, Op: "fetch envelopes", Err: err}
	}

	envs := make([]Envelope, 0, len(bufs))
	for _, buf := range bufs {
		env := Envelope{UID: uint32(buf.UID), InternalDate: buf.InternalDate}
		if buf.Envelope != nil {
			env.MessageID = buf.Envelope.MessageID
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (s *imapSession) FetchRaw(_ context.Context, uids []uint32) ([]RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	section := &imap.FetchItemBodySection{Peek: true}
	bufs, err := s.client.Fetch(uidSet(uids), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		Envelope:     true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, &ConnectionError{Addr: s.addr, Op: "fetch bodies", Err: err}
	}

	msgs := make([]RawMessage, 0, len(bufs))
	for _, buf := range bufs {
		msg := RawMessage{
			UID:          uint32(buf.UID),
			InternalDate: buf.InternalDate,
			Body:         buf.FindBodySection(section),
		}
		if buf.Envelope != nil {
			msg.MessageID = buf.Envelope.MessageID
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *imapSession) Close() error {
	s.stop()
	logoutErr := s.client.Logout().Wait()
	if err := s.client.Close(); err != nil && logoutErr == nil {
		return fmt.Errorf("closing imap session %s: %w", s.addr, err)
	}
	return nil
}

func uidSet(uids []uint32) imap.UIDSet {
	set := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imap.UID(uid))
	}
	return imap.UIDSetNum(set...)
}
