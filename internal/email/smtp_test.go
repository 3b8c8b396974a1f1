package email

import (
	"context"
	"errors"
	"io"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/models"
)

type fakeDialer struct {
	mu      sync.Mutex
	sent    []*gomail.Message
	sendErr error
	dialErr error
	block   chan struct{}
}

func (d *fakeDialer) Dial() (gomail.SendCloser, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return nopCloser{}, nil
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, m...)
	return nil
}

type nopCloser struct{}

func (nopCloser) Send(string, []string, io.WriterTo) error { return nil }
func (nopCloser) Close() error                             { return nil }

func newFakeSMTP(d *fakeDialer) (*SMTPExecutor, *smtpCredentials) {
	var seen smtpCredentials
	return &SMTPExecutor{newDialer: func(c smtpCredentials) dialer {
		seen = c
		return d
	}}, &seen
}

func smtpCreds() models.Credentials {
	return models.Credentials{
		"host":     "smtp.example.com",
		"port":     "587",
		"username": "mailer",
		"password": "secret",
		"from":     "PulseFlow <noreply@example.com>",
	}
}

func TestSMTPSend(t *testing.T) {
	d := &fakeDialer{}
	exec, seen := newFakeSMTP(d)

	logID, err := exec.Send(context.Background(), models.Message{
		JobID:   "job-1",
		To:      "ada@example.com",
		Subject: "Hello",
		HTML:    "<p>Hi</p>",
		Text:    "Hi",
	}, smtpCreds())
	require.NoError(t, err)
	assert.NotEmpty(t, logID)

	assert.Equal(t, "smtp.example.com", seen.host)
	assert.Equal(t, 587, seen.port)

	require.Len(t, d.sent, 1)
	assert.Equal(t, []string{"ada@example.com"}, d.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"Hello"}, d.sent[0].GetHeader("Subject"))
	msgID := d.sent[0].GetHeader("Message-ID")
	require.Len(t, msgID, 1)
	assert.True(t, strings.HasPrefix(msgID[0], "<"+logID+"@example.com"))
}

func TestSMTPSendTimesOut(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	defer close(d.block)
	exec, _ := newFakeSMTP(d)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := exec.Send(ctx, models.Message{To: "ada@example.com"}, smtpCreds())
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSMTPSendClassifiesErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		terminal bool
	}{
		{"mailbox unavailable", errors.New("gomail: could not send email 1: 550 5.1.1 user unknown"), true},
		{"textproto rejection", &textproto.Error{Code: 553, Msg: "mailbox name not allowed"}, true},
		{"greylisted", errors.New("451 4.7.1 try again later"), false},
		{"network", errors.New("dial tcp: connection refused"), false},
		{"auth", &textproto.Error{Code: 535, Msg: "authentication failed"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, _ := newFakeSMTP(&fakeDialer{sendErr: tt.err})
			_, err := exec.Send(context.Background(), models.Message{To: "ada@example.com"}, smtpCreds())
			require.Error(t, err)
			assert.Equal(t, tt.terminal, apperr.IsTerminal(err))
			assert.Equal(t, !tt.terminal, apperr.IsTransient(err))
		})
	}
}

func TestSMTPCredentialsValidation(t *testing.T) {
	for name, mutate := range map[string]func(models.Credentials){
		"missing host": func(c models.Credentials) { delete(c, "host") },
		"missing from": func(c models.Credentials) { c["from"] = " " },
		"bad port":     func(c models.Credentials) { c["port"] = "smtp" },
		"port range":   func(c models.Credentials) { c["port"] = "70000" },
	} {
		t.Run(name, func(t *testing.T) {
			creds := smtpCreds()
			mutate(creds)
			exec, _ := newFakeSMTP(&fakeDialer{})
			_, err := exec.Send(context.Background(), models.Message{}, creds)
			assert.True(t, apperr.IsConfiguration(err))
		})
	}
}

func TestSMTPPing(t *testing.T) {
	exec, _ := newFakeSMTP(&fakeDialer{})
	assert.NoError(t, exec.Ping(context.Background(), smtpCreds()))

	exec, _ = newFakeSMTP(&fakeDialer{dialErr: errors.New("connection refused")})
	err := exec.Ping(context.Background(), smtpCreds())
	assert.True(t, apperr.IsTransient(err))
}

func TestSenderDomain(t *testing.T) {
	assert.Equal(t, "example.com", senderDomain("noreply@example.com"))
	assert.Equal(t, "example.com", senderDomain("PulseFlow <noreply@example.com>"))
	assert.Equal(t, "localhost", senderDomain("noreply"))
}
