package email

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/models"
)

type smtpCredentials struct {
	host     string
	port     int
	username string
	password string
	from     string
}

type dialer interface {
	Dial() (gomail.SendCloser, error)
	DialAndSend(m ...*gomail.Message) error
}

// SMTPExecutor is the primary provider.
type SMTPExecutor struct {
	newDialer func(c smtpCredentials) dialer
}

func NewSMTPExecutor() *SMTPExecutor {
	return &SMTPExecutor{
		newDialer: func(c smtpCredentials) dialer {
			return gomail.NewDialer(c.host, c.port, c.username, c.password)
		},
	}
}

func (s *SMTPExecutor) Send(ctx context.Context, msg models.Message, creds models.Credentials) (string, error) {
	c, err := parseSMTPCredentials(creds)
	if err != nil {
		return "", err
	}

	logID := uuid.NewString()

	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", logID, senderDomain(c.from)))
	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
		if msg.HTML != "" {
			m.AddAlternative("text/html", msg.HTML)
		}
	} else {
		m.SetBody("text/html", msg.HTML)
	}

	d := s.newDialer(c)
	err = runWithContext(ctx, "smtp send", func() error {
		return d.DialAndSend(m)
	})
	if err != nil {
		return "", classifySMTP(err)
	}
	return logID, nil
}

func (s *SMTPExecutor) Ping(ctx context.Context, creds models.Credentials) error {
	c, err := parseSMTPCredentials(creds)
	if err != nil {
		return err
	}

	d := s.newDialer(c)
	err = runWithContext(ctx, "smtp handshake", func() error {
		conn, err := d.Dial()
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return classifySMTP(err)
	}
	return nil
}

func parseSMTPCredentials(creds models.Credentials) (smtpCredentials, error) {
	c := smtpCredentials{
		host:     strings.TrimSpace(creds["host"]),
		username: creds["username"],
		password: creds["password"],
		from:     strings.TrimSpace(creds["from"]),
	}
	if c.host == "" {
		return c, apperr.Configuration("smtp credentials", errors.New("host is required"))
	}
	if c.from == "" {
		return c, apperr.Configuration("smtp credentials", errors.New("from address is required"))
	}

	port, err := strconv.Atoi(strings.TrimSpace(creds["port"]))
	if err != nil || port <= 0 || port > 65535 {
		return c, apperr.Configuration("smtp credentials", fmt.Errorf("invalid port %q", creds["port"]))
	}
	c.port = port
	return c, nil
}

// gomail flattens protocol errors into strings, so the reply code is
// recovered from the text when errors.As can't find it.
var smtpCodePattern = regexp.MustCompile(`(?:^|[\s:])([245]\d\d)[\s-]`)

func smtpCode(err error) int {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code
	}
	m := smtpCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// classifySMTP treats permanent mailbox/recipient rejections as terminal and
// everything else (network, auth, 4xx) as transient.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}

	switch code := smtpCode(err); {
	case code >= 550 && code <= 554:
		return apperr.Terminal("smtp rejected message", err)
	default:
		return apperr.Transient("smtp send failed", err)
	}
}

func senderDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return strings.TrimSuffix(addr[i+1:], ">")
	}
	return "localhost"
}
