package email

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/models"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

type sesCredentials struct {
	region    string
	accessKey string
	secretKey string
	from      string
}

func (c sesCredentials) fingerprint() string {
	sum := sha256.Sum256([]byte(c.region + "\x00" + c.accessKey + "\x00" + c.secretKey))
	return hex.EncodeToString(sum[:])
}

// SESExecutor is the fallback provider. Only the client for the credentials
// last used to send is kept; a connection test with other credentials gets a
// throwaway client.
type SESExecutor struct {
	mu        sync.Mutex
	cachedKey string
	cached    sesAPI
	newClient func(ctx context.Context, c sesCredentials) (sesAPI, error)
}

func NewSESExecutor() *SESExecutor {
	return &SESExecutor{newClient: newSESClient}
}

func newSESClient(ctx context.Context, c sesCredentials) (sesAPI, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.region)}
	if c.accessKey != "" && c.secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.accessKey, c.secretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperr.Configuration("ses config", err)
	}
	return sesv2.NewFromConfig(cfg), nil
}

// client returns the cached client when c matches it. Otherwise it builds a
// new one, which replaces the cached client only when keep is set.
func (s *SESExecutor) client(ctx context.Context, c sesCredentials, keep bool) (sesAPI, error) {
	key := c.fingerprint()

	s.mu.Lock()
	if s.cached != nil && s.cachedKey == key {
		client := s.cached
		s.mu.Unlock()
		return client, nil
	}
	s.mu.Unlock()

	client, err := s.newClient(ctx, c)
	if err != nil {
		return nil, err
	}
	if keep {
		s.mu.Lock()
		s.cachedKey, s.cached = key, client
		s.mu.Unlock()
	}
	return client, nil
}

func (s *SESExecutor) Send(ctx context.Context, msg models.Message, creds models.Credentials) (string, error) {
	c, err := parseSESCredentials(creds)
	if err != nil {
		return "", err
	}
	client, err := s.client(ctx, c, true)
	if err != nil {
		return "", err
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(c.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("template"), Value: aws.String(tagValue(msg.Template))},
			{Name: aws.String("job_id"), Value: aws.String(tagValue(msg.JobID))},
		},
	}

	out, err := client.SendEmail(ctx, input)
	if err != nil {
		return "", classifySES(err)
	}
	return aws.ToString(out.MessageId), nil
}

func (s *SESExecutor) Ping(ctx context.Context, creds models.Credentials) error {
	c, err := parseSESCredentials(creds)
	if err != nil {
		return err
	}
	client, err := s.client(ctx, c, false)
	if err != nil {
		return err
	}

	out, err := client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return classifySES(err)
	}
	if !out.SendingEnabled {
		return apperr.Transient("ses account", errors.New("sending is paused for this account"))
	}
	return nil
}

func parseSESCredentials(creds models.Credentials) (sesCredentials, error) {
	c := sesCredentials{
		region:    strings.TrimSpace(creds["region"]),
		accessKey: strings.TrimSpace(creds["accessKeyId"]),
		secretKey: strings.TrimSpace(creds["secretAccessKey"]),
		from:      strings.TrimSpace(creds["from"]),
	}
	if c.region == "" {
		return c, apperr.Configuration("ses credentials", errors.New("region is required"))
	}
	if c.from == "" {
		return c, apperr.Configuration("ses credentials", errors.New("from address is required"))
	}
	if (c.accessKey == "") != (c.secretKey == "") {
		return c, apperr.Configuration("ses credentials", errors.New("access key id and secret must be set together"))
	}
	return c, nil
}

func classifySES(err error) error {
	var (
		rejected   *types.MessageRejected
		badRequest *types.BadRequestException
		notFound   *types.NotFoundException
	)
	switch {
	case errors.As(err, &rejected):
		return apperr.Terminal("ses rejected message", err)
	case errors.As(err, &badRequest), errors.As(err, &notFound):
		return apperr.Terminal("ses refused request", err)
	default:
		return apperr.Transient("ses send failed", err)
	}
}

// SES tag values allow only alphanumerics, '_' and '-'.
func tagValue(s string) string {
	if s == "" {
		return "none"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
