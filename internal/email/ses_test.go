package email

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/models"
)

type fakeSES struct {
	inputs  []*sesv2.SendEmailInput
	sendErr error
	account *sesv2.GetAccountOutput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.inputs = append(f.inputs, in)
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-msg-1")}, nil
}

func (f *fakeSES) GetAccount(context.Context, *sesv2.GetAccountInput, ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error) {
	if f.account == nil {
		return &sesv2.GetAccountOutput{SendingEnabled: true}, nil
	}
	return f.account, nil
}

func newFakeSESExecutor(f *fakeSES) (*SESExecutor, *int) {
	built := 0
	return &SESExecutor{newClient: func(context.Context, sesCredentials) (sesAPI, error) {
		built++
		return f, nil
	}}, &built
}

func sesCreds() models.Credentials {
	return models.Credentials{
		"region":          "us-east-1",
		"accessKeyId":     "AKIAEXAMPLE",
		"secretAccessKey": "shh",
		"from":            "noreply@example.com",
	}
}

func TestSESSend(t *testing.T) {
	f := &fakeSES{}
	exec, built := newFakeSESExecutor(f)

	logID, err := exec.Send(context.Background(), models.Message{
		JobID:    "0b7c-11",
		To:       "ada@example.com",
		Template: "password-reset",
		Subject:  "Reset",
		HTML:     "<p>reset</p>",
	}, sesCreds())
	require.NoError(t, err)
	assert.Equal(t, "ses-msg-1", logID)

	require.Len(t, f.inputs, 1)
	in := f.inputs[0]
	assert.Equal(t, "noreply@example.com", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"ada@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "Reset", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Nil(t, in.Content.Simple.Body.Text)
	assert.Equal(t, "password-reset", aws.ToString(in.EmailTags[0].Value))

	// same credentials reuse the cached client
	_, err = exec.Send(context.Background(), models.Message{To: "b@example.com"}, sesCreds())
	require.NoError(t, err)
	assert.Equal(t, 1, *built)

	other := sesCreds()
	other["region"] = "eu-west-1"
	_, err = exec.Send(context.Background(), models.Message{To: "b@example.com"}, other)
	require.NoError(t, err)
	assert.Equal(t, 2, *built)
}

func TestSESConnectionTestsDoNotGrowClientCache(t *testing.T) {
	exec, built := newFakeSESExecutor(&fakeSES{})
	ctx := context.Background()

	_, err := exec.Send(ctx, models.Message{To: "a@example.com"}, sesCreds())
	require.NoError(t, err)
	storedKey := exec.cachedKey

	for _, region := range []string{"eu-west-1", "eu-west-2", "ap-south-1"} {
		override := sesCreds()
		override["region"] = region
		require.NoError(t, exec.Ping(ctx, override))
	}
	assert.Equal(t, 4, *built)
	assert.Equal(t, storedKey, exec.cachedKey, "override clients are not kept")

	// stored credentials still hit the cached client
	require.NoError(t, exec.Ping(ctx, sesCreds()))
	_, err = exec.Send(ctx, models.Message{To: "a@example.com"}, sesCreds())
	require.NoError(t, err)
	assert.Equal(t, 4, *built)
}

func TestSESClassifiesErrors(t *testing.T) {
	rejected := &types.MessageRejected{Message: aws.String("Email address is not verified")}
	exec, _ := newFakeSESExecutor(&fakeSES{sendErr: rejected})
	_, err := exec.Send(context.Background(), models.Message{To: "a@example.com"}, sesCreds())
	assert.True(t, apperr.IsTerminal(err))

	throttled := &types.TooManyRequestsException{Message: aws.String("slow down")}
	exec, _ = newFakeSESExecutor(&fakeSES{sendErr: throttled})
	_, err = exec.Send(context.Background(), models.Message{To: "a@example.com"}, sesCreds())
	assert.True(t, apperr.IsTransient(err))

	exec, _ = newFakeSESExecutor(&fakeSES{sendErr: errors.New("i/o timeout")})
	_, err = exec.Send(context.Background(), models.Message{To: "a@example.com"}, sesCreds())
	assert.True(t, apperr.IsTransient(err))
}

func TestSESCredentialsValidation(t *testing.T) {
	creds := sesCreds()
	delete(creds, "region")
	_, err := parseSESCredentials(creds)
	assert.True(t, apperr.IsConfiguration(err))

	creds = sesCreds()
	delete(creds, "secretAccessKey")
	_, err = parseSESCredentials(creds)
	assert.True(t, apperr.IsConfiguration(err))

	creds = sesCreds()
	delete(creds, "accessKeyId")
	delete(creds, "secretAccessKey")
	_, err = parseSESCredentials(creds)
	assert.NoError(t, err, "default credential chain is allowed")
}

func TestSESPing(t *testing.T) {
	exec, _ := newFakeSESExecutor(&fakeSES{})
	assert.NoError(t, exec.Ping(context.Background(), sesCreds()))

	exec, _ = newFakeSESExecutor(&fakeSES{account: &sesv2.GetAccountOutput{SendingEnabled: false}})
	assert.Error(t, exec.Ping(context.Background(), sesCreds()))
}

func TestTagValue(t *testing.T) {
	assert.Equal(t, "none", tagValue(""))
	assert.Equal(t, "marketing-reminder", tagValue("marketing-reminder"))
	assert.Equal(t, "a_b_c", tagValue("a.b c"))
}
