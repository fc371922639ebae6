package channel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"leadflow/models"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsPermanent(Transient(base)))

	// Unclassified errors are retried.
	assert.False(t, IsPermanent(base))

	// Wrapping survives.
	wrapped := fmt.Errorf("send failed: %w", Permanent(base))
	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
}

func TestClassifySMTPError(t *testing.T) {
	assert.True(t, IsPermanent(classifySMTPError(errors.New("550 5.1.1 mailbox unavailable"))))
	assert.True(t, IsPermanent(classifySMTPError(errors.New("553 invalid recipient"))))
	assert.False(t, IsPermanent(classifySMTPError(errors.New("451 try again later"))))
	assert.False(t, IsPermanent(classifySMTPError(errors.New("dial tcp: connection refused"))))
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.NoError(t, classifyHTTPStatus("whatsapp", 200, ""))
	assert.NoError(t, classifyHTTPStatus("whatsapp", 201, ""))

	assert.True(t, IsPermanent(classifyHTTPStatus("whatsapp", 400, "bad number")))
	assert.True(t, IsPermanent(classifyHTTPStatus("whatsapp", 404, "")))

	// Throttling and timeouts are 4xx but retryable.
	assert.False(t, IsPermanent(classifyHTTPStatus("whatsapp", fasthttp.StatusTooManyRequests, "")))
	assert.False(t, IsPermanent(classifyHTTPStatus("whatsapp", fasthttp.StatusRequestTimeout, "")))

	assert.False(t, IsPermanent(classifyHTTPStatus("whatsapp", 503, "maintenance")))
}

func TestRender(t *testing.T) {
	campaign := &models.Campaign{
		EmailSubject:    "Quick question",
		EmailBody:       "Hi, saw your company is growing.",
		WhatsAppMessage: "Hey there!",
	}
	lead := &models.Lead{
		FirstName: "Dana",
		Email:     "dana@acme.test",
		Phone:     "+15551234567",
	}
	lead.ID = 7

	msg, err := Render(campaign, lead, models.ChannelEmail, "mid-1")
	require.NoError(t, err)
	assert.Equal(t, "dana@acme.test", msg.To)
	assert.Equal(t, "Quick question", msg.Subject)
	assert.Equal(t, "Hi, saw your company is growing.", msg.Body)
	assert.Equal(t, "mid-1", msg.MessageID)

	msg, err = Render(campaign, lead, models.ChannelWhatsApp, "mid-2")
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", msg.To)
	assert.Equal(t, "Hey there!", msg.Body)

	// Missing address is a permanent error, never a retry loop.
	_, err = Render(campaign, lead, models.ChannelLinkedIn, "mid-3")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestRegistryForChannel(t *testing.T) {
	reg := Registry{models.ChannelEmail: &EmailSender{}}

	_, err := reg.ForChannel(models.ChannelEmail)
	assert.NoError(t, err)

	_, err = reg.ForChannel(models.ChannelWhatsApp)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
