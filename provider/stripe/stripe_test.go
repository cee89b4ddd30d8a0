package stripe

import (
	"testing"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"

	"github.com/payflowhq/payflow/provider"
)

func TestInitialize_RequiresSecretKey(t *testing.T) {
	p := NewProvider()
	err := p.Initialize(map[string]string{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "secretKey")

	err = p.Initialize(map[string]string{"secretKey": "sk_test_123"})
	assert.NoError(t, err)
}

func TestCapabilities(t *testing.T) {
	p := NewProvider()
	caps := p.Capabilities()

	assert.True(t, caps.SupportsRefund)
	assert.True(t, caps.SupportsCurrency("USD"))
	assert.Contains(t, caps.Modes, provider.ModeDirect)
}

func TestMapIntentStatus(t *testing.T) {
	assert.Equal(t, provider.StatusSuccessful, mapIntentStatus(stripeapi.PaymentIntentStatusSucceeded))
	assert.Equal(t, provider.StatusProcessing, mapIntentStatus(stripeapi.PaymentIntentStatusProcessing))
	assert.Equal(t, provider.StatusCancelled, mapIntentStatus(stripeapi.PaymentIntentStatusCanceled))
	assert.Equal(t, provider.StatusPending, mapIntentStatus(stripeapi.PaymentIntentStatusRequiresAction))
}

func TestParseWebhook_NoSignature(t *testing.T) {
	p := NewProvider().(*StripeProvider)
	_ = p.Initialize(map[string]string{"secretKey": "sk_test_123", "webhookSecret": "whsec_123"})

	_, err := p.ParseWebhook([]byte(`{}`), map[string]string{})
	assert.ErrorIs(t, err, provider.ErrInvalidSignature)
}

func TestVerifySignature_NoSecret(t *testing.T) {
	p := NewProvider().(*StripeProvider)
	_ = p.Initialize(map[string]string{"secretKey": "sk_test_123"})

	assert.False(t, p.VerifySignature([]byte(`{}`), map[string]string{signatureHeader: "t=1,v1=abc"}))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&stripeapi.Error{HTTPStatusCode: 500}))
	assert.True(t, isRetryable(&stripeapi.Error{HTTPStatusCode: 429}))
	assert.False(t, isRetryable(&stripeapi.Error{HTTPStatusCode: 402, Type: stripeapi.ErrorTypeCard}))
}
