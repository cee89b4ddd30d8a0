package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubProvider struct {
	initErr error
	config  map[string]string
}

func (s *stubProvider) Initialize(config map[string]string) error {
	s.config = config
	return s.initErr
}

func (s *stubProvider) Capabilities() Capabilities {
	return Capabilities{
		Modes:          []PaymentMode{ModeUSSD},
		Currencies:     []string{"XAF"},
		SupportsRefund: true,
		MinAmount:      100,
	}
}

func (s *stubProvider) Create(ctx context.Context, request CreateRequest) (*Result, error) {
	return &Result{Success: true, Status: StatusPending}, nil
}

func (s *stubProvider) Confirm(ctx context.Context, providerTxID string) (*Result, error) {
	return &Result{Success: true, Status: StatusSuccessful}, nil
}

func (s *stubProvider) Refund(ctx context.Context, request RefundRequest) (*RefundResult, error) {
	return &RefundResult{Success: true}, nil
}

func (s *stubProvider) VerifySignature(payload []byte, headers map[string]string) bool {
	return true
}

func (s *stubProvider) ParseWebhook(payload []byte, headers map[string]string) (*WebhookEvent, error) {
	return &WebhookEvent{EventID: "ev-1", Status: StatusSuccessful}, nil
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()
	registry.Register("test-provider", func() PaymentProvider { return &stubProvider{} })

	p, err := registry.Resolve("test-provider", map[string]string{"apiKey": "k"})
	assert.NoError(t, err)
	assert.NotNil(t, p)
	assert.Equal(t, "k", p.(*stubProvider).config["apiKey"])
}

func TestRegistry_CapabilitiesCached(t *testing.T) {
	registry := NewRegistry()
	registry.Register("test-provider", func() PaymentProvider { return &stubProvider{} })

	caps, err := registry.Capabilities("test-provider")
	assert.NoError(t, err)
	assert.True(t, caps.SupportsRefund)
	assert.Equal(t, []string{"XAF"}, caps.Currencies)
	assert.True(t, caps.SupportsCurrency("XAF"))
	assert.False(t, caps.SupportsCurrency("USD"))
}

func TestRegistry_Resolve_NotFound(t *testing.T) {
	registry := NewRegistry()

	p, err := registry.Resolve("non-existent", nil)
	assert.Error(t, err)
	assert.Nil(t, p)
	assert.Contains(t, err.Error(), "is not registered")
}

func TestRegistry_Resolve_InitError(t *testing.T) {
	registry := NewRegistry()
	registry.Register("broken", func() PaymentProvider {
		return &stubProvider{initErr: errors.New("secretKey is required")}
	})

	p, err := registry.Resolve("broken", map[string]string{})
	assert.Error(t, err)
	assert.Nil(t, p)
	assert.Contains(t, err.Error(), "failed to initialize")
}

func TestRegistry_Clear(t *testing.T) {
	registry := NewRegistry()
	registry.Register("p1", func() PaymentProvider { return &stubProvider{} })
	registry.Register("p2", func() PaymentProvider { return &stubProvider{} })
	assert.Len(t, registry.Names(), 2)

	registry.Clear()
	assert.Empty(t, registry.Names())
	assert.Empty(t, registry.AllCapabilities())

	_, err := registry.Capabilities("p1")
	assert.Error(t, err)
}
