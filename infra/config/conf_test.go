package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_CONF_KEY", "value")
	defer os.Unsetenv("TEST_CONF_KEY")

	assert.Equal(t, "value", GetEnv("TEST_CONF_KEY", "fallback"))
	assert.Equal(t, "fallback", GetEnv("TEST_CONF_MISSING", "fallback"))
}

func TestGetBoolEnv(t *testing.T) {
	os.Setenv("TEST_CONF_BOOL", "true")
	defer os.Unsetenv("TEST_CONF_BOOL")

	assert.True(t, GetBoolEnv("TEST_CONF_BOOL", false))
	assert.True(t, GetBoolEnv("TEST_CONF_BOOL_MISSING", true))

	os.Setenv("TEST_CONF_BOOL", "not-a-bool")
	assert.False(t, GetBoolEnv("TEST_CONF_BOOL", false))
}

func TestGetIntEnv(t *testing.T) {
	os.Setenv("TEST_CONF_INT", "42")
	defer os.Unsetenv("TEST_CONF_INT")

	assert.Equal(t, 42, GetIntEnv("TEST_CONF_INT", 7))
	assert.Equal(t, 7, GetIntEnv("TEST_CONF_INT_MISSING", 7))

	os.Setenv("TEST_CONF_INT", "not-a-number")
	assert.Equal(t, 7, GetIntEnv("TEST_CONF_INT", 7))
}

func TestGetPaymentPolicyDefaults(t *testing.T) {
	policyInstance = nil

	policy := GetPaymentPolicy()
	assert.Equal(t, 30*time.Minute, policy.ExpiryWindow)
	assert.Equal(t, 2*time.Minute, policy.ReconcileMinAge)
	assert.Equal(t, 25*time.Minute, policy.ReconcileMaxAge)
	assert.Equal(t, 50, policy.ReconcileBatchSize)
	assert.Equal(t, "mtnmomo", policy.DefaultProvider)

	// reconcile window must sit inside the expiry window
	assert.Less(t, policy.ReconcileMaxAge, policy.ExpiryWindow)
}

func TestGetPaymentPolicyFromEnv(t *testing.T) {
	policyInstance = nil
	os.Setenv("PAYMENT_EXPIRY_MINUTES", "45")
	os.Setenv("RECONCILE_MIN_AGE_SECONDS", "60")
	defer func() {
		os.Unsetenv("PAYMENT_EXPIRY_MINUTES")
		os.Unsetenv("RECONCILE_MIN_AGE_SECONDS")
		policyInstance = nil
	}()

	policy := GetPaymentPolicy()
	assert.Equal(t, 45*time.Minute, policy.ExpiryWindow)
	assert.Equal(t, time.Minute, policy.ReconcileMinAge)
}
