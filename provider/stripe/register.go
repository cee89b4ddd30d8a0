package stripe

import "github.com/payflowhq/payflow/provider"

// Register Stripe provider with the gateway registry
func init() {
	provider.Register("stripe", NewProvider)
}
