package mtnmomo

import "github.com/payflowhq/payflow/provider"

// Register MTN MoMo provider with the gateway registry
func init() {
	provider.Register("mtnmomo", NewProvider)
}
