package orangemoney

import "github.com/payflowhq/payflow/provider"

// Register Orange Money provider with the gateway registry
func init() {
	provider.Register("orangemoney", NewProvider)
}
