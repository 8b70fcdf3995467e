package connection

import (
	"fmt"
	"strings"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
)

// NoProviderError means no ledger endpoint could be reached.
type NoProviderError struct {
	Attempts []string
	Err      error
}

func (e *NoProviderError) Error() string {
	if len(e.Attempts) == 0 {
		return "no ledger provider configured"
	}
	return fmt.Sprintf("no ledger provider reachable (tried %s): %v", strings.Join(e.Attempts, ", "), e.Err)
}

func (e *NoProviderError) Unwrap() error { return e.Err }

// NoAccountAccessError means the provider exposes no accounts.
type NoAccountAccessError struct {
	Provider Provider
	Endpoint string
}

func (e *NoAccountAccessError) Error() string {
	return fmt.Sprintf("%s provider at %s exposes no accounts", e.Provider, e.Endpoint)
}

// ContractNotDeployedError means the connected network has no usable
// deployment of the contract.
type ContractNotDeployedError struct {
	Network  string
	Expected contract.Address
	Reason   string
}

func (e *ContractNotDeployedError) Error() string {
	if e.Expected.IsEmpty() {
		return fmt.Sprintf("contract not deployed on network %q: %s", e.Network, e.Reason)
	}
	return fmt.Sprintf("contract %s not deployed on network %q: %s", e.Expected, e.Network, e.Reason)
}
