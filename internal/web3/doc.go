// Package web3 houses ledger connectivity for the orchestrator: the
// read-only Ledger interface used for runtime value resolution and balance
// reporting, the ERC20 ABI shared by the instruction builder, and the YAML
// chain definitions consumed by the provider registry.
package web3
