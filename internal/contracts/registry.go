// Package contracts describes the deployed escrow and investment receipt
// contracts: their addresses and callable interfaces.
package contracts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Fallback addresses are the first two deterministic deployment addresses of a
// fresh local development chain (deployer nonce 0 and 1). They are used when no
// address is configured so that callers never hold an empty address.
const (
	FallbackEscrowAddress        = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	FallbackInvestmentNFTAddress = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
)

// Kind of an interface entry.
type Kind string

const (
	KindFunction Kind = "function"
	KindEvent    Kind = "event"
)

// Mutability of a function entry. Events carry an empty mutability.
type Mutability string

const (
	Pure       Mutability = "pure"
	View       Mutability = "view"
	NonPayable Mutability = "nonpayable"
	Payable    Mutability = "payable"
)

// Param is a named, typed argument or return value.
type Param struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Entry is one function or event of a contract interface.
type Entry struct {
	Name       string     `json:"name"`
	Kind       Kind       `json:"type"`
	Mutability Mutability `json:"stateMutability,omitempty"`
	Inputs     []Param    `json:"inputs"`
	Outputs    []Param    `json:"outputs,omitempty"`
}

// Descriptor pairs a contract address with its interface. Entries keeps the
// declaration order of the ABI; ABI is the parsed form used for encoding calls.
type Descriptor struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
	Entries []Entry
}

// Functions returns the function entries in declaration order.
func (d Descriptor) Functions() []Entry {
	return d.filter(KindFunction)
}

// Events returns the event entries in declaration order.
func (d Descriptor) Events() []Entry {
	return d.filter(KindEvent)
}

func (d Descriptor) filter(kind Kind) []Entry {
	var out []Entry
	for _, e := range d.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Registry holds the descriptors of every contract the platform talks to.
// It is built once at startup and never mutated.
type Registry struct {
	Escrow        Descriptor
	InvestmentNFT Descriptor
}

// NewRegistry builds the registry from configured addresses. Absent or
// malformed addresses are replaced by the documented fallbacks.
func NewRegistry(escrowAddress, nftAddress string) (*Registry, error) {
	escrow, err := NewDescriptor("Escrow", EscrowABI, ResolveAddress(escrowAddress, FallbackEscrowAddress))
	if err != nil {
		return nil, err
	}
	nft, err := NewDescriptor("InvestmentNFT", InvestmentNFTABI, ResolveAddress(nftAddress, FallbackInvestmentNFTAddress))
	if err != nil {
		return nil, err
	}
	return &Registry{Escrow: escrow, InvestmentNFT: nft}, nil
}

// NewDescriptor parses rawABI and binds it to address.
func NewDescriptor(name, rawABI string, address common.Address) (Descriptor, error) {
	parsed, err := abi.JSON(strings.NewReader(rawABI))
	if err != nil {
		return Descriptor{}, fmt.Errorf("parse %s abi: %w", name, err)
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(rawABI), &entries); err != nil {
		return Descriptor{}, fmt.Errorf("decode %s entries: %w", name, err)
	}
	return Descriptor{
		Name:    name,
		Address: address,
		ABI:     parsed,
		Entries: entries,
	}, nil
}

// ResolveAddress returns configured when it is a well-formed 20-byte hex
// address, otherwise fallback.
func ResolveAddress(configured, fallback string) common.Address {
	configured = strings.TrimSpace(configured)
	if IsConfigured(configured) {
		return common.HexToAddress(configured)
	}
	return common.HexToAddress(fallback)
}

// IsConfigured reports whether value would be used as-is by ResolveAddress.
func IsConfigured(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "0x") && common.IsHexAddress(value)
}
