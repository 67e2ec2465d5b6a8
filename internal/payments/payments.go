// Package payments holds the chain registry and the payment-request
// primitives behind terminal QR display: merchant address handling, USDC
// amount parsing, and EIP-681 transfer URIs.
package payments

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// USDCDecimals applies on every supported chain.
const USDCDecimals = 6

// Chain describes a supported settlement network. Arc carries USDC as its
// native currency, so transfers there are value transfers rather than
// ERC-20 calls.
type Chain struct {
	Name       string
	ChainID    uint64
	USDC       common.Address
	NativeUSDC bool
}

var chains = map[string]Chain{
	"base": {
		Name:    "base",
		ChainID: 8453,
		USDC:    common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
	},
	"polygon": {
		Name:    "polygon",
		ChainID: 137,
		USDC:    common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"),
	},
	"arc": {
		Name:       "arc",
		ChainID:    1301,
		NativeUSDC: true,
	},
}

// DefaultChain matches the original provisioning default.
const DefaultChain = "base"

var ErrUnknownChain = errors.New("unknown chain")

func ChainByName(name string) (Chain, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultChain
	}
	c, ok := chains[key]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownChain, name, strings.Join(ChainNames(), ", "))
	}
	return c, nil
}

func ChainNames() []string {
	out := make([]string, 0, len(chains))
	for name := range chains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NormalizeAddress validates a hex wallet address and returns its EIP-55
// checksum form.
func NormalizeAddress(raw string) (common.Address, error) {
	v := strings.TrimSpace(raw)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid wallet address %q", raw)
	}
	return common.HexToAddress(v), nil
}

// ParseUSDC converts a decimal amount string into 6-decimal base units.
func ParseUSDC(amount string) (*big.Int, error) {
	v := strings.TrimSpace(amount)
	if v == "" {
		return nil, fmt.Errorf("amount is required")
	}
	if strings.HasPrefix(v, "-") || strings.HasPrefix(v, "+") {
		return nil, fmt.Errorf("amount must be an unsigned decimal: %q", amount)
	}
	whole := v
	frac := ""
	if i := strings.IndexByte(v, '.'); i >= 0 {
		whole, frac = v[:i], v[i+1:]
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("amount must be a decimal number: %q", amount)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > USDCDecimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, USDCDecimals)
	}
	digits := whole + frac + strings.Repeat("0", USDCDecimals-len(frac))
	units, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a decimal number: %q", amount)
	}
	if units.Sign() == 0 {
		return nil, fmt.Errorf("amount must be positive: %q", amount)
	}
	return units, nil
}

// FormatUSDC renders base units back to the canonical decimal string.
func FormatUSDC(units *big.Int) string {
	quo, rem := new(big.Int).QuoRem(units, big.NewInt(1_000_000), new(big.Int))
	frac := strings.TrimRight(fmt.Sprintf("%06d", rem), "0")
	if frac == "" {
		return quo.String()
	}
	return quo.String() + "." + frac
}

// TransferURI builds the EIP-681 payment URI encoded into the terminal QR.
// ERC-20 chains get a token transfer call; native-USDC chains get a plain
// value transfer.
func TransferURI(c Chain, to common.Address, units *big.Int) string {
	if c.NativeUSDC {
		return fmt.Sprintf("ethereum:%s@%d?value=%s", to.Hex(), c.ChainID, units.String())
	}
	return fmt.Sprintf("ethereum:%s@%d/transfer?address=%s&uint256=%s", c.USDC.Hex(), c.ChainID, to.Hex(), units.String())
}

// NewPaymentID mints a terminal payment session identifier.
func NewPaymentID() string {
	return "PAY_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
