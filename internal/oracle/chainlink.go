// Package oracle provides domain.PriceOracle implementations: Chainlink
// aggregators read over JSON-RPC, an HTTP price API and a static table.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

const aggregatorABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

// ContractCaller is the read-only subset of ethclient.Client used here.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Chainlink reads prices from Chainlink AggregatorV3 contracts.
type Chainlink struct {
	caller  ContractCaller
	feeds   map[string]common.Address
	maxAge  time.Duration
	timeout time.Duration
	now     func() time.Time
	abi     abi.ABI

	mu       sync.Mutex
	decimals map[common.Address]uint8
}

// ChainlinkConfig configures a Chainlink oracle.
type ChainlinkConfig struct {
	// Feeds maps an asset symbol to its aggregator address.
	Feeds map[string]string
	// MaxAge rejects answers older than this. Zero disables the check.
	MaxAge  time.Duration
	Timeout time.Duration
}

// NewChainlink creates a Chainlink oracle reading through caller.
func NewChainlink(caller ContractCaller, cfg ChainlinkConfig) (*Chainlink, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("oracle: parse aggregator abi: %w", err)
	}
	feeds := make(map[string]common.Address, len(cfg.Feeds))
	for asset, addr := range cfg.Feeds {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("oracle: feed %s: invalid address %q", asset, addr)
		}
		feeds[strings.ToUpper(asset)] = common.HexToAddress(addr)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Chainlink{
		caller:   caller,
		feeds:    feeds,
		maxAge:   cfg.MaxAge,
		timeout:  cfg.Timeout,
		now:      time.Now,
		abi:      parsed,
		decimals: make(map[common.Address]uint8),
	}, nil
}

// GetCurrentPrice returns the latest aggregator answer rescaled to 8 decimals.
func (c *Chainlink) GetCurrentPrice(ctx context.Context, asset string) (domain.Price, error) {
	feed, ok := c.feeds[strings.ToUpper(asset)]
	if !ok {
		return 0, fmt.Errorf("oracle: chainlink: no feed for %s: %w", asset, domain.ErrOracleUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dec, err := c.feedDecimals(ctx, feed)
	if err != nil {
		return 0, err
	}

	out, err := c.call(ctx, feed, "latestRoundData")
	if err != nil {
		return 0, err
	}
	if len(out) != 5 {
		return 0, fmt.Errorf("oracle: chainlink: latestRoundData returned %d values: %w", len(out), domain.ErrOracleUnavailable)
	}
	answer, ok1 := out[1].(*big.Int)
	updatedAt, ok2 := out[3].(*big.Int)
	if !ok1 || !ok2 {
		return 0, fmt.Errorf("oracle: chainlink: unexpected latestRoundData types: %w", domain.ErrOracleUnavailable)
	}
	if answer.Sign() <= 0 {
		return 0, fmt.Errorf("oracle: chainlink: non-positive answer %s for %s: %w", answer, asset, domain.ErrOracleUnavailable)
	}
	if c.maxAge > 0 {
		age := c.now().Sub(time.Unix(updatedAt.Int64(), 0))
		if age > c.maxAge {
			return 0, fmt.Errorf("oracle: chainlink: %s answer is %s old: %w", asset, age.Round(time.Second), domain.ErrOracleUnavailable)
		}
	}

	p, err := domain.PriceFromScaled(answer, dec)
	if err != nil {
		return 0, fmt.Errorf("oracle: chainlink: %v: %w", err, domain.ErrOracleUnavailable)
	}
	return p, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, feed common.Address) (uint8, error) {
	c.mu.Lock()
	dec, ok := c.decimals[feed]
	c.mu.Unlock()
	if ok {
		return dec, nil
	}

	out, err := c.call(ctx, feed, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("oracle: chainlink: decimals returned %d values: %w", len(out), domain.ErrOracleUnavailable)
	}
	dec, ok = out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("oracle: chainlink: decimals has type %T: %w", out[0], domain.ErrOracleUnavailable)
	}

	c.mu.Lock()
	c.decimals[feed] = dec
	c.mu.Unlock()
	return dec, nil
}

func (c *Chainlink) call(ctx context.Context, feed common.Address, method string) ([]any, error) {
	data, err := c.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("oracle: chainlink: pack %s: %w", method, err)
	}
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: chainlink: call %s on %s: %v: %w", method, feed.Hex(), err, domain.ErrOracleUnavailable)
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("oracle: chainlink: unpack %s: %v: %w", method, err, domain.ErrOracleUnavailable)
	}
	return out, nil
}
