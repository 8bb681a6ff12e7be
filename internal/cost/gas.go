package cost

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	defaultSwapGasLimit = 150000
	gasRefreshWindow    = 30 * time.Second
	weiPerEth           = 1e18
)

// GasSource reads the suggested gas price from an Ethereum RPC endpoint
// and converts one swap's worth of gas into USD. Readings are cached so
// the evaluation loop never waits on the chain.
type GasSource struct {
	client   *ethclient.Client
	gasLimit uint64
	refresh  time.Duration

	mu        sync.Mutex
	lastWei   *big.Int
	lastFetch time.Time
}

func NewGasSource(rpcURL string) (*GasSource, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("eth rpc url is required")
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("eth rpc dial: %w", err)
	}
	return &GasSource{
		client:   client,
		gasLimit: defaultSwapGasLimit,
		refresh:  gasRefreshWindow,
	}, nil
}

// GasUSD estimates the USD cost of one swap. nativeTokenUSD is the USD
// price of the chain's native token; for the supported spot pairs the
// traded asset is the native token, so the spot mark serves.
func (g *GasSource) GasUSD(ctx context.Context, nativeTokenUSD float64) (float64, error) {
	if nativeTokenUSD <= 0 {
		return 0, fmt.Errorf("native token price must be > 0")
	}
	wei, err := g.gasPriceWei(ctx)
	if err != nil {
		return 0, err
	}
	gasWei := new(big.Int).Mul(wei, new(big.Int).SetUint64(g.gasLimit))
	gasEth, _ := new(big.Float).Quo(new(big.Float).SetInt(gasWei), big.NewFloat(weiPerEth)).Float64()
	return gasEth * nativeTokenUSD, nil
}

func (g *GasSource) gasPriceWei(ctx context.Context) (*big.Int, error) {
	g.mu.Lock()
	if g.lastWei != nil && time.Since(g.lastFetch) < g.refresh {
		cached := new(big.Int).Set(g.lastWei)
		g.mu.Unlock()
		return cached, nil
	}
	g.mu.Unlock()

	wei, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	g.mu.Lock()
	g.lastWei = new(big.Int).Set(wei)
	g.lastFetch = time.Now()
	g.mu.Unlock()
	return wei, nil
}

func (g *GasSource) Close() {
	if g.client != nil {
		g.client.Close()
	}
}
