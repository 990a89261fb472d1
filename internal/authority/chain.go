package authority

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// The only contract surface the removal sweep needs.
const finalizedABI = `[{"inputs":[],"name":"finalized","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"}]`

// ChainReader reports on-chain finalization state for agent contracts.
type ChainReader interface {
	Finalized(ctx context.Context, contractAddress string) (bool, error)
}

// ChainClient reads contract state over Ethereum JSON-RPC.
type ChainClient struct {
	ec  *ethclient.Client
	abi abi.ABI
}

func DialChain(ctx context.Context, rpcURL string) (*ChainClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url not configured")
	}
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(finalizedABI))
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	return &ChainClient{ec: ec, abi: parsed}, nil
}

// Finalized performs an eth_call of finalized() against the contract at the
// latest block.
func (c *ChainClient) Finalized(ctx context.Context, contractAddress string) (bool, error) {
	if !common.IsHexAddress(contractAddress) {
		return false, fmt.Errorf("invalid contract address %q", contractAddress)
	}
	addr := common.HexToAddress(contractAddress)

	input, err := c.abi.Pack("finalized")
	if err != nil {
		return false, fmt.Errorf("pack finalized call: %w", err)
	}
	out, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, nil)
	if err != nil {
		return false, fmt.Errorf("call finalized: %w", err)
	}

	var finalized bool
	if err := c.abi.UnpackIntoInterface(&finalized, "finalized", out); err != nil {
		return false, fmt.Errorf("unpack finalized result: %w", err)
	}
	return finalized, nil
}

func (c *ChainClient) Close() {
	c.ec.Close()
}
