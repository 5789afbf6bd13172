package services

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/nick1udwig/sitg/utils"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// StakePosition is one wallet's current locked stake.
type StakePosition struct {
	BalanceWei *big.Int
	UnlockAt   time.Time
}

// StakeSource reads a wallet's staked balance and lock expiry. The contract
// implementation does a read-only eth_call; tests substitute a stub.
type StakeSource interface {
	Position(ctx context.Context, walletAddress string) (*StakePosition, error)
}

// Stake is the process-wide stake source, wired in main (contract-backed) and
// replaced in tests.
var Stake StakeSource

const stakingABIJSON = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"stakeOf","outputs":[{"name":"amount","type":"uint256"},{"name":"unlockTime","type":"uint256"}],"stateMutability":"view","type":"function"}]`

// ContractStakeSource reads stakeOf(address) from the staking contract over a
// JSON-RPC endpoint. No transactions are ever submitted.
type ContractStakeSource struct {
	client   *ethclient.Client
	contract common.Address
	abi      abi.ABI
}

// NewContractStakeSource dials RPC_URL and targets STAKING_CONTRACT_ADDRESS.
func NewContractStakeSource() (*ContractStakeSource, error) {
	rpcURL := strings.TrimSpace(os.Getenv("RPC_URL"))
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC_URL is not configured")
	}
	contractAddr := strings.TrimSpace(os.Getenv("STAKING_CONTRACT_ADDRESS"))
	if contractAddr == "" {
		return nil, fmt.Errorf("STAKING_CONTRACT_ADDRESS is not configured")
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial staking rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(stakingABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse staking abi: %w", err)
	}

	return &ContractStakeSource{
		client:   client,
		contract: common.HexToAddress(contractAddr),
		abi:      parsed,
	}, nil
}

func (s *ContractStakeSource) Position(ctx context.Context, walletAddress string) (*StakePosition, error) {
	normalized, err := NormalizeWalletAddress(walletAddress)
	if err != nil {
		return nil, err
	}

	input, err := s.abi.Pack("stakeOf", common.HexToAddress(normalized))
	if err != nil {
		return nil, fmt.Errorf("pack stakeOf call: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	output, err := s.client.CallContract(callCtx, ethereum.CallMsg{
		To:   &s.contract,
		Data: input,
	}, nil)
	if err != nil {
		return nil, utils.ServiceUnavailable("stake source unreachable")
	}

	values, err := s.abi.Unpack("stakeOf", output)
	if err != nil || len(values) != 2 {
		return nil, utils.ServiceUnavailable("stake source returned malformed data")
	}
	amount, ok1 := values[0].(*big.Int)
	unlock, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, utils.ServiceUnavailable("stake source returned malformed data")
	}

	return &StakePosition{
		BalanceWei: amount,
		UnlockAt:   time.Unix(unlock.Int64(), 0).UTC(),
	}, nil
}
