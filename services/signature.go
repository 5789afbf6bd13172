package services

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nick1udwig/sitg/utils"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
)

const (
	typedDataDomainName    = "StakeToContribute"
	typedDataDomainVersion = "1"
	typedDataPrimaryType   = "PRGateConfirmation"

	defaultChainId  = 8453 // Base mainnet
	zeroAddress     = "0x0000000000000000000000000000000000000000"
	signatureLength = 65
)

// ConfirmationFields are the message fields of the PRGateConfirmation struct.
// challengeId/nonce are UUIDs packed into bytes32/uint256 (low 16 bytes), so
// the 256-bit encoding round-trips with no truncation.
type ConfirmationFields struct {
	GithubUserId      int64
	GithubRepoId      int64
	PullRequestNumber int
	HeadSha           string
	ChallengeId       uuid.UUID
	Nonce             uuid.UUID
	ExpiresAt         int64
}

// ChainId returns the single EVM chain this deployment verifies against.
func ChainId() int64 {
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return defaultChainId
}

// VerifyingContract returns the EIP-712 domain's verifying contract address.
func VerifyingContract() string {
	if v := strings.TrimSpace(os.Getenv("STAKING_CONTRACT_ADDRESS")); v != "" {
		if addr, err := NormalizeWalletAddress(v); err == nil {
			return addr
		}
	}
	return zeroAddress
}

// RecoverPersonalSign recovers the signer of a plain message signed with the
// standard "\x19Ethereum Signed Message:\n" prefix convention. Returns the
// lowercase hex address.
func RecoverPersonalSign(message string, signatureHex string) (string, error) {
	sig, err := parseSignature(signatureHex)
	if err != nil {
		return "", err
	}
	digest := accounts.TextHash([]byte(message))
	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", utils.Validation("signature recovery failed")
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubkey).Hex()), nil
}

// RecoverConfirmationTypedData hashes the PRGateConfirmation typed data per
// EIP-712 and recovers the signer. Returns the lowercase hex address.
func RecoverConfirmationTypedData(fields ConfirmationFields, signatureHex string) (string, error) {
	sig, err := parseSignature(signatureHex)
	if err != nil {
		return "", err
	}

	typedData := ConfirmationTypedData(fields)
	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", utils.Validation("failed to hash typed data")
	}

	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", utils.Validation("signature recovery failed")
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubkey).Hex()), nil
}

// ConfirmationTypedData builds the exact EIP-712 structure a gate visitor must
// sign. The confirm-typed-data endpoint serves this same structure, so signer
// and verifier can never drift apart.
func ConfirmationTypedData(fields ConfirmationFields) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			typedDataPrimaryType: []apitypes.Type{
				{Name: "githubUserId", Type: "uint256"},
				{Name: "githubRepoId", Type: "uint256"},
				{Name: "pullRequestNumber", Type: "uint256"},
				{Name: "headSha", Type: "string"},
				{Name: "challengeId", Type: "bytes32"},
				{Name: "nonce", Type: "uint256"},
				{Name: "expiresAt", Type: "uint256"},
			},
		},
		PrimaryType: typedDataPrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              typedDataDomainName,
			Version:           typedDataDomainVersion,
			ChainId:           math.NewHexOrDecimal256(ChainId()),
			VerifyingContract: VerifyingContract(),
		},
		Message: apitypes.TypedDataMessage{
			"githubUserId":      strconv.FormatInt(fields.GithubUserId, 10),
			"githubRepoId":      strconv.FormatInt(fields.GithubRepoId, 10),
			"pullRequestNumber": strconv.Itoa(fields.PullRequestNumber),
			"headSha":           fields.HeadSha,
			"challengeId":       UUIDToBytes32Hex(fields.ChallengeId),
			"nonce":             UUIDToUint256(fields.Nonce).String(),
			"expiresAt":         strconv.FormatInt(fields.ExpiresAt, 10),
		},
	}
}

// UUIDToBytes32Hex packs a UUID into the low 16 bytes of a bytes32 hex string.
func UUIDToBytes32Hex(id uuid.UUID) string {
	var buf [32]byte
	copy(buf[16:], id[:])
	return hexutil.Encode(buf[:])
}

// UUIDToUint256 interprets a UUID as an unsigned 128-bit integer, widened to
// 256 bits. Inverse of Uint256ToUUID.
func UUIDToUint256(id uuid.UUID) *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// Uint256ToUUID recovers a UUID from its uint256 encoding. Fails if the value
// does not fit in 128 bits.
func Uint256ToUUID(v *big.Int) (uuid.UUID, error) {
	var id uuid.UUID
	if v.Sign() < 0 || v.BitLen() > 128 {
		return id, fmt.Errorf("value %s does not encode a UUID", v)
	}
	v.FillBytes(id[:])
	return id, nil
}

// WalletLinkMessage is the canonical personal-sign message for linking a
// wallet. Signer and verifier must build the identical string.
func WalletLinkMessage(githubUserId int64, nonce string, expiresAt time.Time) string {
	return fmt.Sprintf("Link wallet for github_user_id=%d nonce=%s expires_at=%s.",
		githubUserId, nonce, expiresAt.UTC().Format(time.RFC3339))
}

// NormalizeWalletAddress lowercases and validates a 20-byte 0x-prefixed hex
// address. All address comparison in this system is on this normalized form;
// checksum casing is never relied on.
func NormalizeWalletAddress(address string) (string, error) {
	lowered := strings.ToLower(strings.TrimSpace(address))
	if len(lowered) != 42 || !strings.HasPrefix(lowered, "0x") {
		return "", utils.Validation("wallet_address must be a 20-byte 0x-prefixed hex string")
	}
	if _, err := hexutil.Decode(lowered); err != nil {
		return "", utils.Validation("wallet_address must be a 20-byte 0x-prefixed hex string")
	}
	return lowered, nil
}

func parseSignature(signatureHex string) ([]byte, error) {
	raw := strings.TrimSpace(signatureHex)
	if !strings.HasPrefix(raw, "0x") {
		raw = "0x" + raw
	}
	sig, err := hexutil.Decode(raw)
	if err != nil || len(sig) != signatureLength {
		return nil, utils.Validation("signature is not a valid 65-byte hex signature")
	}
	// Accept both the {27,28} and {0,1} recovery id conventions.
	out := make([]byte, signatureLength)
	copy(out, sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	if out[64] > 1 {
		return nil, utils.Validation("signature is not a valid 65-byte hex signature")
	}
	return out, nil
}
