package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// recordArgs is the ABI layout hashed for a record signature. Per-hop
// amounts and the signature itself are excluded.
var recordArgs = func() abi.Arguments {
	must := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		return typ
	}
	str, addr, u256, u64, i64, b := must("string"), must("address"), must("uint256"), must("uint64"), must("int64"), must("bool")
	return abi.Arguments{
		{Name: "id", Type: str},
		{Name: "attemptId", Type: str},
		{Name: "asset", Type: addr},
		{Name: "amountIn", Type: u256},
		{Name: "premium", Type: u256},
		{Name: "profit", Type: u256},
		{Name: "succeeded", Type: b},
		{Name: "reason", Type: str},
		{Name: "rulesetVersion", Type: u64},
		{Name: "caller", Type: addr},
		{Name: "timestamp", Type: i64},
	}
}()

func bigOrZero(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

// RecordDigest returns the EIP-191 digest of rec's signed fields.
func RecordDigest(rec domain.ExecutionRecord) ([]byte, error) {
	packed, err := recordArgs.Pack(
		rec.ID, rec.AttemptID, rec.Asset,
		bigOrZero(rec.AmountIn), bigOrZero(rec.Premium), bigOrZero(rec.Profit),
		rec.Succeeded, rec.RejectionReason, rec.RulesetVersion, rec.Caller,
		rec.Timestamp.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: pack record: %w", err)
	}
	return accounts.TextHash(ethcrypto.Keccak256(packed)), nil
}

// RecordSigner signs execution records with the operator key.
type RecordSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewRecordSigner wraps key.
func NewRecordSigner(key *ecdsa.PrivateKey) *RecordSigner {
	return &RecordSigner{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// Address is the operator address records recover to.
func (s *RecordSigner) Address() common.Address { return s.address }

// Sign returns a 65-byte r||s||v signature with v in {27,28}.
func (s *RecordSigner) Sign(rec domain.ExecutionRecord) ([]byte, error) {
	digest, err := RecordDigest(rec)
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverSigner returns the address that signed rec.
func RecoverSigner(rec domain.ExecutionRecord) (common.Address, error) {
	if len(rec.Signature) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature length %d", len(rec.Signature))
	}
	digest, err := RecordDigest(rec)
	if err != nil {
		return common.Address{}, err
	}
	sig := common.CopyBytes(rec.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
