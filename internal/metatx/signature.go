// Package metatx authenticates and executes meta-transactions: calls signed
// off-line by a principal and submitted by any relayer. The signed message
// binds the principal's current nonce, the principal and the encoded call
// under a typed-data domain naming this engine, so a signature authorizes
// exactly one execution in exactly one deployment.
package metatx

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/mbd888/tradevault/internal/faults"
)

var (
	ErrInvalidSignature = faults.New(faults.KindCrypto, "metatx: invalid signature")
	ErrInvalidDomain    = faults.New(faults.KindValidation, "metatx: incomplete signing domain")
)

// SignatureLength is r || s || v.
const SignatureLength = 65

const primaryType = "MetaTransaction"

// Domain identifies the engine deployment signatures are bound to.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// Validate rejects domains that would let signatures travel between
// deployments.
func (d Domain) Validate() error {
	if d.Name == "" || d.Version == "" {
		return fmt.Errorf("%w: name and version are required", ErrInvalidDomain)
	}
	if d.ChainID == nil || d.ChainID.Sign() <= 0 {
		return fmt.Errorf("%w: chain id must be positive", ErrInvalidDomain)
	}
	if d.VerifyingContract == (common.Address{}) {
		return fmt.Errorf("%w: verifying contract is required", ErrInvalidDomain)
	}
	return nil
}

// TypedData builds the structured message a principal signs.
func (d Domain) TypedData(nonce uint64, from common.Address, call []byte) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			primaryType: {
				{Name: "nonce", Type: "uint256"},
				{Name: "from", Type: "address"},
				{Name: "functionSignature", Type: "bytes"},
			},
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID)),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"nonce":             new(big.Int).SetUint64(nonce),
			"from":              from.Hex(),
			"functionSignature": append([]byte(nil), call...),
		},
	}
}

// Hash returns the digest a principal signs for (nonce, from, call).
func (d Domain) Hash(nonce uint64, from common.Address, call []byte) (common.Hash, error) {
	if err := d.Validate(); err != nil {
		return common.Hash{}, err
	}
	digest, _, err := apitypes.TypedDataAndHash(d.TypedData(nonce, from, call))
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// Sign produces a 65-byte signature with v in {27, 28}. Used by clients and
// tests; the engine only verifies.
func (d Domain) Sign(key *ecdsa.PrivateKey, nonce uint64, call []byte) ([]byte, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	digest, err := d.Hash(nonce, from, call)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Recover returns the address that produced sig over digest. v may be 0/1
// or 27/28; malleable high-s signatures are rejected.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(sig))
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, fmt.Errorf("%w: malformed or non-canonical signature values", ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
