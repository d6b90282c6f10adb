package metatx

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradevault/internal/faults"
)

var testDomain = Domain{
	Name:              "TradeVault",
	Version:           "1",
	ChainID:           big.NewInt(31337),
	VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000e5c00"),
}

func TestDomain_Validate(t *testing.T) {
	require.NoError(t, testDomain.Validate())

	bad := []Domain{
		{Version: "1", ChainID: big.NewInt(1), VerifyingContract: testDomain.VerifyingContract},
		{Name: "x", Version: "1", VerifyingContract: testDomain.VerifyingContract},
		{Name: "x", Version: "1", ChainID: big.NewInt(1)},
	}
	for _, d := range bad {
		assert.ErrorIs(t, d.Validate(), ErrInvalidDomain)
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	call := []byte{0xde, 0xad, 0xbe, 0xef}

	sig, err := testDomain.Sign(key, 7, call)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	assert.Contains(t, []byte{27, 28}, sig[64])

	digest, err := testDomain.Hash(7, from, call)
	require.NoError(t, err)
	got, err := Recover(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, from, got)

	// v in {0, 1} is accepted too.
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	got, err = Recover(digest, raw)
	require.NoError(t, err)
	assert.Equal(t, from, got)
}

func TestHash_BindsEveryField(t *testing.T) {
	from := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	call := []byte{1, 2, 3, 4}
	base, err := testDomain.Hash(0, from, call)
	require.NoError(t, err)

	otherChain := testDomain
	otherChain.ChainID = big.NewInt(1)
	otherContract := testDomain
	otherContract.VerifyingContract = common.HexToAddress("0x01")
	otherVersion := testDomain
	otherVersion.Version = "2"

	variants := []func() (common.Hash, error){
		func() (common.Hash, error) { return testDomain.Hash(1, from, call) },
		func() (common.Hash, error) { return testDomain.Hash(0, common.HexToAddress("0xb1"), call) },
		func() (common.Hash, error) { return testDomain.Hash(0, from, []byte{1, 2, 3, 5}) },
		func() (common.Hash, error) { return otherChain.Hash(0, from, call) },
		func() (common.Hash, error) { return otherContract.Hash(0, from, call) },
		func() (common.Hash, error) { return otherVersion.Hash(0, from, call) },
	}
	for i, v := range variants {
		h, err := v()
		require.NoError(t, err)
		assert.NotEqual(t, base, h, "variant %d", i)
	}
}

func TestRecover_RejectsMalformed(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := testDomain.Sign(key, 0, []byte{1})
	require.NoError(t, err)
	digest, err := testDomain.Hash(0, crypto.PubkeyToAddress(key.PublicKey), []byte{1})
	require.NoError(t, err)

	_, err = Recover(digest, sig[:64])
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, faults.KindCrypto, faults.KindOf(err))

	badV := append([]byte(nil), sig...)
	badV[64] = 30
	_, err = Recover(digest, badV)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// The malleated twin (n - s, flipped v) recovers the same key but is
	// not canonical.
	s := new(big.Int).SetBytes(sig[32:64])
	highS := new(big.Int).Sub(crypto.S256().Params().N, s)
	malleated := append([]byte(nil), sig...)
	copy(malleated[32:64], common.LeftPadBytes(highS.Bytes(), 32))
	malleated[64] = 27 + (1 - (sig[64] - 27))
	_, err = Recover(digest, malleated)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
