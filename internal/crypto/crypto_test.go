package crypto

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptedKeyRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	pk, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	raw, err := LoadKey(KeyConfig{RawPrivateKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(raw.PublicKey), ethcrypto.PubkeyToAddress(pk.PublicKey))

	_, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	assert.ErrorContains(t, err, "decryption failed")

	_, err = LoadKey(KeyConfig{})
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestRecordSignatureRecovers(t *testing.T) {
	pk, err := LoadKey(KeyConfig{RawPrivateKey: testKey})
	require.NoError(t, err)
	s := NewRecordSigner(pk)

	rec := domain.ExecutionRecord{
		ID:             "r1",
		AttemptID:      "a1",
		Asset:          common.HexToAddress("0xa0b86991"),
		AmountIn:       uint256.NewInt(1_000_000),
		Premium:        uint256.NewInt(900),
		Profit:         uint256.NewInt(1500),
		Succeeded:      true,
		RulesetVersion: 4,
		Caller:         common.HexToAddress("0xca11"),
		Timestamp:      time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	sig, err := s.Sign(rec)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	rec.Signature = sig
	got, err := RecoverSigner(rec)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	rec.Profit = uint256.NewInt(1501)
	got, err = RecoverSigner(rec)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), got, "tampered record recovers a different address")
}

func TestHMACAuth(t *testing.T) {
	auth := HMACAuth{Key: "ops", Secret: "s3cret"}
	now := time.Unix(1_780_000_000, 0)
	body := []byte(`{"paused":true}`)
	h := auth.Headers("POST", "/api/governance/pause", body, now)

	require.NoError(t, auth.Verify("POST", "/api/governance/pause", body, h[HeaderTimestamp], h[HeaderSignature], now.Add(10*time.Second), time.Minute))
	assert.ErrorIs(t, auth.Verify("POST", "/api/governance/unpause", body, h[HeaderTimestamp], h[HeaderSignature], now, time.Minute), ErrBadSignature)
	assert.ErrorIs(t, auth.Verify("POST", "/api/governance/pause", body, h[HeaderTimestamp], h[HeaderSignature], now.Add(2*time.Minute), time.Minute), ErrStaleRequest)
	assert.Equal(t, "HMACAuth{key=****, secret=s3cr****}", auth.String())
}
