package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	require.NoError(t, err)
	pk := &PrivateKey{key}

	addr := pk.PubKey().Address(TestnetPrefix)
	encoded := addr.String()
	require.Equal(t, "tpay", encoded[:4])

	decoded, err := DecodeAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, addr.Bytes(), decoded.Bytes())
	require.Equal(t, TestnetPrefix, decoded.Prefix())
}

func TestAddressFromPublicKeyCompressedAndUncompressed(t *testing.T) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	require.NoError(t, err)
	want := ethcrypto.PubkeyToAddress(key.PublicKey).Bytes()

	compressed := hex.EncodeToString(ethcrypto.CompressPubkey(&key.PublicKey))
	addr, err := AddressFromPublicKey(compressed, MainnetPrefix)
	require.NoError(t, err)
	require.Equal(t, want, addr.Bytes())

	uncompressed := hex.EncodeToString(ethcrypto.FromECDSAPub(&key.PublicKey))
	addr, err = AddressFromPublicKey(uncompressed, MainnetPrefix)
	require.NoError(t, err)
	require.Equal(t, want, addr.Bytes())

	_, err = AddressFromPublicKey("deadbeef", MainnetPrefix)
	require.Error(t, err)
}

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	require.NoError(t, err)
	raw := hex.EncodeToString(ethcrypto.FromECDSA(key))

	parsed, err := PrivateKeyFromHex(raw)
	require.NoError(t, err)
	require.Equal(t, ethcrypto.FromECDSA(key), parsed.Bytes())

	parsed, err = PrivateKeyFromHex("0x" + raw)
	require.NoError(t, err)
	require.Equal(t, ethcrypto.FromECDSA(key), parsed.Bytes())

	_, err = PrivateKeyFromHex("")
	require.True(t, errors.Is(err, ErrInvalidKey))
	_, err = PrivateKeyFromHex("not-hex")
	require.True(t, errors.Is(err, ErrInvalidKey))
}

func TestSignRequires32ByteDigest(t *testing.T) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	require.NoError(t, err)
	pk := &PrivateKey{key}

	digest := Keccak256([]byte("payload"))
	sig, err := pk.Sign(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	_, err = pk.Sign([]byte("short"))
	require.Error(t, err)
}
