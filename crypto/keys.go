package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidKey reports a malformed private key. Sign mode treats this as a
// fatal configuration fault.
var ErrInvalidKey = errors.New("crypto: invalid private key")

// AddressPrefix defines the human-readable address prefix per network.
type AddressPrefix string

const (
	MainnetPrefix AddressPrefix = "pay"
	TestnetPrefix AddressPrefix = "tpay"
	PrivatePrefix AddressPrefix = "ppay"
)

// Address represents a 20-byte account address with a network prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("crypto: address must be 20 bytes, got %d", len(b))
	}
	return Address{prefix: prefix, bytes: b}, nil
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// AddressFromPublicKey derives the account address behind a hex-encoded
// secp256k1 public key. Both compressed (33 byte) and uncompressed (65 byte)
// encodings appear on node transaction feeds, so both are accepted.
func AddressFromPublicKey(pubHex string, prefix AddressPrefix) (Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(pubHex), "0x"))
	if err != nil {
		return Address{}, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	var pub *ecdsa.PublicKey
	switch len(raw) {
	case 33:
		pub, err = ethcrypto.DecompressPubkey(raw)
	case 65:
		pub, err = ethcrypto.UnmarshalPubkey(raw)
	default:
		return Address{}, fmt.Errorf("crypto: unexpected public key length %d", len(raw))
	}
	if err != nil {
		return Address{}, fmt.Errorf("crypto: invalid public key: %w", err)
	}
	return NewAddress(prefix, ethcrypto.PubkeyToAddress(*pub).Bytes())
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

// PrivateKeyFromHex parses a hex-encoded private key, typically sourced from
// an environment variable. Malformed keys yield ErrInvalidKey so callers can
// distinguish misconfiguration from transient faults.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, ErrInvalidKey
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	return ethcrypto.Sign(digest, k.PrivateKey)
}

func (k *PublicKey) Address(prefix AddressPrefix) Address {
	addr, err := NewAddress(prefix, ethcrypto.PubkeyToAddress(*k.PublicKey).Bytes())
	if err != nil {
		panic(err)
	}
	return addr
}

// Hex returns the compressed hex encoding of the public key as it appears in
// node transaction payloads.
func (k *PublicKey) Hex() string {
	return hex.EncodeToString(ethcrypto.CompressPubkey(k.PublicKey))
}

// Keccak256 hashes data with the digest function used for signature
// transactions.
func Keccak256(data ...[]byte) []byte {
	return ethcrypto.Keccak256(data...)
}
