package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"payrelay/crypto"
)

func clientFor(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	sel, err := NewSelector([]Endpoint{{Host: u.Hostname(), Port: port}})
	require.NoError(t, err)
	return NewHTTPClient(sel, crypto.TestnetPrefix)
}

func TestFetchIncomingPagesAndCursor(t *testing.T) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	require.NoError(t, err)
	pubHex := hex.EncodeToString(ethcrypto.CompressPubkey(&key.PublicKey))

	var gotBefore string
	client := clientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/account/transfers/incoming", r.URL.Path)
		require.Equal(t, "tpay1wallet", r.URL.Query().Get("address"))
		require.Equal(t, "25", r.URL.Query().Get("pageSize"))
		gotBefore = r.URL.Query().Get("id")
		envelopes := []Envelope{
			{
				Meta: EnvelopeMeta{ID: 7, Hash: &WireHash{Data: "hash-7"}},
				Transaction: WireTransaction{
					Type: wireTransfer, Signer: pubHex, Recipient: "tpay1wallet", Amount: 10,
				},
			},
			// Unsupported type tags are dropped, not errors.
			{
				Meta:        EnvelopeMeta{ID: 6, Hash: &WireHash{Data: "hash-6"}},
				Transaction: WireTransaction{Type: 2049},
			},
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": envelopes})
	}))

	records, err := client.FetchIncoming(context.Background(), "tpay1wallet", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "hash-7", records[0].Hash)
	require.Empty(t, gotBefore)

	_, err = client.FetchIncoming(context.Background(), "tpay1wallet", 7)
	require.NoError(t, err)
	require.Equal(t, "7", gotBefore)
}

func TestChainHeight(t *testing.T) {
	client := clientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chain/height", r.URL.Path)
		fmt.Fprint(w, `{"height": 123456}`)
	}))
	height, err := client.ChainHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(123456), height)
}

func TestBroadcastDecodesResult(t *testing.T) {
	client := clientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transaction/announce", r.URL.Path)
		var payload SignedPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "cafe", payload.Data)
		fmt.Fprint(w, `{"code": 1, "message": "SUCCESS"}`)
	}))
	res, err := client.Broadcast(context.Background(), SignedPayload{Data: "cafe", Signature: "00"})
	require.NoError(t, err)
	require.True(t, res.OK())
}

func TestAssetDivisorLookup(t *testing.T) {
	client := clientFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/namespace/mosaic/definition/page", r.URL.Path)
		require.Equal(t, "acme", r.URL.Query().Get("namespace"))
		fmt.Fprint(w, `{"data": [
			{"mosaic": {"id": {"namespaceId": "acme", "name": "token"},
				"properties": [{"name": "initialSupply", "value": "1000"}, {"name": "divisibility", "value": "2"}]}}
		]}`)
	}))

	div, err := client.AssetDivisor(context.Background(), "acme:token")
	require.NoError(t, err)
	require.Equal(t, 2, div)

	div, err = client.AssetDivisor(context.Background(), NativeAsset)
	require.NoError(t, err)
	require.Equal(t, nativeDivisor, div)

	_, err = client.AssetDivisor(context.Background(), "acme:missing")
	require.Error(t, err)
}

func TestIsUnreachable(t *testing.T) {
	require.False(t, IsUnreachable(nil))
	require.True(t, IsUnreachable(context.DeadlineExceeded))

	// A refused TCP connect is the canonical unreachable signal.
	sel, err := NewSelector([]Endpoint{{Host: "127.0.0.1", Port: 1}})
	require.NoError(t, err)
	client := NewHTTPClient(sel, crypto.TestnetPrefix)
	_, err = client.ChainHeight(context.Background())
	require.Error(t, err)
	require.True(t, IsUnreachable(err))
}
