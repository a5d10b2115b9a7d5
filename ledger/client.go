package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"payrelay/crypto"
)

// PageSize is the fixed page size of the node's transaction history API.
const PageSize = 25

// Client is the node capability surface consumed by the relay. Implementations
// return normalized records; raw wire shapes never leave this package.
type Client interface {
	FetchIncoming(ctx context.Context, address string, beforeID int64) ([]TransactionRecord, error)
	FetchUnconfirmed(ctx context.Context, address string) ([]TransactionRecord, error)
	ChainHeight(ctx context.Context) (int64, error)
	Broadcast(ctx context.Context, payload SignedPayload) (BroadcastResult, error)
	AssetDivisor(ctx context.Context, asset string) (int, error)
}

// SignedPayload is a serialized transaction plus its signature, ready for
// announcement.
type SignedPayload struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

// HTTPClient talks to the node REST API on whichever endpoint the selector
// currently designates.
type HTTPClient struct {
	selector *Selector
	network  crypto.AddressPrefix
	http     *http.Client
}

func NewHTTPClient(selector *Selector, network crypto.AddressPrefix) *HTTPClient {
	return &HTTPClient{
		selector: selector,
		network:  network,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FetchIncoming returns one page of the address's incoming transfer history,
// newest first. A non-zero beforeID restricts the page to transactions older
// than that node-local id.
func (c *HTTPClient) FetchIncoming(ctx context.Context, address string, beforeID int64) ([]TransactionRecord, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("pageSize", strconv.Itoa(PageSize))
	if beforeID > 0 {
		q.Set("id", strconv.FormatInt(beforeID, 10))
	}
	var resp struct {
		Data []Envelope `json:"data"`
	}
	if err := c.get(ctx, "/account/transfers/incoming", q, &resp); err != nil {
		return nil, err
	}
	return c.normalize(resp.Data), nil
}

// FetchUnconfirmed returns the address's pending transactions.
func (c *HTTPClient) FetchUnconfirmed(ctx context.Context, address string) ([]TransactionRecord, error) {
	q := url.Values{}
	q.Set("address", address)
	var resp struct {
		Data []Envelope `json:"data"`
	}
	if err := c.get(ctx, "/account/unconfirmedTransactions", q, &resp); err != nil {
		return nil, err
	}
	return c.normalize(resp.Data), nil
}

// ChainHeight returns the node's current block height.
func (c *HTTPClient) ChainHeight(ctx context.Context) (int64, error) {
	var resp struct {
		Height int64 `json:"height"`
	}
	if err := c.get(ctx, "/chain/height", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Height, nil
}

// Broadcast announces a signed transaction. Transport failures are returned
// as errors; node-level rejections come back in the result code and are the
// caller's decision.
func (c *HTTPClient) Broadcast(ctx context.Context, payload SignedPayload) (BroadcastResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return BroadcastResult{}, err
	}
	endpoint := c.selector.Current().URL() + "/transaction/announce"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return BroadcastResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return BroadcastResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return BroadcastResult{}, fmt.Errorf("ledger: announce failed: status=%d", resp.StatusCode)
	}
	var result BroadcastResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return BroadcastResult{}, err
	}
	return result, nil
}

// AssetDivisor looks up the decimal precision of a namespace:name asset. The
// native asset has a fixed divisor and needs no lookup.
func (c *HTTPClient) AssetDivisor(ctx context.Context, asset string) (int, error) {
	if asset == "" || asset == NativeAsset {
		return nativeDivisor, nil
	}
	namespace, name, ok := strings.Cut(asset, ":")
	if !ok {
		return 0, fmt.Errorf("ledger: malformed asset identifier %q", asset)
	}
	q := url.Values{}
	q.Set("namespace", namespace)
	var resp struct {
		Data []struct {
			Mosaic struct {
				ID struct {
					NamespaceID string `json:"namespaceId"`
					Name        string `json:"name"`
				} `json:"id"`
				Properties []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"properties"`
			} `json:"mosaic"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/namespace/mosaic/definition/page", q, &resp); err != nil {
		return 0, err
	}
	for _, entry := range resp.Data {
		if entry.Mosaic.ID.Name != name {
			continue
		}
		for _, prop := range entry.Mosaic.Properties {
			if prop.Name != "divisibility" {
				continue
			}
			div, err := strconv.Atoi(prop.Value)
			if err != nil {
				return 0, fmt.Errorf("ledger: asset %s divisibility %q: %w", asset, prop.Value, err)
			}
			return div, nil
		}
	}
	return 0, fmt.Errorf("ledger: asset %s not found in namespace definitions", asset)
}

func (c *HTTPClient) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	endpoint := c.selector.Current().URL() + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger: %s failed: status=%d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// normalize drops envelopes that cannot be expressed as a TransactionRecord;
// unsupported type tags are expected traffic, not faults.
func (c *HTTPClient) normalize(envelopes []Envelope) []TransactionRecord {
	records := make([]TransactionRecord, 0, len(envelopes))
	for _, env := range envelopes {
		rec, err := env.Record(c.network)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// IsUnreachable classifies transport errors that indicate the endpoint itself
// is down, as opposed to a dropped but recoverable connection. Callers rotate
// endpoints on unreachable errors and retry the same endpoint otherwise.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
