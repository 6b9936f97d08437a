// Package kraken implements the Kraken venue: request signing, the
// signed REST calls needed at startup, and the dual-WebSocket stream.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	baseURL     = "https://api.kraken.com"
	tokenPath   = "/0/private/GetWebSocketsToken"
	balancePath = "/0/private/Balance"

	secretKeyLen = 64
)

// ErrBadSecret means the configured API secret is not valid base64 of
// the expected key length. Fatal at startup.
var ErrBadSecret = errors.New("kraken: api secret is not a valid base64 key")

// Signer produces exchange-compatible request signatures and exchanges
// them for short-lived private-stream access tokens. Safe for use from
// multiple goroutines sharing one credential: nonce generation is
// serialized so nonces are strictly increasing per credential.
type Signer struct {
	key    string
	secret []byte
	client *http.Client

	mu        sync.Mutex
	lastNonce int64
}

func NewSigner(key, secret string) (*Signer, error) {
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil || len(decoded) != secretKeyLen {
		return nil, ErrBadSecret
	}

	return &Signer{
		key:    key,
		secret: decoded,
		client: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// nonce returns a millisecond timestamp, bumped past the previous one if
// the clock has not advanced. The exchange rejects stale or duplicate
// nonces per credential.
func (s *Signer) nonce() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := time.Now().UnixMilli()
	if n <= s.lastNonce {
		n = s.lastNonce + 1
	}
	s.lastNonce = n
	return n
}

// Sign stamps the field list with a fresh nonce, url-encodes it as the
// POST body and returns the body together with the request signature:
// base64(HMAC-SHA512(secret, path || SHA256(nonce || body))).
func (s *Signer) Sign(path string, fields url.Values) (body, signature string) {
	return s.signWithNonce(path, fields, strconv.FormatInt(s.nonce(), 10))
}

func (s *Signer) signWithNonce(path string, fields url.Values, nonce string) (body, signature string) {
	if fields == nil {
		fields = url.Values{}
	}
	fields.Set("nonce", nonce)
	body = fields.Encode()

	digest := sha256.New()
	digest.Write([]byte(nonce))
	digest.Write([]byte(body))

	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(digest.Sum(nil))

	return body, base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) post(ctx context.Context, path string) (json.RawMessage, error) {
	body, signature := s.Sign(path, nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build signed request")
	}
	req.Header.Set("API-Key", s.key)
	req.Header.Set("API-Sign", signature)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response", path)
	}

	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Wrapf(err, "decode %s response", path)
	}
	if len(envelope.Error) > 0 {
		return nil, errors.Errorf("kraken %s: %s", path, strings.Join(envelope.Error, ", "))
	}

	return envelope.Result, nil
}

// GetToken mints a short-lived private-stream access token. Tokens must
// be re-fetched per connection attempt, not cached.
func (s *Signer) GetToken(ctx context.Context) (string, error) {
	result, err := s.post(ctx, tokenPath)
	if err != nil {
		return "", err
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return "", errors.Wrap(err, "decode token")
	}
	if payload.Token == "" {
		return "", errors.New("kraken: empty websocket token")
	}

	return payload.Token, nil
}

// Balance fetches account balances keyed by normalized asset symbol.
func (s *Signer) Balance(ctx context.Context) (map[string]float64, error) {
	result, err := s.post(ctx, balancePath)
	if err != nil {
		return nil, err
	}

	var raw map[string]string
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, errors.Wrap(err, "decode balances")
	}

	balances := make(map[string]float64, len(raw))
	for asset, amountStr := range raw {
		amount, err := strconv.ParseFloat(amountStr, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse balance for %s", asset)
		}
		balances[NormalizeAsset(asset)] = amount
	}

	return balances, nil
}

// NormalizeAsset strips Kraken's legacy X/Z class prefixes so that
// ZUSD and USD name the same ledger entry.
func NormalizeAsset(asset string) string {
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		return asset[1:]
	}
	return asset
}
