// Package twilio sends WhatsApp messages through the Twilio Messages API and
// validates inbound webhook signatures.
package twilio

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"course-concierge/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://api.twilio.com/2010-04-01"
	// maxBodyChars is the WhatsApp body limit enforced by Twilio.
	maxBodyChars     = 1600
	whatsappPrefix   = "whatsapp:"
	credentialsParam = "/twilio"
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Credentials is the JSON shape stored in SSM under <prefix>/twilio.
type Credentials struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	From       string `json:"from"`
}

// HTTPStatusError captures non-2xx responses from Twilio.
type HTTPStatusError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("twilio: unexpected status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// PartialSendError reports a reply cut short after some chunks were sent.
type PartialSendError struct {
	SIDs   []string
	Chunks int
	Err    error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("twilio: sent %d of %d chunks: %v", len(e.SIDs), e.Chunks, e.Err)
}

func (e *PartialSendError) Unwrap() error { return e.Err }

// DeliveredID is the SID of the last chunk that did go out.
func (e *PartialSendError) DeliveredID() string {
	return e.SIDs[len(e.SIDs)-1]
}

// Client is a focused Twilio REST client.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	credsMu     sync.Mutex
	creds       Credentials
	credsLoaded bool
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client whose credentials are read from SSM on first use.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("twilio: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("twilio: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// credentials loads the SSM credentials once they can be read. Failures are
// not cached, so the next call retries.
func (c *Client) credentials(ctx context.Context) (Credentials, error) {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()
	if c.credsLoaded {
		return c.creds, nil
	}
	var creds Credentials
	if err := paramstore.GetJSON(ctx, c.getter, c.paramPrefix+credentialsParam, &creds); err != nil {
		return Credentials{}, fmt.Errorf("twilio: fetch credentials: %w", err)
	}
	if creds.AccountSID == "" || creds.AuthToken == "" || creds.From == "" {
		return Credentials{}, errors.New("twilio: credentials must include account_sid, auth_token and from")
	}
	c.creds = creds
	c.credsLoaded = true
	return creds, nil
}

// AuthToken returns the token used to sign inbound webhooks.
func (c *Client) AuthToken(ctx context.Context) (string, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return "", err
	}
	return creds.AuthToken, nil
}

type messageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SendMessage delivers body to the WhatsApp address to, splitting it into
// chunks Twilio accepts. It returns the SID of the last chunk sent. When a
// later chunk fails the error is a *PartialSendError and the SID of the last
// delivered chunk is still returned.
func (c *Client) SendMessage(ctx context.Context, to, body string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", errors.New("twilio: recipient is required")
	}
	if strings.TrimSpace(body) == "" {
		return "", errors.New("twilio: body is required")
	}
	creds, err := c.credentials(ctx)
	if err != nil {
		return "", err
	}

	chunks := SplitBody(body, maxBodyChars)
	sids := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		params := url.Values{
			"To":   {whatsappAddress(to)},
			"From": {whatsappAddress(creds.From)},
			"Body": {chunk},
		}
		res, err := c.post(ctx, creds, "/Accounts/"+creds.AccountSID+"/Messages.json", params)
		if err != nil {
			if len(sids) == 0 {
				return "", err
			}
			return sids[len(sids)-1], &PartialSendError{SIDs: sids, Chunks: len(chunks), Err: err}
		}
		sids = append(sids, res.SID)
	}
	return sids[len(sids)-1], nil
}

func (c *Client) post(ctx context.Context, creds Credentials, endpoint string, params url.Values) (messageResponse, error) {
	reqURL := c.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return messageResponse{}, fmt.Errorf("twilio: create request: %w", err)
	}
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return messageResponse{}, fmt.Errorf("twilio: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return messageResponse{}, fmt.Errorf("twilio: read response body: %w", err)
	}
	var payload messageResponse
	_ = json.Unmarshal(raw, &payload)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := payload.Message
		if msg == "" {
			msg = string(raw)
		}
		return messageResponse{}, &HTTPStatusError{StatusCode: res.StatusCode, Code: payload.Code, Message: msg}
	}
	if payload.SID == "" {
		return messageResponse{}, errors.New("twilio: response missing sid")
	}
	return payload, nil
}

func whatsappAddress(addr string) string {
	if strings.HasPrefix(addr, whatsappPrefix) {
		return addr
	}
	return whatsappPrefix + addr
}

// SplitBody breaks text into chunks of at most limit runes, preferring
// paragraph then line then word boundaries.
func SplitBody(text string, limit int) []string {
	runes := []rune(strings.TrimSpace(text))
	if limit <= 0 || len(runes) <= limit {
		return []string{string(runes)}
	}
	var chunks []string
	for len(runes) > limit {
		window := string(runes[:limit])
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if idx := strings.LastIndex(window, sep); idx > 0 {
				cut = len([]rune(window[:idx]))
				break
			}
		}
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// ValidSignature checks X-Twilio-Signature: base64 HMAC-SHA1 over the full
// request URL followed by the sorted POST parameters.
func ValidSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
