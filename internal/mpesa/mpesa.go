// Package mpesa implements a client for the Safaricom Daraja API: STK
// push collections, B2C payouts, and the callback payloads both flows
// post back to us.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/amana/internal/circuitbreaker"
)

// timestampFormat is the Daraja timestamp layout, yyyyMMddHHmmss.
const timestampFormat = "20060102150405"

// tokenSkew is subtracted from the token lifetime so we refresh before
// the rail starts rejecting it.
const tokenSkew = 30 * time.Second

// Daraja field limits.
const (
	maxAccountRef = 12
	maxDesc       = 13
)

// ExternalServiceError reports a rail call that did not succeed, and
// whether retrying later could.
type ExternalServiceError struct {
	Service    string
	Operation  string
	StatusCode int
	Message    string
	Temporary  bool
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Service, e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Service, e.Operation, e.Message)
}

// Retryable reports whether the failure is transient.
func (e *ExternalServiceError) Retryable() bool {
	return e.Temporary
}

func railErr(op string, status int, msg string, temporary bool) *ExternalServiceError {
	return &ExternalServiceError{
		Service:    "mpesa",
		Operation:  op,
		StatusCode: status,
		Message:    msg,
		Temporary:  temporary,
	}
}

// Config carries the Daraja credentials and endpoints.
type Config struct {
	BaseURL            string // e.g. https://sandbox.safaricom.co.ke
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string // paybill or till number
	Passkey            string // STK push passkey
	InitiatorName      string // B2C API operator
	SecurityCredential string // encrypted operator credential
	CallbackBaseURL    string // public https base the rail posts results to
}

// Client talks to the Daraja API. Collections and payouts run behind a
// circuit breaker so a rail outage fails fast instead of piling up.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	breaker    *circuitbreaker.Breaker

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New creates a Daraja client.
func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  slog.Default(),
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// WithHTTPClient overrides the HTTP client (tests point it at a fake rail).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// WithBreaker overrides the default circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// CollectPayment prompts the buyer's phone to authorize a payment in.
// It satisfies the escrow bridge.
func (c *Client) CollectPayment(ctx context.Context, phone string, amountCents int64, accountRef, desc string) (string, error) {
	return c.STKPush(ctx, phone, amountCents, accountRef, desc)
}

// SendMoney pays out of the platform account to a subscriber. It
// satisfies the escrow bridge.
func (c *Client) SendMoney(ctx context.Context, phone string, amountCents int64, reference, remarks string) error {
	return c.B2CPayment(ctx, phone, amountCents, reference, remarks)
}

// STKPush sends a payment prompt to the subscriber's phone and returns
// the checkout request handle used to correlate the result callback.
func (c *Client) STKPush(ctx context.Context, phone string, amountCents int64, accountRef, desc string) (string, error) {
	const op = "stk_push"

	shillings, err := wholeShillings(op, amountCents)
	if err != nil {
		return "", err
	}
	if !c.breaker.Allow(op) {
		return "", railErr(op, 0, "circuit open", true)
	}
	token, err := c.token(ctx)
	if err != nil {
		c.breaker.RecordFailure(op)
		return "", err
	}

	ts := time.Now().Format(timestampFormat)
	if len(accountRef) > maxAccountRef {
		accountRef = accountRef[:maxAccountRef]
	}
	if len(desc) > maxDesc {
		desc = desc[:maxDesc]
	}
	body := map[string]any{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          stkPassword(c.cfg.ShortCode, c.cfg.Passkey, ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            shillings,
		"PartyA":            phone,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.cfg.CallbackBaseURL + "/api/v1/callbacks/mpesa/stk",
		"AccountReference":  accountRef,
		"TransactionDesc":   desc,
	}

	var result struct {
		MerchantRequestID   string `json:"MerchantRequestID"`
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		CustomerMessage     string `json:"CustomerMessage"`
	}
	if err := c.post(ctx, op, "/mpesa/stkpush/v1/processrequest", token, body, &result); err != nil {
		c.breaker.RecordFailure(op)
		return "", err
	}
	if result.ResponseCode != "0" {
		c.breaker.RecordFailure(op)
		return "", railErr(op, 0, result.ResponseDescription, false)
	}

	c.breaker.RecordSuccess(op)
	c.logger.Info("stk push accepted",
		"checkoutRequestId", result.CheckoutRequestID, "phone", Masked(phone), "amount", shillings)
	return result.CheckoutRequestID, nil
}

// B2CPayment moves money from the platform account to a subscriber. The
// reference rides along as the occasion for reconciliation.
func (c *Client) B2CPayment(ctx context.Context, phone string, amountCents int64, reference, remarks string) error {
	const op = "b2c"

	shillings, err := wholeShillings(op, amountCents)
	if err != nil {
		return err
	}
	if !c.breaker.Allow(op) {
		return railErr(op, 0, "circuit open", true)
	}
	token, err := c.token(ctx)
	if err != nil {
		c.breaker.RecordFailure(op)
		return err
	}

	body := map[string]any{
		"InitiatorName":      c.cfg.InitiatorName,
		"SecurityCredential": c.cfg.SecurityCredential,
		"CommandID":          "BusinessPayment",
		"Amount":             shillings,
		"PartyA":             c.cfg.ShortCode,
		"PartyB":             phone,
		"Remarks":            remarks,
		"QueueTimeOutURL":    c.cfg.CallbackBaseURL + "/api/v1/callbacks/mpesa/b2c/timeout",
		"ResultURL":          c.cfg.CallbackBaseURL + "/api/v1/callbacks/mpesa/b2c/result",
		"Occasion":           reference,
	}

	var result struct {
		ConversationID           string `json:"ConversationID"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ResponseCode             string `json:"ResponseCode"`
		ResponseDescription      string `json:"ResponseDescription"`
	}
	if err := c.post(ctx, op, "/mpesa/b2c/v1/paymentrequest", token, body, &result); err != nil {
		c.breaker.RecordFailure(op)
		return err
	}
	if result.ResponseCode != "0" {
		c.breaker.RecordFailure(op)
		return railErr(op, 0, result.ResponseDescription, false)
	}

	c.breaker.RecordSuccess(op)
	c.logger.Info("b2c payment accepted",
		"conversationId", result.ConversationID, "reference", reference,
		"phone", Masked(phone), "amount", shillings)
	return nil
}

// token returns a cached OAuth token, fetching a fresh one when the
// cached token is within the skew of expiring.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		token := c.accessToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	token, ttl, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.accessToken = token
	c.tokenExpiry = time.Now().Add(ttl - tokenSkew)
	c.mu.Unlock()
	return token, nil
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	const op = "oauth"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, railErr(op, 0, err.Error(), true)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", 0, railErr(op, resp.StatusCode, "token request rejected", resp.StatusCode >= 500)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"` // seconds, as a string
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, railErr(op, resp.StatusCode, "malformed token response", true)
	}
	if result.AccessToken == "" {
		return "", 0, railErr(op, resp.StatusCode, "empty access token", false)
	}

	ttl, _ := strconv.Atoi(result.ExpiresIn)
	if ttl <= 0 {
		ttl = 3599
	}
	return result.AccessToken, time.Duration(ttl) * time.Second, nil
}

func (c *Client) post(ctx context.Context, op, path, token string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return railErr(op, 0, err.Error(), true)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		temporary := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return railErr(op, resp.StatusCode, strings.TrimSpace(string(msg)), temporary)
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return railErr(op, resp.StatusCode, "malformed response", true)
	}
	return nil
}

// stkPassword derives the STK push password for a timestamp: shortcode,
// passkey, and timestamp concatenated and base64-encoded.
func stkPassword(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// wholeShillings converts cents to the whole-shilling figure the rail
// moves. Fractional amounts are a caller bug, not a transient failure.
func wholeShillings(op string, amountCents int64) (int64, error) {
	if amountCents <= 0 || amountCents%100 != 0 {
		return 0, railErr(op, 0, fmt.Sprintf("amount %d is not a positive whole-shilling figure", amountCents), false)
	}
	return amountCents / 100, nil
}

// Masked hides the middle digits of an MSISDN for logs.
func Masked(phone string) string {
	if len(phone) < 7 {
		return "****"
	}
	return phone[:4] + "****" + phone[len(phone)-2:]
}
