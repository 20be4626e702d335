package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"rentledger/internal/config"

	"github.com/rs/zerolog"
)

// Gateway transaction statuses as reported by verification.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
	StatusPending   = "pending"
)

var (
	// ErrMalformedResponse marks a response the adapter could not decode.
	// Treated as a verification failure, retryable once by the caller.
	ErrMalformedResponse = errors.New("malformed gateway response")
	// ErrGatewayDeclined marks a request the gateway rejected outright.
	// Business-terminal, never retried.
	ErrGatewayDeclined = errors.New("gateway declined request")
)

// IsRetryable classifies an adapter error. Network and timeout failures
// and undecodable responses are retryable; declines are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrGatewayDeclined) {
		return false
	}
	return true
}

// SplitPaymentRequest describes one split payment to initialize. Amount
// is in minor currency units. PlatformShareBps is the platform's cut in
// basis points; the remainder settles to the owner's sub-account.
type SplitPaymentRequest struct {
	PayerContact     string
	AmountMinor      int64
	Currency         string
	Reference        string
	SubaccountCode   string
	PlatformShareBps int
	CallbackURL      string
}

// InitializeResult is the payment handoff returned by the gateway.
type InitializeResult struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// VerifyResult is the gateway's view of one transaction.
type VerifyResult struct {
	Status           string
	AmountMinor      int64
	Currency         string
	GatewayReference string
	PaidAt           *time.Time
}

// Client is a narrow adapter over the payment processor's REST API. All
// calls are idempotent keyed by reference; retry policy lives with the
// callers, never here.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg config.GatewayConfig, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		secretKey: cfg.SecretKey,
		httpClient: &http.Client{
			Timeout: config.Duration(cfg.Timeout, 10*time.Second),
		},
		logger: logger,
	}
}

type initializeRequest struct {
	Email             string `json:"email"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Reference         string `json:"reference"`
	CallbackURL       string `json:"callback_url,omitempty"`
	Subaccount        string `json:"subaccount"`
	Bearer            string `json:"bearer"`
	TransactionCharge int64  `json:"transaction_charge"`
}

type gatewayEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// InitializeSplitPayment creates a payment intent that splits settlement
// between the platform and the owner's sub-account.
func (c *Client) InitializeSplitPayment(ctx context.Context, req SplitPaymentRequest) (*InitializeResult, error) {
	platformCharge := req.AmountMinor * int64(req.PlatformShareBps) / 10000

	body := initializeRequest{
		Email:             req.PayerContact,
		Amount:            req.AmountMinor,
		Currency:          req.Currency,
		Reference:         req.Reference,
		CallbackURL:       req.CallbackURL,
		Subaccount:        req.SubaccountCode,
		Bearer:            "subaccount",
		TransactionCharge: platformCharge,
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := c.post(ctx, "/transaction/initialize", body, &data); err != nil {
		return nil, err
	}
	if data.AuthorizationURL == "" {
		return nil, fmt.Errorf("%w: missing authorization url", ErrMalformedResponse)
	}

	return &InitializeResult{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

// VerifyTransaction fetches the gateway's authoritative view of the
// transaction identified by reference.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifyResult, error) {
	var data struct {
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Reference string `json:"reference"`
		PaidAt    string `json:"paid_at"`
	}
	if err := c.get(ctx, "/transaction/verify/"+url.PathEscape(reference), &data); err != nil {
		return nil, err
	}
	if data.Status == "" {
		return nil, fmt.Errorf("%w: missing transaction status", ErrMalformedResponse)
	}

	result := &VerifyResult{
		Status:           data.Status,
		AmountMinor:      data.Amount,
		Currency:         data.Currency,
		GatewayReference: data.Reference,
	}
	if data.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, data.PaidAt); err == nil {
			result.PaidAt = &t
		}
	}
	return result, nil
}

// ResolveBankAccount resolves an account number to the registered account
// name, used when onboarding owner payout details.
func (c *Client) ResolveBankAccount(ctx context.Context, accountNumber, bankCode string) (string, error) {
	path := fmt.Sprintf("/bank/resolve?account_number=%s&bank_code=%s",
		url.QueryEscape(accountNumber), url.QueryEscape(bankCode))

	var data struct {
		AccountName string `json:"account_name"`
	}
	if err := c.get(ctx, path, &data); err != nil {
		return "", err
	}
	if data.AccountName == "" {
		return "", fmt.Errorf("%w: missing account name", ErrMalformedResponse)
	}
	return data.AccountName, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		// Processor-side outage; callers retry these.
		return fmt.Errorf("gateway server error: status %d", resp.StatusCode)
	}

	var envelope gatewayEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if resp.StatusCode >= 400 || !envelope.Status {
		c.logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("path", req.URL.Path).
			Str("message", envelope.Message).
			Msg("gateway rejected request")
		return fmt.Errorf("%w: %s", ErrGatewayDeclined, envelope.Message)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return nil
}
