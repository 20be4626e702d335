package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"rentledger/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(config.GatewayConfig{
		BaseURL:   server.URL,
		SecretKey: "sk_test_secret",
		Timeout:   "5s",
	}, zerolog.Nop())
	return client, server
}

func TestInitializeSplitPayment(t *testing.T) {
	var captured map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "Authorization URL created",
			"data": map[string]any{
				"authorization_url": "https://checkout.test/abc",
				"access_code":       "abc",
				"reference":         "rl_ref",
			},
		})
	})

	result, err := client.InitializeSplitPayment(context.Background(), SplitPaymentRequest{
		PayerContact:     "renter@test.com",
		AmountMinor:      100_000_00,
		Currency:         "NGN",
		Reference:        "rl_ref",
		SubaccountCode:   "SUB_OWNER",
		PlatformShareBps: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.test/abc", result.AuthorizationURL)

	// 5% of the amount settles to the platform.
	assert.Equal(t, float64(500_000), captured["transaction_charge"])
	assert.Equal(t, "subaccount", captured["bearer"])
	assert.Equal(t, "SUB_OWNER", captured["subaccount"])
}

func TestVerifyTransaction(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/verify/rl_ref", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data": map[string]any{
				"status":    "success",
				"amount":    100_000_00,
				"currency":  "NGN",
				"reference": "rl_ref",
				"paid_at":   "2026-08-29T10:00:00Z",
			},
		})
	})

	result, err := client.VerifyTransaction(context.Background(), "rl_ref")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, int64(100_000_00), result.AmountMinor)
	require.NotNil(t, result.PaidAt)
}

func TestVerifyTransaction_Declined(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  false,
			"message": "Transaction reference not found",
		})
	})

	_, err := client.VerifyTransaction(context.Background(), "rl_missing")
	assert.ErrorIs(t, err, ErrGatewayDeclined)
	assert.False(t, IsRetryable(err))
}

func TestVerifyTransaction_ServerErrorIsRetryable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.VerifyTransaction(context.Background(), "rl_ref")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGatewayDeclined)
	assert.True(t, IsRetryable(err))
}

func TestVerifyTransaction_MalformedResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})

	_, err := client.VerifyTransaction(context.Background(), "rl_ref")
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.True(t, IsRetryable(err))
}

func TestResolveBankAccount(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bank/resolve", r.URL.Path)
		assert.Equal(t, "0123456789", r.URL.Query().Get("account_number"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data":   map[string]any{"account_name": "ADA OBI"},
		})
	})

	name, err := client.ResolveBankAccount(context.Background(), "0123456789", "058")
	require.NoError(t, err)
	assert.Equal(t, "ADA OBI", name)
}
