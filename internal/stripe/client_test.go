package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/httpclient"
	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

func testHTTP() httpclient.Config {
	return httpclient.Config{
		Timeout:      time.Second,
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	}
}

func TestClient_CreatePaymentIntent(t *testing.T) {
	var (
		gotPath string
		gotUser string
		gotPass string
		gotKey  string
		gotForm map[string][]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		_, _ = w.Write([]byte(`{"id":"pi_123","status":"requires_payment_method","amount":450}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", "sk_test_1", testHTTP(), zap.NewNop())
	pi, err := c.CreatePaymentIntent(context.Background(), IntentParams{
		Amount:    450,
		Currency:  "cad",
		MachineID: "m-7",
		SessionID: "sess-1",
		Items:     []model.VendItem{{Code: 1, Price: 250, Name: "Cola"}, {Code: 2, Price: 100, Qty: 2}},
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_123", pi.ID)
	assert.Equal(t, "/v1/payment_intents", gotPath)
	assert.Equal(t, "sk_test_1", gotUser)
	assert.Empty(t, gotPass)
	assert.Len(t, gotKey, 36)

	want := map[string]string{
		"amount":                  "450",
		"currency":                "cad",
		"payment_method_types[0]": "card_present",
		"payment_method_types[1]": "interac_present",
		"capture_method":          "automatic",
		"metadata[machineId]":     "m-7",
		"metadata[sessionId]":     "sess-1",
		"payment_method_options[card_present][capture_method]":                            "manual",
		"payment_method_options[card_present][request_incremental_authorization_support]": "true",
		"metadata[item_0_code]":  "1",
		"metadata[item_0_price]": "250",
		"metadata[item_0_name]":  "Cola",
		"metadata[item_1_code]":  "2",
		"metadata[item_1_price]": "100",
	}
	for k, v := range want {
		assert.Equal(t, []string{v}, gotForm[k], k)
	}
}

func TestClient_IntentActions(t *testing.T) {
	tests := []struct {
		name     string
		call     func(c *Client) error
		path     string
		expected map[string]string
	}{
		{
			name: "process",
			call: func(c *Client) error {
				_, err := c.ProcessPaymentIntent(context.Background(), "tmr_1", "pi_1")
				return err
			},
			path:     "/terminal/readers/tmr_1/process_payment_intent",
			expected: map[string]string{"payment_intent": "pi_1"},
		},
		{
			name: "increment",
			call: func(c *Client) error {
				_, err := c.IncrementAuthorization(context.Background(), "pi_1", 700)
				return err
			},
			path:     "/payment_intents/pi_1/increment_authorization",
			expected: map[string]string{"amount": "700"},
		},
		{
			name: "capture",
			call: func(c *Client) error {
				_, err := c.CapturePaymentIntent(context.Background(), "pi_1", 450)
				return err
			},
			path:     "/payment_intents/pi_1/capture",
			expected: map[string]string{"amount_to_capture": "450"},
		},
		{
			name: "cancel",
			call: func(c *Client) error {
				_, err := c.CancelPaymentIntent(context.Background(), "pi_1", "Dispensing failed")
				return err
			},
			path: "/payment_intents/pi_1/cancel",
			expected: map[string]string{
				"cancellation_reason":     "requested_by_customer",
				"metadata[cancel_reason]": "Dispensing failed",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				path   string
				method string
				form   map[string][]string
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				path, method = r.URL.Path, r.Method
				_ = r.ParseForm()
				form = r.PostForm
				_, _ = w.Write([]byte(`{"id":"pi_1"}`))
			}))
			defer srv.Close()

			require.NoError(t, tt.call(NewClient(srv.URL, "sk", testHTTP(), zap.NewNop())))
			assert.Equal(t, http.MethodPost, method)
			assert.Equal(t, tt.path, path)
			for k, v := range tt.expected {
				assert.Equal(t, []string{v}, form[k], k)
			}
		})
	}
}

func TestClient_GetPaymentIntent(t *testing.T) {
	var expand []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get("Idempotency-Key"))
		expand = r.URL.Query()["expand[]"]
		_, _ = w.Write([]byte(`{
			"id":"pi_1","status":"requires_capture","amount":450,"amount_capturable":450,
			"latest_charge":{"id":"ch_1","payment_method_details":{"card_present":{"last4":"4242","brand":"visa","incremental_authorization_supported":true}}}
		}`))
	}))
	defer srv.Close()

	pi, err := NewClient(srv.URL, "sk", testHTTP(), zap.NewNop()).GetPaymentIntent(context.Background(), "pi_1")
	require.NoError(t, err)

	assert.Equal(t, []string{"latest_charge"}, expand)
	assert.Equal(t, StatusRequiresCapture, pi.Status)
	assert.Equal(t, "ch_1", pi.ChargeID())
	require.NotNil(t, pi.MethodDetails())
	assert.Equal(t, "visa", pi.MethodDetails().CardPresent.Brand)
	assert.True(t, pi.MethodDetails().CardPresent.IncrementalAuthorizationSupported)
}

func TestObjectRef_Unmarshal(t *testing.T) {
	var pi PaymentIntent
	require.NoError(t, json.Unmarshal([]byte(`{"latest_charge":"ch_9","charges":{"data":[{"id":"ch_9","payment_method_details":{"interac_present":{"last4":"0005"}}}]}}`), &pi))
	assert.Equal(t, "ch_9", pi.ChargeID())
	require.NotNil(t, pi.MethodDetails().InteracPresent)
	assert.Equal(t, "0005", pi.MethodDetails().InteracPresent.Last4)

	var empty PaymentIntent
	require.NoError(t, json.Unmarshal([]byte(`{"latest_charge":null}`), &empty))
	assert.Empty(t, empty.ChargeID())
	assert.Nil(t, empty.MethodDetails())
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantMessage   string
		wantTransport bool
	}{
		{
			name:        "card declined",
			status:      http.StatusPaymentRequired,
			body:        `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`,
			wantMessage: "Your card was declined.",
		},
		{
			name:        "invalid request",
			status:      http.StatusBadRequest,
			body:        `plain text`,
			wantMessage: "plain text",
		},
		{
			name:          "server error",
			status:        http.StatusInternalServerError,
			body:          `{"error":{"type":"api_error","message":"boom"}}`,
			wantMessage:   "boom",
			wantTransport: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "sk", testHTTP(), zap.NewNop()).CapturePaymentIntent(context.Background(), "pi_1", 1)
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
			assert.Equal(t, tt.wantTransport, errors.Is(err, payment.ErrTransport))
			assert.Equal(t, !tt.wantTransport, IsDeclined(err))
		})
	}
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "sk", testHTTP(), zap.NewNop()).GetReader(context.Background(), "tmr_1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, payment.ErrTransport))
	assert.False(t, IsDeclined(err))
}
