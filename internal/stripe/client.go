// Package stripe реализует управление ридером Stripe Terminal через серверный API:
// предавторизация, увеличение суммы, списание и отмена платежа.
package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/httpclient"
	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

// Статусы PaymentIntent.
const (
	StatusRequiresPaymentMethod = "requires_payment_method"
	StatusRequiresConfirmation  = "requires_confirmation"
	StatusRequiresAction        = "requires_action"
	StatusProcessing            = "processing"
	StatusRequiresCapture       = "requires_capture"
	StatusSucceeded             = "succeeded"
	StatusCanceled              = "canceled"
)

// ReaderOnline статус ридера, готового принимать платежи.
const ReaderOnline = "online"

// CardDetails описывает карту, предъявленную на ридере.
type CardDetails struct {
	Last4                             string `json:"last4"`
	Brand                             string `json:"brand"`
	IncrementalAuthorizationSupported bool   `json:"incremental_authorization_supported"`
}

// PaymentMethodDetails содержит данные карты или Interac.
type PaymentMethodDetails struct {
	CardPresent    *CardDetails `json:"card_present,omitempty"`
	InteracPresent *CardDetails `json:"interac_present,omitempty"`
}

// Charge описывает списание по PaymentIntent.
type Charge struct {
	ID                   string                `json:"id"`
	PaymentMethodDetails *PaymentMethodDetails `json:"payment_method_details,omitempty"`
}

// ObjectRef принимает ссылку Stripe (latest_charge, payment_intent) как идентификатор или как развёрнутый объект.
type ObjectRef struct {
	Charge
}

// UnmarshalJSON разбирает строку или объект.
func (r *ObjectRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	return json.Unmarshal(b, &r.Charge)
}

// PaymentError описывает последнюю ошибку оплаты.
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PaymentIntent описывает поля PaymentIntent, которые использует агент.
type PaymentIntent struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	Amount           int        `json:"amount"`
	AmountCapturable int        `json:"amount_capturable"`
	AmountReceived   int        `json:"amount_received"`
	LatestCharge     *ObjectRef `json:"latest_charge,omitempty"`
	Charges          *struct {
		Data []Charge `json:"data"`
	} `json:"charges,omitempty"`
	LastPaymentError *PaymentError `json:"last_payment_error,omitempty"`
}

// ChargeID возвращает идентификатор последнего списания.
func (pi *PaymentIntent) ChargeID() string {
	if pi.LatestCharge != nil {
		return pi.LatestCharge.ID
	}
	if pi.Charges != nil && len(pi.Charges.Data) > 0 {
		return pi.Charges.Data[0].ID
	}
	return ""
}

// MethodDetails возвращает данные способа оплаты из первого списания или latest_charge.
func (pi *PaymentIntent) MethodDetails() *PaymentMethodDetails {
	if pi.Charges != nil && len(pi.Charges.Data) > 0 && pi.Charges.Data[0].PaymentMethodDetails != nil {
		return pi.Charges.Data[0].PaymentMethodDetails
	}
	if pi.LatestCharge != nil {
		return pi.LatestCharge.PaymentMethodDetails
	}
	return nil
}

// ProcessPaymentIntentAction описывает действие ридера process_payment_intent.
type ProcessPaymentIntentAction struct {
	PaymentIntent        ObjectRef             `json:"payment_intent"`
	PaymentMethodDetails *PaymentMethodDetails `json:"payment_method_details,omitempty"`
}

// ReaderAction описывает текущее действие ридера.
type ReaderAction struct {
	Type                 string                      `json:"type"`
	Status               string                      `json:"status"`
	FailureCode          string                      `json:"failure_code"`
	FailureMessage       string                      `json:"failure_message"`
	ProcessPaymentIntent *ProcessPaymentIntentAction `json:"process_payment_intent,omitempty"`
}

// Reader описывает ридер Stripe Terminal.
type Reader struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	DeviceType string        `json:"device_type"`
	Label      string        `json:"label"`
	Action     *ReaderAction `json:"action,omitempty"`
}

// IntentParams содержит параметры создания PaymentIntent.
type IntentParams struct {
	Amount    int
	Currency  string
	MachineID string
	SessionID string
	Items     []model.VendItem
}

// Form кодирует параметры в форму Stripe. Карты авторизуются вручную с поддержкой увеличения суммы,
// Interac списывается сразу.
func (p IntentParams) Form() url.Values {
	v := url.Values{}
	v.Set("amount", strconv.Itoa(p.Amount))
	v.Set("currency", p.Currency)
	v.Set("payment_method_types[0]", "card_present")
	v.Set("payment_method_types[1]", "interac_present")
	v.Set("capture_method", "automatic")
	v.Set("metadata[machineId]", p.MachineID)
	v.Set("metadata[sessionId]", p.SessionID)
	v.Set("payment_method_options[card_present][capture_method]", "manual")
	v.Set("payment_method_options[card_present][request_incremental_authorization_support]", "true")
	for i, it := range p.Items {
		v.Set(fmt.Sprintf("metadata[item_%d_code]", i), strconv.Itoa(it.Code))
		v.Set(fmt.Sprintf("metadata[item_%d_price]", i), strconv.Itoa(it.Price))
		v.Set(fmt.Sprintf("metadata[item_%d_name]", i), it.Name)
	}
	return v
}

// APIError описывает ответ Stripe с неуспешным HTTP-статусом.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Stripe API error %d: %s", e.StatusCode, e.Message)
}

// Unwrap относит ответы 5xx и 429 к транспортным ошибкам: исход операции неизвестен.
// Отказы 4xx транспортными не считаются.
func (e *APIError) Unwrap() error {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return payment.ErrTransport
	}
	return nil
}

// Client инкапсулирует HTTP-взаимодействие со Stripe API.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент Stripe API. POST-запросы повторяются с тем же Idempotency-Key.
func NewClient(baseURL, secretKey string, hc httpclient.Config, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: httpclient.New(hc, logger),
	}
}

// GetReader возвращает состояние ридера.
func (c *Client) GetReader(ctx context.Context, readerID string) (*Reader, error) {
	var r Reader
	if err := c.do(ctx, http.MethodGet, "terminal/readers/"+url.PathEscape(readerID), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreatePaymentIntent создаёт PaymentIntent.
func (c *Client) CreatePaymentIntent(ctx context.Context, p IntentParams) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := c.do(ctx, http.MethodPost, "payment_intents", p.Form(), &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

// ProcessPaymentIntent передаёт PaymentIntent на ридер.
func (c *Client) ProcessPaymentIntent(ctx context.Context, readerID, intentID string) (*Reader, error) {
	form := url.Values{"payment_intent": {intentID}}
	var r Reader
	if err := c.do(ctx, http.MethodPost, "terminal/readers/"+url.PathEscape(readerID)+"/process_payment_intent", form, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetPaymentIntent возвращает PaymentIntent с развёрнутым последним списанием.
func (c *Client) GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := c.do(ctx, http.MethodGet, "payment_intents/"+url.PathEscape(intentID)+"?expand[]=latest_charge", nil, &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

// IncrementAuthorization увеличивает сумму авторизации до amount.
func (c *Client) IncrementAuthorization(ctx context.Context, intentID string, amount int) (*PaymentIntent, error) {
	form := url.Values{"amount": {strconv.Itoa(amount)}}
	return c.intentAction(ctx, intentID, "increment_authorization", form)
}

// CapturePaymentIntent списывает amount из авторизованной суммы.
func (c *Client) CapturePaymentIntent(ctx context.Context, intentID string, amount int) (*PaymentIntent, error) {
	form := url.Values{"amount_to_capture": {strconv.Itoa(amount)}}
	return c.intentAction(ctx, intentID, "capture", form)
}

// CancelPaymentIntent отменяет PaymentIntent.
func (c *Client) CancelPaymentIntent(ctx context.Context, intentID, reason string) (*PaymentIntent, error) {
	form := url.Values{"cancellation_reason": {"requested_by_customer"}}
	if reason != "" {
		form.Set("metadata[cancel_reason]", reason)
	}
	return c.intentAction(ctx, intentID, "cancel", form)
}

func (c *Client) intentAction(ctx context.Context, intentID, action string, form url.Values) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := c.do(ctx, http.MethodPost, "payment_intents/"+url.PathEscape(intentID)+"/"+action, form, &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	var body interface{}
	if form != nil {
		body = []byte(form.Encode())
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+"/"+endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.secretKey, "")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: stripe network error: %w", payment.ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", payment.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp.StatusCode, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", payment.ErrProtocol, err)
	}
	return nil
}

func parseAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Type = envelope.Error.Type
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		return apiErr
	}
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	apiErr.Message = msg
	return apiErr
}

// IsDeclined сообщает, что Stripe отклонил запрос (4xx), а не потерял его.
func IsDeclined(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !errors.Is(err, payment.ErrTransport)
}
