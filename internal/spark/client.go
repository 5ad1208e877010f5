// Package spark реализует протокол Nayax Spark: подписанные HTTPS-вызовы и обработку вебхуков.
package spark

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/shaka-agent/internal/payment"
)

// Эндпоинты Spark API.
const (
	EndpointStartAuthentication = "StartAuthentication"
	EndpointTriggerTransaction  = "TriggerTransaction"
	EndpointSettlement          = "Settlement"
	EndpointCancelTransaction   = "CancelTransaction"
)

const (
	terminalIDType  = 1
	transactionSale = 1
)

// Request описывает тело запроса к Spark API.
type Request struct {
	SparkTransactionID string  `json:"SparkTransactionId"`
	TokenID            int     `json:"TokenId"`
	TerminalID         string  `json:"TerminalId"`
	TerminalIDType     int     `json:"TerminalIdType"`
	Amount             *int    `json:"Amount,omitempty"`
	Currency           string  `json:"Currency,omitempty"`
	TransactionType    int     `json:"TransactionType,omitempty"`
	Reason             string  `json:"Reason,omitempty"`
	Random             string  `json:"Random,omitempty"`
	Cipher             *string `json:"Cipher,omitempty"`
}

// Response описывает ответ Spark API.
type Response struct {
	ResultCode         *int   `json:"ResultCode"`
	ResultDescription  string `json:"ResultDescription"`
	SparkTransactionID string `json:"SparkTransactionId"`
}

// Code возвращает код результата; отсутствие кода считается ошибкой (-1).
func (r *Response) Code() int {
	if r == nil || r.ResultCode == nil {
		return -1
	}
	return *r.ResultCode
}

// Description возвращает описание результата или запасной текст.
func (r *Response) Description(fallback string) string {
	if r == nil || r.ResultDescription == "" {
		return fallback
	}
	return r.ResultDescription
}

// APIError описывает ответ Spark с неуспешным HTTP-статусом.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Spark API error %d: %s", e.StatusCode, e.Body)
}

// Unwrap относит ошибку к транспортным.
func (e *APIError) Unwrap() error {
	return payment.ErrTransport
}

// Sign возвращает подпись TransactionSignature: SHA256(sparkTransactionId + ";" + signKey) в hex.
func Sign(sparkTransactionID, signKey string) string {
	sum := sha256.Sum256([]byte(sparkTransactionID + ";" + signKey))
	return hex.EncodeToString(sum[:])
}

// Credentials содержит учётные данные интегратора, выданные Nayax.
type Credentials struct {
	SignKey    string
	SignKeyID  string
	TokenID    int
	TerminalID string
}

// Client инкапсулирует HTTP-взаимодействие со Spark API.
type Client struct {
	baseURL    string
	creds      Credentials
	currency   string
	httpClient *http.Client
}

// NewClient создаёт клиент Spark API.
func NewClient(baseURL string, creds Credentials, currency string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		creds:    creds,
		currency: currency,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) base(txnID string) Request {
	return Request{
		SparkTransactionID: txnID,
		TokenID:            c.creds.TokenID,
		TerminalID:         c.creds.TerminalID,
		TerminalIDType:     terminalIDType,
	}
}

// StartAuthentication проверяет учётные данные интегратора.
func (c *Client) StartAuthentication(ctx context.Context, txnID, random string) (*Response, error) {
	req := c.base(txnID)
	req.Random = random
	cipher := ""
	req.Cipher = &cipher
	return c.Call(ctx, EndpointStartAuthentication, req)
}

// TriggerTransaction активирует терминал на указанную сумму (Remote Start).
func (c *Client) TriggerTransaction(ctx context.Context, txnID string, amount int) (*Response, error) {
	req := c.base(txnID)
	req.Amount = &amount
	req.Currency = c.currency
	req.TransactionType = transactionSale
	return c.Call(ctx, EndpointTriggerTransaction, req)
}

// Settlement завершает авторизованную транзакцию.
func (c *Client) Settlement(ctx context.Context, txnID string, amount int) (*Response, error) {
	req := c.base(txnID)
	req.Amount = &amount
	req.Currency = c.currency
	return c.Call(ctx, EndpointSettlement, req)
}

// CancelTransaction отменяет транзакцию с указанной причиной.
func (c *Client) CancelTransaction(ctx context.Context, txnID, reason string) (*Response, error) {
	req := c.base(txnID)
	req.Reason = reason
	return c.Call(ctx, EndpointCancelTransaction, req)
}

// Call отправляет подписанный POST-запрос на эндпоинт Spark API.
func (c *Client) Call(ctx context.Context, endpoint string, req Request) (*Response, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("spark client not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("IntegratorId", c.creds.SignKeyID)
	httpReq.Header.Set("TransactionSignature", Sign(req.SparkTransactionID, c.creds.SignKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: spark network error: %w", payment.ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", payment.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	var result Response
	if len(bytes.TrimSpace(respBody)) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", payment.ErrProtocol, err)
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
