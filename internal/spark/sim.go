package spark

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

var _ API = (*simAPI)(nil)

// simAPI обслуживает вызовы Spark внутри процесса и имитирует вебхук TransactionNotify
// после задержки, как если бы покупатель приложил карту.
type simAPI struct {
	adapter     *Adapter
	delay       time.Duration
	autoApprove bool
}

func newSimAPI(a *Adapter, delay time.Duration, autoApprove bool) *simAPI {
	return &simAPI{adapter: a, delay: delay, autoApprove: autoApprove}
}

func okResponse(txnID string) *Response {
	code := 0
	return &Response{ResultCode: &code, ResultDescription: "OK", SparkTransactionID: txnID}
}

func (s *simAPI) StartAuthentication(_ context.Context, txnID, _ string) (*Response, error) {
	return okResponse(txnID), nil
}

func (s *simAPI) TriggerTransaction(_ context.Context, txnID string, _ int) (*Response, error) {
	time.AfterFunc(s.delay, func() {
		payload := map[string]any{
			"SparkTransactionId": txnID,
			"ResultCode":         0,
			"TransactionId":      fmt.Sprintf("SIM-%d-%s", time.Now().Unix(), txnID[len(txnID)-4:]),
			"CardNumber":         "4242424242424242",
		}
		if !s.autoApprove {
			payload = map[string]any{
				"SparkTransactionId": txnID,
				"ResultCode":         1,
				"ResultDescription":  "Simulated denial",
			}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_, _ = s.adapter.HandleWebhook(context.Background(), WebhookTransactionNotify, raw)
	})
	return okResponse(txnID), nil
}

func (s *simAPI) Settlement(_ context.Context, txnID string, _ int) (*Response, error) {
	return okResponse(txnID), nil
}

func (s *simAPI) CancelTransaction(_ context.Context, txnID, _ string) (*Response, error) {
	return okResponse(txnID), nil
}
