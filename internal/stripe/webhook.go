package stripe

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

// webhookEvent описывает конверт события Stripe.
type webhookEvent struct {
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func okResponse() map[string]any {
	return map[string]any{"ok": true}
}

// HandleWebhook обрабатывает событие Stripe, пересланное ретранслятором. Ответ всегда {"ok": true}.
func (a *Adapter) HandleWebhook(_ context.Context, eventType string, payload json.RawMessage) (map[string]any, error) {
	a.logger.Info("stripe webhook", zap.String("event_type", eventType))

	var ev webhookEvent
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev); err != nil {
			a.logger.Warn("malformed stripe webhook",
				zap.String("event_type", eventType),
				zap.Error(fmt.Errorf("%w: %w", payment.ErrProtocol, err)),
			)
			return okResponse(), nil
		}
	}

	var err error
	switch eventType {
	case WebhookActionSucceeded:
		err = a.onActionSucceeded(ev.Data.Object)
	case WebhookActionFailed:
		err = a.onActionFailed(ev.Data.Object)
	case WebhookActionUpdated:
		err = a.onActionUpdated(ev.Data.Object)
	case WebhookAmountCapturable:
		err = a.onAmountCapturable(ev.Data.Object)
	case WebhookPaymentIntentVoid:
		err = a.onIntentCanceled(ev.Data.Object)
	default:
		a.logger.Warn("unknown stripe webhook event", zap.String("event_type", eventType))
	}
	if err != nil {
		a.logger.Warn("stripe webhook not applied",
			zap.String("event_type", eventType),
			zap.Error(fmt.Errorf("%w: %w", payment.ErrProtocol, err)),
		)
	}
	return okResponse(), nil
}

func decodeReader(raw json.RawMessage) (*ReaderAction, error) {
	var r Reader
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
	}
	if r.Action == nil {
		return &ReaderAction{}, nil
	}
	return r.Action, nil
}

func decodeIntent(raw json.RawMessage) (*PaymentIntent, error) {
	var pi PaymentIntent
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &pi); err != nil {
			return nil, err
		}
	}
	return &pi, nil
}

// sameIntent сообщает, относится ли событие к PaymentIntent текущей сессии.
func sameIntent(s *model.VendSession, intentID string) bool {
	return intentID == "" || s.PaymentIntentID == "" || s.PaymentIntentID == intentID
}

func (a *Adapter) onActionSucceeded(raw json.RawMessage) error {
	action, err := decodeReader(raw)
	if err != nil {
		return err
	}
	if action.Type != "process_payment_intent" || action.ProcessPaymentIntent == nil {
		return nil
	}
	intentID := action.ProcessPaymentIntent.PaymentIntent.ID
	a.logger.Info("payment collected", zap.String("payment_intent_id", intentID))

	return a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || !sameIntent(s, intentID) {
			return nil
		}
		a.authorize(tx, intentID, action.ProcessPaymentIntent.PaymentMethodDetails, 0)
		return nil
	})
}

func (a *Adapter) onActionFailed(raw json.RawMessage) error {
	action, err := decodeReader(raw)
	if err != nil {
		return err
	}
	code, msg := action.FailureCode, action.FailureMessage
	if code == "" {
		code = "unknown"
	}
	if msg == "" {
		msg = "Payment failed"
	}
	a.logger.Warn("reader action failed", zap.String("code", code), zap.String("message", msg))

	return a.machine.Update(func(tx *payment.Tx) error {
		if tx.Session() == nil || !waiting(tx.State()) {
			return nil
		}
		a.deny(tx, code+": "+msg)
		return nil
	})
}

func (a *Adapter) onActionUpdated(raw json.RawMessage) error {
	action, err := decodeReader(raw)
	if err != nil {
		return err
	}
	a.logger.Info("reader action updated", zap.String("status", action.Status))
	if action.Status != "in_progress" {
		return nil
	}
	return a.machine.Update(func(tx *payment.Tx) error {
		if tx.Session() != nil && tx.State() == model.StateCreatingIntent {
			tx.SetState(model.StateWaitingPayment)
		}
		return nil
	})
}

func (a *Adapter) onAmountCapturable(raw json.RawMessage) error {
	pi, err := decodeIntent(raw)
	if err != nil {
		return err
	}
	a.logger.Info("amount capturable updated", zap.Int("amount", pi.AmountCapturable))

	return a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || tx.State().IsTerminal() || !sameIntent(s, pi.ID) || pi.AmountCapturable <= 0 {
			return nil
		}
		s.SetTotal(pi.AmountCapturable, tx.Now())
		s.AuthorizedAmount = pi.AmountCapturable
		tx.Touch()
		return nil
	})
}

func (a *Adapter) onIntentCanceled(raw json.RawMessage) error {
	pi, err := decodeIntent(raw)
	if err != nil {
		return err
	}
	a.logger.Info("payment intent cancelled", zap.String("payment_intent_id", pi.ID))

	return a.machine.Update(func(tx *payment.Tx) error {
		s := tx.Session()
		if s == nil || tx.State().IsTerminal() || !sameIntent(s, pi.ID) {
			return nil
		}
		tx.Complete(model.ResultCancelled, "")
		return nil
	})
}
