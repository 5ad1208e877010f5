package stripe

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ API = (*simAPI)(nil)

type simIntent struct {
	pi        PaymentIntent
	processed time.Time
}

// simAPI имитирует Stripe API внутри процесса. После передачи на ридер PaymentIntent через
// половину задержки переходит в processing, через полную задержку авторизуется картой visa 4242
// или отклоняется.
type simAPI struct {
	delay       time.Duration
	autoApprove bool

	mu      sync.Mutex
	seq     int
	intents map[string]*simIntent
}

func newSimAPI(delay time.Duration, autoApprove bool) *simAPI {
	return &simAPI{
		delay:       delay,
		autoApprove: autoApprove,
		intents:     make(map[string]*simIntent),
	}
}

func (s *simAPI) GetReader(_ context.Context, readerID string) (*Reader, error) {
	return &Reader{ID: readerID, Status: ReaderOnline, DeviceType: "simulated_wisepos_e", Label: "Simulator"}, nil
}

func (s *simAPI) CreatePaymentIntent(_ context.Context, p IntentParams) (*PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("pi_sim_%d_%d", time.Now().Unix(), s.seq)
	s.intents[id] = &simIntent{pi: PaymentIntent{ID: id, Status: StatusRequiresPaymentMethod, Amount: p.Amount}}
	pi := s.intents[id].pi
	return &pi, nil
}

func (s *simAPI) intent(id string) (*simIntent, error) {
	in, ok := s.intents[id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Type: "invalid_request_error", Code: "resource_missing", Message: "No such payment_intent: " + id}
	}
	return in, nil
}

func (s *simAPI) ProcessPaymentIntent(_ context.Context, readerID, intentID string) (*Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.intent(intentID)
	if err != nil {
		return nil, err
	}
	in.processed = time.Now()
	return &Reader{ID: readerID, Status: ReaderOnline, Action: &ReaderAction{Type: "process_payment_intent", Status: "in_progress"}}, nil
}

func (s *simAPI) GetPaymentIntent(_ context.Context, intentID string) (*PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.intent(intentID)
	if err != nil {
		return nil, err
	}

	if in.pi.Status == StatusRequiresPaymentMethod || in.pi.Status == StatusProcessing {
		elapsed := time.Since(in.processed)
		switch {
		case in.processed.IsZero() || elapsed < s.delay/2:
		case elapsed < s.delay:
			in.pi.Status = StatusProcessing
		case s.autoApprove:
			chargeID := "ch_sim_" + in.pi.ID[len("pi_sim_"):]
			in.pi.Status = StatusRequiresCapture
			in.pi.AmountCapturable = in.pi.Amount
			in.pi.LatestCharge = &ObjectRef{Charge: Charge{
				ID: chargeID,
				PaymentMethodDetails: &PaymentMethodDetails{CardPresent: &CardDetails{
					Last4:                             "4242",
					Brand:                             "visa",
					IncrementalAuthorizationSupported: true,
				}},
			}}
		default:
			in.pi.Status = StatusRequiresPaymentMethod
			in.pi.LastPaymentError = &PaymentError{Code: "card_declined", Message: "Simulated denial"}
		}
	}
	pi := in.pi
	return &pi, nil
}

func (s *simAPI) IncrementAuthorization(_ context.Context, intentID string, amount int) (*PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.intent(intentID)
	if err != nil {
		return nil, err
	}
	in.pi.Amount = amount
	in.pi.AmountCapturable = amount
	pi := in.pi
	return &pi, nil
}

func (s *simAPI) CapturePaymentIntent(_ context.Context, intentID string, amount int) (*PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.intent(intentID)
	if err != nil {
		return nil, err
	}
	in.pi.Status = StatusSucceeded
	in.pi.AmountReceived = amount
	in.pi.AmountCapturable = 0
	pi := in.pi
	return &pi, nil
}

func (s *simAPI) CancelPaymentIntent(_ context.Context, intentID, _ string) (*PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.intent(intentID)
	if err != nil {
		return nil, err
	}
	in.pi.Status = StatusCanceled
	pi := in.pi
	return &pi, nil
}
