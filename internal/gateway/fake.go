package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DeclinedPaymentMethod is always declined by the fake.
const DeclinedPaymentMethod = "pm_declined"

// Fault makes the next call of an operation fail. With Applied set the call
// takes effect before the error is returned, as when a response is lost.
type Fault struct {
	Err     error
	Applied bool
}

type fakeIntent struct {
	amount   int64
	captured int64
	status   IntentStatus
}

// Fake is an in-memory processor that honors idempotency keys.
type Fake struct {
	mu       sync.Mutex
	intents  map[string]*fakeIntent
	replays  map[string]*Result
	faults   map[string][]Fault
	calls    map[string]int
	newID    func() string
	declines map[string]bool
}

func NewFake() *Fake {
	return &Fake{
		intents:  make(map[string]*fakeIntent),
		replays:  make(map[string]*Result),
		faults:   make(map[string][]Fault),
		calls:    make(map[string]int),
		newID:    func() string { return "pi_" + uuid.NewString() },
		declines: map[string]bool{DeclinedPaymentMethod: true},
	}
}

// InjectFault queues a failure for the next call of op.
func (f *Fake) InjectFault(op string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], fault)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// IntentStatus returns the current state of an intent, for assertions.
func (f *Fake) IntentStatus(intentID string) (IntentStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[intentID]
	if !ok {
		return "", false
	}
	return in.status, true
}

func (f *Fake) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	return f.call(ctx, OpAuthorize, req.IdempotencyKey, func() (*Result, error) {
		if req.AmountCents <= 0 {
			return nil, &Error{Op: OpAuthorize, Code: "invalid_amount", Message: "amount must be positive", StatusCode: 422, Err: ErrDeclined}
		}
		if req.PaymentMethodID == "" || f.declines[req.PaymentMethodID] {
			return nil, &Error{Op: OpAuthorize, Code: "card_declined", Message: "Your card was declined.", StatusCode: 402, Err: ErrDeclined}
		}
		id := f.newID()
		f.intents[id] = &fakeIntent{amount: req.AmountCents, status: IntentRequiresCapture}
		return f.result(KindAuthorized, id), nil
	})
}

func (f *Fake) Capture(ctx context.Context, intentID string, amountCents int64, idempotencyKey string) (*Result, error) {
	return f.call(ctx, OpCapture, idempotencyKey, func() (*Result, error) {
		in, ok := f.intents[intentID]
		if !ok {
			return nil, &Error{Op: OpCapture, Code: "resource_missing", StatusCode: 404, Err: ErrIntentNotFound}
		}
		if in.status != IntentRequiresCapture {
			return nil, &Error{Op: OpCapture, Code: "intent_unexpected_state", Message: "intent is " + string(in.status), StatusCode: 422, Err: ErrDeclined}
		}
		if amountCents <= 0 || amountCents > in.amount {
			return nil, &Error{Op: OpCapture, Code: "amount_too_large", StatusCode: 422, Err: ErrDeclined}
		}
		in.captured = amountCents
		in.status = IntentSucceeded
		res := f.result(KindCaptured, intentID)
		res.SettledID = "ch_" + uuid.NewString()
		return res, nil
	})
}

func (f *Fake) Void(ctx context.Context, intentID, idempotencyKey string) (*Result, error) {
	return f.call(ctx, OpVoid, idempotencyKey, func() (*Result, error) {
		in, ok := f.intents[intentID]
		if !ok {
			return nil, &Error{Op: OpVoid, Code: "resource_missing", StatusCode: 404, Err: ErrIntentNotFound}
		}
		switch in.status {
		case IntentRequiresCapture:
			in.status = IntentCanceled
		case IntentCanceled:
		default:
			return nil, &Error{Op: OpVoid, Code: "intent_unexpected_state", Message: "intent is " + string(in.status), StatusCode: 422, Err: ErrDeclined}
		}
		return f.result(KindVoided, intentID), nil
	})
}

func (f *Fake) GetIntentStatus(ctx context.Context, intentID string) (*Result, error) {
	return f.call(ctx, OpStatus, "", func() (*Result, error) {
		if _, ok := f.intents[intentID]; !ok {
			return nil, &Error{Op: OpStatus, Code: "resource_missing", StatusCode: 404, Err: ErrIntentNotFound}
		}
		return f.result(KindStatus, intentID), nil
	})
}

func (f *Fake) call(ctx context.Context, op, key string, apply func() (*Result, error)) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyTransport(op, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++

	var fault *Fault
	if queued := f.faults[op]; len(queued) > 0 {
		fault = &queued[0]
		f.faults[op] = queued[1:]
	}
	if fault != nil && !fault.Applied {
		return nil, fault.Err
	}

	replayKey := op + ":" + key
	res, ok := f.replays[replayKey]
	if !ok || key == "" {
		var err error
		res, err = apply()
		if err != nil {
			return nil, err
		}
		if key != "" {
			f.replays[replayKey] = res
		}
	}

	if fault != nil {
		return nil, fault.Err
	}
	out := *res
	return &out, nil
}

// result must be called with f.mu held.
func (f *Fake) result(kind Kind, intentID string) *Result {
	in := f.intents[intentID]
	return &Result{
		Kind:          kind,
		IntentID:      intentID,
		Status:        in.status,
		AmountCents:   in.amount,
		CapturedCents: in.captured,
	}
}
