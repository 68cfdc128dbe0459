package queue

import "context"

// OutcomeKind is a handler's verdict on one delivery.
type OutcomeKind int

const (
	OutcomeComplete OutcomeKind = iota
	OutcomeAbandon
	OutcomeDeadLetter
)

// Outcome tells the consuming pool how to settle a delivery.
type Outcome struct {
	Kind   OutcomeKind
	Reason string // set for dead-letter outcomes
}

// Completed marks the delivery done.
func Completed() Outcome { return Outcome{Kind: OutcomeComplete} }

// Abandoned returns the delivery for redelivery. Pools stop draining the
// session after an abandon so successors cannot overtake.
func Abandoned() Outcome { return Outcome{Kind: OutcomeAbandon} }

// DeadLettered retires the delivery with a reason.
func DeadLettered(reason string) Outcome {
	return Outcome{Kind: OutcomeDeadLetter, Reason: reason}
}

// Handler processes one delivery. Handlers must be safe for concurrent use
// across sessions; consuming pools guarantee per-session serialization.
type Handler interface {
	Handle(ctx context.Context, d *Delivery) Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, d *Delivery) Outcome

func (f HandlerFunc) Handle(ctx context.Context, d *Delivery) Outcome {
	return f(ctx, d)
}
