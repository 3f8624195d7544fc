package command

import (
	"context"
	"fmt"
)

// Publication is an order for the producer to send one command body.
type Publication struct {
	// ctx is a context for this order from the original caller.
	ctx context.Context

	// args are the Send args.
	args publishArgs

	// result is a channel we will send the publishing result back to the original
	// caller with.
	result chan error
}

// WaitOnConfirmation blocks until the session has accepted or rejected the command, or
// the context of the publication cancels.
func (order *Publication) WaitOnConfirmation() error {
	select {
	case result := <-order.result:
		return result
	case <-order.ctx.Done():
		return fmt.Errorf("command cancelled: %w", order.ctx.Err())
	}
}

// publishArgs are the args we are going to call Sender.Send with.
type publishArgs struct {
	Key  string
	Body []byte
}
