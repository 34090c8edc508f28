package interfaces

import "context"

// Receiver is a third-party contract that can accept tokens.
//
// OnReceive is told that amount (a decimal string) was credited to it by sender
// and returns, as a decimal string, how much of it is unused and should go back
// to the sender. Any error means the whole amount is unused.
type Receiver interface {
	OnReceive(ctx context.Context, sender, amount, message string) (string, error)
}
