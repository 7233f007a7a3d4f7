package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// Transactions retry on contention up to txMaxAttempts times and never run
// longer than txDeadline, so a contested order document cannot stall a
// webhook delivery past the sender's own timeout.
const (
	txMaxAttempts = 5
	txDeadline    = 15 * time.Second
)

// TxFunc runs inside a Firestore transaction. Reads must go through tx for
// the commit-time conflict check to cover them.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// RunTransaction executes fn within a Firestore transaction on client.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc) error {
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}

	txCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > txDeadline {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, txDeadline)
		defer cancel()
	}

	err := client.RunTransaction(txCtx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, tx)
	}, firestore.MaxAttempts(txMaxAttempts))
	return WrapError("transaction", err)
}
