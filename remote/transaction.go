package remote

import (
	"context"

	"github.com/cockroachdb/errors"
)

// MaxTransactionAttempts bounds the compare-and-set retries of a transaction.
const MaxTransactionAttempts = 25

// CompareAndSetFunc replaces the node with next if it still equals expected.
// It returns the stored value: the committed one on success, the conflicting
// one otherwise.
type CompareAndSetFunc func(ctx context.Context, expected, next any) (swapped bool, stored any, err error)

// RunTransaction drives fn against a compare-and-set primitive starting from
// current, feeding every conflicting value back into fn until a swap lands,
// fn aborts, or MaxTransactionAttempts is reached.
func RunTransaction(ctx context.Context, path string, current any, fn TransformFunc, cas CompareAndSetFunc) (TxResult, error) {
	for attempt := 0; attempt < MaxTransactionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return TxResult{}, err
		}
		next, ok := fn(Clone(current))
		if !ok {
			return TxResult{Snapshot: Snapshot{Path: path, Value: current}}, nil
		}
		next, err := Normalize(next)
		if err != nil {
			return TxResult{}, err
		}
		swapped, stored, err := cas(ctx, current, next)
		if err != nil {
			return TxResult{}, err
		}
		if swapped {
			return TxResult{Committed: true, Snapshot: Snapshot{Path: path, Value: stored}}, nil
		}
		current = stored
	}
	return TxResult{}, errors.Wrapf(ErrContention, "transaction on %s", path)
}
