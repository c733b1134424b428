// Package transfer is the boundary to the value-movement primitive. The
// engine calls it exactly once per finalized batch; everything about asset
// custody lives on the other side of this interface.
package transfer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Executor moves amount of asset from the bridge pool to receiver.
type Executor interface {
	Transfer(ctx context.Context, asset, receiver common.Address, amount *uint256.Int) error
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, asset, receiver common.Address, amount *uint256.Int) error

func (f Func) Transfer(ctx context.Context, asset, receiver common.Address, amount *uint256.Int) error {
	return f(ctx, asset, receiver, amount)
}
