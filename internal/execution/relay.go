package execution

import (
	"context"

	"OpenMEE-Chain/internal/supertx"
)

// Relay drives on-chain execution of signed quotes.
type Relay interface {
	Submit(ctx context.Context, signed supertx.SignedQuote) (supertx.Handle, error)
	Status(ctx context.Context, handle supertx.Handle) (Snapshot, error)
}
