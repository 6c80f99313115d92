package shared

import (
	"context"

	"github.com/ably/ably-go/ably"
)

type AblyCtxKey struct{}

// AblyFromCtx returns the Ably client carried by ctx, or nil when the
// context has none.
func AblyFromCtx(ctx context.Context) *ably.Realtime {
	client, _ := ctx.Value(AblyCtxKey{}).(*ably.Realtime)
	return client
}
