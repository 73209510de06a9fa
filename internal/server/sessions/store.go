// Package sessions manages opaque client-correlation handles. A session is
// created on first client contact, checked on every progress poll, and
// removed on explicit sign-out or TTL expiry. Sessions carry no credentials
// and are independent of user identity; revoking one only detaches the
// polling client, it never cancels an in-flight task.
package sessions

import (
	"context"

	"github.com/asmolin/cloudvert/internal/server/models"
)

// Store is the session persistence contract. Both implementations use a
// sliding TTL: a successful Exists check renews the expiry.
type Store interface {
	Create(ctx context.Context) (*models.Session, error)
	Exists(ctx context.Context, id string) (bool, error)
	Revoke(ctx context.Context, id string) error
}
