// Package persist provides the key/value backends that hold chat snapshots
// and the stored login identity.
package persist

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("persist: key not found")

// KV is the minimal storage a chat client needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Storage keys used by the storefront clients.
const (
	KeyIdentity   = "userInfo"
	KeyAdminChats = "adminChats"
)

// ChatKey returns the snapshot key of a customer identified by ownerID.
func ChatKey(ownerID string) string { return "chat_" + ownerID }
