package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roboricindustries/raycon-chat/pkg/chat"
)

// IdentityStore keeps the logged-in identity next to the chat snapshots.
type IdentityStore struct {
	kv KV
}

func NewIdentityStore(kv KV) *IdentityStore {
	return &IdentityStore{kv: kv}
}

// Load returns the stored identity. A missing or unparsable record is
// reported as ErrNotFound so callers treat it as "logged out".
func (s *IdentityStore) Load(ctx context.Context) (chat.Identity, error) {
	raw, err := s.kv.Get(ctx, KeyIdentity)
	if err != nil {
		return chat.Identity{}, err
	}
	var id chat.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return chat.Identity{}, fmt.Errorf("%w: corrupt identity: %v", ErrNotFound, err)
	}
	if !id.Valid() {
		return chat.Identity{}, fmt.Errorf("%w: incomplete identity", ErrNotFound)
	}
	return id, nil
}

func (s *IdentityStore) Save(ctx context.Context, id chat.Identity) error {
	if !id.Valid() {
		return errors.New("identity requires id and name")
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyIdentity, raw)
}

func (s *IdentityStore) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, KeyIdentity)
}
