package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/roboricindustries/raycon-chat/pkg/chat"
)

// SnapshotVersion is written into every snapshot. Unversioned documents are
// read as the storefront's legacy layouts.
const SnapshotVersion = 1

var (
	ErrCorruptSnapshot     = errors.New("corrupt snapshot")
	ErrUnsupportedSnapshot = errors.New("unsupported snapshot version")
)

type snapshotDoc struct {
	Version       int                 `json:"version"`
	Kind          string              `json:"kind"`
	Conversations []chat.Conversation `json:"conversations"`
}

// RestoreReport counts what Restore kept and what it skipped.
type RestoreReport struct {
	Conversations        int
	Messages             int
	SkippedConversations int
	SkippedMessages      int
	Legacy               bool
}

// Snapshot serializes every conversation in insertion order.
func (s *Store) Snapshot() ([]byte, error) {
	doc := snapshotDoc{
		Version:       SnapshotVersion,
		Kind:          s.policy.String(),
		Conversations: s.Conversations(),
	}
	return json.Marshal(doc)
}

// Restore replaces the store content with data. Malformed conversations and
// messages are skipped; only an unreadable document is an error, in which
// case the store is left empty.
func (s *Store) Restore(data []byte) (RestoreReport, error) {
	s.Reset()
	var rep RestoreReport

	items, legacy, err := snapshotItems(data)
	if err != nil {
		return rep, err
	}
	rep.Legacy = legacy

	for _, item := range items {
		name := item.Get("name")
		msgs := item.Get("messages")
		if !item.IsObject() || name.Type != gjson.String || name.Str == "" || (msgs.Exists() && !msgs.IsArray()) {
			rep.SkippedConversations++
			if msgs.IsArray() {
				rep.SkippedMessages += len(msgs.Array())
			}
			continue
		}
		key := s.policy.Key(name.Str)
		if _, seen := s.convs[key]; !seen {
			rep.Conversations++
		}
		c := s.ensure(key)
		for _, raw := range msgs.Array() {
			m, ok := decodeMessage(raw)
			if !ok {
				rep.SkippedMessages++
				continue
			}
			c.Messages = append(c.Messages, m)
			rep.Messages++
		}
	}
	return rep, nil
}

func snapshotItems(data []byte) ([]gjson.Result, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		return nil, false, ErrCorruptSnapshot
	}
	root := gjson.ParseBytes(trimmed)
	switch {
	case root.IsArray():
		return root.Array(), true, nil
	case root.IsObject() && root.Get("version").Exists():
		v := root.Get("version")
		if v.Type != gjson.Number {
			return nil, false, fmt.Errorf("%w: version %s", ErrCorruptSnapshot, v.Raw)
		}
		if v.Int() > SnapshotVersion {
			return nil, false, fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, v.Int())
		}
		cs := root.Get("conversations")
		if !cs.Exists() || cs.Type == gjson.Null {
			return nil, false, nil
		}
		if !cs.IsArray() {
			return nil, false, fmt.Errorf("%w: conversations is not a list", ErrCorruptSnapshot)
		}
		return cs.Array(), false, nil
	case root.IsObject():
		return []gjson.Result{root}, true, nil
	}
	return nil, false, ErrCorruptSnapshot
}

func decodeMessage(raw gjson.Result) (chat.Message, bool) {
	if !raw.IsObject() {
		return chat.Message{}, false
	}
	var m chat.Message
	if err := json.Unmarshal([]byte(raw.Raw), &m); err != nil {
		return chat.Message{}, false
	}
	if err := m.Validate(); err != nil {
		return chat.Message{}, false
	}
	return m, true
}
