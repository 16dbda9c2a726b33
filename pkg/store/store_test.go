package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-chat/pkg/chat"
	"github.com/roboricindustries/raycon-chat/pkg/persist"
)

const pngURI = "data:image/png;base64,iVBORw0KGgo="

func text(sender chat.Role, s string) chat.Message {
	return chat.Message{Sender: sender, Text: s}
}

func TestAppendPreservesCallOrder(t *testing.T) {
	s := New(chat.OperatorPolicy(), persist.KeyAdminChats, nil, nil)

	var want []chat.Message
	for i := 0; i < 20; i++ {
		m := text(chat.RoleUser, fmt.Sprintf("m%02d", i))
		if i%3 == 0 {
			m = chat.Message{Sender: chat.RoleAdmin, Image: pngURI}
		}
		want = append(want, m)
		_, err := s.Append("Lan", m)
		require.NoError(t, err)
	}

	got, ok := s.Get("Lan")
	require.True(t, ok)
	assert.Equal(t, want, got.Messages)
}

func TestAppendReturnsDetachedCopy(t *testing.T) {
	s := New(chat.OperatorPolicy(), "", nil, nil)
	c, err := s.Append("Lan", text(chat.RoleUser, "a"))
	require.NoError(t, err)
	c.Messages[0].Text = "mutated"

	got, _ := s.Get("Lan")
	assert.Equal(t, "a", got.Messages[0].Text)
}

func TestAppendRejectsInvalidPayload(t *testing.T) {
	s := New(chat.OperatorPolicy(), "", nil, nil)

	_, err := s.Append("Lan", chat.Message{Sender: chat.RoleUser})
	assert.ErrorIs(t, err, chat.ErrNoPayload)

	_, err = s.Append("Lan", chat.Message{Sender: chat.RoleUser, Text: "x", Image: pngURI})
	assert.ErrorIs(t, err, chat.ErrTwoPayloads)

	assert.Equal(t, 0, s.Len())
}

func TestOperatorCreatesConversationPerParticipant(t *testing.T) {
	s := New(chat.OperatorPolicy(), "", nil, nil)
	for _, n := range []string{"X", "Y", "X", "Z"} {
		_, err := s.Append(n, text(chat.RoleUser, "hi "+n))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"X", "Y", "Z"}, s.Names())
	x, _ := s.Get("X")
	assert.Len(t, x.Messages, 2)
}

func TestCustomerKeepsSingleConversation(t *testing.T) {
	s := New(chat.CustomerPolicy(), persist.ChatKey("7"), nil, nil)
	_, err := s.Append("Lan", text(chat.RoleUser, "Xin chào"))
	require.NoError(t, err)
	_, err = s.Append("Admin", text(chat.RoleAdmin, "Chào bạn"))
	require.NoError(t, err)

	assert.Equal(t, []string{chat.DefaultDeskName}, s.Names())
	c, ok := s.Get("anything")
	require.True(t, ok)
	assert.Equal(t, chat.DefaultDeskName, c.Name)
	assert.Len(t, c.Messages, 2)
}

func TestRemovePrunesOnlyThatParticipant(t *testing.T) {
	s := New(chat.OperatorPolicy(), "", nil, nil)
	for _, n := range []string{"X", "Y", "Z"} {
		_, _ = s.Append(n, text(chat.RoleUser, "hi"))
	}

	assert.True(t, s.Remove("Y"))
	assert.False(t, s.Remove("Y"))
	assert.Equal(t, []string{"X", "Z"}, s.Names())
	assert.False(t, s.Has("Y"))
}

func TestMarkDelivery(t *testing.T) {
	s := New(chat.OperatorPolicy(), "", nil, nil)
	m := chat.NewText(chat.RoleAdmin, "hello")
	m.Status = chat.StatusPending
	_, err := s.Append("Lan", m)
	require.NoError(t, err)

	assert.True(t, s.MarkDelivery("Lan", m.ID, chat.StatusConfirmed))
	assert.False(t, s.MarkDelivery("Lan", m.ID, chat.StatusConfirmed), "unchanged status")
	assert.False(t, s.MarkDelivery("Lan", "nope", chat.StatusFailed))
	assert.False(t, s.MarkDelivery("Ghost", m.ID, chat.StatusFailed))
	assert.False(t, s.MarkDelivery("Lan", "", chat.StatusFailed))

	c, _ := s.Get("Lan")
	assert.Equal(t, chat.StatusConfirmed, c.Messages[0].Status)
	assert.Equal(t, "hello", c.Messages[0].Text)
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := New(chat.OperatorPolicy(), "", nil, nil)
	_, _ = src.Append("Lan", text(chat.RoleUser, "Xin chào"))
	_, _ = src.Append("Minh", chat.Message{Sender: chat.RoleUser, Image: pngURI})
	sent := chat.NewText(chat.RoleAdmin, "Chào Lan")
	sent.Status = chat.StatusFailed
	_, _ = src.Append("Lan", sent)

	data, err := src.Snapshot()
	require.NoError(t, err)

	dst := New(chat.OperatorPolicy(), "", nil, nil)
	rep, err := dst.Restore(data)
	require.NoError(t, err)
	assert.False(t, rep.Legacy)
	assert.Equal(t, 2, rep.Conversations)
	assert.Equal(t, 3, rep.Messages)
	assert.Equal(t, src.Conversations(), dst.Conversations())
	assert.Equal(t, src.Names(), dst.Names())
}

func TestSnapshotCarriesVersion(t *testing.T) {
	s := New(chat.CustomerPolicy(), "", nil, nil)
	_, _ = s.Append("Lan", text(chat.RoleAdmin, "Hi"))
	data, err := s.Snapshot()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.EqualValues(t, SnapshotVersion, doc["version"])
	assert.Equal(t, "single", doc["kind"])
}

func TestRestoreLegacyCustomerRecord(t *testing.T) {
	legacy := `{"name":"Admin","messages":[{"sender":"admin","text":"Hi"}]}`
	s := New(chat.CustomerPolicy(), "", nil, nil)
	rep, err := s.Restore([]byte(legacy))
	require.NoError(t, err)
	assert.True(t, rep.Legacy)

	c, ok := s.Get("Admin")
	require.True(t, ok)
	assert.Equal(t, []chat.Message{{Sender: chat.RoleAdmin, Text: "Hi"}}, c.Messages)

	// and the versioned form of the same conversation restores identically
	data, err := s.Snapshot()
	require.NoError(t, err)
	again := New(chat.CustomerPolicy(), "", nil, nil)
	_, err = again.Restore(data)
	require.NoError(t, err)
	assert.Equal(t, s.Conversations(), again.Conversations())
}

func TestRestoreLegacyAdminList(t *testing.T) {
	legacy := `[
		{"name":"Lan","messages":[{"sender":"user","text":"a"},{"sender":"admin","image":"` + pngURI + `"}]},
		{"name":"Minh","messages":[{"sender":"user","text":"b"}]}
	]`
	s := New(chat.OperatorPolicy(), "", nil, nil)
	rep, err := s.Restore([]byte(legacy))
	require.NoError(t, err)
	assert.True(t, rep.Legacy)
	assert.Equal(t, []string{"Lan", "Minh"}, s.Names())
	assert.Equal(t, 3, rep.Messages)
}

func TestRestoreSkipsMalformedEntries(t *testing.T) {
	doc := `{"version":1,"kind":"multi","conversations":[
		{"name":"Lan","messages":[
			{"sender":"user","text":"ok1"},
			{"sender":"user"},
			{"sender":"user","text":"x","image":"` + pngURI + `"},
			"not an object",
			{"sender":42,"text":"bad sender type"},
			{"sender":"user","image":"http://example.com/a.png"},
			{"sender":"admin","text":"ok2"},
			{"text":"no sender"}
		]},
		{"name":"","messages":[{"sender":"user","text":"nameless"}]},
		{"messages":[{"sender":"user","text":"missing name"}]},
		{"name":"Minh","messages":[{"sender":"user","image":"` + pngURI + `"}]},
		17
	]}`
	s := New(chat.OperatorPolicy(), "", nil, nil)
	rep, err := s.Restore([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Messages)
	assert.Equal(t, 2, rep.Conversations)
	assert.Equal(t, 3, rep.SkippedConversations)
	assert.Equal(t, 8, rep.SkippedMessages)

	total := 0
	for _, c := range s.Conversations() {
		total += len(c.Messages)
	}
	assert.Equal(t, 3, total)
}

func TestRestoreMergesDuplicateNames(t *testing.T) {
	doc := `[{"name":"Lan","messages":[{"sender":"user","text":"a"}]},{"name":"Lan","messages":[{"sender":"user","text":"b"}]}]`
	s := New(chat.OperatorPolicy(), "", nil, nil)
	rep, err := s.Restore([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Conversations)
	c, _ := s.Get("Lan")
	assert.Equal(t, []chat.Message{text(chat.RoleUser, "a"), text(chat.RoleUser, "b")}, c.Messages)
}

func TestRestoreCorruptDocument(t *testing.T) {
	for _, in := range []string{"", "   ", "{not json", "42", `"str"`, `{"version":"x"}`, `{"version":1,"conversations":{}}`} {
		s := New(chat.OperatorPolicy(), "", nil, nil)
		_, _ = s.Append("Lan", text(chat.RoleUser, "stale"))
		_, err := s.Restore([]byte(in))
		assert.ErrorIs(t, err, ErrCorruptSnapshot, "input %q", in)
		assert.Equal(t, 0, s.Len(), "input %q", in)
	}
}

func TestRestoreFutureVersion(t *testing.T) {
	s := New(chat.OperatorPolicy(), "", nil, nil)
	_, err := s.Restore([]byte(`{"version":99,"conversations":[]}`))
	assert.ErrorIs(t, err, ErrUnsupportedSnapshot)
}

func TestRestoreEmptyVersionedDocument(t *testing.T) {
	s := New(chat.OperatorPolicy(), "", nil, nil)
	rep, err := s.Restore([]byte(`{"version":1,"kind":"multi","conversations":null}`))
	require.NoError(t, err)
	assert.Equal(t, RestoreReport{}, rep)
}

func TestAppendPersistsAndLoadRestores(t *testing.T) {
	ctx := context.Background()
	kv := persist.NewMemory()
	s := New(chat.OperatorPolicy(), persist.KeyAdminChats, kv, nil)
	_, _ = s.Append("Lan", text(chat.RoleUser, "a"))
	_, _ = s.Append("Minh", text(chat.RoleUser, "b"))
	s.Remove("Minh")

	reloaded := New(chat.OperatorPolicy(), persist.KeyAdminChats, kv, nil)
	_, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Lan"}, reloaded.Names())
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	ctx := context.Background()
	kv := persist.NewMemory()
	s := New(chat.CustomerPolicy(), persist.ChatKey("1"), kv, nil)

	rep, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, RestoreReport{}, rep)

	require.NoError(t, kv.Set(ctx, persist.ChatKey("1"), []byte("{broken")))
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
	assert.Equal(t, 0, s.Len())
}

func TestPurgeDeletesSnapshot(t *testing.T) {
	ctx := context.Background()
	kv := persist.NewMemory()
	s := New(chat.CustomerPolicy(), persist.ChatKey("1"), kv, nil)
	_, _ = s.Append("Lan", text(chat.RoleUser, "a"))
	require.Contains(t, kv.Keys(), persist.ChatKey("1"))

	require.NoError(t, s.Purge(ctx))
	assert.Equal(t, 0, s.Len())
	_, err := kv.Get(ctx, persist.ChatKey("1"))
	assert.ErrorIs(t, err, persist.ErrNotFound)
}

func TestPurgedStoreRefusesWrites(t *testing.T) {
	ctx := context.Background()
	kv := persist.NewMemory()
	s := New(chat.CustomerPolicy(), persist.ChatKey("1"), kv, nil)
	_, _ = s.Append("Lan", text(chat.RoleUser, "a"))
	require.NoError(t, s.Purge(ctx))

	_, err := s.Append("Lan", text(chat.RoleUser, "late"))
	assert.ErrorIs(t, err, ErrPurged)
	assert.ErrorIs(t, s.Flush(ctx), ErrPurged)
	assert.Empty(t, kv.Keys())

	_, err = s.Load(ctx)
	require.NoError(t, err)
	_, err = s.Append("Lan", text(chat.RoleUser, "again"))
	require.NoError(t, err)
	assert.Contains(t, kv.Keys(), persist.ChatKey("1"))
}

func TestKeyFor(t *testing.T) {
	id := chat.Identity{ID: "9", Name: "Lan"}
	assert.Equal(t, "chat_9", KeyFor(chat.CustomerPolicy(), id))
	assert.Equal(t, persist.KeyAdminChats, KeyFor(chat.OperatorPolicy(), id))
}
