package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "nested", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := NewRecord()
	r.AddMessage(RoleUser, "hello", nil)
	r.AddMessage(RoleAssistant, "hi there", &Metadata{
		Tokens: 7,
		Model:  "gpt-4o-mini",
		ToolCalls: []ToolCall{
			{ID: "t1", Type: "read", XML: "<read path=\"a.go\"/>"},
		},
	})
	r.UpdateTokens(3, 4)
	r.AddModifiedFile("a.go")
	r.SetVariable("lang", "go")
	r.End()

	snap := r.Snapshot()
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Load(ctx, snap.ID)
	require.NoError(t, err)

	assert.Equal(t, snap.ID, got.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, snap.Messages[0].ID, got.Messages[0].ID)
	assert.Equal(t, RoleAssistant, got.Messages[1].Role)
	require.NotNil(t, got.Messages[1].Metadata)
	assert.Equal(t, 7, got.Messages[1].Metadata.Tokens)
	assert.Equal(t, "t1", got.Messages[1].Metadata.ToolCalls[0].ID)
	assert.Nil(t, got.Messages[0].Metadata)

	assert.Equal(t, 2, got.Stats.MessageCount)
	assert.Equal(t, 7, got.Stats.TotalTokens)
	assert.Equal(t, 3, got.Stats.PromptTokens)
	assert.Equal(t, 4, got.Stats.CompletionTokens)
	assert.Equal(t, []string{"a.go"}, got.Stats.ModifiedFiles)
	assert.Equal(t, []string{"lang"}, got.Stats.UsedVariables)
	assert.Equal(t, map[string]string{"lang": "go"}, got.Variables)
	assert.Equal(t, snap.Stats.StartTime.UnixMilli(), got.Stats.StartTime.UnixMilli())
	assert.Equal(t, snap.Stats.EndTime.UnixMilli(), got.Stats.EndTime.UnixMilli())
	assert.Equal(t, snap.Stats.Duration.Milliseconds(), got.Stats.Duration.Milliseconds())
}

func TestStore_SaveReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := NewRecord()
	r.AddMessage(RoleUser, "one", nil)
	r.AddMessage(RoleUser, "two", nil)
	require.NoError(t, s.Save(ctx, r.Snapshot()))

	r.ClearMessages()
	r.AddMessage(RoleUser, "three", nil)
	require.NoError(t, s.Save(ctx, r.Snapshot()))

	got, err := s.Load(ctx, r.ID())
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "three", got.Messages[0].Content)
}

func TestStore_LoadMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		r := NewRecord()
		start := base.Add(time.Duration(i) * time.Hour)
		r.now = func() time.Time { return start }
		r.Start()
		r.AddMessage(RoleUser, "m", &Metadata{Tokens: i})
		require.NoError(t, s.Save(ctx, r.Snapshot()))
		ids = append(ids, r.ID())
	}

	list, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)
	assert.Equal(t, 2, list[0].TotalTokens)
	assert.True(t, list[0].EndTime.IsZero())

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.Delete(ctx, ids[0]))
	_, err = s.Load(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, ids[0]), ErrNotFound)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	s, err := OpenStore(path)
	require.NoError(t, err)
	r := NewRecord()
	r.AddMessage(RoleUser, "persisted", nil)
	require.NoError(t, s.Save(ctx, r.Snapshot()))
	require.NoError(t, s.Close())

	s, err = OpenStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx, r.ID())
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Messages[0].Content)
}

func TestStore_Memory(t *testing.T) {
	s, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	r := NewRecord()
	require.NoError(t, s.Save(context.Background(), r.Snapshot()))
	_, err = s.Load(context.Background(), r.ID())
	assert.NoError(t, err)
}
