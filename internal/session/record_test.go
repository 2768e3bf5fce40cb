package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_New(t *testing.T) {
	r := NewRecord()

	assert.NotEmpty(t, r.ID())
	assert.Empty(t, r.Messages())
	assert.False(t, r.IsProcessing())
	assert.False(t, r.IsPaused())
	assert.False(t, r.Stats().StartTime.IsZero())
	assert.False(t, r.Ended())
}

func TestRecord_AddMessage(t *testing.T) {
	r := NewRecord()

	u := r.AddMessage(RoleUser, "hello", nil)
	a := r.AddMessage(RoleAssistant, "hi", &Metadata{Tokens: 12, Model: "gpt"})

	assert.NotEmpty(t, u.ID)
	assert.NotEqual(t, u.ID, a.ID)
	assert.False(t, u.Timestamp.IsZero())

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[1].Content)

	stats := r.Stats()
	assert.Equal(t, 2, stats.MessageCount)
	assert.Equal(t, 12, stats.TotalTokens)
}

func TestRecord_ClearMessagesKeepsStats(t *testing.T) {
	r := NewRecord()
	r.AddMessage(RoleUser, "a", &Metadata{Tokens: 3})
	r.ClearMessages()

	assert.Empty(t, r.Messages())
	assert.Equal(t, 1, r.Stats().MessageCount)
	assert.Equal(t, 3, r.Stats().TotalTokens)
}

func TestRecord_ProcessingNotifiesOnChange(t *testing.T) {
	r := NewRecord()

	var got []Change
	r.Subscribe(func(c Change) {
		if c.Kind == ChangeProcessing {
			got = append(got, c)
		}
	})

	r.SetProcessing(true)
	r.SetProcessing(true)
	r.SetProcessing(false)

	require.Len(t, got, 2)
	assert.True(t, got[0].Processing)
	assert.False(t, got[1].Processing)
	assert.Equal(t, r.ID(), got[0].SessionID)
}

func TestRecord_ObserverMayReadRecord(t *testing.T) {
	r := NewRecord()
	var seen int
	r.Subscribe(func(c Change) {
		seen = len(r.Messages())
	})

	r.AddMessage(RoleUser, "x", nil)
	assert.Equal(t, 1, seen)
}

func TestRecord_Unsubscribe(t *testing.T) {
	r := NewRecord()
	calls := 0
	unsubscribe := r.Subscribe(func(Change) { calls++ })

	r.SetPaused(true)
	unsubscribe()
	unsubscribe()
	r.SetPaused(false)

	assert.Equal(t, 1, calls)
	assert.False(t, r.IsPaused())
}

func TestRecord_ModifiedFiles(t *testing.T) {
	r := NewRecord()
	r.AddModifiedFile("a.go")
	r.AddModifiedFile("b.go")
	r.AddModifiedFile("a.go")

	assert.Equal(t, []string{"a.go", "b.go"}, r.Stats().ModifiedFiles)
}

func TestRecord_Variables(t *testing.T) {
	r := NewRecord()
	r.SetVariable("name", "one")
	r.SetVariable("name", "two")
	r.SetVariable("path", "/tmp")

	v, ok := r.Variable("name")
	assert.True(t, ok)
	assert.Equal(t, "two", v)

	_, ok = r.Variable("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"name", "path"}, r.Stats().UsedVariables)
}

func TestRecord_UpdateTokensAndStats(t *testing.T) {
	r := NewRecord()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	r.Start()

	r.now = func() time.Time { return base.Add(5 * time.Second) }
	r.UpdateTokens(10, 20)
	r.UpdateTokens(1, 2)

	stats := r.Stats()
	assert.Equal(t, 11, stats.PromptTokens)
	assert.Equal(t, 22, stats.CompletionTokens)
	assert.Equal(t, 5*time.Second, stats.Duration)

	r.UpdateStats(func(s *Stats) { s.TotalTokens = 99 })
	assert.Equal(t, 99, r.Stats().TotalTokens)
}

func TestRecord_End(t *testing.T) {
	r := NewRecord()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	r.Start()
	r.SetProcessing(true)

	r.now = func() time.Time { return base.Add(time.Minute) }
	r.End()

	assert.True(t, r.Ended())
	assert.False(t, r.IsProcessing())
	assert.Equal(t, time.Minute, r.Stats().Duration)
	assert.Equal(t, base.Add(time.Minute), r.Stats().EndTime)
}

func TestRecord_Reset(t *testing.T) {
	r := NewRecord()
	id := r.ID()
	r.AddMessage(RoleUser, "x", nil)
	r.SetVariable("k", "v")
	r.SetProcessing(true)

	r.Reset()

	assert.NotEqual(t, id, r.ID())
	assert.Empty(t, r.Messages())
	assert.False(t, r.IsProcessing())
	assert.Equal(t, 0, r.Stats().MessageCount)
	_, ok := r.Variable("k")
	assert.False(t, ok)
}

func TestRecord_SnapshotIsDeepCopy(t *testing.T) {
	r := NewRecord()
	r.AddMessage(RoleUser, "x", nil)
	r.SetVariable("k", "v")
	r.AddModifiedFile("f")

	snap := r.Snapshot()
	snap.Messages[0].Content = "mutated"
	snap.Variables["k"] = "mutated"
	snap.Stats.ModifiedFiles[0] = "mutated"

	assert.Equal(t, "x", r.Messages()[0].Content)
	v, _ := r.Variable("k")
	assert.Equal(t, "v", v)
	assert.Equal(t, "f", r.Stats().ModifiedFiles[0])
}

func TestRecord_Concurrent(t *testing.T) {
	r := NewRecord()
	r.Subscribe(func(Change) {})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.AddMessage(RoleUser, "m", &Metadata{Tokens: 1})
			r.SetProcessing(true)
			_ = r.Snapshot()
			r.SetProcessing(false)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, r.Stats().MessageCount)
	assert.Equal(t, 50, r.Stats().TotalTokens)
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleTool.Valid())
	assert.False(t, Role("robot").Valid())
}

func TestChangeKind_String(t *testing.T) {
	assert.Equal(t, "processing", ChangeProcessing.String())
	assert.Equal(t, "unknown", ChangeKind(99).String())
}
