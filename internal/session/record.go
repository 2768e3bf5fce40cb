package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeKind identifies a Record mutation.
type ChangeKind int

// Change kinds.
const (
	ChangeMessageAdded ChangeKind = iota
	ChangeMessagesCleared
	ChangeProcessing
	ChangePaused
	ChangeFileModified
	ChangeVariableSet
	ChangeStats
	ChangeStarted
	ChangeEnded
	ChangeReset
)

var changeNames = map[ChangeKind]string{
	ChangeMessageAdded:    "message_added",
	ChangeMessagesCleared: "messages_cleared",
	ChangeProcessing:      "processing",
	ChangePaused:          "paused",
	ChangeFileModified:    "file_modified",
	ChangeVariableSet:     "variable_set",
	ChangeStats:           "stats",
	ChangeStarted:         "started",
	ChangeEnded:           "ended",
	ChangeReset:           "reset",
}

// String returns the change name.
func (k ChangeKind) String() string {
	if name, ok := changeNames[k]; ok {
		return name
	}
	return "unknown"
}

// Change describes one mutation. Processing and Paused always carry the
// values after the mutation.
type Change struct {
	Kind       ChangeKind
	SessionID  string
	Processing bool
	Paused     bool
	Message    *Message
}

// Observer is notified of every mutation.
type Observer func(Change)

// Record is the mutable session record.
type Record struct {
	mu         sync.RWMutex
	id         string
	messages   []Message
	stats      Stats
	processing bool
	paused     bool
	variables  map[string]string
	files      map[string]struct{}

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	now func() time.Time
}

// NewRecord creates an empty record with a fresh ID.
func NewRecord() *Record {
	r := &Record{
		observers: make(map[int]Observer),
		now:       time.Now,
	}
	r.resetLocked()
	return r
}

func (r *Record) resetLocked() {
	r.id = uuid.New().String()
	r.messages = nil
	r.stats = Stats{StartTime: r.now()}
	r.processing = false
	r.paused = false
	r.variables = make(map[string]string)
	r.files = make(map[string]struct{})
}

// Subscribe registers fn and returns a function that removes it.
func (r *Record) Subscribe(fn Observer) (unsubscribe func()) {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.obsMu.Lock()
			delete(r.observers, id)
			r.obsMu.Unlock()
		})
	}
}

func (r *Record) notify(c Change) {
	r.obsMu.RLock()
	ids := make([]int, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.observers[id])
	}
	r.obsMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// change builds a Change from the current flags. Callers hold mu.
func (r *Record) change(kind ChangeKind) Change {
	return Change{Kind: kind, SessionID: r.id, Processing: r.processing, Paused: r.paused}
}

// ID returns the session ID.
func (r *Record) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// AddMessage appends a message, assigning its ID and timestamp, and returns it.
// Metadata tokens are added to the running total.
func (r *Record) AddMessage(role Role, content string, meta *Metadata) Message {
	r.mu.Lock()
	msg := Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: r.now(),
		Metadata:  meta,
	}
	r.messages = append(r.messages, msg)
	r.stats.MessageCount++
	if meta != nil {
		r.stats.TotalTokens += meta.Tokens
	}
	c := r.change(ChangeMessageAdded)
	c.Message = &msg
	r.mu.Unlock()

	r.notify(c)
	return msg
}

// Messages returns a copy of the message list.
func (r *Record) Messages() []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Message(nil), r.messages...)
}

// ClearMessages drops the message list. Stats are kept.
func (r *Record) ClearMessages() {
	r.mu.Lock()
	r.messages = nil
	c := r.change(ChangeMessagesCleared)
	r.mu.Unlock()

	r.notify(c)
}

// SetProcessing sets the processing flag. Observers are notified only when
// the value changes.
func (r *Record) SetProcessing(processing bool) {
	r.mu.Lock()
	if r.processing == processing {
		r.mu.Unlock()
		return
	}
	r.processing = processing
	c := r.change(ChangeProcessing)
	r.mu.Unlock()

	r.notify(c)
}

// IsProcessing returns the processing flag.
func (r *Record) IsProcessing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processing
}

// SetPaused sets the paused flag.
func (r *Record) SetPaused(paused bool) {
	r.mu.Lock()
	if r.paused == paused {
		r.mu.Unlock()
		return
	}
	r.paused = paused
	c := r.change(ChangePaused)
	r.mu.Unlock()

	r.notify(c)
}

// IsPaused returns the paused flag.
func (r *Record) IsPaused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

// AddModifiedFile records that path was changed during the session.
func (r *Record) AddModifiedFile(path string) {
	r.mu.Lock()
	if _, ok := r.files[path]; ok {
		r.mu.Unlock()
		return
	}
	r.files[path] = struct{}{}
	r.stats.ModifiedFiles = append(r.stats.ModifiedFiles, path)
	c := r.change(ChangeFileModified)
	r.mu.Unlock()

	r.notify(c)
}

// SetVariable stores a session-scoped variable.
func (r *Record) SetVariable(key, value string) {
	r.mu.Lock()
	if _, ok := r.variables[key]; !ok {
		r.stats.UsedVariables = append(r.stats.UsedVariables, key)
	}
	r.variables[key] = value
	c := r.change(ChangeVariableSet)
	r.mu.Unlock()

	r.notify(c)
}

// Variable returns a session-scoped variable.
func (r *Record) Variable(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.variables[key]
	return v, ok
}

// UpdateTokens adds prompt and completion token usage.
func (r *Record) UpdateTokens(prompt, completion int) {
	r.UpdateStats(func(s *Stats) {
		s.PromptTokens += prompt
		s.CompletionTokens += completion
	})
}

// UpdateStats applies fn to the stats and refreshes the duration.
func (r *Record) UpdateStats(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.stats.Duration = r.now().Sub(r.stats.StartTime)
	c := r.change(ChangeStats)
	r.mu.Unlock()

	r.notify(c)
}

// Stats returns a copy of the stats.
func (r *Record) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats.clone()
}

// Start marks the beginning of the session.
func (r *Record) Start() {
	r.mu.Lock()
	r.stats.StartTime = r.now()
	r.stats.EndTime = time.Time{}
	r.stats.Duration = 0
	c := r.change(ChangeStarted)
	r.mu.Unlock()

	r.notify(c)
}

// End finalizes the session: the end time and duration are fixed and the
// processing flag is cleared.
func (r *Record) End() {
	r.mu.Lock()
	now := r.now()
	r.stats.EndTime = now
	r.stats.Duration = now.Sub(r.stats.StartTime)
	r.processing = false
	c := r.change(ChangeEnded)
	r.mu.Unlock()

	r.notify(c)
}

// Ended reports whether End has been called since the last Start or Reset.
func (r *Record) Ended() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.stats.EndTime.IsZero()
}

// Reset replaces the record with a new empty session.
func (r *Record) Reset() {
	r.mu.Lock()
	r.resetLocked()
	c := r.change(ChangeReset)
	r.mu.Unlock()

	r.notify(c)
}

// Snapshot returns a deep copy of the record.
func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vars := make(map[string]string, len(r.variables))
	for k, v := range r.variables {
		vars[k] = v
	}
	return Snapshot{
		ID:         r.id,
		Messages:   append([]Message(nil), r.messages...),
		Stats:      r.stats.clone(),
		Processing: r.processing,
		Paused:     r.paused,
		Variables:  vars,
	}
}
