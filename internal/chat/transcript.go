package chat

// DefaultWindow is the number of messages a Transcript keeps when no limit is given.
const DefaultWindow = 500

// Transcript is the in-memory, ordered list of visible messages. It keeps at
// most window messages; the oldest fall out first. It is not safe for
// concurrent use.
type Transcript struct {
	window   int
	messages []Message
	index    map[string]int // id -> position in messages
}

func NewTranscript(window int) *Transcript {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Transcript{
		window: window,
		index:  map[string]int{},
	}
}

func (t *Transcript) Append(msg Message) {
	t.messages = append(t.messages, msg)
	t.index[msg.ID] = len(t.messages) - 1

	if len(t.messages) > t.window {
		drop := len(t.messages) - t.window
		t.messages = append([]Message(nil), t.messages[drop:]...)
		t.reindex()
	}
}

func (t *Transcript) Find(id string) (Message, bool) {
	if id == "" {
		return Message{}, false
	}
	i, ok := t.index[id]
	if !ok {
		return Message{}, false
	}
	return t.messages[i], true
}

// Remove deletes a message by id and reports whether it was present.
func (t *Transcript) Remove(id string) bool {
	i, ok := t.index[id]
	if !ok {
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	t.reindex()
	return true
}

// ResolveReply returns the message msg replies to. Targets that have left the
// window, or never existed, are reported as not found.
func (t *Transcript) ResolveReply(msg Message) (Message, bool) {
	return t.Find(msg.ReplyTo)
}

// Messages returns a copy of the visible messages in arrival order.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Clear empties the transcript, keeping its window.
func (t *Transcript) Clear() {
	t.messages = nil
	clear(t.index)
}

func (t *Transcript) Len() int {
	return len(t.messages)
}

func (t *Transcript) reindex() {
	clear(t.index)
	for i, m := range t.messages {
		t.index[m.ID] = i
	}
}
