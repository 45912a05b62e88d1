package client

// ReplyCallback is invoked with the builder-produced reply value and the
// opaque privdata that was registered with the command. With the default
// TreeBuilder the reply is a *respio.Reply; alternate builders deliver
// whatever they construct. The dispatcher releases the reply through the
// builder after the callback returns; callbacks must copy anything they
// keep.
type ReplyCallback func(reply any, privdata any)

type callbackEntry struct {
	fn       ReplyCallback
	privdata any
}

// CallbackQueue is the FIFO matching one pending callback per issued
// command against replies in arrival order. Entries leave only through
// PopFront or Reset, never reordered or skipped. It grows as needed and is
// not safe for concurrent use.
type CallbackQueue struct {
	entries []callbackEntry
	head    int
}

func (q *CallbackQueue) Push(fn ReplyCallback, privdata any) {
	q.entries = append(q.entries, callbackEntry{fn: fn, privdata: privdata})
}

func (q *CallbackQueue) PopFront() (ReplyCallback, any, bool) {
	if q.head >= len(q.entries) {
		return nil, nil, false
	}
	entry := q.entries[q.head]
	q.entries[q.head] = callbackEntry{}
	q.head++
	if q.head == len(q.entries) {
		q.entries = q.entries[:0]
		q.head = 0
	}
	return entry.fn, entry.privdata, true
}

// Len is the number of commands whose reply has not yet been delivered.
func (q *CallbackQueue) Len() int {
	return len(q.entries) - q.head
}

// Reset abandons all pending entries without invoking them.
func (q *CallbackQueue) Reset() {
	for i := q.head; i < len(q.entries); i++ {
		q.entries[i] = callbackEntry{}
	}
	q.entries = q.entries[:0]
	q.head = 0
}
