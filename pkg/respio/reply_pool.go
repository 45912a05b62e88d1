package respio

import "sync"

// replyPool is a sync.Pool for Reply structs.
var replyPool = sync.Pool{
	New: func() interface{} {
		return &Reply{
			Array: make([]*Reply, 0, 5), // Default capacity for 5 elements
		}
	},
}

// AcquireReply gets a 'clean' Reply from the pool. The caller is responsible
// for setting the Type and populating Data/Integer/Array as needed.
func AcquireReply() *Reply {
	return replyPool.Get().(*Reply)
}

// ReleaseReply resets a Reply and returns it (and its children) to the pool.
// The caller must ensure the reply tree is no longer referenced elsewhere;
// a tree must be released at most once.
func ReleaseReply(p *Reply) {
	if p == nil {
		return
	}
	p.Type = 0
	p.Integer = 0
	// Data is owned by the reply (the decoder copies it out of its read
	// buffer), so dropping the reference is enough for GC.
	p.Data = nil

	for i, item := range p.Array {
		if item != nil {
			ReleaseReply(item)
			p.Array[i] = nil
		}
	}
	// Keep the backing array so the next acquire reuses its capacity.
	p.Array = p.Array[:0]

	replyPool.Put(p)
}
