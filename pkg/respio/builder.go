package respio

// ReadTask describes the value currently being constructed by the Decoder.
// Parent is the container (as produced by the builder's CreateArray) the new
// value belongs to, or nil at top level; Idx is the position within it. A
// task is a navigation aid only: it does not own the parent and never
// outlives the decoding step that uses it.
type ReadTask struct {
	Type   byte
	Parent any
	Idx    int
}

// ReplyBuilder materializes typed values while the Decoder runs. The default
// TreeBuilder produces the generic *Reply tree; alternate builders may build
// host-native values directly and skip the intermediate tree.
//
// Every Create* receives the ReadTask for the value, must return a non-nil
// object, and must attach the result to task.Parent when it is non-nil
// (builders representing nil replies use a sentinel value). The data slice
// passed to CreateString is a view into the decoder's read buffer and is
// only valid for the duration of the call.
type ReplyBuilder interface {
	CreateString(task *ReadTask, data []byte) any
	CreateArray(task *ReadTask, elements int) any
	CreateInteger(task *ReadTask, value int64) any
	CreateNil(task *ReadTask) any
	// Free releases a value previously produced by this builder, including
	// all of its descendants. The Decoder calls it for in-progress state
	// that is abandoned before completion.
	Free(obj any)
}

// TreeBuilder is the default ReplyBuilder. Values come from the reply pool.
type TreeBuilder struct{}

var _ ReplyBuilder = TreeBuilder{}

func (TreeBuilder) attach(task *ReadTask, r *Reply) any {
	if task.Parent != nil {
		parent := task.Parent.(*Reply)
		parent.Array[task.Idx] = r
	}
	return r
}

func (b TreeBuilder) CreateString(task *ReadTask, data []byte) any {
	r := AcquireReply()
	r.Type = task.Type
	r.Data = append(r.Data, data...)
	return b.attach(task, r)
}

func (b TreeBuilder) CreateArray(task *ReadTask, elements int) any {
	r := AcquireReply()
	r.Type = RespArray
	// A non-nil empty slice keeps *0 distinct from *-1 on re-encode.
	if r.Array != nil && cap(r.Array) >= elements {
		r.Array = r.Array[:elements]
	} else {
		r.Array = make([]*Reply, elements)
	}
	return b.attach(task, r)
}

func (b TreeBuilder) CreateInteger(task *ReadTask, value int64) any {
	r := AcquireReply()
	r.Type = RespInt
	r.Integer = value
	return b.attach(task, r)
}

func (b TreeBuilder) CreateNil(task *ReadTask) any {
	r := AcquireReply()
	r.Type = RespNil
	return b.attach(task, r)
}

func (TreeBuilder) Free(obj any) {
	if obj == nil {
		return
	}
	ReleaseReply(obj.(*Reply))
}
