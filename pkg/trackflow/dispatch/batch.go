package dispatch

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Request body framing: {"batch":[ ... ]}.
const (
	bodyPrefix = `{"batch":[`
	bodySuffix = `]}`

	// FramingBytes is the body size excluding the member envelopes and their
	// separating commas.
	FramingBytes = len(bodyPrefix) + len(bodySuffix)
)

// Batch is an ordered group of contexts sent in one request.
type Batch struct {
	ID        string
	Contexts  []*Context
	Bytes     int
	CreatedAt time.Time

	// Attempt is the number of transport calls made so far.
	Attempt int
}

// NewBatch groups ctxs into a batch with a fresh ID.
func NewBatch(ctxs []*Context) *Batch {
	b := &Batch{
		ID:        uuid.New().String(),
		Contexts:  ctxs,
		CreatedAt: time.Now(),
	}
	b.Bytes = BodySize(ctxs)
	return b
}

// BodySize returns the request body size for ctxs.
func BodySize(ctxs []*Context) int {
	n := FramingBytes
	for i, c := range ctxs {
		if i > 0 {
			n++
		}
		n += c.Size()
	}
	return n
}

// Len returns the number of members.
func (b *Batch) Len() int {
	return len(b.Contexts)
}

// MessageIDs returns the member message IDs in batch order.
func (b *Batch) MessageIDs() []string {
	ids := make([]string, len(b.Contexts))
	for i, c := range b.Contexts {
		ids[i] = c.MessageID()
	}
	return ids
}

// Body returns the JSON request body built from the sealed member bytes.
func (b *Batch) Body() []byte {
	var buf bytes.Buffer
	buf.Grow(b.Bytes)
	buf.WriteString(bodyPrefix)
	for i, c := range b.Contexts {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(c.Raw())
	}
	buf.WriteString(bodySuffix)
	return buf.Bytes()
}

// SetState moves every unresolved member to s.
func (b *Batch) SetState(s State) {
	for _, c := range b.Contexts {
		c.SetState(s)
	}
}

// ResolveAll resolves every member with o, stamping the batch ID and attempt
// count. Members already resolved are left alone.
func (b *Batch) ResolveAll(o Outcome) int {
	o.BatchID = b.ID
	o.Attempts = b.Attempt

	n := 0
	for _, c := range b.Contexts {
		if c.Resolve(o) {
			n++
		}
	}
	return n
}

// Pending returns members that are not yet terminal.
func (b *Batch) Pending() []*Context {
	out := make([]*Context, 0, len(b.Contexts))
	for _, c := range b.Contexts {
		if !c.State().Terminal() {
			out = append(out, c)
		}
	}
	return out
}
