// Package enrollment accumulates palm prints for one registration.
package enrollment

import (
	"errors"

	"github.com/emirpasic/gods/queues/circularbuffer"

	"github.com/example/palm-id/internal/palm"
)

// DefaultCapacity is the number of prints required per hand.
const DefaultCapacity = 2

// ErrNotReady is returned by Snapshot while a side is short or the name is empty.
var ErrNotReady = errors.New("enrollment: buffer not ready for submission")

// Buffer holds a bounded FIFO of prints per hand plus the display name.
// It is not safe for concurrent use; Session serializes access to it.
type Buffer struct {
	capacity int
	name     string
	left     *circularbuffer.Queue
	right    *circularbuffer.Queue
}

// NewBuffer returns an empty buffer keeping at most capacity prints per hand.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		left:     circularbuffer.New(capacity),
		right:    circularbuffer.New(capacity),
	}
}

// Capacity is the per-hand bound.
func (b *Buffer) Capacity() int { return b.capacity }

// AddPrint appends p to its side, evicting the oldest print when that side is
// full. Prints without a side are dropped and false is returned.
func (b *Buffer) AddPrint(p palm.Print) bool {
	q := b.queue(p.Side)
	if q == nil {
		return false
	}
	if q.Full() {
		q.Dequeue()
	}
	q.Enqueue(p)
	return true
}

func (b *Buffer) SetName(name string) { b.name = name }

func (b *Buffer) Name() string { return b.name }

// Count returns the number of prints held for side.
func (b *Buffer) Count(side palm.Side) int {
	q := b.queue(side)
	if q == nil {
		return 0
	}
	return q.Size()
}

// ReadyForCapture reports whether both hands hold capacity prints, regardless of name.
func (b *Buffer) ReadyForCapture() bool {
	return b.left.Size() == b.capacity && b.right.Size() == b.capacity
}

// ReadyForSubmission is ReadyForCapture with a non-empty name.
func (b *Buffer) ReadyForSubmission() bool {
	return b.ReadyForCapture() && b.name != ""
}

// Snapshot copies the buffer into a request, oldest print first. The buffer
// is left unchanged.
func (b *Buffer) Snapshot() (palm.EnrollmentRequest, error) {
	if !b.ReadyForSubmission() {
		return palm.EnrollmentRequest{}, ErrNotReady
	}
	return palm.EnrollmentRequest{
		Name:  b.name,
		Left:  prints(b.left),
		Right: prints(b.right),
	}, nil
}

// Reset drops all prints and the name.
func (b *Buffer) Reset() {
	b.name = ""
	b.left.Clear()
	b.right.Clear()
}

func (b *Buffer) queue(side palm.Side) *circularbuffer.Queue {
	switch side {
	case palm.SideLeft:
		return b.left
	case palm.SideRight:
		return b.right
	default:
		return nil
	}
}

func prints(q *circularbuffer.Queue) []palm.Print {
	values := q.Values()
	out := make([]palm.Print, 0, len(values))
	for _, v := range values {
		out = append(out, v.(palm.Print))
	}
	return out
}
