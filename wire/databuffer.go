// Package wire defines the command protocol exchanged between the source and
// sink sides of a continuation or collaboration session: the DataBuffer unit
// of transfer, the typed parameter bag that payloads travel in, and the
// tagged command set with its pack/unpack contract.
//
// The byte layout is a versioned JSON envelope. Field presence is the
// contract; every command round-trips losslessly through Pack/Unpack, and
// Unpack rejects truncated input and unknown tags without ever reading out
// of bounds.
package wire

// DataBuffer owns a fixed-capacity byte region used as the unit of wire
// transfer. It is never resized after construction; callers that need more
// space pack a fresh command into a new buffer. A buffer is handed off
// whole across the session/transport boundary and must not be mutated
// concurrently by sender and receiver.
type DataBuffer struct {
	data []byte
}

// NewDataBuffer allocates a buffer of the given size. Size 0 is legal and
// denotes an empty buffer.
func NewDataBuffer(size int) *DataBuffer {
	if size < 0 {
		size = 0
	}
	return &DataBuffer{data: make([]byte, size)}
}

// BufferFrom wraps a copy of b so the caller's slice and the buffer cannot
// alias each other across the transport boundary.
func BufferFrom(b []byte) *DataBuffer {
	buf := NewDataBuffer(len(b))
	copy(buf.data, b)
	return buf
}

// Data returns the underlying byte region.
func (b *DataBuffer) Data() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Size returns the buffer's capacity in bytes.
func (b *DataBuffer) Size() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}
