package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. It must always be a power of 2.
const ringBufferSize = 2048

// ringBuffer buffers console output produced before a sink is attached. Once
// full, new writes overwrite the oldest buffered bytes.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			// drop the oldest byte
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once the buffer is drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	var n int
	for n < len(p) && rb.rIndex != rb.wIndex {
		// copy the contiguous chunk up to wIndex or the end of the
		// backing array, whichever comes first
		end := rb.wIndex
		if rb.rIndex > rb.wIndex {
			end = ringBufferSize
		}

		copied := copy(p[n:], rb.buffer[rb.rIndex:end])
		n += copied
		rb.rIndex = (rb.rIndex + copied) & (ringBufferSize - 1)
	}

	return n, nil
}
