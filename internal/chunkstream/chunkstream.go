// Package chunkstream merges a managed process's stdout and stderr into a
// single, timestamped, typed byte-chunk channel, and provides the line
// reassembly normalizers build on top of it.
package chunkstream

import "time"

// StreamType identifies which child stream a chunk originated from. PTY
// mode only ever produces "stdout" chunks, since stdout/stderr are fused
// by the kernel before they reach us.
type StreamType string

const (
	Stdout StreamType = "stdout"
	Stderr StreamType = "stderr"
)

// Chunk is one timestamped slice of raw bytes from a managed process.
type Chunk struct {
	Type      StreamType
	Data      []byte
	Timestamp time.Time
}

// Merger fans output-callback deliveries from a single managed process into
// an ordered, finite, not-restartable channel of Chunks. Order between
// stdout and stderr is unspecified; per-stream order is
// preserved because a single process's pipe reads happen on one goroutine
// each in procmgr, and Merger is fed in the order it receives callbacks.
type Merger struct {
	ch     chan Chunk
	closed chan struct{}
}

// NewMerger creates a Merger with the given channel buffer size.
func NewMerger(buffer int) *Merger {
	return &Merger{
		ch:     make(chan Chunk, buffer),
		closed: make(chan struct{}),
	}
}

// Push enqueues one chunk. Safe to call from any goroutine; a closed Merger
// silently drops further pushes.
func (m *Merger) Push(streamType StreamType, data []byte) {
	select {
	case <-m.closed:
		return
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case m.ch <- Chunk{Type: streamType, Data: cp, Timestamp: time.Now()}:
	case <-m.closed:
	}
}

// Chunks returns the receive side of the merged stream.
func (m *Merger) Chunks() <-chan Chunk {
	return m.ch
}

// Close marks the stream finished; no further chunks will be delivered and
// the channel is closed so range loops terminate. Safe to call more than
// once.
func (m *Merger) Close() {
	select {
	case <-m.closed:
		return
	default:
		close(m.closed)
		close(m.ch)
	}
}

// LineReader reassembles newline-terminated records out of a Chunk stream,
// holding back any trailing non-terminated bytes until the next chunk (or
// Flush at end-of-stream). One LineReader is stateful per execution; it is
// not safe for concurrent use.
type LineReader struct {
	carry []byte
}

// Feed appends one chunk's bytes and returns zero or more complete lines
// (without their trailing newline). Any remainder is carried to the next
// Feed or Flush call.
func (l *LineReader) Feed(data []byte) []string {
	l.carry = append(l.carry, data...)
	var lines []string
	for {
		idx := indexByte(l.carry, '\n')
		if idx < 0 {
			break
		}
		line := l.carry[:idx]
		// Strip a trailing \r so CRLF-framed children normalize the same
		// way as LF-framed ones.
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		l.carry = l.carry[idx+1:]
	}
	return lines
}

// Flush returns any remaining carried bytes as a final line (used at
// end-of-stream, when the child's last write wasn't newline-terminated).
// Returns "", false if there is nothing left to flush.
func (l *LineReader) Flush() (string, bool) {
	if len(l.carry) == 0 {
		return "", false
	}
	line := string(l.carry)
	l.carry = nil
	return line, true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
