// Cluster link (C4): a duplex connection to one peer, with a framed send
// queue built from shared-refcounted MessageBlocks (so one broadcast can
// build a single block and fan it out to every link), a growable receive
// buffer, and a write-barrier watermark that defers flushing to the next
// event-loop tick.
package cluster

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/nodecore/clustercore/internal/wire"
)

// MessageBlock is a refcounted, immutable wire frame. Building one block
// per broadcast and sharing it across every link's send queue avoids
// re-serializing the same gossip round N times.
type MessageBlock struct {
	refs int32
	Data []byte
}

// NewMessageBlock wraps data with an initial refcount of 1, held by the
// caller. Enqueue takes its own reference for each link the block is
// queued on, so the caller drops its initial reference with Unref once
// it has finished fanning out.
func NewMessageBlock(data []byte) *MessageBlock {
	return &MessageBlock{refs: 1, Data: data}
}

func (b *MessageBlock) Ref() { atomic.AddInt32(&b.refs, 1) }

// Unref drops a reference; the block becomes eligible for GC once no link
// holds it (there is no explicit free step in a garbage-collected
// runtime, unlike the reference implementation's manual refcounting, but
// the counting itself is preserved so link code can reason about "is
// anyone else still draining this block").
func (b *MessageBlock) Unref() int32 { return atomic.AddInt32(&b.refs, -1) }

const (
	minRecvBuf      = 14
	recvGrowDouble  = 1 << 20 // grow by doubling up to 1 MiB
	recvGrowLinear  = 1 << 20 // then linear 1 MiB increments
	defaultMemLimit = 256 << 20
)

// Link owns one cluster-bus connection: a send queue of MessageBlocks, a
// receive buffer that grows to fit the announced frame length, and a
// back-reference to the Node it authenticates as (nil until the
// handshake completes).
type Link struct {
	conn      net.Conn
	CreatedAt time.Time
	Inbound   bool
	Node      *Node

	sendQueue  []*MessageBlock
	sendOffset int // bytes already written from the head block
	enqueueGen uint64

	recv     []byte
	recvFill int

	MemLimit int
	freed    bool
}

// NewLink wraps conn as a fresh, unauthenticated link.
func NewLink(conn net.Conn, inbound bool) *Link {
	return &Link{
		conn:      conn,
		CreatedAt: time.Now(),
		Inbound:   inbound,
		recv:      make([]byte, minRecvBuf),
		MemLimit:  defaultMemLimit,
	}
}

// Enqueue appends blk to the send queue, tagging it with the current
// event-loop generation so Flush enforces the write barrier: a block is
// never flushed in the same generation it was enqueued in.
func (l *Link) Enqueue(blk *MessageBlock, gen uint64) {
	blk.Ref()
	l.sendQueue = append(l.sendQueue, blk)
	l.enqueueGen = gen
}

// QueuedBytes reports how many unsent bytes are buffered, used for the
// per-link output-buffer-limit check (§4.11).
func (l *Link) QueuedBytes() int {
	n := -l.sendOffset
	for _, b := range l.sendQueue {
		n += len(b.Data)
	}
	if n < 0 {
		n = 0
	}
	return n
}

// OverLimit reports whether the queue has exceeded the configured memory
// ceiling; the caller must free the link when this is true (§4.4).
func (l *Link) OverLimit() bool {
	return l.QueuedBytes() > l.MemLimit
}

// Flush drains up to budget bytes from the head of the send queue,
// honoring the write barrier (skips entirely if the most recent Enqueue
// on this link was in the current generation gen, even when older blocks
// are also queued). Returns bytes written and
// whether the queue fully drained.
func (l *Link) Flush(gen uint64, budget int) (wrote int, drained bool, err error) {
	if l.freed {
		return 0, true, nil
	}
	if l.enqueueGen == gen && len(l.sendQueue) > 0 {
		// Everything still queued was enqueued this very tick: the write
		// barrier forbids flushing it before the next tick.
		return 0, false, nil
	}
	for wrote < budget && len(l.sendQueue) > 0 {
		head := l.sendQueue[0]
		remain := head.Data[l.sendOffset:]
		if len(remain) == 0 {
			l.popHead()
			continue
		}
		chunk := remain
		if len(chunk) > budget-wrote {
			chunk = chunk[:budget-wrote]
		}
		n, werr := l.conn.Write(chunk)
		wrote += n
		l.sendOffset += n
		if werr != nil {
			return wrote, false, werr
		}
		if n < len(chunk) {
			// short write: event loop will retry next drainable tick.
			break
		}
		if l.sendOffset >= len(head.Data) {
			l.popHead()
		}
	}
	return wrote, len(l.sendQueue) == 0, nil
}

func (l *Link) popHead() {
	l.sendQueue[0].Unref()
	l.sendQueue = l.sendQueue[1:]
	l.sendOffset = 0
}

// Recv reads whatever is available into the growable receive buffer and
// returns every complete frame found, per the C4 receive path: accumulate
// until the first 14 bytes are present, validate signature/length, grow
// to exactly the announced size (doubling to 1 MiB then linear 1 MiB
// increments), dispatch on completion, and shrink back down if the
// buffer grew large.
func (l *Link) Recv() ([]wire.Frame, error) {
	var frames []wire.Frame
	buf := make([]byte, 64*1024)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			l.appendRecv(buf[:n])
		}
		for {
			f, consumed, ferr := l.tryExtractFrame()
			if ferr != nil {
				return frames, ferr
			}
			if !consumed {
				break
			}
			frames = append(frames, f)
		}
		if err != nil {
			if err == io.EOF {
				return frames, io.EOF
			}
			if isTemporary(err) {
				return frames, nil
			}
			return frames, err
		}
		if n == 0 {
			return frames, nil
		}
	}
}

func isTemporary(err error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}

func (l *Link) appendRecv(b []byte) {
	for l.recvFill+len(b) > len(l.recv) {
		l.growRecv()
	}
	copy(l.recv[l.recvFill:], b)
	l.recvFill += len(b)
}

func (l *Link) growRecv() {
	cur := len(l.recv)
	var next int
	if cur < recvGrowDouble {
		next = cur * 2
		if next == 0 {
			next = minRecvBuf
		}
	} else {
		next = cur + recvGrowLinear
	}
	grown := make([]byte, next)
	copy(grown, l.recv[:l.recvFill])
	l.recv = grown
}

func (l *Link) tryExtractFrame() (wire.Frame, bool, error) {
	if l.recvFill < minRecvBuf {
		return wire.Frame{}, false, nil
	}
	total, err := wire.PeekLength(l.recv[:l.recvFill])
	if err != nil {
		return wire.Frame{}, false, newErr(ErrLinkFatal, "link.recv", err)
	}
	if l.recvFill < int(total) {
		if int(total) > len(l.recv) {
			for len(l.recv) < int(total) {
				l.growRecv()
			}
		}
		return wire.Frame{}, false, nil
	}
	frame, err := wire.Decode(l.recv[:total])
	if err != nil {
		return wire.Frame{}, false, newErr(ErrLinkFatal, "link.recv", err)
	}
	remaining := l.recvFill - int(total)
	copy(l.recv, l.recv[total:l.recvFill])
	l.recvFill = remaining
	if len(l.recv) > recvGrowDouble && l.recvFill < minRecvBuf {
		shrunk := make([]byte, minRecvBuf)
		copy(shrunk, l.recv[:l.recvFill])
		l.recv = shrunk
	}
	return frame, true, nil
}

// Free releases the connection and drops every queued block's reference.
// Per §3 Lifecycle, per-node destruction cascades to per-link destruction;
// callers are expected to clear Node.OutLink/InLink afterward.
func (l *Link) Free() error {
	if l.freed {
		return nil
	}
	l.freed = true
	for _, b := range l.sendQueue {
		b.Unref()
	}
	l.sendQueue = nil
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
