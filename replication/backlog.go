// Replication backlog (C9): a bounded, block-based history of recently
// replicated bytes, indexed by offset so a reconnecting replica can
// partial-resync instead of requiring a full RDB transfer (§4.9).
package replication

import "sync/atomic"

const (
	// MinBlockSize is the smallest block the backlog ever allocates.
	MinBlockSize = 16 * 1024

	// IndexPerBlocks controls how densely the offset index samples
	// blocks: every Nth newly-allocated block gets an index entry.
	IndexPerBlocks = 64

	// TrimBlocksPerCall bounds how many blocks Trim releases in a single
	// call, keeping each cron tick's trim pass a bounded amount of work
	// (§5 Suspension points: no unbounded work on the event loop).
	TrimBlocksPerCall = 64
)

// BufBlock is one chunk of backlog history. Blocks form a singly linked
// list from head (oldest) to tail (newest); a block is freed only once
// every consumer referencing it has advanced past it.
type BufBlock struct {
	data   []byte
	used   int
	start  uint64 // global offset of data[0]
	refs   int32  // consumers (including the backlog's own head reference) holding this block
	next   *BufBlock
}

func newBufBlock(size int, start uint64) *BufBlock {
	return &BufBlock{data: make([]byte, size), start: start, refs: 1}
}

func (b *BufBlock) remaining() int { return len(b.data) - b.used }
func (b *BufBlock) end() uint64    { return b.start + uint64(b.used) }

func (b *BufBlock) ref() int32   { return atomic.AddInt32(&b.refs, 1) }
func (b *BufBlock) unref() int32 { return atomic.AddInt32(&b.refs, -1) }

// indexEntry records the starting offset of a sampled block, enabling a
// binary-searchable approximation of a radix-indexed seek (§9 design
// notes: "prefer an append-only arena with block indices" over porting
// the reference's rax tree verbatim).
type indexEntry struct {
	offset uint64
	block  *BufBlock
}

// Backlog is C9's replication backlog: offset accounting, the block
// list, and the offset index used for partial-resync seeks.
type Backlog struct {
	MaxSize uint64 // backlog_size

	head *BufBlock // oldest block, refcount includes the backlog's own hold
	tail *BufBlock
	nblocks int

	index []indexEntry // sorted by offset ascending

	// Offset is the global offset of the first byte still in the
	// backlog (histlen==0 means Offset has no meaning yet).
	Offset uint64
	// HistLen is the total bytes currently retained.
	HistLen uint64
	// PrimaryOffset is the cumulative replication offset: every byte
	// ever fed, monotonically increasing for the lifetime of the
	// replication stream (never decreases even as history is trimmed).
	PrimaryOffset uint64

	blocksSinceIndex int
}

// NewBacklog allocates an empty backlog bounded at maxSize bytes.
func NewBacklog(maxSize uint64) *Backlog {
	if maxSize < MinBlockSize {
		maxSize = MinBlockSize
	}
	return &Backlog{MaxSize: maxSize}
}

// BlockCount reports the number of blocks currently retained, for
// read-only diagnostics (the control plane's backlog endpoint).
func (bl *Backlog) BlockCount() int { return bl.nblocks }

func blockSize(feedLen int, maxSize uint64) int {
	size := feedLen
	if size < MinBlockSize {
		size = MinBlockSize
	}
	ceiling := int(maxSize / 16)
	if ceiling < MinBlockSize {
		ceiling = MinBlockSize
	}
	if size > ceiling {
		size = ceiling
	}
	return size
}

func (bl *Backlog) allocateBlock(feedLen int) {
	size := blockSize(feedLen, bl.MaxSize)
	start := bl.PrimaryOffset + 1
	if bl.tail != nil {
		start = bl.tail.end()
	}
	blk := newBufBlock(size, start)
	if bl.tail == nil {
		bl.head = blk
	} else {
		bl.tail.next = blk
	}
	bl.tail = blk
	bl.nblocks++

	bl.blocksSinceIndex++
	if bl.blocksSinceIndex >= IndexPerBlocks {
		bl.index = append(bl.index, indexEntry{offset: blk.start, block: blk})
		bl.blocksSinceIndex = 0
	}
}

// feedAccounting updates PrimaryOffset/HistLen; split from Feed's byte
// loop so FeedAndAccount is the single entry point callers use (kept
// separate to mirror the reference's append-then-bump-offset ordering).
func (bl *Backlog) feedAccounting(n int) {
	bl.PrimaryOffset += uint64(n)
	bl.HistLen += uint64(n)
}

// FeedAndAccount is the real append entry point: it writes into blocks
// and updates primary_replication_offset/histlen together so the two
// never observe an inconsistent intermediate state (P5).
func (bl *Backlog) FeedAndAccount(data []byte) {
	if len(data) == 0 {
		return
	}
	if bl.HistLen == 0 {
		bl.Offset = bl.PrimaryOffset + 1
	}
	total := len(data)
	for len(data) > 0 {
		if bl.tail == nil || bl.tail.remaining() == 0 {
			bl.allocateBlock(len(data))
		}
		n := copy(bl.tail.data[bl.tail.used:], data)
		bl.tail.used += n
		data = data[n:]
	}
	bl.feedAccounting(total)
	bl.Trim()
}

// Trim implements §4.9's trim path: while histlen exceeds MaxSize and
// more than one block remains, release the head block if doing so would
// not drop histlen below MaxSize and nothing else still references it.
// Bounded at TrimBlocksPerCall releases per call (P6: idempotent once
// converged).
func (bl *Backlog) Trim() {
	released := 0
	for bl.HistLen > bl.MaxSize && bl.nblocks > 1 && released < TrimBlocksPerCall {
		head := bl.head
		if atomic.LoadInt32(&head.refs) != 1 {
			break // a consumer still reads from the head block
		}
		if bl.HistLen-uint64(head.used) < bl.MaxSize {
			break // releasing would drop histlen below the bound
		}
		next := head.next
		head.unref()
		bl.head = next
		bl.nblocks--
		bl.HistLen -= uint64(head.used)
		bl.Offset = bl.head.start
		bl.dropFromIndex(head)
		released++
	}
}

func (bl *Backlog) dropFromIndex(b *BufBlock) {
	for i, e := range bl.index {
		if e.block == b {
			bl.index = append(bl.index[:i], bl.index[i+1:]...)
			return
		}
	}
}

// Cursor is a per-replica consumer: a position within the block list
// that advances independently of every other consumer and of the
// backlog's own trim pointer (§4.9 "Per-replica consumer").
type Cursor struct {
	block *BufBlock
	pos   int // byte offset within block.data already consumed
	bl    *Backlog
}

// ErrOffsetTooOld reports that the requested offset has already been
// trimmed out of the backlog; the caller must fall back to full resync.
type ErrOffsetTooOld struct{ Offset uint64 }

func (e *ErrOffsetTooOld) Error() string { return "requested offset is behind the backlog start" }

// ErrOffsetAhead reports that the requested offset is beyond anything
// fed so far.
type ErrOffsetAhead struct{ Offset uint64 }

func (e *ErrOffsetAhead) Error() string { return "requested offset is ahead of the backlog" }

// Seek implements §4.9's partial-resync seek: binary-search the offset
// index for the largest indexed offset <= o, then linearly walk blocks
// until block.start+block.used >= o, and attach a consumer cursor at
// byte position o-block.start (P7).
func (bl *Backlog) Seek(o uint64) (*Cursor, error) {
	if bl.HistLen == 0 || o < bl.Offset {
		return nil, &ErrOffsetTooOld{Offset: o}
	}
	if o > bl.PrimaryOffset+1 {
		return nil, &ErrOffsetAhead{Offset: o}
	}

	start := bl.head
	lo, hi := 0, len(bl.index)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if bl.index[mid].offset <= o {
			start = bl.index[mid].block
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	blk := start
	for blk != nil && blk.end() < o {
		blk = blk.next
	}
	if blk == nil {
		return nil, &ErrOffsetAhead{Offset: o}
	}
	pos := int(o - blk.start)
	blk.ref()
	return &Cursor{block: blk, pos: pos, bl: bl}, nil
}

// Read returns the next available bytes for the cursor without
// advancing past the end of the current block (callers loop, calling
// Read then Advance). A nil slice with ok=false means no more data is
// buffered yet at this offset.
func (c *Cursor) Read() (data []byte, ok bool) {
	if c.block == nil {
		return nil, false
	}
	if c.pos >= c.block.used {
		return nil, false
	}
	return c.block.data[c.pos:c.block.used], true
}

// Advance moves the cursor forward by n bytes, crossing into the next
// block (and rebalancing refcounts) if n reaches the current block's end
// and a next block exists (§4.9: "incrementing the next block's refcount
// and decrementing the previous block's when crossing a boundary").
func (c *Cursor) Advance(n int) {
	c.pos += n
	for c.block != nil && c.pos >= c.block.used && c.block.next != nil {
		old := c.block
		c.block = c.block.next
		c.pos -= old.used
		c.block.ref()
		old.unref()
	}
}

// Offset returns the cursor's current global replication offset: the
// offset of the last byte it has consumed.
func (c *Cursor) Offset() uint64 {
	if c.block == nil {
		return 0
	}
	return c.block.start + uint64(c.pos) - 1
}

// Close releases the cursor's block reference and attempts an
// incremental trim, per §4.9: "When a consumer is destroyed, its
// reference is released and an incremental trim is attempted."
func (c *Cursor) Close() {
	if c.block != nil {
		c.block.unref()
		c.block = nil
	}
	if c.bl != nil {
		c.bl.Trim()
	}
}
