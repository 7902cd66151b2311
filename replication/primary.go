// Primary-side replica handling (C11): SYNC/PSYNC admission, partial vs
// full resync decision, BGSAVE orchestration, attach-to-in-progress
// sharing, replica-cursor fan-out through C9, and output-buffer limits
// (§4.11).
package replication

import (
	"fmt"
)

// ReplicaLinkState is the primary-side view of one attached replica
// connection, per §4.11's WAIT_BGSAVE_START -> ... -> ONLINE sequence.
type ReplicaLinkState int

const (
	LinkWaitBGSaveStart ReplicaLinkState = iota
	LinkWaitBGSaveEnd
	LinkSendBulk
	LinkOnline
	LinkBGRDBLoad // dual-channel: main link online, paired RDB channel still loading
)

// AttachedReplica is the primary's bookkeeping for one replica
// connection.
type AttachedReplica struct {
	ID    string
	State ReplicaLinkState

	Cursor *Cursor // nil until attached via C9's seek

	RequiresEOF       bool // advertised "capa eof"
	SupportsDualChan  bool
	PSyncInitialOffset uint64

	QueuedBytes int
	OutputLimit int // replica-class output-buffer limit; 0 means unbounded
}

// OverLimit reports whether this replica's queue has exceeded its
// output-buffer-limit and must be closed (§4.11).
func (a *AttachedReplica) OverLimit() bool {
	return a.OutputLimit > 0 && a.QueuedBytes > a.OutputLimit
}

// PSyncRequest is a parsed PSYNC <replid> <offset> from a connecting
// replica, plus whatever REPLCONF capa flags it advertised beforehand.
type PSyncRequest struct {
	ReplID           string
	Offset           uint64
	HasOffset        bool // false when the requester sent "?" (i.e. wants full resync)
	SupportsDualChan bool
	SupportsEOF      bool
}

// Primary is the process-wide state C11 reads to decide partial vs full
// resync and to fan write commands out to every attached replica.
type Primary struct {
	ReplID         string
	SecondaryReplID string
	SecondaryReplIDOffset uint64

	Backlog *Backlog

	Replicas map[string]*AttachedReplica

	bgsaveInProgress bool
	bgsaveDiskless   bool
}

// NewPrimary constructs primary-side replication state around backlog.
func NewPrimary(replID string, backlog *Backlog) *Primary {
	return &Primary{
		ReplID:   replID,
		Backlog:  backlog,
		Replicas: make(map[string]*AttachedReplica),
	}
}

// CanPartialResync implements §4.11's exact partial-resync admission
// condition:
//
//	(r == our.replid OR (r == our.replid2 AND o <= our.second_replid_offset))
//	AND backlog != NULL
//	AND backlog.offset <= o <= backlog.offset + backlog.histlen
func (p *Primary) CanPartialResync(req PSyncRequest) bool {
	if !req.HasOffset {
		return false
	}
	idMatches := req.ReplID == p.ReplID ||
		(req.ReplID == p.SecondaryReplID && req.Offset <= p.SecondaryReplIDOffset)
	if !idMatches {
		return false
	}
	if p.Backlog == nil {
		return false
	}
	lo := p.Backlog.Offset
	hi := p.Backlog.Offset + p.Backlog.HistLen
	return req.Offset >= lo && req.Offset <= hi
}

// AdmitPartialResync grants a partial resync: attaches the replica's
// consumer cursor at the requested offset via C9's seek and registers
// it in the attached-replicas list, transitioning to ONLINE (or
// BG_RDB_LOAD if a dual-channel RDB transfer for it is still pending).
func (p *Primary) AdmitPartialResync(id string, req PSyncRequest, dualChannelStillLoading bool) (*AttachedReplica, error) {
	cur, err := p.Backlog.Seek(req.Offset)
	if err != nil {
		return nil, fmt.Errorf("partial resync seek failed: %w", err)
	}
	state := LinkOnline
	if dualChannelStillLoading {
		state = LinkBGRDBLoad
	}
	rep := &AttachedReplica{ID: id, State: state, Cursor: cur}
	p.Replicas[id] = rep
	return rep, nil
}

// DenyPartialResync falls through to full resync: if the requester
// advertises dual-channel support, the caller replies +DUALCHANNELSYNC
// and waits for the paired RDB connection; otherwise a classic
// FULLRESYNC is started. Returns whether to use the dual-channel path.
func (p *Primary) DenyPartialResync(req PSyncRequest) (dualChannel bool) {
	return req.SupportsDualChan
}

// BeginFullResync registers a newcomer replica in WAIT_BGSAVE_START,
// the entry state for BGSAVE orchestration.
func (p *Primary) BeginFullResync(id string, req PSyncRequest) *AttachedReplica {
	rep := &AttachedReplica{
		ID:               id,
		State:            LinkWaitBGSaveStart,
		RequiresEOF:      req.SupportsEOF,
		SupportsDualChan: req.SupportsDualChan,
	}
	p.Replicas[id] = rep
	return rep
}

// waitingReplicas returns every replica still in WAIT_BGSAVE_START.
func (p *Primary) waitingReplicas() []*AttachedReplica {
	var out []*AttachedReplica
	for _, r := range p.Replicas {
		if r.State == LinkWaitBGSaveStart {
			out = append(out, r)
		}
	}
	return out
}

// AttachToInProgress implements §4.11's attach-to-in-progress sharing:
// if a BGSAVE is already running and another replica is in
// WAIT_BGSAVE_END with matching capabilities, the newcomer shares its
// psync_initial_offset and moves to the same state, so both finish from
// the same snapshot.
func (p *Primary) AttachToInProgress(newcomer *AttachedReplica) bool {
	if !p.bgsaveInProgress {
		return false
	}
	for _, r := range p.Replicas {
		if r.State != LinkWaitBGSaveEnd {
			continue
		}
		if r.RequiresEOF != newcomer.RequiresEOF || r.SupportsDualChan != newcomer.SupportsDualChan {
			continue
		}
		newcomer.PSyncInitialOffset = r.PSyncInitialOffset
		newcomer.State = LinkWaitBGSaveEnd
		return true
	}
	return false
}

// StartBGSave implements §4.11's BGSAVE orchestration decision: if every
// waiting replica supports EOF and diskless replication is enabled,
// stream the RDB directly (diskless=true); otherwise a disk-based
// BGSAVE must run first. Returns the set of replicas this BGSAVE round
// will serve and whether it's diskless.
func (p *Primary) StartBGSave(disklessEnabled bool) (replicas []*AttachedReplica, diskless bool) {
	waiting := p.waitingReplicas()
	if len(waiting) == 0 {
		return nil, false
	}
	allEOF := true
	for _, r := range waiting {
		if !r.RequiresEOF {
			allEOF = false
			break
		}
	}
	diskless = allEOF && disklessEnabled
	for _, r := range waiting {
		r.State = LinkWaitBGSaveEnd
		r.PSyncInitialOffset = p.Backlog.PrimaryOffset
	}
	p.bgsaveInProgress = true
	p.bgsaveDiskless = diskless
	return waiting, diskless
}

// FinishBGSave transitions every WAIT_BGSAVE_END replica toward
// SEND_BULK (disk path) or ONLINE (diskless path, once its paired stream
// has drained), per §4.11. It does not compare a replica's capabilities
// with the finished save; every waiting replica is moved.
func (p *Primary) FinishBGSave(diskless bool) {
	for _, r := range p.Replicas {
		if r.State != LinkWaitBGSaveEnd {
			continue
		}
		if diskless {
			r.State = LinkOnline
		} else {
			r.State = LinkSendBulk
		}
	}
	p.bgsaveInProgress = false
}

// CompleteSendBulk moves a disk-path replica from SEND_BULK to ONLINE
// once the RDB file contents have been fully written to its socket.
func (p *Primary) CompleteSendBulk(id string) {
	if r, ok := p.Replicas[id]; ok && r.State == LinkSendBulk {
		r.State = LinkOnline
	}
}

// FeedWrite implements §4.11's replica-cursor fan-out: one executed
// write is appended to the backlog once; every ONLINE replica's cursor
// independently advances over the resulting bytes via its own Read/
// Advance loop (driven by the caller's per-connection writer).
func (p *Primary) FeedWrite(data []byte) {
	p.Backlog.FeedAndAccount(data)
}

// EnforceOutputLimits closes (returns the ids of) every replica whose
// queued bytes exceed its output-buffer-limit, per §4.11. The caller is
// responsible for actually tearing down the connection and removing it
// from Replicas.
func (p *Primary) EnforceOutputLimits() []string {
	var over []string
	for id, r := range p.Replicas {
		if r.OverLimit() {
			over = append(over, id)
		}
	}
	return over
}

// DetachReplica removes a replica and releases its backlog cursor.
func (p *Primary) DetachReplica(id string) {
	if r, ok := p.Replicas[id]; ok {
		if r.Cursor != nil {
			r.Cursor.Close()
		}
		delete(p.Replicas, id)
	}
}
