// Replica-side state machine (C10): the handshake sequence a replica
// drives against its primary, PSYNC reply handling, RDB reception, and
// steady-state ACK loop (§4.10).
package replication

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/nodecore/clustercore/internal/resp"
)

// ReplicaState is one step of the handshake sequence of §4.10, entered
// only after the expected synchronous reply for the previous step has
// been consumed.
type ReplicaState int

const (
	StateNone ReplicaState = iota
	StateConnect
	StateConnecting
	StateRecvPingReply
	StateSendHandshake
	StateRecvAuthReply
	StateRecvPortReply
	StateRecvIPReply
	StateRecvCapaReply
	StateRecvVersionReply
	StateSendPSync
	StateRecvPSyncReply
	StateTransfer
	StateConnected
)

func (s ReplicaState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateConnect:
		return "CONNECT"
	case StateConnecting:
		return "CONNECTING"
	case StateRecvPingReply:
		return "RECV_PING_REPLY"
	case StateSendHandshake:
		return "SEND_HANDSHAKE"
	case StateRecvAuthReply:
		return "RECV_AUTH_REPLY"
	case StateRecvPortReply:
		return "RECV_PORT_REPLY"
	case StateRecvIPReply:
		return "RECV_IP_REPLY"
	case StateRecvCapaReply:
		return "RECV_CAPA_REPLY"
	case StateRecvVersionReply:
		return "RECV_VERSION_REPLY"
	case StateSendPSync:
		return "SEND_PSYNC"
	case StateRecvPSyncReply:
		return "RECV_PSYNC_REPLY"
	case StateTransfer:
		return "TRANSFER"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// HandshakeConfig carries everything the replica advertises during the
// handshake (§4.10: PING, optional AUTH, REPLCONF listening-port/
// ip-address/capa/version, PSYNC).
type HandshakeConfig struct {
	AuthUser     string
	AuthPass     string
	ListenPort   int
	AdvertiseIP  string
	Capabilities []string // e.g. "eof", "psync2", "dual-channel"
	Version      string
}

// CachedPrimary holds what a replica remembers about its last primary
// connection, reused on a +CONTINUE partial resync.
type CachedPrimary struct {
	ReplID  string
	Offset  uint64
}

// Replica drives C10's state machine against one primary connection.
type Replica struct {
	State ReplicaState

	Cached *CachedPrimary // nil if never synced
	// SecondaryReplID/Watermark implement the ID-rotation on +CONTINUE
	// with a different replid (§4.10).
	SecondaryReplID      string
	SecondaryWatermark   uint64

	ReplOffset uint64
	Backlog    *Backlog

	pendingDualChannel []byte // command-stream bytes buffered until RDB load finishes
}

// NewReplica constructs a replica state machine with no cached primary.
func NewReplica() *Replica {
	return &Replica{State: StateNone, Backlog: NewBacklog(1 << 20)}
}

// BeginHandshake writes the full handshake sequence of §4.10 to w and
// reads each synchronous reply via r, advancing State after every step.
// Returns the PSYNC reply value so the caller can dispatch on its shape.
func (r *Replica) BeginHandshake(ctx context.Context, rw *bufio.ReadWriter, cfg HandshakeConfig) (*resp.Value, error) {
	r.State = StateConnect
	steps := []struct {
		state ReplicaState
		cmd   []string
	}{
		{StateRecvPingReply, []string{"PING"}},
	}
	if cfg.AuthPass != "" {
		args := []string{"AUTH"}
		if cfg.AuthUser != "" {
			args = append(args, cfg.AuthUser)
		}
		args = append(args, cfg.AuthPass)
		steps = append(steps, struct {
			state ReplicaState
			cmd   []string
		}{StateRecvAuthReply, args})
	}
	steps = append(steps,
		struct {
			state ReplicaState
			cmd   []string
		}{StateRecvPortReply, []string{"REPLCONF", "listening-port", fmt.Sprint(cfg.ListenPort)}},
	)
	if cfg.AdvertiseIP != "" {
		steps = append(steps, struct {
			state ReplicaState
			cmd   []string
		}{StateRecvIPReply, []string{"REPLCONF", "ip-address", cfg.AdvertiseIP}})
	}
	capaArgs := []string{"REPLCONF", "capa"}
	for _, c := range cfg.Capabilities {
		capaArgs = append(capaArgs, c)
	}
	steps = append(steps,
		struct {
			state ReplicaState
			cmd   []string
		}{StateRecvCapaReply, capaArgs},
		struct {
			state ReplicaState
			cmd   []string
		}{StateRecvVersionReply, []string{"REPLCONF", "version", cfg.Version}},
	)

	r.State = StateSendHandshake
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := writeCommand(rw, step.cmd...); err != nil {
			return nil, err
		}
		if _, err := resp.Decode(rw.Reader); err != nil {
			return nil, err
		}
		r.State = step.state
	}

	r.State = StateSendPSync
	replID, offset := "?", "-1"
	if r.Cached != nil {
		replID = r.Cached.ReplID
		offset = fmt.Sprint(r.Cached.Offset + 1)
	}
	if err := writeCommand(rw, "PSYNC", replID, offset); err != nil {
		return nil, err
	}
	r.State = StateRecvPSyncReply
	reply, err := resp.Decode(rw.Reader)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func writeCommand(rw *bufio.ReadWriter, args ...string) error {
	if _, err := rw.Write(resp.NewCommand(args...).Encode()); err != nil {
		return err
	}
	return rw.Flush()
}

// PSyncOutcome classifies the decoded PSYNC reply per §4.10.
type PSyncOutcome int

const (
	OutcomeContinue PSyncOutcome = iota
	OutcomeFullResync
	OutcomeDualChannel
	OutcomeTransientRetry
	OutcomeLegacySync
)

// ClassifyPSyncReply maps the primary's reply line to one of §4.10's
// five cases.
func ClassifyPSyncReply(v *resp.Value) (PSyncOutcome, string) {
	s := v.Str
	switch {
	case v.Type == resp.SimpleString && hasPrefix(s, "CONTINUE"):
		return OutcomeContinue, s
	case v.Type == resp.SimpleString && hasPrefix(s, "FULLRESYNC"):
		return OutcomeFullResync, s
	case v.Type == resp.SimpleString && s == "DUALCHANNELSYNC":
		return OutcomeDualChannel, s
	case v.Type == resp.Error && (hasPrefix(s, "NOMASTERLINK") || hasPrefix(s, "LOADING")):
		return OutcomeTransientRetry, s
	default:
		return OutcomeLegacySync, s
	}
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

// ApplyContinue implements the +CONTINUE branch of §4.10: resurrect the
// cached primary; if the reply carries a different replid, rotate ids
// (current -> secondary with the given watermark, new -> primary) and
// disconnect sub-replicas (returned as a bool for the caller to act on).
func (r *Replica) ApplyContinue(newReplID string) (rotated bool) {
	if r.Cached == nil {
		return false
	}
	if newReplID != "" && newReplID != r.Cached.ReplID {
		r.SecondaryReplID = r.Cached.ReplID
		r.SecondaryWatermark = r.ReplOffset + 1
		r.Cached.ReplID = newReplID
		rotated = true
	}
	r.State = StateConnected
	return rotated
}

// ApplyFullResync records the new replid/offset and moves to TRANSFER,
// ready for RDB reception (§4.10).
func (r *Replica) ApplyFullResync(replID string, offset uint64) {
	r.Cached = &CachedPrimary{ReplID: replID, Offset: offset}
	r.ReplOffset = offset
	r.State = StateTransfer
}

// BufferDualChannelBytes accumulates command-stream bytes received on
// the main connection while the paired RDB connection is still loading
// (§4.10's dual-channel buffering).
func (r *Replica) BufferDualChannelBytes(b []byte) {
	r.pendingDualChannel = append(r.pendingDualChannel, b...)
}

// DrainDualChannelBuffer returns the buffered command-stream bytes once
// the RDB load finishes and the main connection has caught up with a
// +CONTINUE for a known offset, then clears the buffer and enters steady
// state. It does not write the bytes into a backlog itself.
func (r *Replica) DrainDualChannelBuffer() []byte {
	out := r.pendingDualChannel
	r.pendingDualChannel = nil
	r.State = StateConnected
	return out
}

// EOFMode selects how RDB reception detects end-of-stream (§4.10).
type EOFMode int

const (
	EOFByLength EOFMode = iota
	EOFByDelimiter
)

// RDBReceiver streams an RDB payload from r. In EOFByDelimiter mode it
// stops at the 40-byte random delimiter ($EOF:<delim>\r\n<bytes><delim>)
// and does not pass the delimiter on; in EOFByLength mode it copies until
// r returns io.EOF and does not parse or count a $<len> prefix. It fsyncs
// to disk every
// maxUnfsynced bytes when dest is non-nil (disk path); dest nil selects
// the diskless path, where bytes are still streamed through sink but
// never durably written by this function.
func RDBReceiver(ctx context.Context, r *bufio.Reader, mode EOFMode, delimiter string, dest io.Writer, sink func([]byte) error, maxUnfsynced int, fsync func() error, keepAlive func() error) error {
	var unfsynced int
	writeChunk := func(b []byte) error {
		if dest != nil {
			if _, err := dest.Write(b); err != nil {
				return err
			}
			unfsynced += len(b)
			if maxUnfsynced > 0 && unfsynced >= maxUnfsynced && fsync != nil {
				if err := fsync(); err != nil {
					return err
				}
				unfsynced = 0
			}
		}
		if sink != nil {
			return sink(b)
		}
		return nil
	}

	buf := make([]byte, 16*1024)
	var tail []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if mode == EOFByDelimiter && delimiter != "" {
				tail = append(tail, chunk...)
				if len(tail) >= len(delimiter) && string(tail[len(tail)-len(delimiter):]) == delimiter {
					if werr := writeChunk(tail[:len(tail)-len(delimiter)]); werr != nil {
						return werr
					}
					if fsync != nil {
						return fsync()
					}
					return nil
				}
				if len(tail) > 4096 {
					flushable := tail[:len(tail)-len(delimiter)]
					if werr := writeChunk(flushable); werr != nil {
						return werr
					}
					tail = tail[len(tail)-len(delimiter):]
				}
			} else {
				if werr := writeChunk(chunk); werr != nil {
					return werr
				}
			}
			if keepAlive != nil {
				if err := keepAlive(); err != nil {
					return err
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// AckLoop drives the steady-state REPLCONF ACK loop of §4.10, sending
// ack-with-optional-fsync-offset once per interval until ctx is
// cancelled.
func AckLoop(ctx context.Context, rw *bufio.ReadWriter, interval time.Duration, processedOffset func() uint64, fsyncedOffset func() (uint64, bool)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			args := []string{"REPLCONF", "ACK", fmt.Sprint(processedOffset())}
			if fsyncedOffset != nil {
				if off, ok := fsyncedOffset(); ok {
					args = append(args, "FACK", fmt.Sprint(off))
				}
			}
			if err := writeCommand(rw, args...); err != nil {
				return err
			}
		}
	}
}
