// Config persistence (C3): the node table + epochs are serialized to a
// locked on-disk file and rewritten atomically on every change that must
// survive a restart, following the line format in §4.3/§6.
package cluster

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ConfigFile owns the on-disk node-config file and the exclusive advisory
// lock that prevents two instances from sharing it.
type ConfigFile struct {
	Path string
	lock *flock.Flock
}

// OpenConfigFile acquires a process-lifetime exclusive non-blocking
// advisory lock on path+".lock". Returns an ErrLockFatal CoreError if another
// process already holds it, per §7's "Lock fatal" row.
func OpenConfigFile(path string) (*ConfigFile, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, newErr(ErrLockFatal, "config.lock", err)
	}
	if !ok {
		return nil, newErr(ErrLockFatal, "config.lock", fmt.Errorf("config file %s already locked by another instance", path))
	}
	return &ConfigFile{Path: path, lock: lk}, nil
}

// Close releases the advisory lock. Intended to run once, at process
// shutdown.
func (c *ConfigFile) Close() error {
	return c.lock.Unlock()
}

// Load parses the config file into reg, returning the persisted epoch
// vars. A missing file is not an error (fresh node); any parse failure is
// config-fatal (§7: "Load failures are fatal").
func (c *ConfigFile) Load(reg *Registry) (currentEpoch, lastVoteEpoch uint64, err error) {
	f, err := os.Open(c.Path)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, newErr(ErrConfigFatal, "config.load", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	// A line can enumerate up to half of NumSlots inline; budget generously.
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "vars ") {
			ce, lv, verr := parseVarsLine(line)
			if verr != nil {
				return 0, 0, newErr(ErrConfigFatal, "config.load", fmt.Errorf("line %d: %w", lineNo, verr))
			}
			currentEpoch, lastVoteEpoch = ce, lv
			continue
		}
		n, perr := parseNodeLine(line)
		if perr != nil {
			return 0, 0, newErr(ErrConfigFatal, "config.load", fmt.Errorf("line %d: %w", lineNo, perr))
		}
		reg.Insert(n)
	}
	if err := sc.Err(); err != nil {
		return 0, 0, newErr(ErrConfigFatal, "config.load", err)
	}
	return currentEpoch, lastVoteEpoch, nil
}

// Save generates the full description in memory and writes it via the
// write-tmp/fsync/rename-atomic/fsync-dir sequence from §4.3. The live
// file is never truncated in place.
func (c *ConfigFile) Save(reg *Registry, currentEpoch, lastVoteEpoch uint64, doFsync bool) error {
	var sb strings.Builder
	for _, n := range reg.All() {
		sb.WriteString(formatNodeLine(n))
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "vars current_epoch %d last_vote_epoch %d\n", currentEpoch, lastVoteEpoch)

	dir := filepath.Dir(c.Path)
	tmp := filepath.Join(dir, fmt.Sprintf("%s.tmp-%d-%d", filepath.Base(c.Path), os.Getpid(), time.Now().UnixMilli()))

	tf, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return newErr(ErrConfigFatal, "config.save", err)
	}
	if _, err := tf.WriteString(sb.String()); err != nil {
		tf.Close()
		os.Remove(tmp)
		return newErr(ErrConfigFatal, "config.save", err)
	}
	if doFsync {
		if err := tf.Sync(); err != nil {
			tf.Close()
			os.Remove(tmp)
			return newErr(ErrConfigFatal, "config.save", err)
		}
	}
	if err := tf.Close(); err != nil {
		os.Remove(tmp)
		return newErr(ErrConfigFatal, "config.save", err)
	}
	if err := os.Rename(tmp, c.Path); err != nil {
		os.Remove(tmp)
		return newErr(ErrConfigFatal, "config.save", err)
	}
	if doFsync {
		if df, err := os.Open(dir); err == nil {
			df.Sync()
			df.Close()
		}
	}
	return nil
}

func parseVarsLine(line string) (currentEpoch, lastVoteEpoch uint64, err error) {
	fields := strings.Fields(line)
	// vars current_epoch X last_vote_epoch Y
	if len(fields) != 5 || fields[0] != "vars" || fields[1] != "current_epoch" || fields[3] != "last_vote_epoch" {
		return 0, 0, fmt.Errorf("malformed vars line %q", line)
	}
	currentEpoch, err = strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	lastVoteEpoch, err = strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return currentEpoch, lastVoteEpoch, nil
}

// formatNodeLine renders one node description line:
//
//	<id> <ip:cport@busport[,hostname][,key=val]*> <flag-csv> <primary-id-or-"-"> <ping-sent> <pong-recv> <config-epoch> <link-state> <slot-spec>*
func formatNodeLine(n *Node) string {
	addr := fmt.Sprintf("%s:%d@%d", addrOrEmpty(n.ClientIPv4, n.ClientIPv6), n.ClientPort, n.ClusterPort)
	var aux []string
	if n.Hostname != "" {
		aux = append(aux, n.Hostname)
	}
	if n.ShardID != (NodeID{}) {
		aux = append(aux, "shard-id="+idToHex(n.ShardID))
	}
	if n.Name != "" {
		aux = append(aux, "nodename="+n.Name)
	}
	if n.TLSPort != 0 {
		aux = append(aux, "tls-port="+strconv.Itoa(n.TLSPort))
	}
	if len(aux) > 0 {
		addr += "," + strings.Join(aux, ",")
	}

	primary := "-"
	if n.HasFlag(FlagReplica) && n.ReplicaOf != (NodeID{}) {
		primary = idToHex(n.ReplicaOf)
	}

	linkState := "connected"
	if n.OutLink == nil && n.InLink == nil {
		linkState = "disconnected"
	}

	fields := []string{
		idToHex(n.ID),
		addr,
		flagsToCSV(n.Flags),
		primary,
		strconv.FormatInt(n.PingSent.UnixMilli(), 10),
		strconv.FormatInt(n.PongReceived.UnixMilli(), 10),
		strconv.FormatUint(n.ConfigEpoch, 10),
		linkState,
	}
	fields = append(fields, slotSpecs(n)...)
	return strings.Join(fields, " ")
}

func parseNodeLine(line string) (*Node, error) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, fmt.Errorf("node line has %d fields, need at least 8", len(fields))
	}
	id, err := idFromHex(fields[0])
	if err != nil {
		return nil, fmt.Errorf("bad node id: %w", err)
	}
	n := NewNode(id)

	if err := parseAddrField(n, fields[1]); err != nil {
		return nil, err
	}
	n.Flags = parseFlagsCSV(fields[2])
	if fields[3] != "-" {
		pid, err := idFromHex(fields[3])
		if err != nil {
			return nil, fmt.Errorf("bad primary id: %w", err)
		}
		n.ReplicaOf = pid
	}
	pingMS, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, err
	}
	n.PingSent = time.UnixMilli(pingMS)
	pongMS, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return nil, err
	}
	n.PongReceived = time.UnixMilli(pongMS)
	n.ConfigEpoch, err = strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return nil, err
	}
	// fields[7] is link state, advisory only; not represented in-memory.

	for _, spec := range fields[8:] {
		if err := applySlotSpec(n, spec); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func parseAddrField(n *Node, field string) error {
	parts := strings.Split(field, ",")
	hostPort := parts[0]
	atIdx := strings.LastIndex(hostPort, "@")
	if atIdx < 0 {
		return fmt.Errorf("address field missing @busport: %q", field)
	}
	busPort, err := strconv.Atoi(hostPort[atIdx+1:])
	if err != nil {
		return fmt.Errorf("bad bus port: %w", err)
	}
	n.ClusterPort = busPort
	ipPort := hostPort[:atIdx]
	colonIdx := strings.LastIndex(ipPort, ":")
	if colonIdx < 0 {
		return fmt.Errorf("address field missing :port: %q", field)
	}
	ip := ipPort[:colonIdx]
	port, err := strconv.Atoi(ipPort[colonIdx+1:])
	if err != nil {
		return fmt.Errorf("bad client port: %w", err)
	}
	n.ClientPort = port
	if parsed := net.ParseIP(ip); parsed != nil {
		if parsed.To4() != nil {
			n.ClientIPv4 = parsed
		} else {
			n.ClientIPv6 = parsed
		}
	}

	for _, aux := range parts[1:] {
		if kv := strings.SplitN(aux, "=", 2); len(kv) == 2 {
			switch kv[0] {
			case "shard-id":
				sid, err := idFromHex(kv[1])
				if err == nil {
					n.ShardID = sid
				}
			case "nodename":
				n.Name = kv[1]
			case "tls-port":
				if p, err := strconv.Atoi(kv[1]); err == nil {
					n.TLSPort = p
				}
			}
		} else if n.Hostname == "" {
			n.Hostname = aux
		}
	}
	return nil
}

func slotSpecs(n *Node) []string {
	var out []string
	s := -1
	for slot := 0; slot <= NumSlots; slot++ {
		owned := slot < NumSlots && n.Slots.Test(slot)
		if owned && s < 0 {
			s = slot
		} else if !owned && s >= 0 {
			end := slot - 1
			if s == end {
				out = append(out, strconv.Itoa(s))
			} else {
				out = append(out, fmt.Sprintf("%d-%d", s, end))
			}
			s = -1
		}
	}
	for slot, target := range n.MigratingTo {
		out = append(out, fmt.Sprintf("[%d->-%s]", slot, idToHex(target)))
	}
	for slot, source := range n.ImportingFrom {
		out = append(out, fmt.Sprintf("[%d-<-%s]", slot, idToHex(source)))
	}
	return out
}

func applySlotSpec(n *Node, spec string) error {
	if strings.HasPrefix(spec, "[") && strings.HasSuffix(spec, "]") {
		body := spec[1 : len(spec)-1]
		if idx := strings.Index(body, "->-"); idx >= 0 {
			slot, err := strconv.Atoi(body[:idx])
			if err != nil {
				return err
			}
			id, err := idFromHex(body[idx+3:])
			if err != nil {
				return err
			}
			n.MigratingTo[slot] = id
			return nil
		}
		if idx := strings.Index(body, "-<-"); idx >= 0 {
			slot, err := strconv.Atoi(body[:idx])
			if err != nil {
				return err
			}
			id, err := idFromHex(body[idx+3:])
			if err != nil {
				return err
			}
			n.ImportingFrom[slot] = id
			return nil
		}
		return fmt.Errorf("malformed migration slot-spec %q", spec)
	}
	if dash := strings.Index(spec, "-"); dash > 0 {
		start, err := strconv.Atoi(spec[:dash])
		if err != nil {
			return err
		}
		end, err := strconv.Atoi(spec[dash+1:])
		if err != nil {
			return err
		}
		for s := start; s <= end; s++ {
			n.AddSlotLocal(s)
		}
		return nil
	}
	slot, err := strconv.Atoi(spec)
	if err != nil {
		return err
	}
	n.AddSlotLocal(slot)
	return nil
}

// AddSlotLocal sets slot s directly during config-file load, where the
// cross-node uniqueness check (§4.1 add_slot) does not apply yet (the
// registry is still being populated).
func (n *Node) AddSlotLocal(s int) {
	if !n.Slots.Test(s) {
		n.Slots.Set(s)
		n.NumSlotsOwned++
	}
}

func addrOrEmpty(v4, v6 net.IP) string {
	if v4 != nil {
		return v4.String()
	}
	if v6 != nil {
		return v6.String()
	}
	return "0.0.0.0"
}

func idToHex(id NodeID) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0xF]
	}
	return string(out)
}

func idFromHex(s string) (NodeID, error) {
	var id NodeID
	if len(s) != len(id)*2 {
		return id, fmt.Errorf("node id %q must be %d hex chars", s, len(id)*2)
	}
	for i := range id {
		hi, err := hexVal(s[i*2])
		if err != nil {
			return id, err
		}
		lo, err := hexVal(s[i*2+1])
		if err != nil {
			return id, err
		}
		id[i] = hi<<4 | lo
	}
	return id, nil
}

func hexVal(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

var flagNames = []struct {
	flag NodeFlags
	name string
}{
	{FlagPrimary, "master"},
	{FlagReplica, "slave"},
	{FlagPFail, "fail?"},
	{FlagFail, "fail"},
	{FlagMyself, "myself"},
	{FlagHandshake, "handshake"},
	{FlagNoAddr, "noaddr"},
	{FlagMeet, "meet"},
	{FlagMigrateTo, "migrate-to"},
	{FlagNoFailover, "nofailover"},
}

func flagsToCSV(f NodeFlags) string {
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "noflags"
	}
	return strings.Join(parts, ",")
}

func parseFlagsCSV(s string) NodeFlags {
	var f NodeFlags
	for _, part := range strings.Split(s, ",") {
		for _, fn := range flagNames {
			if fn.name == part {
				f |= fn.flag
			}
		}
	}
	return f
}
