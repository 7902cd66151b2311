package cluster

import (
	"fmt"
	"net"
	"time"
)

// TCPTransport is the concrete cluster-bus Transport: it dials a peer's
// advertised cluster-bus address and wraps the resulting connection in a
// Link. This is the only piece of cluster-bus networking that owns a
// real net.Conn; GossipEngine and EpochEngine only ever see the Transport
// interface, so they stay dial-free in tests.
type TCPTransport struct {
	DialTimeout time.Duration
}

// NewTCPTransport builds a TCPTransport with a sane default dial timeout.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{DialTimeout: 3 * time.Second}
}

// Dial connects to n's cluster-bus port (ClusterPort, derived from
// ClientPort+10000 unless overridden) and returns an outbound Link ready
// for handshake frames.
func (t *TCPTransport) Dial(n *Node) (*Link, error) {
	ip := n.ClientIPv4
	if ip == nil {
		ip = n.PeerIP
	}
	if ip == nil {
		return nil, fmt.Errorf("cluster: node %x has no dialable address", n.ID)
	}
	addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", n.ClusterPort))
	conn, err := net.DialTimeout("tcp", addr, t.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial %s: %w", addr, err)
	}
	link := NewLink(conn, false)
	n.OutLink = link
	return link, nil
}
