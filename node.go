package eventbus

import (
	"fmt"
	"net"
	"strconv"
)

// NodeID identifies a cluster peer by its public host and port. It is the
// value stored in the subscription map and the key of the connection pool.
type NodeID struct {
	Host string
	Port int
}

// Equal reports whether two node IDs refer to the same peer.
func (n NodeID) Equal(other NodeID) bool {
	return n.Host == other.Host && n.Port == other.Port
}

func (n NodeID) String() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// IsZero reports whether n is the zero value (no node identity assigned).
func (n NodeID) IsZero() bool {
	return n.Host == "" && n.Port == 0
}

// ResolveNodeID derives the NodeID a node at listenAddr would advertise,
// without binding anything: it parses host/port out of listenAddr and
// applies the same publicHost/publicPort override Server.start applies
// after actually binding. Useful for callers (cmd/eventbusd) that need
// to know their own NodeID before Start — to construct a ClusterManager
// with Self set — when listenAddr already names a concrete port rather
// than ":0".
func ResolveNodeID(listenAddr, publicHost string, publicPort int) (NodeID, error) {
	self, err := parseNodeID(listenAddr)
	if err != nil {
		return NodeID{}, err
	}
	if publicHost != "" {
		self.Host = publicHost
	}
	if publicPort != 0 {
		self.Port = publicPort
	}
	return self, nil
}

func parseNodeID(s string) (NodeID, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("eventbus: invalid node address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NodeID{}, fmt.Errorf("eventbus: invalid node port %q: %w", s, err)
	}
	return NodeID{Host: host, Port: port}, nil
}
