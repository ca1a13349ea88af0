// Package ssdp multicast socket setup for both address families.
package ssdp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// errJoinGroup marks a multicast group join failure, as opposed to a bind
// failure. A group that cannot be joined gets blacklisted for the life of
// the process.
var errJoinGroup = errors.New("multicast join failed")

// SSDP multicast addressing constants.
const (
	// ssdpPort is the UDP port for all SSDP traffic.
	ssdpPort = 1900

	// multicastAddrIPv4 is the IPv4 multicast group for SSDP.
	multicastAddrIPv4 = "239.255.255.250"

	// multicastAddrIPv6 is the link-local IPv6 multicast group for SSDP.
	multicastAddrIPv6 = "ff02::c"
)

var (
	// ssdpGroupIPv4 is the IPv4 multicast group address.
	ssdpGroupIPv4 = net.IPv4(239, 255, 255, 250)

	// ssdpGroupIPv6 is the IPv6 multicast group address.
	ssdpGroupIPv6 = net.ParseIP(multicastAddrIPv6)

	// ipv4Addr is the destination address for IPv4 searches and notifications.
	ipv4Addr = &net.UDPAddr{
		IP:   ssdpGroupIPv4,
		Port: ssdpPort,
	}

	// ipv6Addr is the destination address for IPv6 searches and notifications.
	ipv6Addr = &net.UDPAddr{
		IP:   ssdpGroupIPv6,
		Port: ssdpPort,
	}
)

// packetConn is the transport surface a handler drives: a timed receive,
// a targeted send, and teardown. The ipv4 and ipv6 packet connections are
// adapted to it below; tests substitute an in-memory implementation.
type packetConn interface {
	ReadFrom(b []byte) (n int, src net.Addr, err error)
	WriteTo(b []byte, dst net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

type conn4 struct {
	*ipv4.PacketConn
}

func (c conn4) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, src, err := c.PacketConn.ReadFrom(b)
	return n, src, err
}

func (c conn4) WriteTo(b []byte, dst net.Addr) (int, error) {
	return c.PacketConn.WriteTo(b, nil, dst)
}

type conn6 struct {
	*ipv6.PacketConn
}

func (c conn6) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, src, err := c.PacketConn.ReadFrom(b)
	return n, src, err
}

func (c conn6) WriteTo(b []byte, dst net.Addr) (int, error) {
	return c.PacketConn.WriteTo(b, nil, dst)
}

// joinUDP4Multicast creates a UDP IPv4 socket on the SSDP port, joins the
// SSDP multicast group on the given interfaces, and returns the configured
// packet connection.
//
// Returns an error if binding fails or if the group cannot be joined on any
// of the interfaces.
func joinUDP4Multicast(interfaces []net.Interface) (packetConn, error) {
	udpConn, err := net.ListenMulticastUDP("udp4", nil, ipv4Addr)
	if err != nil {
		return nil, err
	}

	pkConn := ipv4.NewPacketConn(udpConn)
	_ = pkConn.SetMulticastTTL(2)
	_ = pkConn.SetMulticastLoopback(true)

	if len(interfaces) == 0 {
		interfaces = listMulticastInterfaces()
	}

	var failedJoins int
	for _, iface := range interfaces {
		if err := pkConn.JoinGroup(&iface, &net.UDPAddr{IP: ssdpGroupIPv4}); err != nil {
			failedJoins++
		}
	}

	if len(interfaces) > 0 && failedJoins == len(interfaces) {
		pkConn.Close()
		return nil, fmt.Errorf("udp4: %w: %s on any of these interfaces: %v", errJoinGroup, multicastAddrIPv4, interfaces)
	}

	return conn4{pkConn}, nil
}

// joinUDP6Multicast creates a UDP IPv6 socket on the SSDP port, joins the
// SSDP multicast group on the given interfaces, and returns the configured
// packet connection.
//
// The function follows the same pattern as joinUDP4Multicast for the IPv6
// protocol and group address.
func joinUDP6Multicast(interfaces []net.Interface) (packetConn, error) {
	udpConn, err := net.ListenMulticastUDP("udp6", nil, ipv6Addr)
	if err != nil {
		return nil, err
	}

	pkConn := ipv6.NewPacketConn(udpConn)
	_ = pkConn.SetMulticastHopLimit(2)
	_ = pkConn.SetMulticastLoopback(true)

	if len(interfaces) == 0 {
		interfaces = listMulticastInterfaces()
	}

	var failedJoins int
	for _, iface := range interfaces {
		if err := pkConn.JoinGroup(&iface, &net.UDPAddr{IP: ssdpGroupIPv6}); err != nil {
			failedJoins++
		}
	}

	if len(interfaces) > 0 && failedJoins == len(interfaces) {
		pkConn.Close()
		return nil, fmt.Errorf("udp6: %w: %s on any of these interfaces: %v", errJoinGroup, multicastAddrIPv6, interfaces)
	}

	return conn6{pkConn}, nil
}

// isIPv6Supported probes for a usable IPv6 stack before an IPv6 handler is
// spawned.
func isIPv6Supported() bool {
	l, err := net.Listen("tcp6", "[::]:0")
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// listMulticastInterfaces scans all system network interfaces and returns
// those that are up and support multicast communication.
func listMulticastInterfaces() []net.Interface {
	var interfaces []net.Interface
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		if (ifi.Flags & net.FlagMulticast) > 0 {
			interfaces = append(interfaces, ifi)
		}
	}

	return interfaces
}
