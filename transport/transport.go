/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport binds one UDP socket per (interface, port) pair flashptpd
// talks on and turns it into hardware, software or user level timestamped
// sends and receives. It satisfies client.Transport and server.Transport,
// which are declared separately in their own packages but share the same
// method set structurally.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flashptp/flashptpd/dscp"
	"github.com/flashptp/flashptpd/protocol"
	"github.com/flashptp/flashptpd/timestamp"
)

// ErrNoFamilyAddress reports that an interface has no address of the
// requested network family. Not fatal on its own: a server mode
// listener tries both udp4 and udp6 per interface, and a single-stack
// interface is expected to fail one of the two.
var ErrNoFamilyAddress = errors.New("transport: no address for requested family")

// Handler processes one datagram received on a bound socket.
type Handler func(iface string, srcAddr, dstAddr *net.UDPAddr, level protocol.TimestampLevel,
	rxTimestamp protocol.Timestamp, d protocol.Decoded)

type socket struct {
	conn    *net.UDPConn
	fd      int
	iface   string
	localIP net.IP
	port    uint16
	level   protocol.TimestampLevel

	// serializes a write with the read-back of its TX timestamp, since
	// both happen on the same fd.
	txMu sync.Mutex
}

// Manager owns every socket flashptpd has bound, keyed by (interface, port),
// and applies the configured DSCP value to each one it creates.
type Manager struct {
	dscp int

	mu      sync.Mutex
	sockets map[string]*socket
}

// NewManager returns a Manager that marks every socket it binds with dscp
// (0 leaves the OS default alone), mirroring the original's single
// dscp-per-daemon setting.
func NewManager(dscp int) *Manager {
	return &Manager{dscp: dscp, sockets: make(map[string]*socket)}
}

func socketKey(iface string, port uint16, network string) string {
	return fmt.Sprintf("%s#%d#%s", iface, port, network)
}

func (m *Manager) socketFor(iface string, port uint16, level protocol.TimestampLevel, network string) (*socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := socketKey(iface, port, network)
	if s, ok := m.sockets[k]; ok {
		return s, nil
	}
	s, err := m.bind(iface, port, level, network)
	if err != nil {
		return nil, err
	}
	m.sockets[k] = s
	return s, nil
}

// bind opens a udp4 or udp6 socket on iface:port, matching the wire family
// flashPTP actually needs (the original's Socket constructor switches on
// AF_INET/AF_INET6/AF_PACKET the same way; AF_PACKET/L2 MAC transport isn't
// implemented here, see DESIGN.md).
func (m *Manager) bind(iface string, port uint16, level protocol.TimestampLevel, network string) (*socket, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving interface %s: %w", iface, err)
	}
	localIP, err := addressForNetwork(ifi, network)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP(network, &net.UDPAddr{IP: localIP, Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("transport: binding %s %s:%d: %w", network, iface, port, err)
	}

	fd, err := timestamp.ConnFd(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: getting fd for %s:%d: %w", iface, port, err)
	}

	if err := dscp.Enable(fd, localIP, m.dscp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: %w", err)
	}

	// timestamp.EnableTimestamps only has a darwin implementation in this
	// tree, so the level is picked apart here and the lower-level Linux
	// enablers are called directly.
	switch level {
	case protocol.LevelHardware:
		if err := timestamp.EnableHWTimestamps(fd, iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: enabling hardware timestamps on %s: %w", iface, err)
		}
	case protocol.LevelSocket:
		if err := timestamp.EnableSWTimestamps(fd); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: enabling software timestamps on %s: %w", iface, err)
		}
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: setting %s:%d blocking: %w", iface, port, err)
	}

	return &socket{conn: conn, fd: fd, iface: iface, localIP: localIP, port: port, level: level}, nil
}

// networkForAddress reports the ListenUDP network ("udp4"/"udp6") matching
// ip's family, the same split the original makes on AF_INET/AF_INET6.
func networkForAddress(ip net.IP) string {
	if ip.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

// addressForNetwork returns ifi's first address of the family network
// names ("udp4" or "udp6"), or ErrNoFamilyAddress if it has none.
func addressForNetwork(ifi *net.Interface, network string) (net.IP, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("transport: listing addresses of %s: %w", ifi.Name, err)
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		isV4 := ipn.IP.To4() != nil
		if network == "udp4" && isV4 {
			return ipn.IP.To4(), nil
		}
		if network == "udp6" && !isV4 {
			return ipn.IP, nil
		}
	}
	return nil, fmt.Errorf("%s has no %s address: %w", ifi.Name, network, ErrNoFamilyAddress)
}

// Send transmits payload from srcInterface:srcPort to dst:dstPort and, for
// level LevelHardware or LevelSocket, blocks for the kernel's TX timestamp
// of that specific send. LevelUser reports time.Now() taken right after the
// write, and LevelInvalid skips timestamping (used for Follow Up sends).
func (m *Manager) Send(srcInterface string, srcPort uint16, dst net.Addr, dstPort uint16, payload []byte,
	level protocol.TimestampLevel) (protocol.TimestampLevel, protocol.Timestamp, error) {
	udpDst, ok := dst.(*net.UDPAddr)
	if !ok {
		return protocol.LevelInvalid, protocol.Timestamp{}, fmt.Errorf("transport: destination %s is not a UDP address", dst)
	}
	target := &net.UDPAddr{IP: udpDst.IP, Port: int(dstPort)}

	s, err := m.socketFor(srcInterface, srcPort, level, networkForAddress(udpDst.IP))
	if err != nil {
		return protocol.LevelInvalid, protocol.Timestamp{}, err
	}

	if level != protocol.LevelHardware && level != protocol.LevelSocket {
		if _, err := s.conn.WriteTo(payload, target); err != nil {
			return protocol.LevelInvalid, protocol.Timestamp{}, fmt.Errorf("transport: sending to %s: %w", target, err)
		}
		if level == protocol.LevelUser {
			return protocol.LevelUser, protocol.TimestampFromTime(time.Now()), nil
		}
		return protocol.LevelInvalid, protocol.Timestamp{}, nil
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()
	if _, err := s.conn.WriteTo(payload, target); err != nil {
		return protocol.LevelInvalid, protocol.Timestamp{}, fmt.Errorf("transport: sending to %s: %w", target, err)
	}
	txTime, _, err := timestamp.ReadTXtimestamp(s.fd)
	if err != nil {
		return protocol.LevelInvalid, protocol.Timestamp{}, fmt.Errorf("transport: reading tx timestamp on %s: %w", srcInterface, err)
	}
	return level, protocol.TimestampFromTime(txTime), nil
}

// Listen binds (if needed) srcInterface:port for the given network
// ("udp4" or "udp6") at the given timestamp level, and feeds every
// decodable datagram received on it to handler until ctx is done. It is
// meant to run in its own goroutine, one call per interface, port and
// family a caller needs to receive on.
func (m *Manager) Listen(ctx context.Context, iface string, port uint16, level protocol.TimestampLevel, network string, handler Handler) error {
	s, err := m.socketFor(iface, port, level, network)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	for {
		data, src, rxTime, err := s.read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		d, err := protocol.Classify(data)
		if err != nil {
			continue
		}
		dst := &net.UDPAddr{IP: s.localIP, Port: int(port)}
		handler(iface, src, dst, s.level, protocol.TimestampFromTime(rxTime), d)
	}
}

func (s *socket) read() ([]byte, *net.UDPAddr, time.Time, error) {
	if s.level != protocol.LevelHardware && s.level != protocol.LevelSocket {
		buf := make([]byte, 1500)
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, nil, time.Time{}, err
		}
		return buf[:n], addr, time.Now(), nil
	}

	data, sa, rxTime, err := timestamp.ReadPacketWithRXTimestamp(s.fd)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	return data, sockaddrToUDPAddr(sa), rxTime, nil
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return &net.UDPAddr{IP: timestamp.SockaddrToIP(sa)}
	}
}

// Close shuts down every socket the manager has opened.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sockets {
		s.conn.Close()
	}
	m.sockets = make(map[string]*socket)
}
