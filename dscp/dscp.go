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

// Package dscp sets the outgoing DiffServ code point on a UDP socket, so
// PTP traffic can be prioritized by the network ahead of it.
package dscp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Enable sets the DSCP value (0-63) on outgoing packets of the connection
// behind fd, choosing the IPv4 or IPv6 sockopt depending on localIP.
func Enable(fd int, localIP net.IP, dscp int) error {
	if dscp == 0 {
		return nil
	}
	if dscp < 0 || dscp > 63 {
		return fmt.Errorf("dscp: %d out of range 0-63", dscp)
	}
	// DSCP occupies the upper 6 bits of the 8-bit TOS/traffic-class byte.
	tos := dscp << 2

	if localIP.To4() != nil {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
			return fmt.Errorf("dscp: setting IP_TOS to %d: %w", tos, err)
		}
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos); err != nil {
		return fmt.Errorf("dscp: setting IPV6_TCLASS to %d: %w", tos, err)
	}
	return nil
}
