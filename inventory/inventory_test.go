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

package inventory

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flashptp/flashptpd/protocol"
)

func TestInterfaceForAddressLookup(t *testing.T) {
	inv := New()
	inv.byAddr["10.0.0.1"] = "eth0"

	iface, ok := inv.InterfaceForAddress(net.ParseIP("10.0.0.1"))
	assert.True(t, ok)
	assert.Equal(t, "eth0", iface)

	_, ok = inv.InterfaceForAddress(net.ParseIP("10.0.0.2"))
	assert.False(t, ok)
}

func TestClockIdentityLookup(t *testing.T) {
	inv := New()
	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	assert.NoError(t, err)
	id, err := protocol.NewClockIdentity(mac)
	assert.NoError(t, err)
	inv.clockIDs["eth0"] = id

	got, ok := inv.ClockIdentity("eth0")
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = inv.ClockIdentity("eth1")
	assert.False(t, ok)
}

func TestAddrIP(t *testing.T) {
	ipnet := &net.IPNet{IP: net.ParseIP("192.0.2.1"), Mask: net.CIDRMask(24, 32)}
	assert.True(t, addrIP(ipnet).Equal(net.ParseIP("192.0.2.1")))

	ipaddr := &net.IPAddr{IP: net.ParseIP("192.0.2.2")}
	assert.True(t, addrIP(ipaddr).Equal(net.ParseIP("192.0.2.2")))
}
