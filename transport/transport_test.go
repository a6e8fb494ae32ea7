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

package transport

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashptp/flashptpd/protocol"
)

func TestNetworkForAddress(t *testing.T) {
	assert.Equal(t, "udp4", networkForAddress(net.ParseIP("192.168.0.1")))
	assert.Equal(t, "udp6", networkForAddress(net.ParseIP("2001:db8::1")))
}

func TestSocketKeyDistinguishesFamily(t *testing.T) {
	assert.NotEqual(t, socketKey("eth0", 319, "udp4"), socketKey("eth0", 319, "udp6"))
}

func TestAddressForNetworkLoopback(t *testing.T) {
	ifi, err := net.InterfaceByName("lo")
	if err != nil {
		t.Skip("no loopback interface available in this environment")
	}

	ip, err := addressForNetwork(ifi, "udp4")
	require.NoError(t, err, "loopback interfaces always carry an IPv4 address")
	assert.NotNil(t, ip.To4())
}

func TestBindUnknownInterface(t *testing.T) {
	m := NewManager(0)
	_, err := m.bind("flashptp-test-nonexistent0", 0, protocol.LevelInvalid, "udp4")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoFamilyAddress), "an unresolvable interface is a different failure than a missing family address")
}
