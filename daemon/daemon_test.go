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

package daemon

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashptp/flashptpd/client"
	flashcfg "github.com/flashptp/flashptpd/config"
	"github.com/flashptp/flashptpd/protocol"
	"github.com/flashptp/flashptpd/server"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := flashcfg.Default()
	cfg.ClientMode = client.ModeConfig{
		Enabled: true,
		Servers: []client.Config{{
			DstAddress:   net.ParseIP("192.0.2.1"),
			SrcInterface: "lo",
			Interval:     0,
		}},
	}
	cfg.ServerMode = server.ModeConfig{
		Enabled:   true,
		Listeners: []server.ListenerConfig{{Interface: "lo"}},
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func TestNewRequiresAtLeastOneModeEnabled(t *testing.T) {
	cfg := flashcfg.Default()
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestListenTargetsDedupesSharedInterfaceAndPort(t *testing.T) {
	d := newTestDaemon(t)
	targets := d.listenTargets()

	// lo:319/udp4 is needed by both the client-mode server (whose dstAddress
	// is IPv4) and the server-mode listener; it must appear exactly once in
	// the target list. lo:319/udp6 is only needed by the server-mode
	// listener, which tries both families on every interface, so it appears
	// once too but isn't shared with anything.
	count := 0
	for _, target := range targets {
		if target.iface == "lo" && target.port == 319 && target.network == "udp4" {
			count++
		}
	}
	assert.Equal(t, 1, count, "shared interface/port/family must be deduplicated: %v", targets)
}

func TestDispatchRoutesResponsesToClientMode(t *testing.T) {
	d := newTestDaemon(t)
	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 319}
	dst := &net.UDPAddr{IP: net.ParseIP("192.0.2.2"), Port: 319}

	d.dispatch("lo", src, dst, protocol.LevelHardware, protocol.Timestamp{Seconds: 1}, protocol.Decoded{
		Header: protocol.Header{Type: protocol.MessageSync, LogMsgPeriod: protocol.StateLogMsgPeriod},
	})
	// A response destined for an unconfigured server address is simply
	// dropped by ClientMode.Dispatch; this just exercises the routing path
	// without panicking.
}

func TestDispatchRoutesRequestsToServerMode(t *testing.T) {
	d := newTestDaemon(t)
	src := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 319}
	dst := &net.UDPAddr{IP: net.ParseIP("198.51.100.2"), Port: 319}

	d.dispatch("lo", src, dst, protocol.LevelHardware, protocol.Timestamp{Seconds: 1}, protocol.Decoded{
		Header:    protocol.Header{Type: protocol.MessageSync, SequenceID: 1},
		Direction: protocol.Request,
		ReqTLV:    protocol.ReqTLV{},
	})
	// Interface for dst isn't in the inventory, so ServerMode.processRequest
	// discards it after logging; the important thing is it reached
	// ServerMode.OnMsgReceived instead of ClientMode.Dispatch.
}
