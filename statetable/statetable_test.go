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

package statetable

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashptp/flashptpd/client"
)

func TestRenderIncludesEveryServer(t *testing.T) {
	s1, err := client.NewServer(client.Config{DstAddress: net.ParseIP("192.0.2.1"), SrcInterface: "lo"})
	require.NoError(t, err)
	s2, err := client.NewServer(client.Config{DstAddress: net.ParseIP("192.0.2.2"), SrcInterface: "lo"})
	require.NoError(t, err)

	var buf bytes.Buffer
	Render(&buf, []*client.Server{s1, s2})

	out := buf.String()
	assert.Contains(t, out, "192.0.2.1:319")
	assert.Contains(t, out, "192.0.2.2:319")
}

func TestRenderHandlesNoServers(t *testing.T) {
	var buf bytes.Buffer
	assert.NotPanics(t, func() { Render(&buf, nil) })
}
