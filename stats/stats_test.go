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

package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulatePerServer(t *testing.T) {
	s := New()
	s.IncTXSync("10.0.0.1:319")
	s.IncTXSync("10.0.0.1:319")
	s.IncTXSync("10.0.0.2:319")
	s.IncRXTimeout("10.0.0.1:319")

	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap["tx.sync.10.0.0.1:319"])
	assert.EqualValues(t, 1, snap["tx.sync.10.0.0.2:319"])
	assert.EqualValues(t, 1, snap["rx.timeout.10.0.0.1:319"])
}

func TestResetClearsCountersNotGauges(t *testing.T) {
	s := New()
	s.IncTXSync("server")
	s.SetServerState("server", 3)

	s.Reset()

	snap := s.Snapshot()
	assert.EqualValues(t, 0, snap["tx.sync.server"])
	assert.EqualValues(t, 3, snap["server.state.server"], "gauges must survive Reset")
}

func TestFlattenKeyStripsSeparators(t *testing.T) {
	assert.Equal(t, "flashptpd_tx_sync_10_0_0_1:319", flattenKey("tx.sync.10.0.0.1:319"))
}
