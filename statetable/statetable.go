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

// Package statetable renders flashptpd's client-mode server states as a
// tablewriter-formatted table, for the inventory/status CLI path. The
// fixed-column-width variant client mode writes to its state file lives
// in client.ClientMode.writeStateFile; this is a separate, interactive
// rendering.
package statetable

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/flashptp/flashptpd/client"
	"github.com/flashptp/flashptpd/selection"
)

// Render writes one row per server to w, in the style of ptpcheck's
// sources table.
func Render(w io.Writer, servers []*client.Server) {
	table := tablewriter.NewWriter(w)
	table.SetColWidth(20)
	table.SetHeader([]string{
		"server", "state", "clock", "reach", "interval", "delay(ns)", "offset(ns)", "stddev(ns)", "btca",
	})

	for _, s := range servers {
		table.Append(row(s))
	}
	table.Render()
}

func row(s *client.Server) []string {
	delay, offset := "-", "-"
	if s.Valid() {
		delay = fmt.Sprintf("%d", s.Delay())
		offset = fmt.Sprintf("%d", s.Offset())
	}
	stdDev := "-"
	if d := s.StdDev(); d != selection.InvalidStdDev {
		stdDev = fmt.Sprintf("%d", d)
	}
	btca := "unknown"
	if s.ServerStateDSValid() {
		ds := s.ServerStateDS()
		btca = fmt.Sprintf("p1=%d cls=%d p2=%d", ds.Priority1, ds.ClockClass, ds.Priority2)
	}

	return []string{
		s.String(),
		s.State().String(),
		s.ClockName(),
		fmt.Sprintf("0x%04x", s.Reach()),
		fmt.Sprintf("%d", s.Interval()),
		delay,
		offset,
		stdDev,
		btca,
	}
}
