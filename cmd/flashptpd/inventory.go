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

package main

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/flashptp/flashptpd/inventory"
)

func init() {
	rootCmd.AddCommand(inventoryCmd)
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "print local addresses, interfaces and clock identities and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		inv := inventory.New()
		if err := inv.Refresh(); err != nil {
			return fmt.Errorf("inventory: %w", err)
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"address", "interface", "clock identity"})
		for _, e := range inv.Entries() {
			table.Append([]string{e.Address, e.Interface, e.ClockIdentity.String()})
		}
		table.Render()
		return nil
	},
}
