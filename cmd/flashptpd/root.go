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

// Package main is flashptpd's CLI entrypoint: a bidirectional PTP
// unicast time-synchronization daemon combining client mode (syncing
// local clocks against configured peers) and server mode (answering
// peers' Sync Requests), driven from a single YAML config file.
package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFlag  string
	verboseFlag bool
)

// rootCmd is flashptpd's entry point. Its own Run starts the daemon
// (the "run" subcommand exists too, for scripts that prefer to name it
// explicitly).
var rootCmd = &cobra.Command{
	Use:   "flashptpd",
	Short: "bidirectional PTP unicast time-synchronization daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to the flashptpd YAML config file")
	rootCmd.PersistentFlags().BoolVar(&verboseFlag, "verbose", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
