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
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	godaemon "github.com/sevlyar/go-daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	flashcfg "github.com/flashptp/flashptpd/config"
	"github.com/flashptp/flashptpd/daemon"
	"github.com/flashptp/flashptpd/stats"
	"github.com/flashptp/flashptpd/statetable"
)

// promScrapeInterval is how often the Prometheus exporter refreshes its
// gauges from the daemon's live Stats.
const promScrapeInterval = 5 * time.Second

// sourcesInterval is how often --verbose prints a client-mode sources
// table to stdout, the way ptpcheck's sources command polls a running
// client on demand rather than only writing to a state file.
const sourcesInterval = 30 * time.Second

var stateFileFlag string
var dscpFlag int
var forkFlag bool

// daemonCtx backgrounds the process when --fork is given, the way
// ntpald reborns itself instead of relying on an external supervisor.
var daemonCtx = &godaemon.Context{
	PidFileName: "/var/run/flashptpd.pid",
	PidFilePerm: 0644,
	LogFileName: "/var/log/flashptpd.log",
	LogFilePerm: 0640,
	WorkDir:     "/",
	Umask:       027,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&stateFileFlag, "state-file", "", "path to write client-mode server status to")
	runCmd.Flags().IntVar(&dscpFlag, "dscp", -1, "DSCP value for outgoing packets, overrides config")
	runCmd.Flags().BoolVar(&forkFlag, "fork", false, "daemonize: fork to the background and detach from the controlling terminal")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start client and/or server mode workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func loadConfig() (*flashcfg.Config, error) {
	ov := flashcfg.Overrides{
		StateFile: stateFileFlag,
		DSCP:      dscpFlag,
		Verbose:   verboseFlag,
		Set:       map[string]bool{},
	}
	if stateFileFlag != "" {
		ov.Set["statefile"] = true
	}
	if dscpFlag >= 0 {
		ov.Set["dscp"] = true
	}
	if verboseFlag {
		ov.Set["verbose"] = true
	}
	return flashcfg.Prepare(configFlag, ov)
}

// runDaemon loads config, starts the daemon, and blocks handling
// SIGINT/SIGTERM (graceful shutdown) and SIGHUP (config reload, restarting
// the daemon with the freshly loaded config) until told to exit.
// SIGPIPE is otherwise fatal to a Go process writing to a closed
// socket/pipe; ignoring it here matches flashptpd's original behavior of
// treating a dropped peer connection as an ordinary I/O error, not a
// reason to die.
func runDaemon() error {
	signal.Ignore(syscall.SIGPIPE)

	if forkFlag {
		child, err := daemonCtx.Reborn()
		if err != nil {
			return fmt.Errorf("fork: %w", err)
		}
		if child != nil {
			fmt.Printf("flashptpd forked to background, pid %d\n", child.Pid)
			return nil
		}
		defer daemonCtx.Release()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := d.Run(ctx); err != nil {
				log.Errorf("daemon: %v", err)
			}
		}()

		metricsStop := startMetrics(cfg, d.Stats())
		if verboseFlag && cfg.ClientMode.Enabled {
			go printSourcesPeriodically(ctx, d)
		}

		select {
		case <-stop:
			cancel()
			<-done
			close(metricsStop)
			return nil
		case <-hup:
			log.Info("received SIGHUP, reloading configuration")
			cancel()
			<-done
			close(metricsStop)

			newCfg, err := loadConfig()
			if err != nil {
				log.Errorf("config: reload failed, keeping previous configuration running: %v", err)
				continue
			}
			cfg = newCfg
			if err := setupLogging(cfg); err != nil {
				log.Errorf("logging: %v", err)
			}
		}
	}
}

// printSourcesPeriodically renders the client-mode sources table to
// stdout, for foreground/verbose runs where a state file isn't
// necessarily configured.
func printSourcesPeriodically(ctx context.Context, d *daemon.Daemon) {
	ticker := time.NewTicker(sourcesInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statetable.Render(os.Stdout, d.ClientServers())
		}
	}
}

// startMetrics starts the JSON and Prometheus stats endpoints, served
// together by one HTTP server, if metrics are enabled, returning a
// channel that stops the Prometheus exporter's scrape loop when closed.
// The HTTP server itself is left running
// for the reload case above to keep binding cheap; a real deployment
// would want SO_REUSEPORT or a listener handoff here instead.
func startMetrics(cfg *flashcfg.Config, st *stats.Stats) chan struct{} {
	stopExporter := make(chan struct{})
	if !cfg.Metrics.Enabled {
		close(stopExporter)
		return stopExporter
	}

	exporter := stats.NewPrometheusExporter(st, promScrapeInterval)
	go exporter.Run(stopExporter)

	jsonServer := stats.NewJSONServer(st)
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		jsonServer.ServeHTTP(w, r)
	})
	go func() {
		log.Infof("stats: serving json and prometheus metrics on %s", cfg.Metrics.Addr)
		if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
			log.Errorf("stats: metrics server: %v", err)
		}
	}()

	return stopExporter
}
