// Copyright 2026 The qemu-colo Authors
// This file is part of qemu-colo.
//
// qemu-colo is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// qemu-colo is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with qemu-colo. If not, see <http://www.gnu.org/licenses/>.

// colo is the replication daemon: it runs either side of a COLO
// fault-tolerance pair over TCP and exposes the management commands on a
// small admin API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/julienschmidt/httprouter"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/NealSCarffery/qemu-colo/colo"
	"github.com/NealSCarffery/qemu-colo/colo/proxy"
	"github.com/NealSCarffery/qemu-colo/mainloop"
	"github.com/NealSCarffery/qemu-colo/ramcache"
	"github.com/NealSCarffery/qemu-colo/vmstate"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotating file in addition to stderr",
	}
	adminFlag = &cli.StringFlag{
		Name:  "admin",
		Usage: "Listen address of the management API",
		Value: "127.0.0.1:9850",
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	secondaryAddrFlag = &cli.StringFlag{
		Name:  "secondary",
		Usage: "Address of the secondary's replication listener",
		Value: "127.0.0.1:9851",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "Replication listen address",
		Value: "127.0.0.1:9851",
	}
	periodFlag = &cli.DurationFlag{
		Name:  "checkpoint.period",
		Usage: "Forced checkpoint interval",
		Value: colo.DefaultCheckpointPeriod,
	}
	ramCacheFlag = &cli.IntFlag{
		Name:  "ramcache.size",
		Usage: "RAM cache capacity in MiB",
		Value: 256,
	}
	pausedFlag = &cli.BoolFlag{
		Name:  "paused",
		Usage: "Do not autostart the machine after migration (-S)",
	}
)

func main() {
	app := &cli.App{
		Name:  "colo",
		Usage: "coarse-grain lock-stepping fault-tolerance daemon",
		Flags: []cli.Flag{verbosityFlag, logFileFlag, configFlag},
		Commands: []*cli.Command{
			{
				Name:   "primary",
				Usage:  "run the primary side of a replication pair",
				Flags:  []cli.Flag{secondaryAddrFlag, periodFlag, adminFlag},
				Action: runPrimary,
			},
			{
				Name:   "secondary",
				Usage:  "run the secondary side of a replication pair",
				Flags:  []cli.Flag{listenFlag, ramCacheFlag, pausedFlag, adminFlag},
				Action: runSecondary,
			},
		},
		Before: func(ctx *cli.Context) error {
			setupLogging(ctx)
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) {
	output := io.Writer(os.Stderr)
	usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	if usecolor {
		output = colorable.NewColorableStderr()
	}
	if file := ctx.String(logFileFlag.Name); file != "" {
		output = io.MultiWriter(output, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MiB
			MaxBackups: 3,
		})
		usecolor = false
	}
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(output, level, usecolor)))
}

// fileConfig is the optional TOML overlay. Flags win over file values only
// when set explicitly.
type fileConfig struct {
	CheckpointPeriodMs int64
	FailoverGraceMs    int64
	RAMCacheMiB        int64
	Admin              string
}

func loadConfig(ctx *cli.Context) (fileConfig, error) {
	var cfg fileConfig
	path := ctx.String(configFlag.Name)
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// management is the loop surface the admin API drives.
type management interface {
	LostHeartbeat()
}

type adminServer struct {
	mgmt    management
	primary *colo.Primary // nil on the secondary
	status  *colo.StatusStore
	role    colo.Role
}

func (a *adminServer) router() *httprouter.Router {
	r := httprouter.New()
	r.POST("/colo/lost_heartbeat", a.lostHeartbeat)
	r.POST("/colo/checkpoint_period", a.setPeriod)
	r.GET("/colo/status", a.getStatus)
	return r
}

func (a *adminServer) lostHeartbeat(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	a.mgmt.LostHeartbeat()
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminServer) setPeriod(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if a.primary == nil {
		http.Error(w, "checkpoint period is a primary-side setting", http.StatusBadRequest)
		return
	}
	ms := r.URL.Query().Get("ms")
	d, err := time.ParseDuration(ms + "ms")
	if err != nil {
		http.Error(w, "invalid ms parameter", http.StatusBadRequest)
		return
	}
	a.primary.SetCheckpointPeriod(d)
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminServer) getStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	resp := map[string]any{
		"role":   a.role.String(),
		"status": a.status.Get().String(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func serveAdmin(ctx context.Context, addr string, a *adminServer) error {
	srv := &http.Server{Addr: addr, Handler: a.router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("Admin API listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runWorkload mutates guest state while the machine runs, so consecutive
// checkpoints have something to ship.
func runWorkload(ctx context.Context, m *vmstate.Machine) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	var counter uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.IsRunning() {
				continue
			}
			counter++
			var blob [8]byte
			for i := range blob {
				blob[i] = byte(counter >> (8 * i))
			}
			m.SetDevice("workload-counter", blob[:])
			m.WriteRAM(counter%512, blob[:])
		}
	}
}

func runPrimary(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	period := ctx.Duration(periodFlag.Name)
	if cfg.CheckpointPeriodMs > 0 && !ctx.IsSet(periodFlag.Name) {
		period = time.Duration(cfg.CheckpointPeriodMs) * time.Millisecond
	}
	adminAddr := ctx.String(adminFlag.Name)
	if cfg.Admin != "" && !ctx.IsSet(adminFlag.Name) {
		adminAddr = cfg.Admin
	}

	addr := ctx.String(secondaryAddrFlag.Name)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing secondary %s: %w", addr, err)
	}
	log.Info("Connected to secondary", "addr", addr)

	rootCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	machine := vmstate.NewMachine()
	machine.OnShutdown(cancel)
	machine.Start()

	loop := mainloop.New()
	loop.Start()
	defer loop.Stop()

	status := colo.NewStatusStore(colo.StatusActive)
	p := colo.NewPrimary(colo.PrimaryConfig{
		Conn:             conn,
		VM:               machine,
		Serializer:       machine,
		Proxy:            proxy.NewService(log.Root()),
		Status:           status,
		Lock:             new(sync.Mutex),
		Scheduler:        loop,
		Hotplug:          machine,
		CheckpointPeriod: period,
	})

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { defer cancel(); return p.Run() })
	g.Go(func() error {
		return serveAdmin(gctx, adminAddr, &adminServer{
			mgmt: p, primary: p, status: status, role: colo.RolePrimary,
		})
	})
	g.Go(func() error {
		runWorkload(gctx, machine)
		return nil
	})
	g.Go(func() error {
		watchSignals(gctx, p.LostHeartbeat)
		return nil
	})
	return g.Wait()
}

func runSecondary(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	grace := colo.DefaultFailoverGrace
	if cfg.FailoverGraceMs > 0 {
		grace = time.Duration(cfg.FailoverGraceMs) * time.Millisecond
	}
	cacheMiB := int64(ctx.Int(ramCacheFlag.Name))
	if cfg.RAMCacheMiB > 0 && !ctx.IsSet(ramCacheFlag.Name) {
		cacheMiB = cfg.RAMCacheMiB
	}
	adminAddr := ctx.String(adminFlag.Name)
	if cfg.Admin != "" && !ctx.IsSet(adminFlag.Name) {
		adminAddr = cfg.Admin
	}

	addr := ctx.String(listenFlag.Name)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer ln.Close()
	log.Info("Waiting for primary", "addr", addr)
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	log.Info("Primary connected", "remote", conn.RemoteAddr())

	rootCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	machine := vmstate.NewMachine()
	machine.OnShutdown(cancel)
	if ctx.Bool(pausedFlag.Name) {
		machine.Pause()
	}

	loop := mainloop.New()
	loop.Start()
	defer loop.Stop()

	status := colo.NewStatusStore(colo.StatusActive)
	s := colo.NewSecondary(colo.SecondaryConfig{
		Conn:      conn,
		VM:        machine,
		Loader:    machine,
		Proxy:     proxy.NewService(log.Root()),
		Status:    status,
		Lock:      new(sync.Mutex),
		Scheduler: loop,
		Hotplug:   machine,
		CreateRAMCache: func() (colo.RAMCache, error) {
			c := ramcache.CreateAndInit(int(cacheMiB) << 20)
			machine.UsePageCache(c)
			return c, nil
		},
		Autostart:     colo.NewAutostart(!ctx.Bool(pausedFlag.Name)),
		FailoverGrace: grace,
	})

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { defer cancel(); return s.Run() })
	g.Go(func() error {
		return serveAdmin(gctx, adminAddr, &adminServer{
			mgmt: s, status: status, role: colo.RoleSecondary,
		})
	})
	g.Go(func() error {
		watchSignals(gctx, s.LostHeartbeat)
		return nil
	})
	return g.Wait()
}

func watchSignals(ctx context.Context, onTerm func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	select {
	case <-ctx.Done():
	case sig := <-ch:
		log.Warn("Signal received, abandoning replication", "signal", sig)
		onTerm()
	}
}
