// modelgated is a single daemon that loads a model roster from a YAML
// config file, starts and stops the configured inference processes on
// demand, and exposes both an OpenAI-compatible gateway and an admin API.
// It takes no flags beyond the config path; all behavior lives in the
// config file.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kyleoliver/modelgated/internal/api"
	"github.com/kyleoliver/modelgated/internal/config"
	"github.com/kyleoliver/modelgated/internal/device"
	"github.com/kyleoliver/modelgated/internal/gateway"
	"github.com/kyleoliver/modelgated/internal/iface"
	"github.com/kyleoliver/modelgated/internal/logging"
	"github.com/kyleoliver/modelgated/internal/logstore"
	"github.com/kyleoliver/modelgated/internal/model"
	"github.com/kyleoliver/modelgated/internal/supervisor"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modelgated: load config: %v\n", err)
		os.Exit(1)
	}

	daemonLog, err := logging.NewDaemonLog(filepath.Join("logs", "daemon"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "modelgated: open daemon log: %v\n", err)
		os.Exit(1)
	}
	defer daemonLog.Close()

	// LOG_LEVEL takes precedence over the config file's log_level, and is
	// honored even though it is read after config.Load — the daemon's own
	// logger isn't constructed until here, so there is no pre-config-load
	// logging for it to have affected yet.
	logLevel := cfg.Settings.LogLevel
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		logLevel = envLevel
	}

	log := logging.New(io.MultiWriter(os.Stderr, daemonLog), logLevel)
	mainLog := logging.Component(log, "main")
	mainLog.WithField("config", configPath).Info("modelgated starting")

	devices := buildDeviceCache(cfg, 3*time.Second)

	entries := model.NewEntries(cfg.Models)
	table := model.NewTable()
	sup := supervisor.New()
	logs := logstore.NewStore(filepath.Join("logs", "model_logs"))
	registry := iface.NewRegistry()

	ctrl := model.NewController(cfg.Settings, entries, table, devices, registry, sup, logs, logging.Component(log, "model"))

	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	go ctrl.RunReaper(reaperCtx)

	for _, m := range cfg.Models {
		table.Ensure(m.PrimaryName())
		if m.AutoStart {
			name := m.PrimaryName()
			go func() {
				if err := ctrl.Start(context.Background(), name); err != nil {
					mainLog.WithField("model", name).WithError(err).Warn("auto_start failed")
				}
			}()
		}
	}

	gw := gateway.New(entries, table, ctrl, registry, logging.Component(log, "gateway"))

	// One listener carries both surfaces: the admin routes are registered
	// explicitly and the gateway is the catch-all for everything else.
	server := api.NewServer(cfg.Settings, entries, table, ctrl, devices, gw, logging.Component(log, "api"))
	addr := fmt.Sprintf("%s:%d", cfg.Settings.Host, cfg.Settings.Port)

	go func() {
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			mainLog.WithError(err).Fatal("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	mainLog.WithField("signal", sig.String()).Info("shutting down")

	cancelReaper()
	devices.Stop()

	server.Shutdown()

	for _, errStop := range ctrl.StopAll() {
		mainLog.WithError(errStop).Warn("stop during shutdown failed")
	}

	mainLog.Info("modelgated stopped")
}

// buildDeviceCache seeds the CPU probe plus one GPU probe per device name
// referenced by any model's required_devices that looks like a GPU index
// (e.g. "gpu0"), unless GPU monitoring is disabled in the config.
func buildDeviceCache(cfg *config.Config, tick time.Duration) *device.Cache {
	probes := []device.Probe{device.CPUProbe{}}

	if !cfg.Settings.DisableGPUMonitoring {
		seen := make(map[string]bool)
		for _, m := range cfg.Models {
			for _, v := range m.Variants {
				for _, d := range v.RequiredDevices {
					if seen[d] || !strings.HasPrefix(d, "gpu") {
						continue
					}
					seen[d] = true
					idx, err := strconv.Atoi(strings.TrimPrefix(d, "gpu"))
					if err != nil {
						continue
					}
					probes = append(probes, device.GPUProbe{DeviceName: d, Index: idx})
				}
			}
		}
	}

	cache := device.NewCache(probes, tick)
	go cache.Run()
	return cache
}
