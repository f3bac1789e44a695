// Trusted time service

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/mmcloughlin/profile"
	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/trusted-time/base/logbase"
	"example.com/trusted-time/base/timemath"

	"example.com/trusted-time/benchmark"

	"example.com/trusted-time/core/client"
	"example.com/trusted-time/core/persist"
	"example.com/trusted-time/core/sync"

	"example.com/trusted-time/driver/clocks"
	"example.com/trusted-time/driver/store"
)

const (
	logLevelQuiet = iota
	logLevelDefault
	logLevelVerbose

	resolverModeNTP    = "ntp"
	resolverModeHTTPS  = "https"
	resolverModeHybrid = "hybrid"
)

type svcConfig struct {
	NTPServers        []string `toml:"ntp_servers,omitempty"`
	HTTPSSources      []string `toml:"https_sources,omitempty"`
	ResolverMode      string   `toml:"resolver_mode,omitempty"`
	RefreshInterval   float64  `toml:"refresh_interval,omitempty"`
	MaxRequestLatency float64  `toml:"max_request_latency,omitempty"`
	MinimumQuorum     int      `toml:"minimum_quorum,omitempty"`
	PersistState      bool     `toml:"persist_state,omitempty"`
	StatePath         string   `toml:"state_path,omitempty"`
	LocalMetricsAddr  string   `toml:"local_metrics_address,omitempty"`
}

func initLogger(logLevel int) {
	var h slog.Handler
	if logLevel == logLevelQuiet {
		h = slog.DiscardHandler
	} else {
		var (
			addSource   bool
			level       slog.Leveler
			replaceAttr func(groups []string, a slog.Attr) slog.Attr
		)
		if logLevel == logLevelVerbose {
			_, f, _, ok := runtime.Caller(0)
			var basepath string
			if ok {
				basepath = filepath.Dir(f)
			}
			addSource = true
			level = slog.LevelDebug
			replaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.SourceKey {
					source := a.Value.Any().(*slog.Source)
					if basepath == "" {
						source.File = filepath.Base(source.File)
					} else {
						relpath, err := filepath.Rel(basepath, source.File)
						if err != nil {
							source.File = filepath.Base(source.File)
						} else {
							source.File = relpath
						}
					}
				}
				return a
			}
		}
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			AddSource:   addSource,
			Level:       level,
			ReplaceAttr: replaceAttr,
		})
	}
	slog.SetDefault(slog.New(h))
}

func showInfo() {
	bi, ok := debug.ReadBuildInfo()
	if ok {
		fmt.Print(bi.String())
	}
}

func runMonitor(cfg svcConfig) {
	if cfg.LocalMetricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		err := http.ListenAndServe(cfg.LocalMetricsAddr, nil)
		logbase.Fatal(slog.Default(), "failed to serve metrics", slog.Any("error", err))
	} else {
		select {}
	}
}

func loadConfig(configFile string) svcConfig {
	raw, err := os.ReadFile(configFile)
	if err != nil {
		logbase.Fatal(slog.Default(), "failed to load configuration", slog.Any("error", err))
	}
	var cfg svcConfig
	err = toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		logbase.Fatal(slog.Default(), "failed to decode configuration", slog.Any("error", err))
	}
	return cfg
}

func engineConfig(cfg svcConfig) sync.Config {
	var refreshInterval, maxRequestLatency time.Duration
	if cfg.RefreshInterval != 0 {
		refreshInterval = timemath.Duration(cfg.RefreshInterval)
	}
	if cfg.MaxRequestLatency != 0 {
		maxRequestLatency = timemath.Duration(cfg.MaxRequestLatency)
	}
	return sync.Config{
		NTPServers:        cfg.NTPServers,
		HTTPSSources:      cfg.HTTPSSources,
		RefreshInterval:   refreshInterval,
		MaxRequestLatency: maxRequestLatency,
		MinimumQuorum:     cfg.MinimumQuorum,
	}.WithDefaults()
}

func createResolver(cfg sync.Config, mode string, log *slog.Logger) client.Resolver {
	ntpResolver := &client.NTPQuorumResolver{
		Log:               log,
		Clock:             clocks.NewSystemClock(),
		Servers:           cfg.NTPServers,
		MaxRequestLatency: cfg.MaxRequestLatency,
		Quorum:            cfg.MinimumQuorum,
	}
	if mode == resolverModeNTP {
		return ntpResolver
	}
	mclk, err := clocks.NewMonotonicClock(log)
	if err != nil {
		logbase.Fatal(slog.Default(), "failed to create monotonic clock", slog.Any("error", err))
	}
	httpsResolver := &client.HTTPSQuorumResolver{
		Log:               log,
		Clock:             mclk,
		Sources:           cfg.HTTPSSources,
		MaxRequestLatency: cfg.MaxRequestLatency,
		Quorum:            cfg.MinimumQuorum,
	}
	if mode == resolverModeHTTPS {
		return httpsResolver
	}
	return &client.HybridResolver{
		Log:   log,
		NTP:   ntpResolver,
		HTTPS: httpsResolver,
	}
}

func createGateway(cfg svcConfig, log *slog.Logger) *persist.Gateway {
	if !cfg.PersistState {
		return nil
	}
	statePath := cfg.StatePath
	if statePath == "" {
		logbase.Fatal(slog.Default(), "state_path not specified in config")
	}
	s, err := store.Open(statePath)
	if err != nil {
		logbase.Fatal(slog.Default(), "failed to open state store", slog.Any("error", err))
	}
	return persist.NewGateway(log, s)
}

func resolverMode(mode string) string {
	switch mode {
	case "":
		return resolverModeHybrid
	case resolverModeNTP, resolverModeHTTPS, resolverModeHybrid:
		return mode
	}
	logbase.Fatal(slog.Default(), "unexpected resolver mode", slog.String("mode", mode))
	panic("unreachable")
}

func runService(configFile string) {
	ctx := context.Background()
	log := slog.Default()

	cfg := loadConfig(configFile)
	engineCfg := engineConfig(cfg)

	mclk, err := clocks.NewMonotonicClock(log)
	if err != nil {
		logbase.Fatal(slog.Default(), "failed to create monotonic clock", slog.Any("error", err))
	}
	wclk := clocks.NewSystemClock()

	resolver := createResolver(engineCfg, resolverMode(cfg.ResolverMode), log)
	gateway := createGateway(cfg, log)

	e, err := sync.NewEngine(log, engineCfg, mclk, wclk, resolver, gateway)
	if err != nil {
		logbase.Fatal(slog.Default(), "unexpected configuration", slog.Any("error", err))
	}
	e.OnResync(func() {
		a, ok := e.Anchor()
		if !ok {
			return
		}
		log.LogAttrs(ctx, slog.LevelInfo, "current time updated",
			slog.Time("time", time.UnixMilli(e.Now()).UTC()),
			slog.Int64("uncertainty [ms]", a.UncertaintyMs),
			slog.Int("sources", a.SourceCount))
	})
	e.Initialize(ctx)

	runMonitor(cfg)
}

func runTool(configFile string, periodic bool) {
	log := slog.Default()

	cfg := loadConfig(configFile)
	engineCfg := engineConfig(cfg)

	resolver := createResolver(engineCfg, resolverMode(cfg.ResolverMode), log)

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		res, err := resolver.Resolve(ctx)
		cancel()
		if err != nil {
			if !periodic {
				logbase.Fatal(log, "failed to resolve network time", slog.Any("error", err))
			}
			log.LogAttrs(context.Background(), slog.LevelInfo,
				"failed to resolve network time", slog.Any("error", err))
		} else {
			fmt.Printf("%s ±%dms (%d sources)\n",
				time.UnixMilli(res.NetworkTimeMs).UTC().Format(time.RFC3339Nano),
				res.UncertaintyMs, res.SourceCount)
		}
		if !periodic {
			break
		}
		time.Sleep(10 * time.Second)
	}
}

func runNow(configFile string) {
	log := slog.Default()

	cfg := loadConfig(configFile)
	gateway := createGateway(cfg, log)
	if gateway == nil {
		logbase.Fatal(log, "persist_state must be enabled for the now command")
	}
	mclk, err := clocks.NewMonotonicClock(log)
	if err != nil {
		logbase.Fatal(log, "failed to create monotonic clock", slog.Any("error", err))
	}

	snap, err := gateway.Load()
	if err != nil {
		logbase.Fatal(log, "no usable persisted anchor", slog.Any("error", err))
	}
	uptime := mclk.UptimeMillis()
	if uptime < snap.UptimeAtSyncMs {
		logbase.Fatal(log, "persisted anchor predates a reboot")
	}
	now := uptime - snap.UptimeAtSyncMs + snap.ServerEpochMs
	fmt.Printf("%s ±%dms\n",
		time.UnixMilli(now).UTC().Format(time.RFC3339Nano), snap.DriftMs)
}

func runBenchmark(configFile string, profileCPU bool) {
	log := slog.Default()

	cfg := loadConfig(configFile)
	engineCfg := engineConfig(cfg)

	resolver := createResolver(engineCfg, resolverMode(cfg.ResolverMode), log)

	if profileCPU {
		defer profile.Start(profile.CPUProfile).Stop()
	}
	benchmark.RunResolverBenchmark(resolver, 8, 100, log)
}

func exitWithUsage() {
	fmt.Println("<usage>")
	os.Exit(1)
}

func main() {
	var (
		quiet      bool
		verbose    bool
		configFile string
		profileCPU bool
		periodic   bool
	)

	infoFlags := flag.NewFlagSet("info", flag.ExitOnError)
	serviceFlags := flag.NewFlagSet("service", flag.ExitOnError)
	toolFlags := flag.NewFlagSet("tool", flag.ExitOnError)
	nowFlags := flag.NewFlagSet("now", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)

	serviceFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	serviceFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	serviceFlags.StringVar(&configFile, "config", "", "Config file")

	toolFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	toolFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	toolFlags.StringVar(&configFile, "config", "", "Config file")
	toolFlags.BoolVar(&periodic, "periodic", false, "Perform periodic resolutions")

	nowFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	nowFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	nowFlags.StringVar(&configFile, "config", "", "Config file")

	benchmarkFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.StringVar(&configFile, "config", "", "Config file")
	benchmarkFlags.BoolVar(&profileCPU, "profile", false, "Write CPU profile")

	logLevel := func() int {
		if quiet && verbose {
			exitWithUsage()
		}
		if quiet {
			return logLevelQuiet
		}
		if verbose {
			return logLevelVerbose
		}
		return logLevelDefault
	}

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case infoFlags.Name():
		err := infoFlags.Parse(os.Args[2:])
		if err != nil || infoFlags.NArg() != 0 {
			exitWithUsage()
		}
		showInfo()
	case serviceFlags.Name():
		err := serviceFlags.Parse(os.Args[2:])
		if err != nil || serviceFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(logLevel())
		runService(configFile)
	case toolFlags.Name():
		err := toolFlags.Parse(os.Args[2:])
		if err != nil || toolFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(logLevel())
		runTool(configFile, periodic)
	case nowFlags.Name():
		err := nowFlags.Parse(os.Args[2:])
		if err != nil || nowFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(logLevel())
		runNow(configFile)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(logLevel())
		runBenchmark(configFile, profileCPU)
	default:
		exitWithUsage()
	}
}
