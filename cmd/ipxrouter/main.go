// ipxrouter is the IPX/SPX emulation daemon: it owns the socket registry,
// the single dispatch loop, and whichever one of the three carriers
// (IPX-over-UDP, raw Ethernet, DOSBox relay) the configuration selects.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/solemn-relay/goipx/internal/addrcache"
	"github.com/solemn-relay/goipx/internal/addrtable"
	"github.com/solemn-relay/goipx/internal/carrier/dosbox"
	"github.com/solemn-relay/goipx/internal/carrier/ethernet"
	"github.com/solemn-relay/goipx/internal/carrier/udp"
	"github.com/solemn-relay/goipx/internal/config"
	"github.com/solemn-relay/goipx/internal/firewall"
	"github.com/solemn-relay/goipx/internal/frame"
	"github.com/solemn-relay/goipx/internal/iface"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/ipxsock"
	"github.com/solemn-relay/goipx/internal/metrics"
	"github.com/solemn-relay/goipx/internal/router"
	appversion "github.com/solemn-relay/goipx/internal/version"
)

// shutdownTimeout bounds how long the metrics server is given to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// tableRefreshInterval is how often the cross-process socket-number table
// is stamped for this PID and swept for entries of dead processes.
const tableRefreshInterval = addrtable.DefaultExpiry / 2

// ifaceMetricsInterval is how often the interface cache's current count is
// pushed to the InterfacesActive gauge.
const ifaceMetricsInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("ipxrouter starting",
		slog.String("version", appversion.Version),
		slog.String("carrier", cfg.Carrier.Encap),
		slog.String("metrics_addr", cfg.Metrics.Addr))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if err := runDaemon(cfg, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("ipxrouter exited with error", slog.Any("error", err))
		return 1
	}

	logger.Info("ipxrouter stopped")
	return 0
}

// runDaemon builds the carrier, socket registry, and dispatch loop named by
// cfg, then runs every background goroutine under a signal-aware errgroup
// until shutdown.
func runDaemon(
	cfg *config.Config,
	collector *metrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	car, addrCache, err := buildCarrier(cfg, collector, logger)
	if err != nil {
		return fmt.Errorf("build carrier: %w", err)
	}
	defer func() {
		if err := car.Close(); err != nil {
			logger.Warn("error closing carrier", slog.Any("error", err))
		}
	}()

	table := addrtable.New(addrtable.DefaultPath(), logger)
	defer func() {
		if err := table.Close(); err != nil {
			logger.Warn("error closing address table", slog.Any("error", err))
		}
	}()

	registry := ipxsock.NewRegistry(ipxsock.Config{
		Ifaces:  car.Ifaces(),
		Table:   table,
		Sender:  adaptSender(car),
		Metrics: collector,
		W95Bug:  cfg.Carrier.W95Bug,
		Logger:  logger,
		Ready:   carrierReadiness(car),
	})

	rtr := router.New(buildRouterConfig(cfg, car, addrCache, registry, collector, logger))
	car.AttachRouter(rtr)

	if cfg.Carrier.FWExcept && cfg.Carrier.Encap == "udp" {
		if err := firewall.RegisterException(ctx, firewall.Config{
			Port: cfg.Carrier.UDPPort, Protocol: "udp", Logger: logger,
		}); err != nil {
			logger.Warn("firewall exception registration failed", slog.Any("error", err))
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return car.Run(gCtx) })

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error { return runWatchdog(gCtx, logger) })
	g.Go(func() error { return runTableRefresh(gCtx, table, logger) })
	g.Go(func() error { return runIfaceMetrics(gCtx, car.Ifaces(), cfg.Carrier.Encap, collector) })

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Carrier construction
// -------------------------------------------------------------------------

// carrier is the common shape every transport in internal/carrier/*
// implements; ipxrouter only ever wires one at a time, whichever
// cfg.Carrier.Encap names.
type carrier interface {
	Ifaces() *iface.Cache
	AttachRouter(r *router.Router)
	Run(ctx context.Context) error
	Close() error
	Send(ptype uint8, src, dst router.Address, payload []byte) error
}

// carrierReadiness returns the active carrier's readiness signal, if it has
// one. Only the dosbox carrier assigns its network/node asynchronously
// (after the relay's registration handshake completes); udp and ethernet
// build their interface list synchronously in New and report ready
// immediately, so they leave the socket registry's Ready unset.
func carrierReadiness(car carrier) <-chan struct{} {
	type readinessReporter interface {
		Ready() <-chan struct{}
	}
	if rr, ok := car.(readinessReporter); ok {
		return rr.Ready()
	}
	return nil
}

// buildCarrier constructs the configured transport and returns it along
// with the address cache shared with the router (nil for carriers with no
// notion of an IP-based peer, or that deliberately never learn peers from
// received traffic).
func buildCarrier(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (carrier, *addrcache.Cache, error) {
	switch cfg.Carrier.Encap {
	case "udp":
		netNum, err := ipxaddr.ParseNet(cfg.Carrier.NetNum)
		if err != nil {
			return nil, nil, fmt.Errorf("parse carrier.netnum: %w", err)
		}
		cache := addrcache.New(addrcache.DefaultTTL)
		c, err := udp.New(udp.Config{
			Port:      cfg.Carrier.UDPPort,
			W95Bug:    cfg.Carrier.W95Bug,
			Net:       netNum,
			AddrCache: cache,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, cache, nil

	case "ethernet":
		netNum, err := ipxaddr.ParseNet(cfg.Carrier.NetNum)
		if err != nil {
			return nil, nil, fmt.Errorf("parse carrier.netnum: %w", err)
		}
		ft, err := frameTypeFromConfig(cfg.Carrier.Frame)
		if err != nil {
			return nil, nil, err
		}
		c, err := ethernet.New(ethernet.Config{
			Net:        netNum,
			FrameType:  ft,
			Interfaces: cfg.Carrier.Interfaces,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil

	case "dosbox":
		addr, err := resolveDOSBoxAddr(cfg.DOSBox.ServerAddr, cfg.DOSBox.ServerPort)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve dosbox.server_addr: %w", err)
		}
		c, err := dosbox.New(dosbox.Config{
			ServerAddr:      addr,
			Coalesce:        cfg.DOSBox.Coalesce,
			CoalesceMetrics: collector,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown carrier.encap %q", cfg.Carrier.Encap)
	}
}

// buildRouterConfig attaches the carrier-specific router collaborators:
// only the udp carrier learns addresses and validates source subnets (it
// shares its own address cache with the router so a learned peer is
// immediately visible to its own send path); the dosbox carrier
// deliberately gets no address cache (it never populates one on receive,
// matching the relay protocol's original behavior), and the ethernet
// carrier has no notion of an IP source to validate or reply to.
func buildRouterConfig(cfg *config.Config, car carrier, addrCache *addrcache.Cache, registry *ipxsock.Registry, collector *metrics.Collector, logger *slog.Logger) router.Config {
	rc := router.Config{
		Dispatcher: &registryDispatcher{reg: registry},
		Metrics:    collector,
		Carrier:    cfg.Carrier.Encap,
		Logger:     logger,
	}

	switch c := car.(type) {
	case *udp.Carrier:
		rc.AddrCache = addrCache
		rc.Validate = c.ValidateSource
		rc.Reply = c.Reply
	case *dosbox.Carrier:
		rc.Reply = c.Reply
	}

	return rc
}

// adaptSender bridges ipxsock.Sender (ipxsock.Address) to the carrier's
// Send (router.Address): the two packages intentionally define distinct,
// field-identical address structs to avoid an import cycle between them.
func adaptSender(car carrier) ipxsock.Sender {
	return func(ptype uint8, src, dst ipxsock.Address, payload []byte) error {
		return car.Send(ptype, toRouterAddr(src), toRouterAddr(dst), payload)
	}
}

// registryDispatcher adapts *ipxsock.Registry to router.Dispatcher, since
// router.Address/Inbound and ipxsock.Address/Inbound are deliberately
// distinct types that avoid an import cycle between the two packages.
type registryDispatcher struct {
	reg *ipxsock.Registry
}

func (d *registryDispatcher) Dispatch(in router.Inbound) int {
	return d.reg.Dispatch(ipxsock.Inbound{
		PacketType: in.PacketType,
		Src:        toSockAddr(in.Src),
		Dst:        toSockAddr(in.Dst),
		Payload:    in.Payload,
	})
}

func (d *registryDispatcher) FindSPXListener(query router.Address) (uint16, bool) {
	return d.reg.FindSPXListener(toSockAddr(query))
}

func toRouterAddr(a ipxsock.Address) router.Address {
	return router.Address{Net: a.Net, Node: a.Node, Socket: a.Socket}
}

func toSockAddr(a router.Address) ipxsock.Address {
	return ipxsock.Address{Net: a.Net, Node: a.Node, Socket: a.Socket}
}

func frameTypeFromConfig(s string) (frame.Type, error) {
	switch s {
	case "ethernet_ii":
		return frame.EthernetII, nil
	case "novell_raw":
		return frame.NovellRaw, nil
	case "llc":
		return frame.LLC, nil
	default:
		return 0, fmt.Errorf("unknown carrier.frame_type %q", s)
	}
}

// resolveDOSBoxAddr resolves the relay's configured host (IP literal or
// hostname) and port into a netip.AddrPort.
func resolveDOSBoxAddr(host string, port uint16) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr, port), nil
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("lookup %s: %w", host, err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("lookup %s: no addresses found", host)
	}
	addr, err := netip.ParseAddr(ips[0])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse resolved address %s: %w", ips[0], err)
	}
	return netip.AddrPortFrom(addr, port), nil
}

// -------------------------------------------------------------------------
// Systemd integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.Any("error", err))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.Any("error", err))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.Any("error", err))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tick := interval / 2
	logger.Info("systemd watchdog enabled", slog.Duration("watchdog_sec", interval), slog.Duration("keepalive_interval", tick))

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.Any("error", err))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Background maintenance goroutines
// -------------------------------------------------------------------------

// runTableRefresh periodically stamps this process's entries in the
// cross-process socket-number table and sweeps stale ones left behind by a
// process that crashed without closing its sockets.
func runTableRefresh(ctx context.Context, table *addrtable.Table, logger *slog.Logger) error {
	pid := int64(os.Getpid())
	ticker := time.NewTicker(tableRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			table.Refresh(pid, addrtable.DefaultExpiry)
		}
	}
}

// runIfaceMetrics periodically publishes the carrier's current interface
// count to the InterfacesActive gauge.
func runIfaceMetrics(ctx context.Context, ifaces *iface.Cache, carrierLabel string, collector *metrics.Collector) error {
	ticker := time.NewTicker(ifaceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := ifaces.Count()
			if err != nil {
				continue
			}
			collector.SetInterfacesActive(carrierLabel, n)
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload — log level only; there is no other live-reloadable state.
// -------------------------------------------------------------------------

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.Any("error", err))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()))
}

// -------------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// HTTP / config / logging setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
