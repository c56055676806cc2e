// Package firewall registers a runtime firewalld exception for the port the
// active carrier listens on, the Linux analogue of the original's Windows
// Firewall COM dance in add_self_to_firewall: best-effort, logged on
// failure, never fatal to daemon startup.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	service        = "org.fedoraproject.FirewallD1"
	objectPath     = "/org/fedoraproject/FirewallD1"
	zoneIface      = "org.fedoraproject.FirewallD1.zone"
	addPortMethod  = zoneIface + ".addPort"
	callTimeout    = 5 * time.Second
	// defaultZone asks firewalld to use whichever zone is currently
	// active rather than naming one explicitly.
	defaultZone = ""
)

// ErrNotRunning means no firewalld is reachable on the system bus.
var ErrNotRunning = errors.New("firewall: firewalld is not running on the system bus")

// caller is the slice of dbus.BusObject this package actually uses, narrow
// enough that tests can substitute a fake without a real system bus.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// dialObject connects to the system bus and returns the firewalld zone
// object plus a cleanup func. Replaced in tests.
var dialObject = func() (caller, func(), error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	return conn.Object(service, objectPath), func() { _ = conn.Close() }, nil
}

// Config describes the exception to request.
type Config struct {
	// Port is the UDP port the active carrier listens on.
	Port uint16
	// Protocol is the transport protocol of Port ("udp" for every carrier
	// this daemon currently ships).
	Protocol string
	Logger   *slog.Logger
}

// RegisterException asks firewalld to open Port for the lifetime of the
// current runtime configuration (timeout 0, cleared on firewalld reload or
// system restart, matching a regular, unprivileged "let me through while
// I'm running" request rather than a permanent rule).
//
// Failures are returned to the caller but are not meant to abort startup:
// the daemon still functions without the exception, just as the original
// kept running when add_self_to_firewall failed.
func RegisterException(ctx context.Context, cfg Config) error {
	logger := cfg.Logger.With(slog.String("component", "firewall"))

	obj, closeConn, err := dialObject()
	if err != nil {
		return err
	}
	defer closeConn()

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	call := obj.CallWithContext(callCtx, addPortMethod, 0,
		defaultZone, strconv.Itoa(int(cfg.Port)), cfg.Protocol, 0)
	if call.Err != nil {
		return fmt.Errorf("firewall: addPort(%d/%s): %w", cfg.Port, cfg.Protocol, call.Err)
	}

	logger.Info("registered firewalld exception",
		slog.Int("port", int(cfg.Port)), slog.String("protocol", cfg.Protocol))
	return nil
}
