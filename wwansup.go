// Package wwansup supervises a dual-stack WWAN data connection: it
// drives the modem through power-on and per-family packet session
// bring-up, mirrors the resulting addressing into the kernel, manages
// the WireGuard tunnel and the DNS/NTP services that depend on the
// connection, and tears everything down to a known state on any fault.
package wwansup

import (
	"context"
	"net/netip"
	"time"

	"github.com/wwansup/wwansup/log"
	"github.com/wwansup/wwansup/qmi/dms"
	"github.com/wwansup/wwansup/qmi/wds"
	"github.com/wwansup/wwansup/svcbus"
	"go.uber.org/atomic"
)

// The single carrier profile this daemon brings up.
const profile3GPPVZWInternet = 3

const (
	unitChrony  = "chrony.service"
	unitUnbound = "unbound.service"
)

const (
	defaultRetryDelay  = 10 * time.Second
	defaultMonitorTick = time.Second
)

// HostNet is the kernel-state surface the supervisor drives.
type HostNet interface {
	ReloadLinkCache() error
	EnsureWWANState(up bool) error
	EnsureTunnelState(up bool) error
	FlushAddresses() error
	AddV6Address(addr netip.Addr, prefix int) error
	ChangeV6DefaultGateway(src, gateway netip.Addr) error
	EnsureV4ConfigurationApplied(addr netip.Addr, prefix int, gateway netip.Addr) error
	EnsureTunnelRoutes() error
}

// ServiceBus starts and stops the host services the daemon owns.
type ServiceBus interface {
	StartUnit(ctx context.Context, unit string) error
	StopUnit(ctx context.Context, unit string) error
}

// DeviceService is the slice of the DMS service the supervisor uses.
type DeviceService interface {
	SetPower(ctx context.Context, mode dms.OperationMode) (dms.OperationMode, error)
	Detach(dropCache bool) error
}

// DataSession is one family-bound WDS packet session.
type DataSession interface {
	SetAutoconnectSettings(ctx context.Context, setting wds.AutoconnectSetting, roam wds.AutoconnectRoamSetting) error
	SetIPFamilyPreference(ctx context.Context) error
	StartDataSession(ctx context.Context, profile uint32) error
	StopDataSession(ctx context.Context) error
	GetRuntimeSettings(ctx context.Context) (wds.RuntimeSettings, error)
	SessionID() uint32
	TeardownRequested() bool
	Detach() error
}

// Modem hands out service attachments on the control transport.
type Modem interface {
	AttachDMS(ctx context.Context) (DeviceService, error)
	AttachWDS(family wds.Family) (DataSession, error)
}

// Prober checks that the connection actually resolves names once the
// resolver is running.
type Prober interface {
	Check(ctx context.Context) error
}

// Config carries the supervisor's collaborators.
type Config struct {
	Host  HostNet
	Bus   ServiceBus
	Modem Modem

	// TunnelConfig loads the WireGuard configuration; defaults to
	// running the wg tool.
	TunnelConfig func() error

	// Prober, when set, is consulted during monitoring.
	Prober Prober
}

// Supervisor owns the connection state machine. All collaborator
// handles are touched from the goroutine running Run; the only state
// shared with other goroutines is the exit flag and the per-session
// teardown flags.
type Supervisor struct {
	host         HostNet
	bus          ServiceBus
	modem        Modem
	tunnelConfig func() error
	prober       Prober

	exitRequested atomic.Bool

	retryDelay  time.Duration
	monitorTick time.Duration
	sleep       func(time.Duration)
}

// New returns a supervisor over the given collaborators.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		host:         cfg.Host,
		bus:          cfg.Bus,
		modem:        cfg.Modem,
		tunnelConfig: cfg.TunnelConfig,
		prober:       cfg.Prober,
		retryDelay:   defaultRetryDelay,
		monitorTick:  defaultMonitorTick,
		sleep:        time.Sleep,
	}
	if s.tunnelConfig == nil {
		s.tunnelConfig = svcbus.RunTunnelConfig
	}
	return s
}

// RequestExit asks the supervisor to shut down at its next cooperative
// check. Safe to call from a signal handler goroutine.
func (s *Supervisor) RequestExit() {
	s.exitRequested.Store(true)
}

// Run drives the connection until an exit is requested or an
// unrecoverable fault occurs. Cancelling ctx requests an exit.
func (s *Supervisor) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.RequestExit()
		case <-done:
		}
	}()

	err := s.supervise(ctx)

	// Leave the wwan interface unaddressed and down regardless of how
	// the loop ended.
	if ferr := s.shutdownHostInterface(); ferr != nil {
		log.Error(ferr)
		log.Warn("Failed to shutdown the WWAN host interface")
	}

	return err
}

func (s *Supervisor) shutdownHostInterface() error {
	if err := s.host.FlushAddresses(); err != nil {
		return err
	}
	if err := s.host.ReloadLinkCache(); err != nil {
		return err
	}
	return s.host.EnsureWWANState(false)
}

// supervise is the one-shot prelude plus the outer recovery loop. Each
// iteration resets the wwan host interface and the modem services from
// scratch, so a failed iteration doubles as the reset mechanism.
func (s *Supervisor) supervise(ctx context.Context) error {
	// The tunnel link starts down; it comes up only once a session is
	// routing.
	if err := s.host.EnsureTunnelState(false); err != nil {
		log.Warn("Failed to put down the Wireguard interface")
		return err
	}

	if err := s.configureAutoconnect(ctx); err != nil {
		return err
	}

	var err error
	for !s.exitRequested.Load() {
		err = s.runIteration(ctx)

		// Rate-limit futile modem operations: a failed bring-up
		// upsets some network operators.
		if !s.exitRequested.Load() {
			s.sleep(s.retryDelay)
		}
	}

	return err
}

// runIteration is one pass of the outer loop: host preparation, modem
// power-on, session bring-up via runUpIPv6, and ordered teardown.
func (s *Supervisor) runIteration(ctx context.Context) error {
	if err := s.host.ReloadLinkCache(); err != nil {
		log.Warn("Failed to reload the netlink link cache")
		s.exitRequested.Store(true)
		return err
	}

	// Stop chrony and unbound before bringing up the connection:
	// either certain carriers or the modem get upset about UDP
	// traffic sourced during bring-up. Stopping unbound also flushes
	// its cache, so a post-bring-up query is a real connectivity
	// signal.
	if err := s.bus.StopUnit(ctx, unitChrony); err != nil {
		log.Warn("Failed to stop chrony before starting up")
		s.exitRequested.Store(true)
		return err
	}

	if err := s.bus.StopUnit(ctx, unitUnbound); err != nil {
		log.Warn("Failed to stop unbound before starting up")
		s.exitRequested.Store(true)
		return err
	}

	if err := s.host.EnsureWWANState(true); err != nil {
		log.Warn("Failed to bring up the WWAN host interface")
		s.exitRequested.Store(true)
		return err
	}

	if err := s.host.FlushAddresses(); err != nil {
		log.Warn("Failed to flush WWAN host interface addresses")
		s.exitRequested.Store(true)
		return err
	}

	device, err := s.modem.AttachDMS(ctx)
	if err != nil {
		log.Warn("Failed to initialize the DMS service object")
		s.exitRequested.Store(true)
		return err
	}

	err = s.bringOnlineAndRun(ctx, device)

	if derr := device.Detach(s.exitRequested.Load()); derr != nil {
		log.Warn("Failed to shutdown the DMS service object")
		s.exitRequested.Store(true)
		err = derr
	}

	// Put the wwan and tunnel links down to kill routing.
	if cerr := s.host.ReloadLinkCache(); cerr != nil {
		log.Warn("Failed to reload the netlink link cache")
		s.exitRequested.Store(true)
		return cerr
	}

	if cerr := s.host.EnsureWWANState(false); cerr != nil {
		log.Warn("Failed to put down the WWAN host interface")
		s.exitRequested.Store(true)
		return cerr
	}

	if cerr := s.host.EnsureTunnelState(false); cerr != nil {
		log.Warn("Failed to put down the Wireguard interface")
		s.exitRequested.Store(true)
		return cerr
	}

	// The daemon cannot guarantee a consistent host if service
	// management is broken, so a stop failure here ends the loop.
	if cerr := s.bus.StopUnit(ctx, unitChrony); cerr != nil {
		log.Warn("Failed to stop chrony when shutting down")
		s.exitRequested.Store(true)
		err = cerr
	}

	if cerr := s.bus.StopUnit(ctx, unitUnbound); cerr != nil {
		log.Warn("Failed to stop unbound when shutting down")
		s.exitRequested.Store(true)
		err = cerr
	}

	return err
}

func (s *Supervisor) bringOnlineAndRun(ctx context.Context, device DeviceService) error {
	mode, err := device.SetPower(ctx, dms.ModeOnline)
	if err != nil {
		log.Warn("Failed to query/adjust modem operating state")
		s.exitRequested.Store(true)
		return err
	}

	if mode != dms.ModeOnline {
		// Likely a hardware kill switch; retry the iteration rather
		// than fighting it.
		log.Warnf("Modem operating mode cannot be set to online (mode is %s)", mode)
		return dms.ErrModeRefused
	}

	return s.runUpIPv6(ctx)
}
