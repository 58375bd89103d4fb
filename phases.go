package wwansup

import (
	"context"
	"errors"
	"fmt"

	"github.com/wwansup/wwansup/log"
	"github.com/wwansup/wwansup/qmi/wds"
)

const (
	probeInterval    = 30
	maxProbeFailures = 3
)

// configureAutoconnect turns firmware autoconnect off before the first
// iteration: this daemon asserts control over bring-up sequencing and
// refuses to race the firmware.
func (s *Supervisor) configureAutoconnect(ctx context.Context) error {
	session, err := s.modem.AttachWDS(wds.FamilyUnspecified)
	if err != nil {
		log.Warn("Failed to initialize the WDS service for setup")
		return err
	}

	err = session.SetAutoconnectSettings(ctx, wds.AutoconnectDisabled, wds.RoamHomeOnly)
	if err != nil {
		log.Warn("Failed to set WDS autoconnect settings")
	}

	if derr := session.Detach(); derr != nil {
		log.Warn("Failed to shutdown the WDS service after setup")
		err = derr
	}

	return err
}

// startSession binds the session's family preference and starts the
// data session, logging any failure reasons the modem attaches.
func (s *Supervisor) startSession(ctx context.Context, session DataSession) error {
	if err := session.SetIPFamilyPreference(ctx); err != nil {
		log.Warn("Failed to set IP family preference")
		return err
	}

	err := session.StartDataSession(ctx, profile3GPPVZWInternet)
	if err == nil {
		return nil
	}

	var serr *wds.SessionError
	if errors.As(err, &serr) {
		switch {
		case serr.VerbosePresent && serr.ReasonPresent:
			log.Warnf("Failed to start a data session: "+
				"VerboseFailureReasonType=%d, VerboseFailureReason=%d, FailureReason=%d",
				serr.VerboseType, serr.VerboseReason, serr.Reason)
		case serr.VerbosePresent:
			log.Warnf("Failed to start a data session: "+
				"VerboseFailureReasonType=%d, VerboseFailureReason=%d",
				serr.VerboseType, serr.VerboseReason)
		case serr.ReasonPresent:
			log.Warnf("Failed to start a data session: FailureReason=%d", serr.Reason)
		}
	}

	return err
}

// runUpIPv6 attaches the v6 session, brings it up, and recurses into
// the v4 bring-up. The session handle never outlives this function.
func (s *Supervisor) runUpIPv6(ctx context.Context) error {
	v6, err := s.modem.AttachWDS(wds.FamilyV6)
	if err != nil {
		log.Warn("Failed to initialize the IPv6 WDS service object")
		s.exitRequested.Store(true)
		return err
	}

	err = s.bringUpV6(ctx, v6)

	if derr := v6.Detach(); derr != nil {
		log.Warn("Failed to shutdown the IPv6 WDS service object")
		s.exitRequested.Store(true)
		err = derr
	}

	return err
}

func (s *Supervisor) bringUpV6(ctx context.Context, v6 DataSession) error {
	if err := s.startSession(ctx, v6); err != nil {
		// No exit: the signal is likely too weak.
		log.Warnf("Failed to start the IPv6 data session: %v", err)
		return err
	}

	log.Infof("Started IPv6 data session: SID=0x%x", v6.SessionID())

	err := s.runV6Configured(ctx, v6)

	// A session the peer already ended raises "no effect" on stop;
	// that is not an error.
	if serr := v6.StopDataSession(ctx); serr != nil {
		log.Warnf("Failed to stop the IPv6 data session: %v", serr)
		s.exitRequested.Store(true)
		err = serr
	}

	return err
}

func (s *Supervisor) runV6Configured(ctx context.Context, v6 DataSession) error {
	settings, err := v6.GetRuntimeSettings(ctx)
	if err != nil {
		log.Warn("Failed to get initial IPv6 runtime settings")
		return err
	}

	if !settings.AddressPresent || !settings.GatewayPresent {
		log.Warn("Missing IPv6 address/gateway in settings?")
		return fmt.Errorf("incomplete IPv6 runtime settings")
	}

	if err := s.applyV6Settings(settings); err != nil {
		log.Warn("Failed to apply IPv6 configuration to the host")
		s.exitRequested.Store(true)
		return err
	}

	return s.runUpIPv4(ctx, v6)
}

func (s *Supervisor) applyV6Settings(settings wds.RuntimeSettings) error {
	log.Infof("Applying IPv6 Configuration: address=%s/%d, gateway=%s",
		settings.Address, settings.PrefixLength, settings.Gateway)

	if err := s.host.AddV6Address(settings.Address, settings.PrefixLength); err != nil {
		return err
	}
	return s.host.ChangeV6DefaultGateway(settings.Address, settings.Gateway)
}

// runUpIPv4 is runUpIPv6's inner counterpart; with both sessions up it
// starts the dependent services and enters monitoring.
func (s *Supervisor) runUpIPv4(ctx context.Context, v6 DataSession) error {
	v4, err := s.modem.AttachWDS(wds.FamilyV4)
	if err != nil {
		log.Warn("Failed to initialize the IPv4 WDS service object")
		s.exitRequested.Store(true)
		return err
	}

	err = s.bringUpV4(ctx, v4, v6)

	if derr := v4.Detach(); derr != nil {
		log.Warn("Failed to shutdown the IPv4 WDS service object")
		s.exitRequested.Store(true)
		err = derr
	}

	return err
}

func (s *Supervisor) bringUpV4(ctx context.Context, v4, v6 DataSession) error {
	if err := s.startSession(ctx, v4); err != nil {
		// No exit: the signal is likely too weak.
		log.Warnf("Failed to start the IPv4 data session: %v", err)
		return err
	}

	log.Infof("Started IPv4 data session: SID=0x%x", v4.SessionID())

	err := s.runV4Configured(ctx, v4, v6)

	if serr := v4.StopDataSession(ctx); serr != nil {
		log.Warnf("Failed to stop the IPv4 data session: %v", serr)
		s.exitRequested.Store(true)
		err = serr
	}

	return err
}

func (s *Supervisor) runV4Configured(ctx context.Context, v4, v6 DataSession) error {
	settings, err := v4.GetRuntimeSettings(ctx)
	if err != nil {
		log.Warn("Failed to get initial IPv4 runtime settings")
		return err
	}

	if !settings.AddressPresent || !settings.GatewayPresent {
		log.Warn("Missing IPv4 address/gateway in settings?")
		return fmt.Errorf("incomplete IPv4 runtime settings")
	}

	log.Infof("Applying IPv4 Configuration: address=%s/%d, gateway=%s",
		settings.Address, settings.PrefixLength, settings.Gateway)

	if err := s.host.EnsureV4ConfigurationApplied(settings.Address,
		settings.PrefixLength, settings.Gateway); err != nil {
		log.Warn("Failed to apply IPv4 configuration to the host")
		s.exitRequested.Store(true)
		return err
	}

	if err := s.bus.StartUnit(ctx, unitUnbound); err != nil {
		log.Warn("Failed to start unbound after modem up")
		s.exitRequested.Store(true)
		return err
	}

	if err := s.setupTunnel(); err != nil {
		// Do not request an exit: a broken tunnel usually means we
		// cannot route right now, and restarting the modem should
		// fix it.
		log.Warnf("Failed to bring up the Wireguard interface: %v", err)
		return err
	}

	if err := s.bus.StartUnit(ctx, unitChrony); err != nil {
		log.Warn("Failed to start chrony after modem up")
		s.exitRequested.Store(true)
		return err
	}

	return s.monitor(ctx, v4, v6)
}

func (s *Supervisor) setupTunnel() error {
	if err := s.tunnelConfig(); err != nil {
		return err
	}
	if err := s.host.EnsureTunnelState(true); err != nil {
		return err
	}
	return s.host.EnsureTunnelRoutes()
}

// monitor sleeps in one-second quanta until an exit is requested or
// either session asks for teardown. The connectivity probe runs every
// probeInterval ticks; persistent failure restarts the connection but
// never exits the daemon.
func (s *Supervisor) monitor(ctx context.Context, v4, v6 DataSession) error {
	ticks, probeFailures := 0, 0

	for !s.exitRequested.Load() && !v4.TeardownRequested() && !v6.TeardownRequested() {
		s.sleep(s.monitorTick)
		ticks++

		if s.prober == nil || ticks%probeInterval != 0 {
			continue
		}

		if err := s.prober.Check(ctx); err != nil {
			probeFailures++
			log.Warnf("Connectivity probe failed (%d/%d): %v",
				probeFailures, maxProbeFailures, err)
			if probeFailures >= maxProbeFailures {
				log.Warn("Name resolution is broken; restarting the connection")
				return nil
			}
			continue
		}
		probeFailures = 0
	}

	log.Info("Stopping the connection supervisor due to external request")
	return nil
}
