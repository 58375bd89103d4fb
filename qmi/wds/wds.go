// Package wds drives the modem's Wireless Data Service: one packet
// data session per address family, plus the autoconnect configuration
// surface used before any session exists.
package wds

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"

	"github.com/wwansup/wwansup/log"
	"github.com/wwansup/wwansup/qmi"
	"go.uber.org/atomic"
)

const (
	msgStartNetwork         = 0x0020
	msgStopNetwork          = 0x0021
	msgGetPacketServiceStat = 0x0022
	msgGetRuntimeSettings   = 0x002D
	msgGetAutoconnect       = 0x0034
	msgSetIPFamilyPref      = 0x004D
	msgSetAutoconnect       = 0x0051
)

const (
	tlvSessionID          = 0x01
	tlvCallEndReason      = 0x10
	tlvVerboseEndReason   = 0x11
	tlvRequestedSettings  = 0x10
	tlvIPv4Address        = 0x1E
	tlvIPv4Gateway        = 0x20
	tlvIPv4SubnetMask     = 0x21
	tlvIPv6Address        = 0x25
	tlvIPv6Gateway        = 0x26
	tlvProfileIndex3GPP   = 0x31
	tlvAutoconnectSetting = 0x01
	tlvAutoconnectRoam    = 0x10
	tlvIPFamilyPref       = 0x01
)

// Address and gateway information only.
const runtimeSettingsMask = 0x0300

// Family selects the address family a session is bound to. The wire
// values double as the IP family preference encoding.
type Family uint8

const (
	FamilyUnspecified Family = 0
	FamilyV4          Family = 4
	FamilyV6          Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "IPv4"
	case FamilyV6:
		return "IPv6"
	default:
		return "unspecified"
	}
}

type AutoconnectSetting uint8

const (
	AutoconnectDisabled AutoconnectSetting = 0
	AutoconnectEnabled  AutoconnectSetting = 1
	AutoconnectPaused   AutoconnectSetting = 2

	AutoconnectInvalid AutoconnectSetting = 0xFF
)

type AutoconnectRoamSetting uint8

const (
	RoamAlways   AutoconnectRoamSetting = 0
	RoamHomeOnly AutoconnectRoamSetting = 1

	RoamInvalid AutoconnectRoamSetting = 0xFF
)

// RuntimeSettings carries the address attributes of an active session.
type RuntimeSettings struct {
	Family         Family
	Address        netip.Addr
	Gateway        netip.Addr
	PrefixLength   int
	AddressPresent bool
	GatewayPresent bool
}

// SessionError is a start-session refusal, optionally carrying the
// modem's failure-reason diagnostics.
type SessionError struct {
	Err error

	ReasonPresent bool
	Reason        uint16

	VerbosePresent bool
	VerboseType    uint16
	VerboseReason  uint16
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("wds: start session: %v", e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// conn is the slice of a qmi.Client the session uses.
type conn interface {
	Invoke(ctx context.Context, msgID uint16, tlvs ...qmi.TLV) (*qmi.Message, error)
	Close() error
}

// Attacher is the transport surface needed to bring a session up.
type Attacher interface {
	Attach(service qmi.ServiceType, fn qmi.IndicationFunc) (*qmi.Client, error)
}

// Session is one family-bound WDS attachment. The teardown flag is the
// only field the transport's indication goroutine writes; the session
// id is stored atomically because the indication handler reads it to
// tell a live session from a dormant one.
type Session struct {
	conn   conn
	Family Family

	sessionID atomic.Uint32
	profileID uint32
	teardown  atomic.Bool

	LastSettings RuntimeSettings
}

// Attach registers a WDS client whose packet-service-status indications
// are bound to the returned session.
func Attach(t Attacher, family Family) (*Session, error) {
	s := &Session{Family: family}

	c, err := t.Attach(qmi.ServiceWDS, s.handleIndication)
	if err != nil {
		return nil, fmt.Errorf("attach WDS (%s): %w", family, err)
	}

	s.conn = c
	return s, nil
}

// SessionID returns the live session id, zero when no session exists.
func (s *Session) SessionID() uint32 {
	return s.sessionID.Load()
}

// TeardownRequested reports whether the indication handler has asked
// the main loop to tear the session down. Monotonic per session.
func (s *Session) TeardownRequested() bool {
	return s.teardown.Load()
}

// GetAutoconnectSettings queries the current autoconnect and roaming
// configuration. Absent fields come back as the Invalid values.
func (s *Session) GetAutoconnectSettings(ctx context.Context) (AutoconnectSetting, AutoconnectRoamSetting, error) {
	resp, err := s.conn.Invoke(ctx, msgGetAutoconnect)
	if err != nil {
		return AutoconnectInvalid, RoamInvalid, err
	}

	setting := AutoconnectInvalid
	if tlv := resp.TLV(tlvAutoconnectSetting); tlv != nil {
		v, err := tlv.U8()
		if err != nil {
			return AutoconnectInvalid, RoamInvalid, err
		}
		setting = AutoconnectSetting(v)
	}

	roam := RoamInvalid
	if tlv := resp.TLV(tlvAutoconnectRoam); tlv != nil {
		v, err := tlv.U8()
		if err != nil {
			return setting, RoamInvalid, err
		}
		roam = AutoconnectRoamSetting(v)
	}

	return setting, roam, nil
}

// SetAutoconnectSettings writes the autoconnect configuration, unless
// the modem already reports both requested values, in which case no
// write is issued.
func (s *Session) SetAutoconnectSettings(ctx context.Context, setting AutoconnectSetting, roam AutoconnectRoamSetting) error {
	current, currentRoam, err := s.GetAutoconnectSettings(ctx)
	if err != nil {
		return err
	}

	if current == setting && currentRoam == roam {
		return nil
	}

	_, err = s.conn.Invoke(ctx, msgSetAutoconnect,
		qmi.U8TLV(tlvAutoconnectSetting, uint8(setting)),
		qmi.U8TLV(tlvAutoconnectRoam, uint8(roam)))
	return err
}

// SetIPFamilyPreference binds the client to the session's family.
func (s *Session) SetIPFamilyPreference(ctx context.Context) error {
	_, err := s.conn.Invoke(ctx, msgSetIPFamilyPref,
		qmi.U8TLV(tlvIPFamilyPref, uint8(s.Family)))
	return err
}

// StartDataSession starts a packet session on the given 3GPP profile.
// The returned session id is required; its absence is a protocol
// violation. Failure-reason TLVs are decoded into the returned
// *SessionError when the modem refuses the session.
func (s *Session) StartDataSession(ctx context.Context, profile uint32) error {
	s.sessionID.Store(0)
	s.profileID = profile

	resp, err := s.conn.Invoke(ctx, msgStartNetwork,
		qmi.U8TLV(tlvProfileIndex3GPP, uint8(profile)))
	if err != nil {
		serr := &SessionError{Err: err}
		if resp != nil {
			decodeEndReasons(resp, serr)
		}
		return serr
	}

	tlv := resp.TLV(tlvSessionID)
	if tlv == nil {
		return fmt.Errorf("%w: start session response missing session id", qmi.ErrProtocol)
	}
	id, err := tlv.U32()
	if err != nil {
		return err
	}
	s.sessionID.Store(id)

	// The modem can attach failure diagnostics even to a session it
	// granted; keep them visible.
	var diag SessionError
	decodeEndReasons(resp, &diag)
	if diag.ReasonPresent || diag.VerbosePresent {
		log.Warnf("Data session started with diagnostics: "+
			"FailureReason=%d, VerboseFailureReasonType=%d, VerboseFailureReason=%d",
			diag.Reason, diag.VerboseType, diag.VerboseReason)
	}

	return nil
}

func decodeEndReasons(m *qmi.Message, serr *SessionError) {
	if tlv := m.TLV(tlvCallEndReason); tlv != nil {
		if v, err := tlv.U16(); err == nil {
			serr.ReasonPresent = true
			serr.Reason = v
		}
	}
	if tlv := m.TLV(tlvVerboseEndReason); tlv != nil && len(tlv.Value) >= 4 {
		serr.VerbosePresent = true
		serr.VerboseType, _ = qmi.TLV{Value: tlv.Value[:2]}.U16()
		serr.VerboseReason, _ = qmi.TLV{Value: tlv.Value[2:]}.U16()
	}
}

// StopDataSession stops the session recorded by StartDataSession. A
// "no effect" result means the session was already gone and counts as
// success.
func (s *Session) StopDataSession(ctx context.Context) error {
	_, err := s.conn.Invoke(ctx, msgStopNetwork,
		qmi.U32TLV(tlvSessionID, s.sessionID.Load()))
	if err != nil {
		if errors.Is(err, qmi.ErrNoEffect) {
			log.Debugf("Stopping the %s data session had no effect", s.Family)
			s.sessionID.Store(0)
			return nil
		}
		return err
	}

	s.sessionID.Store(0)
	return nil
}

// GetRuntimeSettings fetches the session's address and gateway. Fields
// belonging to the other family are ignored. For IPv4 the prefix length
// is derived from the subnet mask's trailing zero bits; for IPv6 the
// address and gateway each carry one, and the address's value wins on
// disagreement.
func (s *Session) GetRuntimeSettings(ctx context.Context) (RuntimeSettings, error) {
	settings := RuntimeSettings{Family: s.Family}

	resp, err := s.conn.Invoke(ctx, msgGetRuntimeSettings,
		qmi.U32TLV(tlvRequestedSettings, runtimeSettingsMask))
	if err != nil {
		return settings, err
	}

	switch s.Family {
	case FamilyV4:
		s.decodeV4Settings(resp, &settings)
	case FamilyV6:
		s.decodeV6Settings(resp, &settings)
	}

	s.LastSettings = settings
	return settings, nil
}

func (s *Session) decodeV4Settings(resp *qmi.Message, settings *RuntimeSettings) {
	if tlv := resp.TLV(tlvIPv4Address); tlv != nil {
		if v, err := tlv.U32(); err == nil {
			settings.Address = v4Addr(v)
			settings.AddressPresent = true
		}
	}

	gw := resp.TLV(tlvIPv4Gateway)
	mask := resp.TLV(tlvIPv4SubnetMask)
	if gw == nil || mask == nil {
		return
	}

	gwV, gwErr := gw.U32()
	maskV, maskErr := mask.U32()
	if gwErr != nil || maskErr != nil {
		return
	}

	settings.Gateway = v4Addr(gwV)
	settings.GatewayPresent = true
	settings.PrefixLength = V4PrefixLength(maskV)
}

func (s *Session) decodeV6Settings(resp *qmi.Message, settings *RuntimeSettings) {
	if tlv := resp.TLV(tlvIPv6Address); tlv != nil && len(tlv.Value) >= 17 {
		settings.Address = netip.AddrFrom16([16]byte(tlv.Value[:16]))
		settings.AddressPresent = true
		settings.PrefixLength = int(tlv.Value[16])
	}

	if tlv := resp.TLV(tlvIPv6Gateway); tlv != nil && len(tlv.Value) >= 17 {
		settings.Gateway = netip.AddrFrom16([16]byte(tlv.Value[:16]))
		settings.GatewayPresent = true

		gwPrefix := int(tlv.Value[16])
		if settings.PrefixLength != 0 && settings.PrefixLength != gwPrefix {
			log.Warnf("IPv6 prefix length for address and gateway differ? (/%d /%d)",
				settings.PrefixLength, gwPrefix)
		} else {
			settings.PrefixLength = gwPrefix
		}
	}
}

// V4PrefixLength derives a prefix length from a subnet mask by counting
// trailing zero bits. The count is authoritative even for a mask with
// holes.
func V4PrefixLength(mask uint32) int {
	return 32 - bits.TrailingZeros32(mask)
}

func v4Addr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// GetSessionState queries the current packet service connection status.
func (s *Session) GetSessionState(ctx context.Context) (ConnectionStatus, error) {
	resp, err := s.conn.Invoke(ctx, msgGetPacketServiceStat)
	if err != nil {
		return 0, err
	}

	tlv := resp.TLV(tlvConnectionStatus)
	if tlv == nil {
		return 0, fmt.Errorf("%w: session state response missing connection status", qmi.ErrProtocol)
	}
	v, err := tlv.U8()
	if err != nil {
		return 0, err
	}
	return ConnectionStatus(v), nil
}

// Detach releases the WDS client.
func (s *Session) Detach() error {
	return s.conn.Close()
}
