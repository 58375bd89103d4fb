// Package dms drives the modem's Device Management Service: operating
// mode control and static device identity.
package dms

import (
	"context"
	"errors"
	"fmt"

	"github.com/wwansup/wwansup/log"
	"github.com/wwansup/wwansup/qmi"
)

const (
	msgGetModelID       = 0x0022
	msgGetOperatingMode = 0x002D
	msgSetOperatingMode = 0x002E
)

const (
	tlvOperatingMode      = 0x01
	tlvModelID            = 0x01
	tlvHardwareRestricted = 0x11
)

// ErrModeRefused reports that the modem would not adopt the requested
// operating mode.
var ErrModeRefused = errors.New("dms: operating mode refused")

// OperationMode is the modem's operating mode as reported by DMS.
type OperationMode uint8

const (
	ModeOnline OperationMode = iota
	ModeLowPower
	ModeFactoryTest
	ModeOffline
	ModeResetting
	ModePowerOff
	ModePersistentLowPower
	ModeOnlyLowPower

	ModeInvalid OperationMode = 0xFF
)

func (m OperationMode) String() string {
	modes := []string{
		"Online",
		"Low power (airplane) mode",
		"Factory test mode",
		"Offline",
		"Resetting",
		"Power off",
		"Persistent low power (airplane) mode",
		"Mode-only low power",
	}

	if int(m) >= len(modes) {
		return "Invalid"
	}
	return modes[m]
}

// conn is the slice of a qmi.Client the service uses.
type conn interface {
	Invoke(ctx context.Context, msgID uint16, tlvs ...qmi.TLV) (*qmi.Message, error)
	Close() error
}

// Attacher is the transport surface needed to bring the service up.
type Attacher interface {
	Attach(service qmi.ServiceType, fn qmi.IndicationFunc) (*qmi.Client, error)
}

// Service bundles the vendor DMS extension client and the DMS client
// proper. The zero value is detached; the cached model id survives
// detach/attach cycles until dropped.
type Service struct {
	vendor  conn
	dms     conn
	modelID string
}

func New() *Service {
	return &Service{}
}

// Attach brings both service clients up, vendor extension first, and
// fetches the model id on the first successful attach. Partial failures
// unwind whatever did attach.
func (s *Service) Attach(ctx context.Context, t Attacher) error {
	vendor, err := t.Attach(qmi.ServiceVendorDMS, nil)
	if err != nil {
		return fmt.Errorf("attach vendor DMS: %w", err)
	}

	// The firmware never raises vendor DMS indications; the DMS
	// callback is installed but ignores everything.
	dms, err := t.Attach(qmi.ServiceDMS, func(*qmi.Message) {})
	if err != nil {
		if cerr := vendor.Close(); cerr != nil {
			log.Error(cerr)
		}
		return fmt.Errorf("attach DMS: %w", err)
	}

	s.vendor, s.dms = vendor, dms

	if s.modelID == "" {
		id, err := s.getModelID(ctx)
		if err != nil {
			if derr := s.Detach(false); derr != nil {
				log.Error(derr)
			}
			return fmt.Errorf("fetch model id: %w", err)
		}
		s.modelID = id
		if id != "" {
			log.Infof("Modem model: %s", id)
		}
	}

	return nil
}

// ModelID returns the cached model identity, or "" when it has never
// been fetched.
func (s *Service) ModelID() string {
	return s.modelID
}

func (s *Service) getModelID(ctx context.Context) (string, error) {
	resp, err := s.dms.Invoke(ctx, msgGetModelID)
	if err != nil {
		return "", err
	}

	tlv := resp.TLV(tlvModelID)
	if tlv == nil {
		return "", nil
	}
	return string(tlv.Value), nil
}

// GetPower queries the current operating mode and whether the mode is
// under hardware control.
func (s *Service) GetPower(ctx context.Context) (OperationMode, bool, error) {
	resp, err := s.dms.Invoke(ctx, msgGetOperatingMode)
	if err != nil {
		return ModeInvalid, false, err
	}

	mode := ModeInvalid
	if tlv := resp.TLV(tlvOperatingMode); tlv != nil {
		v, err := tlv.U8()
		if err != nil {
			return ModeInvalid, false, err
		}
		mode = OperationMode(v)
	}

	hardwareControlled := false
	if tlv := resp.TLV(tlvHardwareRestricted); tlv != nil {
		v, err := tlv.U8()
		if err != nil {
			return mode, false, err
		}
		hardwareControlled = v != 0
	}

	return mode, hardwareControlled, nil
}

// SetPower drives the modem toward the requested operating mode. The
// write is skipped when the modem is already there or reports hardware
// control of the mode; in both cases the current mode is returned. A
// successful write is read back, and a disagreement is an error.
func (s *Service) SetPower(ctx context.Context, requested OperationMode) (OperationMode, error) {
	current, hardwareControlled, err := s.GetPower(ctx)
	if err != nil {
		return ModeInvalid, err
	}

	if current == requested || hardwareControlled {
		return current, nil
	}

	if _, err := s.dms.Invoke(ctx, msgSetOperatingMode,
		qmi.U8TLV(tlvOperatingMode, uint8(requested))); err != nil {
		return ModeInvalid, err
	}

	current, _, err = s.GetPower(ctx)
	if err != nil {
		return ModeInvalid, err
	}

	if current != requested {
		return current, fmt.Errorf("%w: mode is %s after requesting %s",
			qmi.ErrProtocol, current, requested)
	}
	return current, nil
}

// Detach closes both service clients, attempting both even if the
// first close fails; the last error wins. The cached model id is
// dropped iff dropCache.
func (s *Service) Detach(dropCache bool) error {
	if dropCache {
		s.modelID = ""
	}

	var err error
	if s.vendor != nil {
		err = s.vendor.Close()
		s.vendor = nil
	}
	if s.dms != nil {
		if cerr := s.dms.Close(); cerr != nil {
			err = cerr
		}
		s.dms = nil
	}
	return err
}
