package dms

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwansup/wwansup/qmi"
)

type fakeConn struct {
	handler  func(msgID uint16, tlvs []qmi.TLV) (*qmi.Message, error)
	invoked  []uint16
	closed   int
	closeErr error
}

func (f *fakeConn) Invoke(_ context.Context, msgID uint16, tlvs ...qmi.TLV) (*qmi.Message, error) {
	f.invoked = append(f.invoked, msgID)
	return f.handler(msgID, tlvs)
}

func (f *fakeConn) Close() error {
	f.closed++
	return f.closeErr
}

func powerResponse(mode OperationMode, hardwareControlled bool) *qmi.Message {
	m := &qmi.Message{ID: msgGetOperatingMode, TLVs: []qmi.TLV{
		qmi.U8TLV(tlvOperatingMode, uint8(mode)),
	}}
	if hardwareControlled {
		m.TLVs = append(m.TLVs, qmi.U8TLV(tlvHardwareRestricted, 1))
	}
	return m
}

func countOf(invoked []uint16, msgID uint16) int {
	n := 0
	for _, id := range invoked {
		if id == msgID {
			n++
		}
	}
	return n
}

func TestGetPower(t *testing.T) {
	f := &fakeConn{handler: func(msgID uint16, _ []qmi.TLV) (*qmi.Message, error) {
		return powerResponse(ModeLowPower, true), nil
	}}
	s := &Service{dms: f}

	mode, hardwareControlled, err := s.GetPower(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeLowPower, mode)
	assert.True(t, hardwareControlled)
}

func TestGetPowerMissingModeIsInvalid(t *testing.T) {
	f := &fakeConn{handler: func(msgID uint16, _ []qmi.TLV) (*qmi.Message, error) {
		return &qmi.Message{ID: msgGetOperatingMode}, nil
	}}
	s := &Service{dms: f}

	mode, _, err := s.GetPower(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeInvalid, mode)
}

func TestSetPowerSkipsWriteWhenAlreadyInMode(t *testing.T) {
	f := &fakeConn{handler: func(msgID uint16, _ []qmi.TLV) (*qmi.Message, error) {
		return powerResponse(ModeOnline, false), nil
	}}
	s := &Service{dms: f}

	mode, err := s.SetPower(context.Background(), ModeOnline)
	require.NoError(t, err)
	assert.Equal(t, ModeOnline, mode)
	assert.Zero(t, countOf(f.invoked, msgSetOperatingMode))
}

func TestSetPowerSkipsWriteWhenHardwareControlled(t *testing.T) {
	f := &fakeConn{handler: func(msgID uint16, _ []qmi.TLV) (*qmi.Message, error) {
		return powerResponse(ModeLowPower, true), nil
	}}
	s := &Service{dms: f}

	mode, err := s.SetPower(context.Background(), ModeOnline)
	require.NoError(t, err)
	assert.Equal(t, ModeLowPower, mode)
	assert.Zero(t, countOf(f.invoked, msgSetOperatingMode))
}

func TestSetPowerWritesAndReadsBack(t *testing.T) {
	mode := ModeOffline
	f := &fakeConn{}
	f.handler = func(msgID uint16, tlvs []qmi.TLV) (*qmi.Message, error) {
		switch msgID {
		case msgGetOperatingMode:
			return powerResponse(mode, false), nil
		case msgSetOperatingMode:
			requested, err := qmi.TLV{Value: tlvs[0].Value}.U8()
			require.NoError(t, err)
			mode = OperationMode(requested)
			return &qmi.Message{ID: msgID}, nil
		}
		t.Fatalf("unexpected message 0x%04x", msgID)
		return nil, nil
	}
	s := &Service{dms: f}

	got, err := s.SetPower(context.Background(), ModeOnline)
	require.NoError(t, err)
	assert.Equal(t, ModeOnline, got)
	assert.Equal(t, 1, countOf(f.invoked, msgSetOperatingMode))
}

func TestSetPowerReadbackMismatchFails(t *testing.T) {
	f := &fakeConn{}
	f.handler = func(msgID uint16, _ []qmi.TLV) (*qmi.Message, error) {
		switch msgID {
		case msgGetOperatingMode:
			return powerResponse(ModeOffline, false), nil
		default:
			return &qmi.Message{ID: msgID}, nil
		}
	}
	s := &Service{dms: f}

	got, err := s.SetPower(context.Background(), ModeOnline)
	assert.ErrorIs(t, err, qmi.ErrProtocol)
	assert.Equal(t, ModeOffline, got)
}

func TestDetachClosesBothServices(t *testing.T) {
	vendor := &fakeConn{closeErr: errors.New("vendor close failed")}
	main := &fakeConn{closeErr: errors.New("dms close failed")}
	s := &Service{vendor: vendor, dms: main, modelID: "EM9191"}

	err := s.Detach(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dms close failed")
	assert.Equal(t, 1, vendor.closed)
	assert.Equal(t, 1, main.closed)
	assert.Equal(t, "EM9191", s.ModelID())
}

func TestDetachDropsCacheOnRequest(t *testing.T) {
	s := &Service{vendor: &fakeConn{}, dms: &fakeConn{}, modelID: "EM9191"}

	require.NoError(t, s.Detach(true))
	assert.Empty(t, s.ModelID())
}
