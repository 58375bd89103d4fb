package qmi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeServiceMessage(t *testing.T) {
	in := &Message{
		Service: ServiceWDS,
		Client:  7,
		Flags:   FlagRequest,
		TxID:    0x0102,
		ID:      0x0020,
		TLVs: []TLV{
			U8TLV(0x31, 3),
			U32TLV(0x01, 0xDEADBEEF),
		},
	}

	out, err := Decode(Encode(in))
	require.NoError(t, err)

	assert.Equal(t, ServiceWDS, out.Service)
	assert.Equal(t, uint8(7), out.Client)
	assert.Equal(t, uint16(0x0102), out.TxID)
	assert.Equal(t, uint16(0x0020), out.ID)
	require.Len(t, out.TLVs, 2)

	profile, err := out.TLV(0x31).U8()
	require.NoError(t, err)
	assert.Equal(t, uint8(3), profile)

	sid, err := out.TLV(0x01).U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), sid)
}

func TestEncodeDecodeCTLMessage(t *testing.T) {
	in := &Message{
		Service: ServiceCTL,
		Flags:   FlagRequest,
		TxID:    0x42,
		ID:      ctlMsgAllocateCID,
		TLVs:    []TLV{U8TLV(0x01, uint8(ServiceDMS))},
	}

	out, err := Decode(Encode(in))
	require.NoError(t, err)

	assert.Equal(t, ServiceCTL, out.Service)
	assert.Equal(t, uint16(0x42), out.TxID)
	assert.Equal(t, uint16(ctlMsgAllocateCID), out.ID)
}

func TestDecodeRejectsTruncatedFrames(t *testing.T) {
	frame := Encode(&Message{
		Service: ServiceWDS,
		Client:  1,
		TxID:    1,
		ID:      0x0022,
		TLVs:    []TLV{U16TLV(0x10, 7)},
	})

	for _, cut := range []int{1, 5, 8, len(frame) - 1} {
		_, err := Decode(frame[:cut])
		assert.ErrorIs(t, err, ErrProtocol, "cut at %d", cut)
	}
}

func TestDecodeRejectsWrongInterfaceType(t *testing.T) {
	frame := Encode(&Message{Service: ServiceDMS, Client: 1, TxID: 1, ID: 0x002D})
	frame[0] = 0x02

	_, err := Decode(frame)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestTLVAccessors(t *testing.T) {
	m := &Message{TLVs: []TLV{U16TLV(0x10, 0x1234)}}

	require.NotNil(t, m.TLV(0x10))
	assert.Nil(t, m.TLV(0x11))

	v, err := m.TLV(0x10).U16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v)

	_, err = m.TLV(0x10).U32()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestResultError(t *testing.T) {
	success := &Message{TLVs: []TLV{BytesTLV(tlvResult, []byte{0, 0, 0, 0})}}
	assert.NoError(t, resultError(success))

	noEffect := &Message{TLVs: []TLV{BytesTLV(tlvResult, []byte{1, 0, 26, 0})}}
	assert.ErrorIs(t, resultError(noEffect), ErrNoEffect)

	refused := &Message{TLVs: []TLV{BytesTLV(tlvResult, []byte{1, 0, 14, 0})}}
	err := resultError(refused)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, uint16(14), qerr.Code)

	missing := &Message{ID: 0x0020}
	assert.ErrorIs(t, resultError(missing), ErrProtocol)
}
