package qmi

import (
	"encoding/binary"
	"fmt"
)

// ServiceType identifies a QMI service multiplexed over the QMUX link.
type ServiceType uint8

const (
	ServiceCTL       ServiceType = 0x00
	ServiceWDS       ServiceType = 0x01
	ServiceDMS       ServiceType = 0x02
	ServiceVendorDMS ServiceType = 0xF0
)

func (s ServiceType) String() string {
	switch s {
	case ServiceCTL:
		return "CTL"
	case ServiceWDS:
		return "WDS"
	case ServiceDMS:
		return "DMS"
	case ServiceVendorDMS:
		return "VendorDMS"
	default:
		return fmt.Sprintf("Service(0x%02x)", uint8(s))
	}
}

// Message control flags in the transaction header.
const (
	FlagRequest    uint8 = 0x00
	FlagResponse   uint8 = 0x02
	FlagIndication uint8 = 0x04
)

const qmuxIfType = 0x01

// TLV is a single type-length-value element of a QMI message payload.
type TLV struct {
	Type  uint8
	Value []byte
}

func (t TLV) U8() (uint8, error) {
	if len(t.Value) < 1 {
		return 0, fmt.Errorf("%w: TLV 0x%02x too short for u8", ErrProtocol, t.Type)
	}
	return t.Value[0], nil
}

func (t TLV) U16() (uint16, error) {
	if len(t.Value) < 2 {
		return 0, fmt.Errorf("%w: TLV 0x%02x too short for u16", ErrProtocol, t.Type)
	}
	return binary.LittleEndian.Uint16(t.Value), nil
}

func (t TLV) U32() (uint32, error) {
	if len(t.Value) < 4 {
		return 0, fmt.Errorf("%w: TLV 0x%02x too short for u32", ErrProtocol, t.Type)
	}
	return binary.LittleEndian.Uint32(t.Value), nil
}

func U8TLV(typ, v uint8) TLV {
	return TLV{Type: typ, Value: []byte{v}}
}

func U16TLV(typ uint8, v uint16) TLV {
	value := make([]byte, 2)
	binary.LittleEndian.PutUint16(value, v)
	return TLV{Type: typ, Value: value}
}

func U32TLV(typ uint8, v uint32) TLV {
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, v)
	return TLV{Type: typ, Value: value}
}

func BytesTLV(typ uint8, v []byte) TLV {
	return TLV{Type: typ, Value: v}
}

// Message is one decoded QMI service data unit, request or response or
// indication, together with its QMUX addressing.
type Message struct {
	Service ServiceType
	Client  uint8
	Flags   uint8
	TxID    uint16
	ID      uint16
	TLVs    []TLV
}

// TLV returns the first TLV of the given type, or nil if absent.
func (m *Message) TLV(typ uint8) *TLV {
	for i := range m.TLVs {
		if m.TLVs[i].Type == typ {
			return &m.TLVs[i]
		}
	}
	return nil
}

// Encode serializes the message as a QMUX frame. CTL transactions carry
// a one byte transaction id; every other service carries two.
func Encode(m *Message) []byte {
	payload := 0
	for _, tlv := range m.TLVs {
		payload += 3 + len(tlv.Value)
	}

	txLen := 2
	if m.Service == ServiceCTL {
		txLen = 1
	}

	// i/f type + QMUX header + transaction header + message header + TLVs
	frame := make([]byte, 0, 6+1+txLen+4+payload)
	frame = append(frame, qmuxIfType)

	length := uint16(5 + 1 + txLen + 4 + payload)
	frame = binary.LittleEndian.AppendUint16(frame, length)

	ctrl := uint8(0x00)
	if m.Flags != FlagRequest {
		ctrl = 0x80
	}
	frame = append(frame, ctrl, uint8(m.Service), m.Client)

	frame = append(frame, m.Flags)
	if m.Service == ServiceCTL {
		frame = append(frame, uint8(m.TxID))
	} else {
		frame = binary.LittleEndian.AppendUint16(frame, m.TxID)
	}

	frame = binary.LittleEndian.AppendUint16(frame, m.ID)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(payload))

	for _, tlv := range m.TLVs {
		frame = append(frame, tlv.Type)
		frame = binary.LittleEndian.AppendUint16(frame, uint16(len(tlv.Value)))
		frame = append(frame, tlv.Value...)
	}

	return frame
}

// Decode parses one QMUX frame into a Message.
func Decode(frame []byte) (*Message, error) {
	if len(frame) < 6 {
		return nil, fmt.Errorf("%w: short QMUX frame (%d bytes)", ErrProtocol, len(frame))
	}

	if frame[0] != qmuxIfType {
		return nil, fmt.Errorf("%w: unexpected i/f type 0x%02x", ErrProtocol, frame[0])
	}

	length := binary.LittleEndian.Uint16(frame[1:3])
	if int(length)+1 > len(frame) {
		return nil, fmt.Errorf("%w: truncated QMUX frame", ErrProtocol)
	}

	m := &Message{
		Service: ServiceType(frame[4]),
		Client:  frame[5],
	}

	sdu := frame[6 : length+1]
	if len(sdu) < 1 {
		return nil, fmt.Errorf("%w: missing transaction header", ErrProtocol)
	}

	m.Flags = sdu[0]
	sdu = sdu[1:]

	if m.Service == ServiceCTL {
		if len(sdu) < 1 {
			return nil, fmt.Errorf("%w: missing CTL transaction id", ErrProtocol)
		}
		m.TxID = uint16(sdu[0])
		sdu = sdu[1:]
	} else {
		if len(sdu) < 2 {
			return nil, fmt.Errorf("%w: missing transaction id", ErrProtocol)
		}
		m.TxID = binary.LittleEndian.Uint16(sdu)
		sdu = sdu[2:]
	}

	if len(sdu) < 4 {
		return nil, fmt.Errorf("%w: missing message header", ErrProtocol)
	}

	m.ID = binary.LittleEndian.Uint16(sdu)
	payload := binary.LittleEndian.Uint16(sdu[2:])
	sdu = sdu[4:]

	if int(payload) > len(sdu) {
		return nil, fmt.Errorf("%w: truncated message payload", ErrProtocol)
	}
	sdu = sdu[:payload]

	for len(sdu) > 0 {
		if len(sdu) < 3 {
			return nil, fmt.Errorf("%w: truncated TLV header", ErrProtocol)
		}

		typ := sdu[0]
		vlen := binary.LittleEndian.Uint16(sdu[1:3])
		sdu = sdu[3:]

		if int(vlen) > len(sdu) {
			return nil, fmt.Errorf("%w: truncated TLV 0x%02x", ErrProtocol, typ)
		}

		m.TLVs = append(m.TLVs, TLV{Type: typ, Value: sdu[:vlen]})
		sdu = sdu[vlen:]
	}

	return m, nil
}
