package qmi

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol reports a malformed frame or a response missing a
	// required field.
	ErrProtocol = errors.New("qmi: protocol violation")

	// ErrTransport reports a send or receive failure below the QMI
	// protocol layer.
	ErrTransport = errors.New("qmi: transport failure")

	// ErrNoEffect is the modem's way of saying the request was already
	// satisfied. Call sites that tolerate it treat it as success.
	ErrNoEffect = errors.New("qmi: no effect")
)

// The result TLV carried by every QMI response.
const tlvResult = 0x02

const errorCodeNoEffect = 26

// Error is a nonzero QMI result carried in a response's result TLV.
type Error struct {
	Code uint16
}

func (e *Error) Error() string {
	return fmt.Sprintf("qmi: error %d", e.Code)
}

// resultError extracts the mandatory result TLV from a response and
// maps it onto the package error kinds.
func resultError(m *Message) error {
	tlv := m.TLV(tlvResult)
	if tlv == nil || len(tlv.Value) < 4 {
		return fmt.Errorf("%w: response 0x%04x missing result TLV", ErrProtocol, m.ID)
	}

	result, err := tlv.U16()
	if err != nil {
		return err
	}
	if result == 0 {
		return nil
	}

	code, err := TLV{Type: tlvResult, Value: tlv.Value[2:]}.U16()
	if err != nil {
		return err
	}
	if code == errorCodeNoEffect {
		return ErrNoEffect
	}
	return &Error{Code: code}
}
