package qmi

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice scripts the modem side of the QMUX link.
type fakeDevice struct {
	mu      sync.Mutex
	respond func(m *Message) []*Message

	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeDevice(respond func(m *Message) []*Message) *fakeDevice {
	return &fakeDevice{
		respond:  respond,
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	select {
	case frame := <-d.incoming:
		return copy(p, frame), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	m, err := Decode(p)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	respond := d.respond
	d.mu.Unlock()

	if respond != nil {
		for _, r := range respond(m) {
			d.incoming <- Encode(r)
		}
	}
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) inject(m *Message) {
	d.incoming <- Encode(m)
}

func successTLV() TLV {
	return BytesTLV(tlvResult, []byte{0, 0, 0, 0})
}

func errorTLV(code uint16) TLV {
	return BytesTLV(tlvResult, []byte{1, 0, byte(code), byte(code >> 8)})
}

// ctlResponder allocates sequential client ids and acknowledges
// releases, delegating everything else to next.
func ctlResponder(next func(m *Message) []*Message) func(m *Message) []*Message {
	nextCID := uint8(0)
	return func(m *Message) []*Message {
		if m.Service != ServiceCTL {
			if next == nil {
				return nil
			}
			return next(m)
		}

		switch m.ID {
		case ctlMsgAllocateCID:
			svc, _ := m.TLV(0x01).U8()
			nextCID++
			return []*Message{{
				Service: ServiceCTL,
				Flags:   FlagResponse,
				TxID:    m.TxID,
				ID:      m.ID,
				TLVs:    []TLV{successTLV(), BytesTLV(0x01, []byte{svc, nextCID})},
			}}
		case ctlMsgReleaseCID:
			return []*Message{{
				Service: ServiceCTL,
				Flags:   FlagResponse,
				TxID:    m.TxID,
				ID:      m.ID,
				TLVs:    []TLV{successTLV()},
			}}
		}
		return nil
	}
}

func TestAttachAllocatesClientID(t *testing.T) {
	dev := newFakeDevice(ctlResponder(nil))
	tr := newTransport(dev)
	defer tr.Close()

	c, err := tr.Attach(ServiceWDS, nil)
	require.NoError(t, err)
	assert.Equal(t, ServiceWDS, c.Service())
	assert.Equal(t, uint8(1), c.ID())

	c2, err := tr.Attach(ServiceDMS, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), c2.ID())

	require.NoError(t, c.Close())
	require.NoError(t, c2.Close())
}

func TestInvokeDecodesResult(t *testing.T) {
	dev := newFakeDevice(ctlResponder(func(m *Message) []*Message {
		var result TLV
		switch m.ID {
		case 0x0021:
			result = errorTLV(26)
		case 0x0020:
			result = errorTLV(14)
		default:
			result = successTLV()
		}
		return []*Message{{
			Service: m.Service,
			Client:  m.Client,
			Flags:   FlagResponse,
			TxID:    m.TxID,
			ID:      m.ID,
			TLVs:    []TLV{result},
		}}
	}))
	tr := newTransport(dev)
	defer tr.Close()

	c, err := tr.Attach(ServiceWDS, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Invoke(context.Background(), 0x002D)
	assert.NoError(t, err)

	_, err = c.Invoke(context.Background(), 0x0021)
	assert.ErrorIs(t, err, ErrNoEffect)

	m, err := c.Invoke(context.Background(), 0x0020)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, uint16(14), qerr.Code)
	require.NotNil(t, m, "response must come back alongside a result error")
}

func TestInvokeTimesOut(t *testing.T) {
	dev := newFakeDevice(ctlResponder(func(m *Message) []*Message {
		return nil // swallow every service request
	}))
	tr := newTransport(dev)
	defer tr.Close()

	c, err := tr.Attach(ServiceWDS, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Invoke(ctx, 0x0022)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestIndicationDispatch(t *testing.T) {
	dev := newFakeDevice(ctlResponder(nil))
	tr := newTransport(dev)
	defer tr.Close()

	got := make(chan *Message, 1)
	c, err := tr.Attach(ServiceWDS, func(m *Message) { got <- m })
	require.NoError(t, err)
	defer c.Close()

	dev.inject(&Message{
		Service: ServiceWDS,
		Client:  c.ID(),
		Flags:   FlagIndication,
		ID:      0x0022,
		TLVs:    []TLV{BytesTLV(0x01, []byte{1, 0})},
	})

	select {
	case m := <-got:
		assert.Equal(t, uint16(0x0022), m.ID)
	case <-time.After(time.Second):
		t.Fatal("indication not delivered")
	}
}

func TestBroadcastIndicationReachesEveryClient(t *testing.T) {
	dev := newFakeDevice(ctlResponder(nil))
	tr := newTransport(dev)
	defer tr.Close()

	got := make(chan uint8, 2)
	for range 2 {
		c, err := tr.Attach(ServiceWDS, func(m *Message) { got <- m.Client })
		require.NoError(t, err)
		defer c.Close()
	}

	dev.inject(&Message{
		Service: ServiceWDS,
		Client:  broadcastClient,
		Flags:   FlagIndication,
		ID:      0x0022,
	})

	for range 2 {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("broadcast indication not delivered to every client")
		}
	}
}

func TestIndicationForUnknownClientIsDropped(t *testing.T) {
	dev := newFakeDevice(ctlResponder(nil))
	tr := newTransport(dev)
	defer tr.Close()

	dev.inject(&Message{
		Service: ServiceWDS,
		Client:  99,
		Flags:   FlagIndication,
		ID:      0x0022,
	})

	// Nothing to observe beyond the transport not wedging.
	c, err := tr.Attach(ServiceWDS, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
