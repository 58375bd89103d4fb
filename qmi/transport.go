package qmi

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/wwansup/wwansup/log"
	"go.uber.org/atomic"
)

// DevicePath is the QMI control node exposed by the MHI WWAN driver.
const DevicePath = "/dev/wwan0qmi0"

// DefaultTimeout bounds every synchronous request.
const DefaultTimeout = 10 * time.Second

const (
	ctlMsgAllocateCID = 0x0022
	ctlMsgReleaseCID  = 0x0023
)

const broadcastClient = 0xFF

// IndicationFunc receives unsolicited service messages. It is invoked
// on the transport's reader goroutine; implementations must not call
// back into the transport and should do no more than flag state for
// the main loop.
type IndicationFunc func(*Message)

type clientKey struct {
	service ServiceType
	id      uint8
}

type pendingKey struct {
	service ServiceType
	id      uint8
	tx      uint16
}

// Transport multiplexes QMI service clients over the modem control
// device. One exists per process; it is opened before any service is
// attached and closed after every service has been detached.
type Transport struct {
	dev io.ReadWriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	clients map[clientKey]*Client
	pending map[pendingKey]chan *Message

	closed     chan struct{}
	readerDone chan struct{}

	ctl *Client
}

// Open opens the modem control device in direct interface mode.
func Open() (*Transport, error) {
	dev, err := os.OpenFile(DevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTransport, DevicePath, err)
	}
	return newTransport(dev), nil
}

func newTransport(dev io.ReadWriteCloser) *Transport {
	t := &Transport{
		dev:        dev,
		clients:    make(map[clientKey]*Client),
		pending:    make(map[pendingKey]chan *Message),
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	t.ctl = &Client{transport: t, service: ServiceCTL}
	t.clients[clientKey{ServiceCTL, 0}] = t.ctl

	go t.reader()
	return t
}

// Attach allocates a client id for the given service and registers its
// indication callback, which may be nil.
func (t *Transport) Attach(service ServiceType, fn IndicationFunc) (*Client, error) {
	resp, err := t.ctl.Invoke(context.Background(), ctlMsgAllocateCID,
		U8TLV(0x01, uint8(service)))
	if err != nil {
		return nil, fmt.Errorf("allocate %s client id: %w", service, err)
	}

	tlv := resp.TLV(0x01)
	if tlv == nil || len(tlv.Value) < 2 {
		return nil, fmt.Errorf("%w: allocation response missing client id", ErrProtocol)
	}
	if ServiceType(tlv.Value[0]) != service {
		return nil, fmt.Errorf("%w: allocated id for service 0x%02x, wanted %s",
			ErrProtocol, tlv.Value[0], service)
	}

	c := &Client{
		transport: t,
		service:   service,
		id:        tlv.Value[1],
		indicate:  fn,
	}

	t.mu.Lock()
	t.clients[clientKey{service, c.id}] = c
	t.mu.Unlock()

	log.Debugf("Attached %s service client: CID=%d", service, c.id)
	return c, nil
}

// Close shuts the transport down. Every attached service client must
// already have been closed; a remaining client is a programmer error
// and is reported, not recovered.
func (t *Transport) Close() error {
	t.mu.Lock()
	remaining := len(t.clients) - 1
	t.mu.Unlock()
	if remaining > 0 {
		log.Warnf("Closing QMI transport with %d service clients still attached", remaining)
	}

	close(t.closed)
	err := t.dev.Close()
	<-t.readerDone

	if err != nil {
		return fmt.Errorf("%w: close device: %v", ErrTransport, err)
	}
	return nil
}

func (t *Transport) reader() {
	defer close(t.readerDone)

	buf := make([]byte, 8192)
	for {
		n, err := t.dev.Read(buf)
		if err != nil {
			select {
			case <-t.closed:
			default:
				log.Errorf("QMI transport read failed: %v", err)
			}
			return
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		m, err := Decode(frame)
		if err != nil {
			log.Warnf("Dropping undecodable QMUX frame: %v", err)
			continue
		}

		t.dispatch(m)
	}
}

func (t *Transport) dispatch(m *Message) {
	if m.Flags&FlagIndication != 0 {
		t.mu.Lock()
		var targets []*Client
		if m.Client == broadcastClient {
			for key, c := range t.clients {
				if key.service == m.Service && c.indicate != nil {
					targets = append(targets, c)
				}
			}
		} else if c := t.clients[clientKey{m.Service, m.Client}]; c != nil && c.indicate != nil {
			targets = append(targets, c)
		}
		t.mu.Unlock()

		if len(targets) == 0 {
			log.Debugf("Unhandled %s indication: MessageID=0x%04x", m.Service, m.ID)
			return
		}
		for _, c := range targets {
			c.indicate(m)
		}
		return
	}

	key := pendingKey{m.Service, m.Client, m.TxID}
	t.mu.Lock()
	ch := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()

	if ch == nil {
		log.Debugf("Stray %s response: MessageID=0x%04x TX=%d", m.Service, m.ID, m.TxID)
		return
	}
	ch <- m
}

func (t *Transport) send(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.dev.Write(frame); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// Client is one service attachment on the transport.
type Client struct {
	transport *Transport
	service   ServiceType
	id        uint8
	indicate  IndicationFunc
	tx        atomic.Uint32
}

// Service returns the QMI service this client is attached to.
func (c *Client) Service() ServiceType {
	return c.service
}

// ID returns the allocated client id.
func (c *Client) ID() uint8 {
	return c.id
}

func (c *Client) nextTx() uint16 {
	for {
		tx := uint16(c.tx.Inc())
		if c.service == ServiceCTL {
			tx &= 0xFF
		}
		if tx != 0 {
			return tx
		}
	}
}

// Invoke performs one synchronous request and decodes the mandatory
// result TLV. The response is returned even when the result carries an
// error so callers can log diagnostic TLVs. With no deadline on ctx the
// default request timeout applies.
func (c *Client) Invoke(ctx context.Context, msgID uint16, tlvs ...TLV) (*Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	tx := c.nextTx()
	frame := Encode(&Message{
		Service: c.service,
		Client:  c.id,
		Flags:   FlagRequest,
		TxID:    tx,
		ID:      msgID,
		TLVs:    tlvs,
	})

	key := pendingKey{c.service, c.id, tx}
	ch := make(chan *Message, 1)

	t := c.transport
	t.mu.Lock()
	t.pending[key] = ch
	t.mu.Unlock()

	if err := t.send(frame); err != nil {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case m := <-ch:
		return m, resultError(m)
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: request 0x%04x: %v", ErrTransport, msgID, ctx.Err())
	case <-t.closed:
		return nil, fmt.Errorf("%w: transport closed", ErrTransport)
	}
}

// Close releases the client id and unregisters the indication callback.
func (c *Client) Close() error {
	t := c.transport
	t.mu.Lock()
	delete(t.clients, clientKey{c.service, c.id})
	t.mu.Unlock()

	_, err := t.ctl.Invoke(context.Background(), ctlMsgReleaseCID,
		BytesTLV(0x01, []byte{uint8(c.service), c.id}))
	if err != nil {
		return fmt.Errorf("release %s client id %d: %w", c.service, c.id, err)
	}
	return nil
}
