package wwansup

import (
	"context"

	"github.com/wwansup/wwansup/qmi"
	"github.com/wwansup/wwansup/qmi/dms"
	"github.com/wwansup/wwansup/qmi/wds"
)

type modem struct {
	transport *qmi.Transport
	device    *dms.Service
}

// NewModem adapts a QMI transport into the supervisor's modem surface.
// The DMS identity cache lives here so it survives iterations.
func NewModem(t *qmi.Transport) Modem {
	return &modem{transport: t, device: dms.New()}
}

func (m *modem) AttachDMS(ctx context.Context) (DeviceService, error) {
	if err := m.device.Attach(ctx, m.transport); err != nil {
		return nil, err
	}
	return m.device, nil
}

func (m *modem) AttachWDS(family wds.Family) (DataSession, error) {
	return wds.Attach(m.transport, family)
}
