// Package hostnet keeps the host's interface, address and routing
// state consistent with the modem's packet sessions. Every operation
// is idempotent and addressed by the two known link names.
package hostnet

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"github.com/wwansup/wwansup/log"
	"golang.org/x/sys/unix"
)

const (
	// WWANInterfaceName is the modem's host-side link.
	WWANInterfaceName = "mhi_hwip0"

	// TunnelInterfaceName is the WireGuard link.
	TunnelInterfaceName = "wg0"
)

// maxAddrs bounds one address enumeration; more addresses than this on
// the wwan interface is treated as a fatal inconsistency.
const maxAddrs = 126

var (
	tunnelGateway = netip.MustParseAddr("10.10.1.1")
	tunnelSelf    = netip.MustParseAddr("10.10.1.2")

	tunnelServiceTarget = netip.MustParsePrefix("10.10.2.2/32")
	tunnelOpsNetwork    = netip.MustParsePrefix("10.10.3.0/24")
)

// Manager owns a route socket and the resolved wwan and tunnel links.
type Manager struct {
	ops routeOps

	wwanLink    netlink.Link
	tunnelLink  netlink.Link
	wwanIndex   int
	tunnelIndex int
}

// New opens a route socket and resolves both links. Both must exist;
// the wwan link is looked up once per family and the two lookups must
// agree on the interface index.
func New() (*Manager, error) {
	h, err := netlink.NewHandle(unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("open route socket: %w", err)
	}

	m := &Manager{ops: &handleOps{h}}
	if err := m.resolveLinks(); err != nil {
		m.ops.Delete()
		return nil, err
	}
	return m, nil
}

func newWithOps(ops routeOps) (*Manager, error) {
	m := &Manager{ops: ops}
	if err := m.resolveLinks(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) resolveLinks() error {
	link4, err := m.ops.LinkByName(WWANInterfaceName)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", WWANInterfaceName, err)
	}

	link6, err := m.ops.LinkByName(WWANInterfaceName)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", WWANInterfaceName, err)
	}

	if link4.Attrs().Index != link6.Attrs().Index {
		return fmt.Errorf("%s ifindex mismatch (%d != %d)",
			WWANInterfaceName, link4.Attrs().Index, link6.Attrs().Index)
	}

	tunnel, err := m.ops.LinkByName(TunnelInterfaceName)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", TunnelInterfaceName, err)
	}

	m.wwanLink = link4
	m.wwanIndex = link4.Attrs().Index
	m.tunnelLink = tunnel
	m.tunnelIndex = tunnel.Attrs().Index
	return nil
}

// ReloadLinkCache re-resolves both links by name and re-pins the cached
// interface indexes. Fails if either interface disappeared or the wwan
// lookups diverge.
func (m *Manager) ReloadLinkCache() error {
	m.wwanLink, m.tunnelLink = nil, nil
	m.wwanIndex, m.tunnelIndex = 0, 0
	return m.resolveLinks()
}

func (m *Manager) ensureLinkState(name string, up bool) error {
	link, err := m.ops.LinkByName(name)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", name, err)
	}

	isUp := link.Attrs().Flags&net.FlagUp != 0
	if isUp == up {
		return nil
	}

	if up {
		err = m.ops.LinkSetUp(link)
	} else {
		err = m.ops.LinkSetDown(link)
	}
	if err != nil {
		return fmt.Errorf("change %s state: %w", name, err)
	}
	return nil
}

// EnsureWWANState puts the wwan link administratively up or down; a
// link already in the requested state produces no change request.
func (m *Manager) EnsureWWANState(up bool) error {
	return m.ensureLinkState(WWANInterfaceName, up)
}

// EnsureTunnelState is EnsureWWANState for the tunnel link.
func (m *Manager) EnsureTunnelState(up bool) error {
	return m.ensureLinkState(TunnelInterfaceName, up)
}

// AddV4Address adds addr/prefix to the wwan interface.
func (m *Manager) AddV4Address(addr netip.Addr, prefix int) error {
	a := &netlink.Addr{
		IPNet: &net.IPNet{IP: addr.AsSlice(), Mask: net.CIDRMask(prefix, 32)},
		Scope: unix.RT_SCOPE_UNIVERSE,
	}

	if err := m.ops.AddrAdd(m.wwanLink, a); err != nil {
		return fmt.Errorf("add %s/%d to %s: %w", addr, prefix, WWANInterfaceName, err)
	}
	return nil
}

// AddV6Address adds addr/prefix to the wwan interface.
func (m *Manager) AddV6Address(addr netip.Addr, prefix int) error {
	a := &netlink.Addr{
		IPNet: &net.IPNet{IP: addr.AsSlice(), Mask: net.CIDRMask(prefix, 128)},
		Scope: unix.RT_SCOPE_UNIVERSE,
	}

	if err := m.ops.AddrAdd(m.wwanLink, a); err != nil {
		return fmt.Errorf("add %s/%d to %s: %w", addr, prefix, WWANInterfaceName, err)
	}
	return nil
}

func (m *Manager) replaceDefaultRoute(family int, src, gateway netip.Addr) error {
	bitlen := 32
	if family == netlink.FAMILY_V6 {
		bitlen = 128
	}

	route := &netlink.Route{
		LinkIndex: m.wwanIndex,
		Dst:       &net.IPNet{IP: make(net.IP, bitlen/8), Mask: net.CIDRMask(0, bitlen)},
		Src:       src.AsSlice(),
		Gw:        gateway.AsSlice(),
		Protocol:  unix.RTPROT_STATIC,
		Table:     unix.RT_TABLE_MAIN,
		Scope:     netlink.SCOPE_UNIVERSE,
		Type:      unix.RTN_UNICAST,
	}

	if err := m.ops.RouteReplace(route); err != nil {
		return fmt.Errorf("replace default route via %s: %w", gateway, err)
	}
	return nil
}

// ChangeV4DefaultGateway installs (create-or-replace) the v4 default
// route through gateway on the wwan interface with the session address
// as preferred source.
func (m *Manager) ChangeV4DefaultGateway(src, gateway netip.Addr) error {
	return m.replaceDefaultRoute(netlink.FAMILY_V4, src, gateway)
}

// ChangeV6DefaultGateway is ChangeV4DefaultGateway for the v6 table.
func (m *Manager) ChangeV6DefaultGateway(src, gateway netip.Addr) error {
	return m.replaceDefaultRoute(netlink.FAMILY_V6, src, gateway)
}

func nonLinkScope(addrs []netlink.Addr) []netlink.Addr {
	var kept []netlink.Addr
	for _, a := range addrs {
		if a.Scope == unix.RT_SCOPE_LINK {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// EnsureV4ConfigurationApplied reconciles the wwan interface's v4
// addresses against exactly {addr/prefix}: every other non-link-scope
// address is deleted, the target is added if absent, and the default
// route is pointed at gateway.
func (m *Manager) EnsureV4ConfigurationApplied(addr netip.Addr, prefix int, gateway netip.Addr) error {
	addrs, err := m.ops.AddrList(m.wwanLink, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list %s addresses: %w", WWANInterfaceName, err)
	}

	addrs = nonLinkScope(addrs)
	if len(addrs) > maxAddrs {
		return fmt.Errorf("%s carries %d addresses (limit %d)",
			WWANInterfaceName, len(addrs), maxAddrs)
	}

	target := addr.AsSlice()
	found := false
	for i := range addrs {
		ones, _ := addrs[i].Mask.Size()
		if ones == prefix && addrs[i].IP.Equal(net.IP(target)) {
			found = true
			continue
		}
		if err := m.ops.AddrDel(m.wwanLink, &addrs[i]); err != nil {
			return fmt.Errorf("delete %s from %s: %w", addrs[i].IPNet, WWANInterfaceName, err)
		}
	}

	if !found {
		if err := m.AddV4Address(addr, prefix); err != nil {
			return err
		}
	}

	return m.ChangeV4DefaultGateway(addr, gateway)
}

// FlushAddresses removes every non-link-scope address, both families,
// from the wwan interface.
func (m *Manager) FlushAddresses() error {
	v4, err := m.ops.AddrList(m.wwanLink, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list %s addresses: %w", WWANInterfaceName, err)
	}

	v6, err := m.ops.AddrList(m.wwanLink, netlink.FAMILY_V6)
	if err != nil {
		return fmt.Errorf("list %s addresses: %w", WWANInterfaceName, err)
	}

	addrs := nonLinkScope(append(v4, v6...))
	if len(addrs) > maxAddrs {
		return fmt.Errorf("%s carries %d addresses (limit %d)",
			WWANInterfaceName, len(addrs), maxAddrs)
	}

	var lastErr error
	for i := range addrs {
		if err := m.ops.AddrDel(m.wwanLink, &addrs[i]); err != nil {
			log.Errorf("Failed to delete %s from %s: %v",
				addrs[i].IPNet, WWANInterfaceName, err)
			lastErr = err
		}
	}
	return lastErr
}

// EnsureTunnelRoutes installs the two static routes out of the tunnel
// link: the service target and the operations network, both via the
// tunnel gateway with the tunnel self address as preferred source.
func (m *Manager) EnsureTunnelRoutes() error {
	for _, dst := range []netip.Prefix{tunnelServiceTarget, tunnelOpsNetwork} {
		route := &netlink.Route{
			LinkIndex: m.tunnelIndex,
			Dst: &net.IPNet{
				IP:   dst.Addr().AsSlice(),
				Mask: net.CIDRMask(dst.Bits(), 32),
			},
			Src:      tunnelSelf.AsSlice(),
			Gw:       tunnelGateway.AsSlice(),
			Protocol: unix.RTPROT_STATIC,
			Table:    unix.RT_TABLE_MAIN,
			Scope:    netlink.SCOPE_UNIVERSE,
			Type:     unix.RTN_UNICAST,
		}

		if err := m.ops.RouteReplace(route); err != nil {
			return fmt.Errorf("replace route to %s: %w", dst, err)
		}
	}
	return nil
}

// Close releases the route socket. Safe to call more than once.
func (m *Manager) Close() {
	if m.ops != nil {
		m.ops.Delete()
		m.ops = nil
	}
}
