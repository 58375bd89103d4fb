package hostnet

import (
	"github.com/vishvananda/netlink"
)

// routeOps is the slice of the netlink surface the manager uses. Tests
// substitute a mock.
type routeOps interface {
	LinkByName(name string) (netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
	RouteReplace(route *netlink.Route) error
	Delete()
}

type handleOps struct {
	h *netlink.Handle
}

func (o *handleOps) LinkByName(name string) (netlink.Link, error) {
	return o.h.LinkByName(name)
}

func (o *handleOps) LinkSetUp(link netlink.Link) error {
	return o.h.LinkSetUp(link)
}

func (o *handleOps) LinkSetDown(link netlink.Link) error {
	return o.h.LinkSetDown(link)
}

func (o *handleOps) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return o.h.AddrList(link, family)
}

func (o *handleOps) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return o.h.AddrAdd(link, addr)
}

func (o *handleOps) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return o.h.AddrDel(link, addr)
}

func (o *handleOps) RouteReplace(route *netlink.Route) error {
	return o.h.RouteReplace(route)
}

func (o *handleOps) Delete() {
	o.h.Delete()
}
