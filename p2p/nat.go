// Copyright 2015 The go-probeum Authors
// This file is part of the go-probeum library.
//
// The go-probeum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-probeum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-probeum library. If not, see <http://www.gnu.org/licenses/>.

package p2p

import (
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/huin/goupnp/dcps/internetgateway1"

	"github.com/probeum/stacksd/log"
)

// portMapLease is how long a NAT port mapping is requested for; it is
// refreshed well before expiry by the caller's own renewal loop.
const portMapLease = 20 * time.Minute

// NATPortMapper advertises a reachable inbound port through whichever NAT
// traversal protocol the local gateway supports, so a node behind a home
// router can still accept inbound connections without a manually forwarded
// port. It is best-effort: every method returns an error the caller is
// expected to log and ignore rather than treat as fatal.
type NATPortMapper interface {
	ExternalIP() (string, error)
	AddPortMapping(protocol string, extPort, intPort int, desc string) error
	DeletePortMapping(protocol string, extPort int) error
}

// natPMPMapper implements NATPortMapper over NAT-PMP, the protocol most
// consumer routers (notably Apple-derived firmware) speak.
type natPMPMapper struct {
	client *natpmp.Client
	log    log.Logger
}

// NewNATPMPMapper probes gatewayIP for a NAT-PMP responder.
func NewNATPMPMapper(gatewayIP string) (NATPortMapper, error) {
	ip := net.ParseIP(gatewayIP)
	if ip == nil {
		return nil, fmt.Errorf("p2p: invalid gateway address %q", gatewayIP)
	}
	c := natpmp.NewClient(ip)
	return &natPMPMapper{client: c, log: log.New("component", "nat-pmp")}, nil
}

func (m *natPMPMapper) ExternalIP() (string, error) {
	res, err := m.client.GetExternalAddress()
	if err != nil {
		return "", err
	}
	ip := res.ExternalIPAddress
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3]), nil
}

func (m *natPMPMapper) AddPortMapping(protocol string, extPort, intPort int, desc string) error {
	_, err := m.client.AddPortMapping(protocol, intPort, extPort, int(portMapLease/time.Second))
	return err
}

func (m *natPMPMapper) DeletePortMapping(protocol string, extPort int) error {
	_, err := m.client.AddPortMapping(protocol, 0, extPort, 0)
	return err
}

// upnpMapper implements NATPortMapper over UPnP IGDv1, the fallback for
// gateways that do not speak NAT-PMP.
type upnpMapper struct {
	client *internetgateway1.WANIPConnection1
	log    log.Logger
}

// DiscoverUPnP probes the local network for a UPnP Internet Gateway
// Device and returns a mapper bound to the first one found.
func DiscoverUPnP() (NATPortMapper, error) {
	clients, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("p2p: no UPnP gateway found")
	}
	return &upnpMapper{client: clients[0], log: log.New("component", "upnp")}, nil
}

func (m *upnpMapper) ExternalIP() (string, error) {
	return m.client.GetExternalIPAddress()
}

func (m *upnpMapper) AddPortMapping(protocol string, extPort, intPort int, desc string) error {
	return m.client.AddPortMapping(0, uint16(extPort), protocol, uint16(intPort), "", true, desc, uint32(portMapLease/time.Second))
}

func (m *upnpMapper) DeletePortMapping(protocol string, extPort int) error {
	return m.client.DeletePortMapping(0, uint16(extPort), protocol)
}

