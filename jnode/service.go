package jnode

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/addrmgr"
	"github.com/btcsuite/btcd/wire"
)

// Service is the network address a jnode announces.
type Service struct {
	IP   net.IP
	Port uint16
}

// NewService returns a Service for the given ip and port.
func NewService(ip net.IP, port uint16) Service {
	return Service{IP: ip, Port: port}
}

// ParseService parses a host:port string.  The host must be a literal IP.
func ParseService(s string) (Service, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Service{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Service{}, fmt.Errorf("invalid ip %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Service{}, fmt.Errorf("invalid port %q", portStr)
	}
	return Service{IP: ip, Port: uint16(port)}, nil
}

// String returns the address in host:port form with IPv6 hosts bracketed.
func (s Service) String() string {
	ip := s.IP
	if ip == nil {
		ip = net.IPv6zero
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(s.Port)))
}

// Equal reports whether s and o name the same address and port.
func (s Service) Equal(o Service) bool {
	return s.Port == o.Port && s.ipOrZero().Equal(o.ipOrZero())
}

// IsZero reports whether s is the unset address.
func (s Service) IsZero() bool {
	return s.Port == 0 && (s.IP == nil || s.IP.IsUnspecified())
}

func (s Service) ipOrZero() net.IP {
	if s.IP == nil {
		return net.IPv6zero
	}
	return s.IP
}

// NetAddress converts s into the address manager representation.
func (s Service) NetAddress() *wire.NetAddressV2 {
	ip := s.ipOrZero()
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	} else {
		ip = ip.To16()
	}
	return wire.NetAddressV2FromBytes(time.Now(), 0, ip, s.Port)
}

// legacyAddress returns s in the address form taken by the addrmgr range
// predicates.
func (s Service) legacyAddress() *wire.NetAddress {
	return wire.NewNetAddressIPPort(s.ipOrZero(), s.Port, 0)
}

// IsIPv4 reports whether s is an IPv4 address.
func (s Service) IsIPv4() bool {
	return addrmgr.IsIPv4(s.legacyAddress())
}

// IsRoutable reports whether s is reachable from the public internet.
func (s Service) IsRoutable() bool {
	return addrmgr.IsRoutable(s.NetAddress())
}

// IsRFC1918 reports whether s is in a private IPv4 range.
func (s Service) IsRFC1918() bool {
	return addrmgr.IsRFC1918(s.legacyAddress())
}

// IsLocal reports whether s is a loopback or unspecified address.
func (s Service) IsLocal() bool {
	return addrmgr.IsLocal(s.legacyAddress())
}

// writeService encodes s as a 16 byte IPv6 address followed by the port in
// network byte order.
func writeService(w io.Writer, s Service) error {
	var buf [18]byte
	copy(buf[:16], s.ipOrZero().To16())
	binary.BigEndian.PutUint16(buf[16:], s.Port)
	_, err := w.Write(buf[:])
	return err
}

func readService(r io.Reader, s *Service) error {
	var buf [18]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	ip := make(net.IP, net.IPv6len)
	copy(ip, buf[:16])
	s.IP = ip
	s.Port = binary.BigEndian.Uint16(buf[16:])
	return nil
}
