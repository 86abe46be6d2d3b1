// Copyright 2025 The sockbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package socket

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	protocolUDP   = 1
	protocolUDPv6 = 2
)

// UDPAddress is the compact wire form of a UDP endpoint:
// protocol byte (1 = IPv4, 2 = IPv6), big-endian port, raw IP bytes.
type UDPAddress []byte

// EncodeUDPAddress converts addr to its wire form.
func EncodeUDPAddress(addr *net.UDPAddr) UDPAddress {
	if ip4 := addr.IP.To4(); ip4 != nil {
		out := make(UDPAddress, 3+net.IPv4len)
		out[0] = protocolUDP
		binary.BigEndian.PutUint16(out[1:3], uint16(addr.Port))
		copy(out[3:], ip4)
		return out
	}
	out := make(UDPAddress, 3+net.IPv6len)
	out[0] = protocolUDPv6
	binary.BigEndian.PutUint16(out[1:3], uint16(addr.Port))
	copy(out[3:], addr.IP.To16())
	return out
}

// UDPAddressLen returns the encoded length for a protocol byte, or 0 if the
// protocol is unknown.
func UDPAddressLen(protocol byte) int {
	switch protocol {
	case protocolUDP:
		return 3 + net.IPv4len
	case protocolUDPv6:
		return 3 + net.IPv6len
	}
	return 0
}

// UDPAddr decodes the address.
func (a UDPAddress) UDPAddr() (*net.UDPAddr, error) {
	if len(a) == 0 {
		return nil, ErrInvalidAddress
	}
	n := UDPAddressLen(a[0])
	if n == 0 || len(a) != n {
		return nil, fmt.Errorf("%w: protocol %d, length %d", ErrInvalidAddress, a[0], len(a))
	}
	ip := make(net.IP, n-3)
	copy(ip, a[3:])
	return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(a[1:3]))}, nil
}

// String formats the address as host:port.
func (a UDPAddress) String() string {
	addr, err := a.UDPAddr()
	if err != nil {
		return "<invalid>"
	}
	return addr.String()
}
