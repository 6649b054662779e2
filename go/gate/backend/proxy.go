/*
Copyright 2021 The Maxgate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backend

import (
	"net"
	"strconv"

	"github.com/pires/go-proxyproto"

	"github.com/linsenhu/maxgate/go/gate/log"
)

// sendProxyHeader announces the original client address to the backend
// with a PROXY protocol v1 line, sent before anything else on the
// socket. See http://www.haproxy.org/download/1.8/doc/proxy-protocol.txt.
func (c *Conn) sendProxyHeader() error {
	header, err := BuildProxyHeader(c.handler.ClientAddr(), c.sock.RemoteAddr())
	if err != nil {
		return err
	}
	log.V(1).Infof("Sending proxy-protocol header %q to server '%v'", header, c.srv.Name)
	return c.send(header)
}

// BuildProxyHeader formats the v1 text header for a client/server
// address pair. When the two sides differ in address family, the IPv4
// side is converted to its ::ffff:a.b.c.d IPv6 form so both addresses
// share a family, as the protocol requires. Non-IP addresses produce
// the UNKNOWN form.
func BuildProxyHeader(client, srv net.Addr) ([]byte, error) {
	clientTCP, cok := client.(*net.TCPAddr)
	serverTCP, sok := srv.(*net.TCPAddr)
	if !cok || !sok {
		// Unix sockets and the like carry no forwardable address.
		return []byte("PROXY UNKNOWN\r\n"), nil
	}

	clientIP, serverIP := clientTCP.IP, serverTCP.IP
	client4, server4 := clientIP.To4() != nil, serverIP.To4() != nil
	if client4 != server4 {
		// Mixed families: the header must show both addresses in the
		// same family, so the IPv4 side is spelled ::ffff:a.b.c.d. The
		// library would render a 4-in-6 address as a dotted quad, so
		// this form is built by hand.
		line := "PROXY TCP6 " + mapped6(clientIP) + " " + mapped6(serverIP) + " " +
			strconv.Itoa(clientTCP.Port) + " " + strconv.Itoa(serverTCP.Port) + "\r\n"
		return []byte(line), nil
	}

	transport := proxyproto.TCPv4
	if !client4 {
		transport = proxyproto.TCPv6
	}
	h := &proxyproto.Header{
		Version:           1,
		Command:           proxyproto.PROXY,
		TransportProtocol: transport,
		SourceAddr:        clientTCP,
		DestinationAddr:   serverTCP,
	}
	return h.Format()
}

func mapped6(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return "::ffff:" + v4.String()
	}
	return ip.String()
}
