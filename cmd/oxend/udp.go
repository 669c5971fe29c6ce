package main

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/ajitek/oxen/pkg/cluster"
)

// udpTransport is the net.PacketConn-backed implementation of
// cluster.Transport: the socket is owned by the I/O task, the engine owns
// all tables. Addresses are plain "host:port" strings, resolved fresh on
// every send so a peer's address can change between sends without any
// cache invalidation.
type udpTransport struct {
	conn *net.UDPConn
}

func newUDPTransport(listen string) (*udpTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("oxend: resolving listen address %s: %w", listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("oxend: listening on %s: %w", listen, err)
	}
	return &udpTransport{conn: conn}, nil
}

func (t *udpTransport) SendTo(addr string, frame []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("oxend: resolving peer address %s: %w", addr, err)
	}
	_, err = t.conn.WriteToUDP(frame, raddr)
	return err
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}

// recvLoop reads datagrams off the socket and feeds them into m.Deliver,
// addressed by the sender's "host:port" string. It returns once the
// socket is closed (from Close()'s perspective, a read error is the
// shutdown signal, not a fault worth retrying).
func recvLoop(t *udpTransport, m *cluster.Manager) {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			log.WithError(err).Debug("oxend: udp socket closed, receive loop exiting")
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		m.Deliver(raddr.String(), frame)
	}
}
