package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/cluster"
)

// Discovery-specific constants: a dedicated multicast group and port
// distinct from the cluster's own UDP listener, so announcement traffic
// never competes with parcel traffic.
const (
	discoveryAddress4 = "224.23.23.24"
	discoveryAddress6 = "ff02::24"
	discoveryPort     = 35040
)

// startDiscovery publishes this node's Sid and listen port on the LAN and
// registers every peer it hears about with m: a peerdiscovery Settings
// struct per IP version, each running its own goroutine, notify callbacks
// parsing the discovered payload and handing it to the orchestrator.
func startDiscovery(me sid.Sid, listenPort string, m *cluster.Manager, conf discoveryConf) error {
	if !conf.IPv4 && !conf.IPv6 {
		return nil
	}
	interval := time.Duration(conf.Interval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}

	payload := []byte(fmt.Sprintf("%s|%s", me, listenPort))

	notify := func(discovered peerdiscovery.Discovered) {
		handleDiscovered(me, m, discovered.Address, discovered.Payload)
	}
	notify6 := func(discovered peerdiscovery.Discovered) {
		handleDiscovered(me, m, fmt.Sprintf("[%s]", discovered.Address), discovered.Payload)
	}

	sets := []struct {
		active    bool
		addr      string
		ipVersion peerdiscovery.IPVersion
		notify    func(peerdiscovery.Discovered)
	}{
		{conf.IPv4, discoveryAddress4, peerdiscovery.IPv4, notify},
		{conf.IPv6, discoveryAddress6, peerdiscovery.IPv6, notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}
		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             strconv.Itoa(discoveryPort),
			MulticastAddress: set.addr,
			Payload:          payload,
			Delay:            interval,
			TimeLimit:        -1,
			AllowSelf:        false,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		discoverErrChan := make(chan error, 1)
		go func() {
			_, discoverErr := peerdiscovery.Discover(settings)
			discoverErrChan <- discoverErr
		}()

		select {
		case err := <-discoverErrChan:
			if err != nil {
				return fmt.Errorf("oxend: starting peer discovery: %w", err)
			}
		case <-time.After(time.Second):
		}
	}

	return nil
}

// handleDiscovered parses a "sid|port" announcement payload and registers
// the sender as a reachable peer address, ignoring self-announcements.
func handleDiscovered(me sid.Sid, m *cluster.Manager, addr string, payload []byte) {
	fields := strings.SplitN(string(payload), "|", 2)
	if len(fields) != 2 {
		log.WithField("peer", addr).Warn("oxend: malformed discovery payload, dropping")
		return
	}
	peer := sid.New(fields[0])
	port := fields[1]
	if peer == me {
		return
	}

	peerAddr := addr + ":" + port
	log.WithFields(log.Fields{"peer": string(peer), "addr": peerAddr}).
		Debug("oxend: discovered peer on LAN")
	m.AddPeerAddr(peer, peerAddr)
}
