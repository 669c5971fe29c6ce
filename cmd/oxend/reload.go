package main

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/cluster"
)

// watchPeers watches configFile's directory for writes to configFile
// itself and re-applies its Peer block to m (watch a directory, filter
// events by the operation and the specific file of interest). Only
// additive: a peer removed from the file is left alone rather than
// forgotten, since a configuration edit is not itself evidence that the
// peer is actually gone — an operator wanting that uses ForgetPeer
// explicitly instead.
func watchPeers(configFile string, m *cluster.Manager) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(configFile)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(configFile) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				applyReload(configFile, m)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("oxend: config watcher errored")
			}
		}
	}()

	return watcher, nil
}

func applyReload(configFile string, m *cluster.Manager) {
	conf, err := loadConfig(configFile)
	if err != nil {
		log.WithError(err).Warn("oxend: config reload failed, keeping prior configuration")
		return
	}
	for _, p := range conf.Peer {
		m.AddPeerAddr(sid.New(p.NodeId), p.Addr)
	}
	log.WithField("peers", len(conf.Peer)).Info("oxend: reloaded peer list from configuration")
}
