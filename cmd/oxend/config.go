package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	log "github.com/sirupsen/logrus"
)

// tomlConfig describes oxend's TOML configuration: one nested block per
// concern, decoded in a single pass.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Discovery discoveryConf
	Peer      []peerConf
}

// coreConf describes the local identity and listen address.
type coreConf struct {
	NodeId string `toml:"node-id"`
	Listen string
}

// logConf describes the logging block, identical in shape to the
// teacher's.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// discoveryConf describes the LAN auto-discovery block. Interval is in
// seconds, matching the teacher's discoveryConf.Interval convention
// (TOML integers, not duration strings).
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// peerConf describes a statically configured peer, used for "peer"
// entries that bypass discovery.
type peerConf struct {
	NodeId string `toml:"node-id"`
	Addr   string
}

func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("oxend: failed to set log level")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.Warn("oxend: unknown logging format")
	}
}

// loadConfig decodes filename, applies logging side effects, and
// validates the minimal required fields.
func loadConfig(filename string) (tomlConfig, error) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return tomlConfig{}, fmt.Errorf("oxend: decoding %s: %w", filename, err)
	}

	setupLogging(conf.Logging)

	if conf.Core.NodeId == "" {
		return tomlConfig{}, fmt.Errorf("oxend: core.node-id is empty")
	}
	if conf.Core.Listen == "" {
		return tomlConfig{}, fmt.Errorf("oxend: core.listen is empty")
	}

	return conf, nil
}
