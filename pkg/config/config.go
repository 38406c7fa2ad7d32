// Package config loads the session config file (§6: "adapter device,
// default bitrate, retry counts, timeouts"): the handful of values an
// operator would otherwise have to repeat on every invocation of cmd/canflash.
//
// Grounded on the teacher's pkg/od/parser.go: gopkg.in/ini.v1 loads the file,
// sections are walked by name, and each key is read with Key(...).String()/
// .Value() and parsed by hand with strconv, the same shape as the teacher's
// EDS parser pulling ParameterName/ObjectType/SubNumber out of an [index]
// section.
package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"github.com/openbench/canboot"
)

// Session is the parsed session config: adapter selection plus the defaults
// a Protocol Engine Options should start from before CLI flags override any
// of it.
type Session struct {
	Transport string
	Channel   string
	BitrateKbps uint32

	RetryLimit             int
	HandshakeTimeout       time.Duration
	StreamThrottle         time.Duration
	StreamEfficiencyTarget float64
}

// Default returns the built-in fallback, used when no config file is found
// and the CLI was given no overriding flags.
func Default() Session {
	return Session{
		Transport:              "socketcan",
		Channel:                "can0",
		RetryLimit:             5,
		HandshakeTimeout:       500 * time.Millisecond,
		StreamThrottle:         2 * time.Millisecond,
		StreamEfficiencyTarget: 0.9,
	}
}

// Load parses path as an ini file with an [adapter] and a [protocol]
// section. Missing keys fall back to Default()'s values rather than erroring,
// the way the teacher's EDS parser defaults ObjectType to 7 when the key is
// absent.
func Load(path string) (Session, error) {
	cfg := Default()

	iniFile, err := ini.Load(path)
	if err != nil {
		return Session{}, fmt.Errorf("%w: loading session config %s: %v", canboot.ErrIllegalArgument, path, err)
	}

	if adapter, err := iniFile.GetSection("adapter"); err == nil {
		if v := adapter.Key("Transport").String(); v != "" {
			cfg.Transport = v
		}
		if v := adapter.Key("Channel").String(); v != "" {
			cfg.Channel = v
		}
		if v := adapter.Key("BitrateKbps").Value(); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return Session{}, fmt.Errorf("%w: adapter.BitrateKbps: %v", canboot.ErrIllegalArgument, err)
			}
			cfg.BitrateKbps = uint32(n)
		}
	}

	if proto, err := iniFile.GetSection("protocol"); err == nil {
		if v := proto.Key("RetryLimit").Value(); v != "" {
			n, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return Session{}, fmt.Errorf("%w: protocol.RetryLimit: %v", canboot.ErrIllegalArgument, err)
			}
			cfg.RetryLimit = int(n)
		}
		if v := proto.Key("HandshakeTimeoutMs").Value(); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return Session{}, fmt.Errorf("%w: protocol.HandshakeTimeoutMs: %v", canboot.ErrIllegalArgument, err)
			}
			cfg.HandshakeTimeout = time.Duration(n) * time.Millisecond
		}
		if v := proto.Key("StreamThrottleMs").Value(); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return Session{}, fmt.Errorf("%w: protocol.StreamThrottleMs: %v", canboot.ErrIllegalArgument, err)
			}
			cfg.StreamThrottle = time.Duration(n) * time.Millisecond
		}
		if v := proto.Key("StreamEfficiencyTarget").Value(); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return Session{}, fmt.Errorf("%w: protocol.StreamEfficiencyTarget: %v", canboot.ErrIllegalArgument, err)
			}
			cfg.StreamEfficiencyTarget = f
		}
	}

	return cfg, nil
}
