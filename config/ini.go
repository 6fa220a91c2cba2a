// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"strconv"

	homedir "github.com/mitchellh/go-homedir"
	ini "github.com/vaughan0/go-ini"
)

// LoadRelayINI overlays filename's [default]/[log] sections onto cfg,
// expanding a leading "~" in the log file path to the user's home
// directory (certfile and keyfile are used as written). Used only by
// cmd/relayd; room.Session never reads a file.
func LoadRelayINI(filename string, cfg *RelayConfig) error {
	file, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	if listen, ok := file.Get("", "listen"); ok {
		cfg.Listen = listen
	}
	if logFile, ok := file.Get("log", "file"); ok {
		cfg.LogFile = logFile
	}
	if timeFormat, ok := file.Get("log", "timeformat"); ok {
		cfg.TimeFormat = timeFormat
	}
	if debug, ok := file.Get("log", "debug"); ok {
		cfg.Debug = parseBool(debug)
	}
	if trace, ok := file.Get("log", "trace"); ok {
		cfg.Trace = parseBool(trace)
	}
	if strict, ok := file.Get("", "strictonion"); ok {
		cfg.StrictOnionOnly = parseBool(strict)
	}
	if cert, ok := file.Get("", "certfile"); ok {
		cfg.CertFile = cert
	}
	if key, ok := file.Get("", "keyfile"); ok {
		cfg.KeyFile = key
	}
	if max, ok := file.Get("", "maxparticipants"); ok {
		if n, err := strconv.Atoi(max); err == nil && n > 0 {
			cfg.MaxParticipants = n
		}
	}

	if expanded, err := homedir.Expand(cfg.LogFile); err == nil {
		cfg.LogFile = expanded
	}

	return nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}
