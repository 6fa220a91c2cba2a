// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command relayd is the reference pure-forwarding relay: it terminates
// TLS, learns nothing about a room beyond envelope Type and the routing
// fields ClientId/ExcludeClientId, and never touches Payload. It hosts
// exactly one room per process; the first connection it accepts becomes
// that room's host, every later connection a client.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"

	"github.com/davecgh/go-spew/spew"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/keniprimo/secretroom/config"
	"github.com/keniprimo/secretroom/relaylog"
	"github.com/keniprimo/secretroom/transport"
)

func main() {
	usr, err := user.Current()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
	cfgFile := flag.String("cfg", usr.HomeDir+"/.secretroom/relayd.conf", "config file")
	flag.Parse()

	cfg := config.DefaultRelayConfig()
	if _, err := os.Stat(*cfgFile); err == nil {
		if err := config.LoadRelayINI(*cfgFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "relayd: load %s: %v\n", *cfgFile, err)
			os.Exit(1)
		}
	}

	logFile, err := homedir.Expand(cfg.LogFile)
	if err != nil {
		logFile = cfg.LogFile
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: create log dir: %v\n", err)
		os.Exit(1)
	}
	log, err := relaylog.NewFile(logFile, cfg.TimeFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: open log: %v\n", err)
		os.Exit(1)
	}
	if err := log.Register(logSubsystem, "[RLY]"); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
	if cfg.Debug {
		log.EnableDebug()
		log.Dbg(logSubsystem, "startup config: %s", spew.Sdump(cfg))
	}
	if cfg.Trace {
		log.EnableTrace()
	}

	tlsCfg, err := loadTLSConfig(cfg)
	if err != nil {
		log.Critical(logSubsystem, "tls setup: %v", err)
		os.Exit(1)
	}

	ln, err := transport.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Critical(logSubsystem, "listen on %s: %v", cfg.Listen, err)
		os.Exit(1)
	}
	log.Info(logSubsystem, "listening on %s (max participants %d)", cfg.Listen, cfg.MaxParticipants)

	r := newRelay(cfg.MaxParticipants, log)
	r.serve(ln, tlsCfg)
}

func loadTLSConfig(cfg config.RelayConfig) (*tls.Config, error) {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	cert, err := transport.GenerateSelfSignedCert([]string{"localhost"})
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func (r *relay) serve(ln net.Listener, tlsCfg *tls.Config) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			r.log.Error(logSubsystem, "accept: %v", err)
			return
		}
		go r.handleConn(conn, tlsCfg)
	}
}
