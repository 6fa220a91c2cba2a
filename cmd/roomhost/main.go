// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command roomhost opens a room against a running relayd and reads
// lines from stdin as outgoing text messages.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/keniprimo/secretroom/config"
	"github.com/keniprimo/secretroom/framer"
	"github.com/keniprimo/secretroom/relaylog"
	"github.com/keniprimo/secretroom/room"
	"github.com/keniprimo/secretroom/roomid"
	"github.com/keniprimo/secretroom/transport"
)

func main() {
	relay := flag.String("relay", "127.0.0.1:12345", "relayd address")
	flag.Parse()

	log := relaylog.New(os.Stderr, "15:04:05")
	log.Register(room.LogSubsystem, "[ROOM]")

	ctx := context.Background()
	tr, err := transport.DialTCP(ctx, *relay, insecureTLSConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "roomhost: dial %s: %v\n", *relay, err)
		os.Exit(1)
	}

	roomID, err := roomid.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "roomhost: generate room id: %v\n", err)
		os.Exit(1)
	}

	obs := newCLIObserver("host")
	sess := room.NewHost(roomID, config.DefaultSessionConfig(), tr, obs, log)
	if err := sess.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "roomhost: connect: %v\n", err)
		os.Exit(1)
	}
	waitState(obs, room.StateCreated, 10*time.Second)

	if err := sess.Open(); err != nil {
		fmt.Fprintf(os.Stderr, "roomhost: open: %v\n", err)
		os.Exit(1)
	}
	waitState(obs, room.StateOpen, 10*time.Second)
	fmt.Printf("room open: %s\n", roomID.String())

	readStdin(sess)
}

func readStdin(sess *room.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "/quit" {
			sess.Close()
			return
		}
		if line == "" {
			continue
		}
		if err := sess.Send(framer.ContentText, []byte(line)); err != nil {
			fmt.Fprintf(os.Stderr, "roomhost: send: %v\n", err)
		}
	}
}

func insecureTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
}
