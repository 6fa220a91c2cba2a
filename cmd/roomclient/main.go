// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command roomclient joins a room hosted behind a running relayd and
// reads lines from stdin as outgoing text messages.
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
	"github.com/keniprimo/secretroom/transport"
)

func main() {
	relay := flag.String("relay", "127.0.0.1:12345", "relayd address")
	name := flag.String("name", "anonymous", "display name")
	flag.Parse()

	log := relaylog.New(os.Stderr, "15:04:05")
	log.Register(room.LogSubsystem, "[ROOM]")

	ctx := context.Background()
	tr, err := transport.DialTCP(ctx, *relay, insecureTLSConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "roomclient: dial %s: %v\n", *relay, err)
		os.Exit(1)
	}

	obs := newCLIObserver("client")
	sess := room.NewClient(config.DefaultSessionConfig(), tr, obs, log)
	if err := sess.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "roomclient: connect: %v\n", err)
		os.Exit(1)
	}
	waitState(obs, room.StateOpen, 15*time.Second)

	if err := sess.Join(*name); err != nil {
		fmt.Fprintf(os.Stderr, "roomclient: join: %v\n", err)
		os.Exit(1)
	}
	if !waitState(obs, room.StateActive, 15*time.Second) {
		fmt.Fprintln(os.Stderr, "roomclient: timed out waiting to be approved")
		os.Exit(1)
	}
	fmt.Println("joined")

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
			fmt.Fprintf(os.Stderr, "roomclient: send: %v\n", err)
		}
	}
}

func insecureTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
}
