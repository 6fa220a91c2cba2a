// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/keniprimo/secretroom/roomerr"
)

// ValidateRelayURL reports whether rawURL's host is on the anonymity
// network (ends in ".onion"). In strict mode a non-onion URL is a
// programmer error in a security-sensitive code path (spec.md §7, §8
// scenario 6) and aborts the process rather than returning false.
func ValidateRelayURL(rawURL string, strict bool) bool {
	onion := isOnion(rawURL)
	if !onion && strict {
		panic(roomerr.New(roomerr.KindProgrammer, fmt.Sprintf("relay url %q is not an onion address in strict mode", rawURL)))
	}
	return onion
}

func isOnion(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Hostname()), ".onion")
}
