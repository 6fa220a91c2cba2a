// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package room

import (
	"math/rand"
	"time"

	"github.com/keniprimo/secretroom/config"
)

// randJitter returns a uniformly random duration in [min, max]. Callers
// that pass min==max==0 get 0 back without touching the RNG.
func randJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := int64(max - min)
	return min + time.Duration(rand.Int63n(span+1))
}

// jitterPercent returns base randomized by +-percent, e.g. jitterPercent(15s, 0.30)
// returns a value in [10.5s, 19.5s].
func jitterPercent(base time.Duration, percent float64) time.Duration {
	if percent <= 0 || base <= 0 {
		return base
	}
	delta := time.Duration(float64(base) * percent)
	if delta <= 0 {
		return base
	}
	return base - delta + randJitter(0, 2*delta)
}

// startHeartbeat launches the keepalive loop grounded on the teacher's
// 15-second aggressive read-deadline idiom: rather than resetting a read
// deadline, this side periodically emits a heartbeat frame so the peer's
// own deadline never lapses.
func (s *Session) startHeartbeat() {
	go s.heartbeatLoop()
}

func (s *Session) heartbeatLoop() {
	for {
		interval := jitterPercent(s.cfg.HeartbeatInterval, s.cfg.HeartbeatJitterPercent)
		if interval <= 0 {
			interval = 15 * time.Second
		}
		timer := time.NewTimer(interval)
		select {
		case <-s.quit:
			timer.Stop()
			return
		case <-timer.C:
			if err := s.sendHeartbeat(); err != nil {
				s.log.Warn(LogSubsystem, "%v: heartbeat send failed: %v", s.role, err)
			}
		}
	}
}

// ReconnectBackoff computes the delay before reconnect attempt n (1-based),
// exponential with a cap and additive jitter, per spec.md §6. Session
// itself does not reconnect, since ownership of the underlying transport's
// lifecycle belongs to the caller, and the cmd/ binaries do not call this
// either.
func ReconnectBackoff(cfg config.SessionConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := cfg.ReconnectBackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if cfg.ReconnectBackoffCap > 0 && backoff >= cfg.ReconnectBackoffCap {
			backoff = cfg.ReconnectBackoffCap
			break
		}
	}
	if cfg.ReconnectBackoffCap > 0 && backoff > cfg.ReconnectBackoffCap {
		backoff = cfg.ReconnectBackoffCap
	}
	return backoff + randJitter(0, cfg.ReconnectBackoffJitter)
}
