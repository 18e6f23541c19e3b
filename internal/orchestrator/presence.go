package orchestrator

import (
	"sync"
	"time"
)

// PresenceDetector turns a noisy stream of lidar distance readings
// into discrete approach triggers. A trigger fires when a reading
// crosses below the threshold; the detector then stays disarmed until
// the distance climbs back above threshold plus the hysteresis margin,
// so a shopper hovering at the boundary cannot re-trigger on jitter.
// A cooldown bounds the trigger rate regardless.
type PresenceDetector struct {
	thresholdCM  float64
	hysteresisCM float64
	cooldown     time.Duration

	mu          sync.Mutex
	armed       bool
	lastTrigger time.Time
}

func NewPresenceDetector(thresholdCM, hysteresisCM float64, cooldown time.Duration) *PresenceDetector {
	return &PresenceDetector{
		thresholdCM:  thresholdCM,
		hysteresisCM: hysteresisCM,
		cooldown:     cooldown,
		armed:        true,
	}
}

// Observe processes one distance reading and reports whether it
// constitutes a new approach trigger.
func (d *PresenceDetector) Observe(distanceCM float64, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if distanceCM > d.thresholdCM+d.hysteresisCM {
		d.armed = true
		return false
	}

	if distanceCM > d.thresholdCM {
		// Inside the hysteresis band: neither trigger nor re-arm.
		return false
	}

	if !d.armed {
		return false
	}
	if !d.lastTrigger.IsZero() && now.Sub(d.lastTrigger) < d.cooldown {
		return false
	}

	d.armed = false
	d.lastTrigger = now
	return true
}
