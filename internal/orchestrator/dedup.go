package orchestrator

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const finalizedSignatureCacheSize = 512

// NormalizeUID canonicalizes a card tag identifier: strips a leading
// "0x", drops separators and any other non-hex characters, uppercases.
func NormalizeUID(uid string) string {
	uid = strings.TrimSpace(uid)
	if len(uid) >= 2 && (uid[:2] == "0x" || uid[:2] == "0X") {
		uid = uid[2:]
	}

	var b strings.Builder
	for _, r := range uid {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'f':
			b.WriteRune(r - 32)
		case r >= 'A' && r <= 'F':
			b.WriteRune(r)
		}
	}
	return b.String()
}

type cardTap struct {
	uid string
	at  time.Time
}

// cardDedup suppresses duplicate card taps: a second tap of the same
// normalized uid within the window is ignored, because readers emit
// several events per physical tap.
type cardDedup struct {
	window time.Duration

	mu       sync.Mutex
	lastTaps map[string]cardTap
}

func newCardDedup(window time.Duration) *cardDedup {
	return &cardDedup{
		window:   window,
		lastTaps: make(map[string]cardTap),
	}
}

// accept records the tap and reports whether it should be processed.
// Only accepted taps update the dedup window.
func (d *cardDedup) accept(logicalID, uid string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.lastTaps[logicalID]
	if ok && last.uid == uid && now.Sub(last.at) < d.window {
		return false
	}

	d.lastTaps[logicalID] = cardTap{uid: uid, at: now}
	return true
}

func (d *cardDedup) reset(logicalID string) {
	d.mu.Lock()
	delete(d.lastTaps, logicalID)
	d.mu.Unlock()
}

// finalizeDedup remembers which (session code, signature) pairs have
// already been finalized, so a vision frame repeating an already
// committed basket never causes a second round of cart upserts.
type finalizeDedup struct {
	mu    sync.Mutex
	cache *lru.Cache[string, struct{}]
}

func newFinalizeDedup() (*finalizeDedup, error) {
	cache, err := lru.New[string, struct{}](finalizedSignatureCacheSize)
	if err != nil {
		return nil, err
	}
	return &finalizeDedup{cache: cache}, nil
}

func (d *finalizeDedup) seen(code, signature string) bool {
	if code == "" || signature == "" {
		return false
	}
	key := code + ":" + signature

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cache.Contains(key) {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}
