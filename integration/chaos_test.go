package integration

import (
	"testing"
	"time"
)

func TestRemoteOutageRecovery(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.remote.failCreate.Store(true)

	controller := newKioskClient(t, h)
	controller.hello("controller", "2.1.0")

	controller.send(map[string]interface{}{"type": "presence-event", "distance": 30.0})
	waitFor(t, 2*time.Second, func() bool {
		return h.remote.createCalls.Load() >= 1
	}, "failed remote create attempt")
	if controller.countKind("session-started") != 0 {
		t.Fatal("session must not open while the remote is down")
	}

	// Backend comes back; the shopper leaves and approaches again.
	h.remote.failCreate.Store(false)
	controller.send(map[string]interface{}{"type": "presence-event", "distance": 200.0})
	time.Sleep(50 * time.Millisecond)
	controller.send(map[string]interface{}{"type": "presence-event", "distance": 30.0})

	controller.waitForKind("session-started", 2*time.Second)
}

func TestCheckoutFailureAllowsRetry(t *testing.T) {
	h := newOrchestratorHarness(t)

	controller := newKioskClient(t, h)
	controller.hello("controller", "2.1.0")
	frontend := newKioskClient(t, h)
	frontend.hello("frontend", "")

	controller.send(map[string]interface{}{"type": "presence-event", "distance": 30.0})
	frontend.waitForKind("session-started", 2*time.Second)

	controller.send(map[string]interface{}{
		"type":   "vision-detection",
		"counts": map[string]int{"cola": 1},
	})
	frontend.waitForKind("scan-complete", 2*time.Second)
	controller.send(map[string]interface{}{"type": "card-tag", "uid": "cafe0001"})
	frontend.waitForKind("card-bound", 2*time.Second)

	h.remote.failCheckout.Store(true)
	frontend.send(map[string]interface{}{"type": "checkout-request"})
	failed := frontend.waitForKind("checkout-failed", 2*time.Second)
	if failed["reason"] != "service unavailable" {
		t.Errorf("expected reason service unavailable, got %v", failed["reason"])
	}

	// The session survives the failure; a retry succeeds.
	h.remote.failCheckout.Store(false)
	frontend.send(map[string]interface{}{"type": "checkout-request"})
	frontend.waitForKind("checkout-ok", 2*time.Second)
}

func TestOutdatedControllerRejected(t *testing.T) {
	h := newOrchestratorHarness(t)

	stale := newKioskClient(t, h)
	stale.hello("controller", "1.4.0")

	waitFor(t, 2*time.Second, func() bool {
		return stale.isClosed()
	}, "stale controller disconnect")

	current := newKioskClient(t, h)
	current.hello("controller", "2.0.0")
	current.send(map[string]interface{}{"type": "presence-event", "distance": 30.0})
	current.waitForKind("session-started", 2*time.Second)

	if !stale.isClosed() {
		t.Error("rejected controller should stay disconnected")
	}
}
