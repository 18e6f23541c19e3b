package orchestrator

import (
	"time"

	semver "github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/openkiosk/orchestrator/internal/shared"
)

// Dispatcher classifies inbound messages by kind and role and routes
// them to the state machine's public operations. It owns connection
// bookkeeping (role, subscription) and nothing else; unknown kinds are
// ignored for forward compatibility.
type Dispatcher struct {
	machine  *SessionManager
	presence *PresenceDetector
	logger   *zap.Logger
	metrics  *Metrics

	defaultLogicalID string
	minVersion       *semver.Constraints
	confThreshold    float64
}

func NewDispatcher(
	machine *SessionManager,
	presence *PresenceDetector,
	defaultLogicalID string,
	minVersionConstraint string,
	confThreshold float64,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var minVersion *semver.Constraints
	if minVersionConstraint != "" {
		c, err := semver.NewConstraint(minVersionConstraint)
		if err != nil {
			return nil, err
		}
		minVersion = c
	}

	return &Dispatcher{
		machine:          machine,
		presence:         presence,
		logger:           logger,
		metrics:          GetMetrics(),
		defaultLogicalID: defaultLogicalID,
		minVersion:       minVersion,
		confThreshold:    confThreshold,
	}, nil
}

// Handle processes one decoded message. It runs on the connection's
// read goroutine, so a blocking remote call naturally queues that
// connection's subsequent events behind the in-flight mutation.
func (d *Dispatcher) Handle(conn *ClientConn, msg *shared.Inbound) {
	kind := msg.Kind()
	d.metrics.RecordEvent(kind)

	logicalID := msg.LogicalID
	if logicalID == "" {
		logicalID = d.defaultLogicalID
	}

	switch kind {
	case shared.KindHello:
		d.handleHello(conn, msg, logicalID)

	case shared.KindSubscribe:
		d.handleSubscribe(conn, msg)

	case shared.KindPresenceEvent:
		d.handlePresence(conn, msg, logicalID)

	case shared.KindBasketStable:
		if _, err := d.machine.EnsureOpen(d.machine.ctx, logicalID); err != nil {
			d.logger.Warn("basket-stable could not ensure session",
				zap.String("logical_id", logicalID),
				zap.Error(err))
		}

	case shared.KindVisionDetection:
		if conn.Role() != shared.RoleController {
			return
		}
		if msg.Conf > 0 && msg.Conf < d.confThreshold {
			d.logger.Debug("low confidence detection ignored",
				zap.Float64("conf", msg.Conf),
				zap.String("conn_id", conn.connID))
			return
		}
		counts := msg.Counts
		if counts == nil && msg.Class != "" {
			// Single-object controllers report one class per frame
			// instead of a count map.
			counts = map[string]int{msg.Class: 1}
		}
		d.machine.RecordDetection(logicalID, counts)

	case shared.KindScanComplete:
		if conn.Role() != shared.RoleController {
			return
		}
		d.machine.ForceFinalize(logicalID)

	case shared.KindCardTag:
		if conn.Role() != shared.RoleController {
			return
		}
		d.machine.BindCard(logicalID, msg.UID)

	case shared.KindCheckoutRequest:
		d.machine.Checkout(logicalID)

	case shared.KindCancelRequest:
		d.machine.Cancel(logicalID)

	case shared.KindReturnToStart:
		d.machine.ReturnToStart(logicalID)

	default:
		d.logger.Debug("ignoring unknown message kind",
			zap.String("kind", kind),
			zap.String("conn_id", conn.connID))
	}
}

// handleHello registers the connection's declared role. Controllers
// running firmware below the configured constraint are rejected before
// any of their events can reach the state machine. Clients arriving
// mid-flow get the current session replayed so they can catch up.
func (d *Dispatcher) handleHello(conn *ClientConn, msg *shared.Inbound, logicalID string) {
	role := shared.Role(msg.Role)
	switch role {
	case shared.RoleController, shared.RoleFrontend:
	default:
		role = shared.RoleUnclassified
	}

	if role == shared.RoleController && d.minVersion != nil {
		version, err := semver.NewVersion(msg.Version)
		if err != nil || !d.minVersion.Check(version) {
			d.logger.Warn("controller rejected: firmware below required version",
				zap.String("conn_id", conn.connID),
				zap.String("version", msg.Version))
			d.metrics.RecordConnection("version_rejected")
			conn.conn.Close()
			return
		}
	}

	conn.setRole(role)
	d.logger.Info("client hello",
		zap.String("conn_id", conn.connID),
		zap.String("role", string(role)),
		zap.String("logical_id", logicalID))

	if sess := d.machine.ActiveSession(logicalID); sess != nil {
		conn.subscribe(sess.Code)
		d.replaySessionState(conn, sess)
	}
}

func (d *Dispatcher) handleSubscribe(conn *ClientConn, msg *shared.Inbound) {
	if msg.SessionCode == "" {
		return
	}
	conn.subscribe(msg.SessionCode)
	d.sendDirect(conn, &shared.Outbound{Type: shared.KindSubscribeOK, SessionCode: msg.SessionCode})
}

// handlePresence feeds lidar readings through the presence detector;
// an approach trigger wakes the kiosk: basket screen, vision on, and a
// session ready before the first item lands.
func (d *Dispatcher) handlePresence(conn *ClientConn, msg *shared.Inbound, logicalID string) {
	if conn.Role() != shared.RoleController {
		return
	}
	if d.presence == nil || !d.presence.Observe(msg.Distance, time.Now()) {
		return
	}

	d.logger.Info("shopper approach detected",
		zap.String("logical_id", logicalID),
		zap.Float64("distance_cm", msg.Distance))

	if _, err := d.machine.EnsureOpen(d.machine.ctx, logicalID); err != nil {
		d.logger.Warn("presence trigger could not ensure session",
			zap.String("logical_id", logicalID),
			zap.Error(err))
		return
	}
	d.machine.goToScreen(logicalID, shared.ScreenBasket)
}

// replaySessionState catches a late-joining client up on the flow in
// progress.
func (d *Dispatcher) replaySessionState(conn *ClientConn, sess *Session) {
	d.sendDirect(conn, &shared.Outbound{Type: shared.KindSessionStarted, SessionCode: sess.Code, Status: string(sess.Status)})
	if !sess.Finalized {
		d.sendDirect(conn, &shared.Outbound{Type: shared.KindStartVision, SessionCode: sess.Code})
	}
}

func (d *Dispatcher) sendDirect(conn *ClientConn, out *shared.Outbound) {
	data, err := out.Encode(time.Now())
	if err != nil {
		d.logger.Warn("encode direct message failed", zap.Error(err))
		return
	}
	// trySend tolerates a connection the hub has already torn down;
	// the read goroutine can still be mid-dispatch at that point.
	if !conn.trySend(data) {
		d.logger.Warn("direct send dropped",
			zap.String("conn_id", conn.connID))
	}
}
