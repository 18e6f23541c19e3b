package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openkiosk/orchestrator/internal/sessionapi"
	"github.com/openkiosk/orchestrator/internal/shared"
	"github.com/openkiosk/orchestrator/internal/storage"
)

type SessionStatus string

const (
	StatusClosed    SessionStatus = "CLOSED"
	StatusOpen      SessionStatus = "OPEN"
	StatusCardBound SessionStatus = "CARD_BOUND"
	StatusPaid      SessionStatus = "PAID"
	StatusCancelled SessionStatus = "CANCELLED"
)

func isTerminal(status SessionStatus) bool {
	return status == StatusClosed || status == StatusPaid || status == StatusCancelled
}

// Session is the orchestrator's view of one shopping flow. The remote
// API owns the cart; this record owns lifecycle, dedup state, and
// timer validity (Generation).
type Session struct {
	LogicalID     string
	Code          string
	Status        SessionStatus
	CartSignature string
	LastChangeAt  time.Time
	LastScreen    string
	CardBindAt    time.Time
	Finalized     bool
	Generation    int64

	firstDetectionAt time.Time
}

// RemoteAPI is the subset of the session API client the state machine
// needs; tests substitute a fake.
type RemoteAPI interface {
	CreateSession(ctx context.Context, storeID int) (*sessionapi.Session, error)
	UpsertItem(ctx context.Context, code, productRef string, quantity int) (*sessionapi.ItemResult, error)
	BindCard(ctx context.Context, code, uid string) (*sessionapi.BindResult, error)
	Checkout(ctx context.Context, code string) (*sessionapi.CheckoutResult, error)
	Cancel(ctx context.Context, code string) error
}

// Broadcaster is the hub surface the state machine uses.
type Broadcaster interface {
	BroadcastAll(data []byte)
	BroadcastScoped(code string, data []byte)
	SubscribeAll(code string)
	UnsubscribeAll(code string)
}

// sessionFlow serializes all mutation for one logical_id. Timers fire
// against a generation number and are discarded when it has moved on.
//
// Two locks: mu guards the state record and is never held across
// remote I/O; op serializes the mutating remote calls themselves, so
// a checkout arriving mid-finalize waits until every cart line has
// landed.
type sessionFlow struct {
	mu      sync.Mutex
	op      sync.Mutex
	session *Session

	creating      bool
	created       chan struct{}
	lastCreateErr error

	lastCounts map[string]int
	genCounter int64

	stabilityTimer *time.Timer
	settleTimer    *time.Timer
	ttlTimer       *time.Timer
}

func (f *sessionFlow) nextGeneration() int64 {
	f.genCounter++
	return f.genCounter
}

func (f *sessionFlow) stopTimersLocked() {
	for _, t := range []**time.Timer{&f.stabilityTimer, &f.settleTimer, &f.ttlTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// SessionManagerConfig carries the tunables the state machine needs.
type SessionManagerConfig struct {
	StoreID         int
	KioskID         string
	StabilityWindow time.Duration
	SettleDelay     time.Duration
	CardDedupWindow time.Duration
	SessionTTL      time.Duration
	RemoteTimeout   time.Duration
}

// SessionManager owns the table of active sessions, keyed by
// logical_id, and mediates every lifecycle transition. All mutation of
// a session goes through its flow mutex; operations for different
// logical_ids proceed independently.
type SessionManager struct {
	cfg     SessionManagerConfig
	remote  RemoteAPI
	hub     Broadcaster
	labels  *LabelMap
	journal *storage.Journal
	alerts  *AlertNotifier
	logger  *zap.Logger
	metrics *Metrics

	cardDedup *cardDedup
	finalized *finalizeDedup

	mu    sync.Mutex
	flows map[string]*sessionFlow

	ctx context.Context
	now func() time.Time
}

func NewSessionManager(
	ctx context.Context,
	cfg SessionManagerConfig,
	remote RemoteAPI,
	hub Broadcaster,
	labels *LabelMap,
	journal *storage.Journal,
	alerts *AlertNotifier,
	logger *zap.Logger,
) (*SessionManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 7 * time.Second
	}

	finalized, err := newFinalizeDedup()
	if err != nil {
		return nil, fmt.Errorf("create finalize dedup: %w", err)
	}

	return &SessionManager{
		cfg:       cfg,
		remote:    remote,
		hub:       hub,
		labels:    labels,
		journal:   journal,
		alerts:    alerts,
		logger:    logger,
		metrics:   GetMetrics(),
		cardDedup: newCardDedup(cfg.CardDedupWindow),
		finalized: finalized,
		flows:     make(map[string]*sessionFlow),
		ctx:       ctx,
		now:       time.Now,
	}, nil
}

func (m *SessionManager) flow(logicalID string) *sessionFlow {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[logicalID]
	if !ok {
		f = &sessionFlow{}
		m.flows[logicalID] = f
	}
	return f
}

// ActiveSession returns a copy of the current non-terminal session for
// the logical_id, or nil.
func (m *SessionManager) ActiveSession(logicalID string) *Session {
	f := m.flow(logicalID)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.session == nil || isTerminal(f.session.Status) {
		return nil
	}
	copy := *f.session
	return &copy
}

// EnsureOpen returns the current open session, creating one via the
// remote API if needed. Creation is single-flight per logical_id:
// concurrent callers share one remote call and one result.
func (m *SessionManager) EnsureOpen(ctx context.Context, logicalID string) (*Session, error) {
	f := m.flow(logicalID)

	f.mu.Lock()
	if f.session != nil && !isTerminal(f.session.Status) {
		copy := *f.session
		f.mu.Unlock()
		return &copy, nil
	}

	if f.creating {
		wait := f.created
		f.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.session != nil && !isTerminal(f.session.Status) {
			copy := *f.session
			return &copy, nil
		}
		if f.lastCreateErr != nil {
			return nil, f.lastCreateErr
		}
		return nil, errors.New("session creation superseded")
	}

	f.creating = true
	f.created = make(chan struct{})
	f.mu.Unlock()

	callCtx, cancel := context.WithTimeout(shared.WithCorrelationID(ctx, logicalID), m.cfg.RemoteTimeout)
	start := m.now()
	remote, err := m.remote.CreateSession(callCtx, m.cfg.StoreID)
	cancel()
	m.metrics.RecordRemoteCallDuration("create", m.now().Sub(start).Seconds())

	f.mu.Lock()
	f.creating = false
	close(f.created)

	if err != nil {
		f.lastCreateErr = err
		f.mu.Unlock()
		m.metrics.RecordRemoteCall("create", "error")
		m.metrics.RecordError("session", "create")
		m.logger.Warn("session creation failed",
			zap.String("logical_id", logicalID),
			zap.Error(err))
		if errors.Is(err, sessionapi.ErrUnreachable) {
			m.alerts.NotifyRemoteOutage(m.cfg.KioskID, err)
		}
		return nil, err
	}
	f.lastCreateErr = nil
	m.metrics.RecordRemoteCall("create", "ok")

	sess := &Session{
		LogicalID:    logicalID,
		Code:         remote.Code,
		Status:       StatusOpen,
		LastChangeAt: m.now(),
		Generation:   f.nextGeneration(),
	}
	f.session = sess
	f.lastCounts = nil
	gen := sess.Generation
	m.armTTLLocked(f, logicalID, gen)
	copy := *sess
	f.mu.Unlock()

	m.metrics.RecordTransition(string(StatusClosed), string(StatusOpen))
	m.refreshSessionGauge()
	m.logger.Info("session opened",
		zap.String("logical_id", logicalID),
		zap.String("code", copy.Code))

	m.hub.SubscribeAll(copy.Code)
	m.sendAll(&shared.Outbound{Type: shared.KindSessionStarted, SessionCode: copy.Code, Status: string(StatusOpen)})
	m.sendAll(&shared.Outbound{Type: shared.KindStartVision, SessionCode: copy.Code})
	m.journalState(&copy)
	m.journalEvent(copy.Code, shared.KindSessionStarted, "")

	return &copy, nil
}

// RecordDetection feeds a raw count-map into the stabilizer. Signature
// changes rebroadcast detection feedback and re-arm the stability
// timer; an empty map resets the clock and can never finalize. Events
// for a missing or terminal session are dropped.
func (m *SessionManager) RecordDetection(logicalID string, counts map[string]int) {
	f := m.flow(logicalID)

	f.mu.Lock()
	sess := f.session
	if sess == nil || isTerminal(sess.Status) || sess.Finalized {
		f.mu.Unlock()
		return
	}

	now := m.now()
	sig := Signature(counts)

	if sig == "" {
		sess.CartSignature = ""
		sess.LastChangeAt = now
		if f.stabilityTimer != nil {
			f.stabilityTimer.Stop()
			f.stabilityTimer = nil
		}
		f.lastCounts = nil
		f.mu.Unlock()
		return
	}

	if sig == sess.CartSignature {
		f.mu.Unlock()
		return
	}

	sess.CartSignature = sig
	sess.LastChangeAt = now
	if sess.firstDetectionAt.IsZero() {
		sess.firstDetectionAt = now
	}
	f.lastCounts = copyCounts(counts)
	gen := sess.Generation
	m.armStabilityLocked(f, logicalID, gen)
	f.mu.Unlock()

	m.sendAll(&shared.Outbound{Type: shared.KindScanResult, Counts: copyCounts(counts)})
}

// ForceFinalize commits the current basket immediately, bypassing the
// stability window. Used when the controller reports scan completion
// on its own authority.
func (m *SessionManager) ForceFinalize(logicalID string) {
	f := m.flow(logicalID)

	f.op.Lock()
	defer f.op.Unlock()

	f.mu.Lock()
	sess := f.session
	if sess == nil || isTerminal(sess.Status) || sess.Finalized || !HasItems(f.lastCounts) {
		f.mu.Unlock()
		return
	}
	m.finalizeLocked(f, logicalID)
}

// onStabilityTimer fires when a signature has gone unchanged for the
// stability window. The generation check discards timers that outlived
// their session.
func (m *SessionManager) onStabilityTimer(logicalID string, gen int64) {
	f := m.flow(logicalID)

	f.op.Lock()
	defer f.op.Unlock()

	f.mu.Lock()
	sess := f.session
	if sess == nil || sess.Generation != gen || isTerminal(sess.Status) || sess.Finalized {
		f.mu.Unlock()
		return
	}
	if !IsStable(sess.CartSignature, sess.CartSignature, sess.LastChangeAt, m.now(), m.cfg.StabilityWindow) {
		f.mu.Unlock()
		return
	}
	if !HasItems(f.lastCounts) {
		f.mu.Unlock()
		return
	}
	m.finalizeLocked(f, logicalID)
}

// finalizeLocked commits the basket exactly once per session cycle.
// Caller holds both f.op and f.mu; f.mu is released here before
// remote I/O while f.op stays held across the upserts, so no other
// mutating call can overtake a half-written cart.
func (m *SessionManager) finalizeLocked(f *sessionFlow, logicalID string) {
	sess := f.session
	if m.finalized.seen(sess.Code, sess.CartSignature) {
		sess.Finalized = true
		f.mu.Unlock()
		return
	}

	sess.Finalized = true
	code := sess.Code
	counts := copyCounts(f.lastCounts)
	firstDetection := sess.firstDetectionAt
	sessCopy := *sess
	f.mu.Unlock()

	for label, qty := range counts {
		ref, ok := m.labels.Resolve(label)
		if !ok {
			m.logger.Warn("unmapped label skipped",
				zap.String("label", label),
				zap.Int("quantity", qty))
			m.metrics.RecordError("finalize", "unmapped_label")
			continue
		}

		callCtx, cancel := context.WithTimeout(shared.WithCorrelationID(m.ctx, code), m.cfg.RemoteTimeout)
		start := m.now()
		_, err := m.remote.UpsertItem(callCtx, code, ref, qty)
		cancel()
		m.metrics.RecordRemoteCallDuration("upsert_item", m.now().Sub(start).Seconds())
		if err != nil {
			m.metrics.RecordRemoteCall("upsert_item", "error")
			m.logger.Warn("item upsert failed",
				zap.String("code", code),
				zap.String("product_ref", ref),
				zap.Error(err))
			continue
		}
		m.metrics.RecordRemoteCall("upsert_item", "ok")
	}

	if !firstDetection.IsZero() {
		m.metrics.RecordScanSettleDuration(m.now().Sub(firstDetection).Seconds())
	}

	m.sendAll(&shared.Outbound{Type: shared.KindStopVision, SessionCode: code})
	m.sendAll(&shared.Outbound{Type: shared.KindScanComplete, SessionCode: code})
	m.goToScreen(logicalID, shared.ScreenCard)
	m.journalState(&sessCopy)
	m.journalEvent(code, shared.KindScanComplete, sessCopy.CartSignature)

	m.logger.Info("scan finalized",
		zap.String("logical_id", logicalID),
		zap.String("code", code),
		zap.String("signature", sessCopy.CartSignature))
}

// BindCard normalizes and binds a tapped card. Duplicate taps inside
// the dedup window are ignored. Outcomes are broadcast only to
// subscribers of the session code.
func (m *SessionManager) BindCard(logicalID, rawUID string) {
	uid := NormalizeUID(rawUID)
	if uid == "" {
		m.logger.Warn("card tag rejected: empty after normalization",
			zap.String("logical_id", logicalID),
			zap.String("raw_uid", rawUID))
		return
	}

	f := m.flow(logicalID)

	f.op.Lock()
	defer f.op.Unlock()

	f.mu.Lock()
	sess := f.session
	if sess == nil || sess.Status != StatusOpen {
		f.mu.Unlock()
		return
	}

	now := m.now()
	if !m.cardDedup.accept(logicalID, uid, now) {
		f.mu.Unlock()
		m.logger.Debug("duplicate card tap suppressed",
			zap.String("logical_id", logicalID))
		return
	}

	code := sess.Code
	gen := sess.Generation
	f.mu.Unlock()

	callCtx, cancel := context.WithTimeout(shared.WithCorrelationID(m.ctx, code), m.cfg.RemoteTimeout)
	start := m.now()
	result, err := m.remote.BindCard(callCtx, code, uid)
	cancel()
	m.metrics.RecordRemoteCallDuration("bind_card", m.now().Sub(start).Seconds())

	f.mu.Lock()
	sess = f.session
	if sess == nil || sess.Generation != gen || sess.Status != StatusOpen {
		// Stale response: the session moved on while the call was in
		// flight. Never applied.
		f.mu.Unlock()
		return
	}

	if err != nil || !result.Bound {
		f.mu.Unlock()
		m.metrics.RecordRemoteCall("bind_card", "error")
		reason := "bind rejected"
		if err != nil {
			reason = failureReason(err)
		}
		m.logger.Warn("card bind failed",
			zap.String("code", code),
			zap.String("reason", reason),
			zap.Error(err))
		m.sendScoped(code, &shared.Outbound{Type: shared.KindCardBound, SessionCode: code, OK: shared.Bool(false), Reason: reason})
		m.discardIfVanished(logicalID, gen, err)
		return
	}

	sess.Status = StatusCardBound
	sess.CardBindAt = now
	sessCopy := *sess
	f.mu.Unlock()

	m.metrics.RecordRemoteCall("bind_card", "ok")
	m.metrics.RecordTransition(string(StatusOpen), string(StatusCardBound))
	m.refreshSessionGauge()
	m.logger.Info("card bound",
		zap.String("logical_id", logicalID),
		zap.String("code", code))

	m.sendScoped(code, &shared.Outbound{Type: shared.KindCardBound, SessionCode: code, OK: shared.Bool(true), Status: string(StatusCardBound)})
	m.journalState(&sessCopy)
	m.journalEvent(code, shared.KindCardBound, "")
}

// Checkout captures payment. Success transitions to PAID and schedules
// recreation after the settle delay; failure leaves the session as-is
// so the shopper can retry. Taking f.op first queues the capture
// behind any finalize still writing cart lines.
func (m *SessionManager) Checkout(logicalID string) {
	f := m.flow(logicalID)

	f.op.Lock()
	defer f.op.Unlock()

	f.mu.Lock()
	sess := f.session
	if sess == nil || (sess.Status != StatusCardBound && sess.Status != StatusOpen) {
		f.mu.Unlock()
		return
	}
	code := sess.Code
	gen := sess.Generation
	prevStatus := sess.Status
	f.mu.Unlock()

	callCtx, cancel := context.WithTimeout(shared.WithCorrelationID(m.ctx, code), m.cfg.RemoteTimeout)
	start := m.now()
	result, err := m.remote.Checkout(callCtx, code)
	cancel()
	m.metrics.RecordRemoteCallDuration("checkout", m.now().Sub(start).Seconds())

	f.mu.Lock()
	sess = f.session
	if sess == nil || sess.Generation != gen || isTerminal(sess.Status) {
		f.mu.Unlock()
		return
	}

	if err != nil || !result.OK {
		f.mu.Unlock()
		m.metrics.RecordRemoteCall("checkout", "error")
		reason := "payment declined"
		if err != nil {
			reason = failureReason(err)
		}
		m.logger.Warn("checkout failed",
			zap.String("code", code),
			zap.String("reason", reason),
			zap.Error(err))
		m.sendScoped(code, &shared.Outbound{Type: shared.KindCheckoutFailed, SessionCode: code, Reason: reason})
		m.alerts.NotifyCheckoutFailed(m.cfg.KioskID, code, reason)
		m.discardIfVanished(logicalID, gen, err)
		return
	}

	sess.Status = StatusPaid
	sess.Finalized = true
	f.stopTimersLocked()
	m.armSettleLocked(f, logicalID, gen)
	sessCopy := *sess
	f.mu.Unlock()

	m.metrics.RecordRemoteCall("checkout", "ok")
	m.metrics.RecordTransition(string(prevStatus), string(StatusPaid))
	m.refreshSessionGauge()
	m.logger.Info("session paid",
		zap.String("logical_id", logicalID),
		zap.String("code", code),
		zap.Int64("total_price", result.TotalPrice))

	m.sendScoped(code, &shared.Outbound{Type: shared.KindCheckoutOK, SessionCode: code, TotalPrice: result.TotalPrice})
	// Scoped delivery first, then release the subscriptions so the
	// same clients can follow the next session.
	m.hub.UnsubscribeAll(code)
	m.goToScreen(logicalID, shared.ScreenReceipt)
	m.journalState(&sessCopy)
	m.journalEvent(code, shared.KindCheckoutOK, "")
	m.alerts.NotifySessionPaid(m.cfg.KioskID, code, result.TotalPrice)
}

// Cancel aborts the current session and schedules a fresh one.
func (m *SessionManager) Cancel(logicalID string) {
	m.endSession(logicalID, StatusCancelled, "cancelled", true)
}

// ReturnToStart resets the kiosk to its idle screen and schedules a
// fresh session. Timers are cleared unconditionally; any in-flight
// remote result is generation-checked away.
func (m *SessionManager) ReturnToStart(logicalID string) {
	m.endSession(logicalID, StatusClosed, "return-to-start", false)
	m.goToScreen(logicalID, shared.ScreenStart)
}

// onTTLTimer closes out a session that sat idle past its TTL.
func (m *SessionManager) onTTLTimer(logicalID string, gen int64) {
	f := m.flow(logicalID)

	f.mu.Lock()
	sess := f.session
	if sess == nil || sess.Generation != gen || isTerminal(sess.Status) {
		f.mu.Unlock()
		return
	}
	code := sess.Code
	f.mu.Unlock()

	m.logger.Info("session expired",
		zap.String("logical_id", logicalID),
		zap.String("code", code))
	m.endSession(logicalID, StatusClosed, "timeout", false)
}

func (m *SessionManager) endSession(logicalID string, to SessionStatus, reason string, cancelRemote bool) {
	f := m.flow(logicalID)

	f.mu.Lock()
	sess := f.session
	if sess == nil || isTerminal(sess.Status) {
		f.mu.Unlock()
		return
	}

	prevStatus := sess.Status
	code := sess.Code
	gen := sess.Generation
	sess.Status = to
	f.stopTimersLocked()
	m.armSettleLocked(f, logicalID, gen)
	sessCopy := *sess
	f.mu.Unlock()

	m.cardDedup.reset(logicalID)

	if cancelRemote {
		callCtx, cancel := context.WithTimeout(shared.WithCorrelationID(m.ctx, code), m.cfg.RemoteTimeout)
		start := m.now()
		if err := m.remote.Cancel(callCtx, code); err != nil {
			m.metrics.RecordRemoteCall("cancel", "error")
			m.logger.Warn("remote cancel failed",
				zap.String("code", code),
				zap.Error(err))
		} else {
			m.metrics.RecordRemoteCall("cancel", "ok")
		}
		cancel()
		m.metrics.RecordRemoteCallDuration("cancel", m.now().Sub(start).Seconds())
	}

	m.metrics.RecordTransition(string(prevStatus), string(to))
	m.refreshSessionGauge()
	m.logger.Info("session ended",
		zap.String("logical_id", logicalID),
		zap.String("code", code),
		zap.String("reason", reason))

	m.sendAll(&shared.Outbound{Type: shared.KindSessionEnded, SessionCode: code, Reason: reason})
	m.hub.UnsubscribeAll(code)
	m.journalState(&sessCopy)
	m.journalEvent(code, shared.KindSessionEnded, reason)
}

// onSettleTimer recreates a fresh OPEN session after any terminal
// transition, so the kiosk is always ready for the next shopper.
func (m *SessionManager) onSettleTimer(logicalID string, gen int64) {
	f := m.flow(logicalID)

	f.mu.Lock()
	sess := f.session
	if sess == nil || sess.Generation != gen {
		f.mu.Unlock()
		return
	}
	if !isTerminal(sess.Status) {
		f.mu.Unlock()
		return
	}
	f.session = nil
	f.lastCounts = nil
	f.mu.Unlock()

	m.refreshSessionGauge()

	if _, err := m.EnsureOpen(m.ctx, logicalID); err != nil {
		m.logger.Warn("session recreation failed",
			zap.String("logical_id", logicalID),
			zap.Error(err))
	}
}

// goToScreen broadcasts a screen transition, suppressing repeats of
// the screen the clients are already on.
func (m *SessionManager) goToScreen(logicalID, screen string) {
	f := m.flow(logicalID)

	f.mu.Lock()
	sess := f.session
	if sess != nil {
		if sess.LastScreen == screen {
			f.mu.Unlock()
			return
		}
		sess.LastScreen = screen
	}
	f.mu.Unlock()

	m.sendAll(&shared.Outbound{Type: shared.KindGoToScreen, Screen: screen})
}

func (m *SessionManager) armStabilityLocked(f *sessionFlow, logicalID string, gen int64) {
	if f.stabilityTimer != nil {
		f.stabilityTimer.Stop()
	}
	f.stabilityTimer = time.AfterFunc(m.cfg.StabilityWindow, func() {
		m.onStabilityTimer(logicalID, gen)
	})
}

func (m *SessionManager) armSettleLocked(f *sessionFlow, logicalID string, gen int64) {
	if f.settleTimer != nil {
		f.settleTimer.Stop()
	}
	f.settleTimer = time.AfterFunc(m.cfg.SettleDelay, func() {
		m.onSettleTimer(logicalID, gen)
	})
}

func (m *SessionManager) armTTLLocked(f *sessionFlow, logicalID string, gen int64) {
	if m.cfg.SessionTTL <= 0 {
		return
	}
	if f.ttlTimer != nil {
		f.ttlTimer.Stop()
	}
	f.ttlTimer = time.AfterFunc(m.cfg.SessionTTL, func() {
		m.onTTLTimer(logicalID, gen)
	})
}

// refreshSessionGauge republishes the per-status session counts.
// Every known status is written each time, zeroes included, so the
// gauge never keeps reporting a state a session has left.
func (m *SessionManager) refreshSessionGauge() {
	counts := map[SessionStatus]int64{
		StatusOpen:      0,
		StatusCardBound: 0,
		StatusPaid:      0,
		StatusCancelled: 0,
		StatusClosed:    0,
	}

	m.mu.Lock()
	flows := make([]*sessionFlow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	m.mu.Unlock()

	for _, f := range flows {
		f.mu.Lock()
		if f.session != nil {
			counts[f.session.Status]++
		}
		f.mu.Unlock()
	}

	for status, n := range counts {
		m.metrics.SetActiveSessions(string(status), n)
	}
}

func (m *SessionManager) sendAll(out *shared.Outbound) {
	data, err := out.Encode(m.now())
	if err != nil {
		m.logger.Warn("encode broadcast failed", zap.Error(err))
		return
	}
	m.hub.BroadcastAll(data)
}

func (m *SessionManager) sendScoped(code string, out *shared.Outbound) {
	data, err := out.Encode(m.now())
	if err != nil {
		m.logger.Warn("encode broadcast failed", zap.Error(err))
		return
	}
	m.hub.BroadcastScoped(code, data)
}

func (m *SessionManager) journalState(sess *Session) {
	if m.journal == nil {
		return
	}

	entry := storage.JournalEntry{
		LogicalID:     sess.LogicalID,
		Code:          sess.Code,
		Status:        string(sess.Status),
		CartSignature: sess.CartSignature,
		LastScreen:    sess.LastScreen,
		Finalized:     sess.Finalized,
		Generation:    sess.Generation,
		LastChangeAt:  sess.LastChangeAt.UTC().Format(time.RFC3339Nano),
	}
	if !sess.CardBindAt.IsZero() {
		entry.CardBindAt = sess.CardBindAt.UTC().Format(time.RFC3339Nano)
	}
	if err := m.journal.RecordState(entry); err != nil {
		m.logger.Warn("journal write failed",
			zap.String("logical_id", sess.LogicalID),
			zap.Error(err))
	}
}

func (m *SessionManager) journalEvent(code, kind, detail string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.AppendEvent(code, kind, detail); err != nil {
		m.logger.Warn("event log write failed",
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// discardIfVanished drops the local record when the remote reports the
// session code no longer exists; the next trigger then recreates.
func (m *SessionManager) discardIfVanished(logicalID string, gen int64, err error) {
	if !errors.Is(err, sessionapi.ErrNotFound) {
		return
	}

	f := m.flow(logicalID)
	f.mu.Lock()
	if f.session != nil && f.session.Generation == gen {
		f.stopTimersLocked()
		f.session = nil
		f.lastCounts = nil
	}
	f.mu.Unlock()

	m.refreshSessionGauge()
	m.logger.Warn("remote session vanished, local record discarded",
		zap.String("logical_id", logicalID))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, sessionapi.ErrNotFound):
		return "session not found"
	case errors.Is(err, sessionapi.ErrNotOpen):
		return "session not open"
	case errors.Is(err, sessionapi.ErrValidation):
		return "validation failed"
	case errors.Is(err, sessionapi.ErrUnreachable):
		return "service unavailable"
	default:
		return "internal error"
	}
}

func copyCounts(counts map[string]int) map[string]int {
	if counts == nil {
		return nil
	}
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}
