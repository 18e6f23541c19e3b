package shared

import "errors"

// Error types for wire message validation
var (
	ErrMissingKind    = errors.New("missing required field: type or action")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Role identifies what a connected client is, declared via the hello message.
type Role string

const (
	RoleController   Role = "controller"
	RoleFrontend     Role = "frontend"
	RoleUnclassified Role = ""
)

// Message kinds consumed from clients.
const (
	KindHello           = "hello"
	KindSubscribe       = "subscribe"
	KindPresenceEvent   = "presence-event"
	KindBasketStable    = "basket-stable"
	KindVisionDetection = "vision-detection"
	KindScanComplete    = "scan-complete"
	KindCardTag         = "card-tag"
	KindCheckoutRequest = "checkout-request"
	KindCancelRequest   = "cancel-request"
	KindReturnToStart   = "return-to-start"
)

// Message kinds produced for clients.
const (
	KindSessionStarted = "session-started"
	KindSessionEnded   = "session-ended"
	KindStartVision    = "start-vision"
	KindStopVision     = "stop-vision"
	KindScanResult     = "scan-result"
	KindGoToScreen     = "go-to-screen"
	KindCardBound      = "card-bound"
	KindCheckoutOK     = "checkout-ok"
	KindCheckoutFailed = "checkout-failed"
	KindSubscribeOK    = "subscribe-ok"
)

// Screen identifiers pushed via go-to-screen.
const (
	ScreenStart   = "screen-start"
	ScreenBasket  = "screen-basket"
	ScreenCard    = "screen-card"
	ScreenReceipt = "screen-receipt"
)
