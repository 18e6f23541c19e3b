package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorSuccess = 0x00CC66
	colorFailure = 0xCC3333
	colorWarning = 0xFF9900
)

// alertCooldown keeps a flapping remote API from spamming the ops
// channel with one embed per failed call.
const alertCooldown = 5 * time.Minute

// DiscordSession abstracts the discordgo.Session methods used by
// AlertNotifier, enabling mock-based testing without real Discord
// API calls.
type DiscordSession interface {
	Open() error
	Close() error
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) Open() error {
	return r.s.Open()
}

func (r *realDiscordSession) Close() error {
	return r.s.Close()
}

func (r *realDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

// AlertNotifier pushes kiosk incident notifications (remote API
// outages, checkout failures, stuck sessions) to an ops Discord
// channel. Optional: a nil notifier is safe to call.
type AlertNotifier struct {
	session   DiscordSession
	channelID string
	logger    *zap.Logger

	mu        sync.Mutex
	running   bool
	lastAlert map[string]time.Time
}

// NewAlertNotifier creates a notifier with a real discordgo session.
func NewAlertNotifier(token, channelID string, logger *zap.Logger) (*AlertNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord channel id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &AlertNotifier{
		session:   &realDiscordSession{s: dg},
		channelID: channelID,
		logger:    logger,
		lastAlert: make(map[string]time.Time),
	}, nil
}

// NewAlertNotifierWithSession creates a notifier with an injected
// session (for testing).
func NewAlertNotifierWithSession(session DiscordSession, channelID string, logger *zap.Logger) *AlertNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertNotifier{
		session:   session,
		channelID: channelID,
		logger:    logger,
		lastAlert: make(map[string]time.Time),
	}
}

func (n *AlertNotifier) Start() error {
	if n == nil {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}
	if err := n.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	n.running = true
	return nil
}

func (n *AlertNotifier) Stop() {
	if n == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return
	}
	if err := n.session.Close(); err != nil {
		n.logger.Warn("close discord session", zap.Error(err))
	}
	n.running = false
}

// NotifyRemoteOutage reports that the session API stopped answering.
func (n *AlertNotifier) NotifyRemoteOutage(kioskID string, err error) {
	n.send("remote-outage", &discordgo.MessageEmbed{
		Title:       "Session API unreachable",
		Description: fmt.Sprintf("Kiosk `%s` cannot reach the session API: %v", kioskID, err),
		Color:       colorFailure,
	})
}

// NotifyCheckoutFailed reports a failed payment capture.
func (n *AlertNotifier) NotifyCheckoutFailed(kioskID, code, reason string) {
	n.send("checkout-failed:"+code, &discordgo.MessageEmbed{
		Title:       "Checkout failed",
		Description: fmt.Sprintf("Kiosk `%s`, session `%s`: %s", kioskID, code, reason),
		Color:       colorWarning,
	})
}

// NotifySessionPaid reports a completed purchase.
func (n *AlertNotifier) NotifySessionPaid(kioskID, code string, totalPrice int64) {
	n.send("paid:"+code, &discordgo.MessageEmbed{
		Title:       "Session paid",
		Description: fmt.Sprintf("Kiosk `%s`, session `%s`, total %d", kioskID, code, totalPrice),
		Color:       colorSuccess,
	})
}

func (n *AlertNotifier) send(key string, embed *discordgo.MessageEmbed) {
	if n == nil {
		return
	}

	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	if last, ok := n.lastAlert[key]; ok && time.Since(last) < alertCooldown {
		n.mu.Unlock()
		return
	}
	n.lastAlert[key] = time.Now()
	session := n.session
	channelID := n.channelID
	n.mu.Unlock()

	if _, err := session.ChannelMessageSendEmbed(channelID, embed); err != nil {
		n.logger.Warn("discord alert send failed",
			zap.String("key", key),
			zap.Error(err))
	}
}
