// Package bot is the Telegram surface: trade notifications and a couple of
// read-only commands.
package bot

import (
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/position"
	"github.com/web3guy0/whalebot/internal/types"
)

var tgLog = log.With().Str("module", "telegram").Logger()

// StatsProvider feeds the /status command.
type StatsProvider interface {
	OpenPositions() []*position.ManagedPosition
	BalanceUSD() decimal.Decimal
	TotalPnlUSD() decimal.Decimal
	EvLine() string
}

// Notifier pushes trade events to a chat. A nil *Notifier is safe to call;
// every method no-ops, so the daemon wires it unconditionally.
type Notifier struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	stats StatsProvider
}

// New creates a notifier. Returns nil (not an error) when the token is
// empty so callers can wire it unconditionally.
func New(token string, chatID int64, stats StatsProvider) (*Notifier, error) {
	if token == "" || chatID == 0 {
		tgLog.Info().Msg("Telegram disabled (no token/chat id)")
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	n := &Notifier{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		stats:  stats,
	}
	tgLog.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return n, nil
}

// Start begins the command loop.
func (n *Notifier) Start() {
	if n == nil {
		return
	}
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	go n.commandLoop()
	tgLog.Info().Msg("📱 Telegram bot started")
}

// Stop ends the command loop.
func (n *Notifier) Stop() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		close(n.stopCh)
		n.running = false
	}
}

// NotifyEntry announces an opened position.
func (n *Notifier) NotifyEntry(p *position.ManagedPosition) {
	n.send(fmt.Sprintf("📈 *Entry* %s\n%s @ %d¢ for $%s\nTP %d¢ | hedge %d¢ | hard %d¢",
		p.Side, short(p.TokenID), p.EntryPriceCents, p.EntrySizeUSD.StringFixed(2),
		p.TakeProfitCents, p.HedgeTriggerCents, p.HardExitCents))
}

// NotifyExit announces a closed position.
func (n *Notifier) NotifyExit(r types.TradeResult, reason types.ExitReason) {
	icon := "🏁"
	if r.PnlUSD.IsNegative() {
		icon = "🔻"
	}
	n.send(fmt.Sprintf("%s *Exit* %s (%s)\n%d¢ → %d¢, P&L $%s",
		icon, short(r.TokenID), reason, r.EntryCents, r.ExitCents, r.PnlUSD.StringFixed(2)))
}

// NotifyHedge announces a hedge leg.
func (n *Notifier) NotifyHedge(p *position.ManagedPosition, leg position.HedgeLeg) {
	n.send(fmt.Sprintf("🛡️ *Hedge* on %s\n$%s of %s @ %d¢ (total ratio %s)",
		short(p.TokenID), leg.SizeUSD.StringFixed(2), short(leg.TokenID),
		leg.EntryCents, p.TotalHedgeRatio.StringFixed(2)))
}

// NotifyRedeemable announces settled positions with claimable collateral.
func (n *Notifier) NotifyRedeemable(count int, totalUSD decimal.Decimal) {
	n.send(fmt.Sprintf("🎁 *%d redeemable position(s)* worth $%s\nClaim from the wallet to free the collateral", count, totalUSD.StringFixed(2)))
}

// NotifyPause announces an EV self-pause.
func (n *Notifier) NotifyPause(detail string) {
	n.send("🛑 *Trading paused*\n" + detail)
}

// NotifyStartup announces the daemon coming up.
func (n *Notifier) NotifyStartup(mode string) {
	n.send("🚀 *whalebot started* (" + mode + ")")
}

func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		tgLog.Warn().Err(err).Msg("Telegram send failed")
	}
}

func (n *Notifier) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case <-n.stopCh:
			n.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || update.Message.Chat.ID != n.chatID {
				continue
			}
			switch update.Message.Command() {
			case "status":
				n.send(n.statusText())
			case "positions":
				n.send(n.positionsText())
			}
		}
	}
}

func (n *Notifier) statusText() string {
	if n.stats == nil {
		return "no stats wired"
	}
	return fmt.Sprintf("💼 Balance $%s | P&L $%s | open %d\n%s",
		n.stats.BalanceUSD().StringFixed(2),
		n.stats.TotalPnlUSD().StringFixed(2),
		len(n.stats.OpenPositions()),
		n.stats.EvLine())
}

func (n *Notifier) positionsText() string {
	if n.stats == nil {
		return "no stats wired"
	}
	open := n.stats.OpenPositions()
	if len(open) == 0 {
		return "no open positions"
	}
	var b strings.Builder
	for _, p := range open {
		fmt.Fprintf(&b, "%s %s %d¢→%d¢ $%s (%s)\n",
			p.Side, short(p.TokenID), p.EntryPriceCents, p.CurrentPriceCents,
			p.EntrySizeUSD.StringFixed(2), p.State)
	}
	return b.String()
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
