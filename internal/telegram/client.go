// Package telegram sends agent notifications via the Telegram Bot API and
// answers /ping and /status commands.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/trendpilot/internal/logger"
	"github.com/rewired-gh/trendpilot/internal/models"
)

// StateFunc returns the agent's current snapshot for /status.
type StateFunc func() models.AgentState

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	sender         sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	state          StateFunc

	mu            sync.Mutex
	alerting      bool
	cycleHadError bool
	failingCycles int
	lastUpdate    time.Time
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase)
	c.bot = bot
	return c, nil
}

func newClient(s sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		sender:         s,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// SetStateFunc sets the snapshot source used by /status.
func (c *Client) SetStateFunc(fn StateFunc) {
	c.state = fn
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message.Chat.ID, update.Message.Command())
				}
			}
		}
	}()
}

func (c *Client) handleCommand(chatID int64, command string) {
	var reply tgbotapi.MessageConfig
	switch command {
	case "ping":
		reply = tgbotapi.NewMessage(chatID, "Pong")
	case "status":
		if c.state == nil {
			return
		}
		reply = tgbotapi.NewMessage(chatID, formatStatus(c.state()))
		reply.ParseMode = "MarkdownV2"
	default:
		return
	}
	if _, err := c.sender.Send(reply); err != nil {
		logger.Warn("Failed to reply to /%s: %v", command, err)
	}
}

// Handle notifies on opened and closed positions, on the first error of a
// run of failing cycles, and on recovery.
func (c *Client) Handle(ctx context.Context, ev models.Event) error {
	switch e := ev.(type) {
	case models.ActivityEvent:
		switch e.Activity.Action {
		case models.ActionPositionOpened:
			if e.Activity.Position != nil {
				return c.sendMarkdownV2(ctx, formatOpened(*e.Activity.Position, e.Activity.Trend))
			}
		case models.ActionPositionClosed:
			if e.Activity.Position != nil {
				return c.sendMarkdownV2(ctx, formatClosed(*e.Activity.Position))
			}
		}
	case models.ErrorEvent:
		c.mu.Lock()
		c.cycleHadError = true
		first := !c.alerting
		c.alerting = true
		c.mu.Unlock()
		if first {
			return c.SendError(ctx, e.Activity.Message, e.Err)
		}
	case models.StateEvent:
		c.mu.Lock()
		if e.State.LastUpdate.Equal(c.lastUpdate) {
			c.mu.Unlock()
			return nil
		}
		c.lastUpdate = e.State.LastUpdate
		var recovered int
		if c.cycleHadError {
			c.failingCycles++
		} else if c.alerting {
			recovered = c.failingCycles
			c.alerting = false
			c.failingCycles = 0
		}
		c.cycleHadError = false
		c.mu.Unlock()
		if recovered > 0 {
			return c.SendRecovery(ctx, recovered)
		}
	}
	return nil
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.sender.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends an agent error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, summary string, cause error) error {
	text := fmt.Sprintf("⚠️ *%s*\n`%s`", escapeMarkdownV2(summary), escapeMarkdownV2(cause.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Agent recovered* after %d failing cycle\\(s\\)", failureCount)
	return c.sendMarkdownV2(ctx, text)
}

func formatOpened(p models.Position, trend *models.ScoredTrend) string {
	var b strings.Builder
	b.WriteString("🟢 *Position opened*\n\n")
	fmt.Fprintf(&b, "Token: *%s* `%s`\n", escapeMarkdownV2(p.Symbol), escapeMarkdownV2(p.TokenAddress))
	if trend != nil {
		name := escapeMarkdownV2(trend.Name)
		if url := trend.Metadata["url"]; url != "" {
			name = fmt.Sprintf("[%s](%s)", name, escapeMarkdownV2URL(url))
		}
		fmt.Fprintf(&b, "Trend: %s \\(score %s\\)\n", name, escapeMarkdownV2(fmt.Sprintf("%.2f", trend.Score)))
	}
	fmt.Fprintf(&b, "Entry: %s × %s\n",
		escapeMarkdownV2(fmt.Sprintf("%.8g", p.EntryPrice)),
		escapeMarkdownV2(fmt.Sprintf("%.8g", p.Quantity)))
	if p.TxHash != "" {
		fmt.Fprintf(&b, "Tx: `%s`\n", escapeMarkdownV2(p.TxHash))
	}
	return b.String()
}

func formatClosed(p models.Position) string {
	emoji := "📉"
	if p.PnL() > 0 {
		emoji = "📈"
	}
	return fmt.Sprintf("%s *Position closed* %s\n\nToken: *%s*\nExit: %s → %s\nP&L: *%s* \\(%s\\)\n",
		emoji,
		escapeMarkdownV2("("+strings.ReplaceAll(string(p.CloseReason), "_", " ")+")"),
		escapeMarkdownV2(p.Symbol),
		escapeMarkdownV2(fmt.Sprintf("%.8g", p.EntryPrice)),
		escapeMarkdownV2(fmt.Sprintf("%.8g", p.ExitPrice)),
		escapeMarkdownV2(fmt.Sprintf("%+.2f", p.PnL())),
		escapeMarkdownV2(fmt.Sprintf("%+.2f%%", p.PnLPercent())))
}

func formatStatus(s models.AgentState) string {
	status := "stopped"
	if s.IsRunning {
		status = "running"
	}
	auto := "off"
	if s.AutoTrading {
		auto = "on"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 *Agent %s*, auto trading %s\n\n", status, auto)
	fmt.Fprintf(&b, "Active trends: %d\n", len(s.ActiveTrends))
	fmt.Fprintf(&b, "Open positions: %d\n", len(s.Positions))
	for _, p := range s.Positions {
		fmt.Fprintf(&b, "   • %s %s\n", escapeMarkdownV2(p.Symbol), escapeMarkdownV2(fmt.Sprintf("%+.2f%%", p.PnLPercent())))
	}
	fmt.Fprintf(&b, "Trades: %d, success %s, P&L %s\n",
		s.Performance.TotalTrades,
		escapeMarkdownV2(fmt.Sprintf("%.0f%%", s.Performance.SuccessRate*100)),
		escapeMarkdownV2(fmt.Sprintf("%+.2f", s.Performance.TotalPnL)))
	if !s.LastUpdate.IsZero() {
		fmt.Fprintf(&b, "Updated: %s\n", escapeMarkdownV2(s.LastUpdate.Format("2006-01-02 15:04:05")))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeMarkdownV2URL escapes a link target, where only ')' and backslash are special.
func escapeMarkdownV2URL(url string) string {
	var b strings.Builder
	b.Grow(len(url))
	for _, char := range url {
		if char == ')' || char == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
