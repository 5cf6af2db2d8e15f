package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIURL = "https://api.telegram.org"
	// MaxMessageLength is the longest text the Bot API accepts
	MaxMessageLength = 4096

	defaultPollTimeout = 30 * time.Second
	maxPollBackoff     = 30 * time.Second
)

// APIError is a failure reported by the Bot API itself.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Telegram is a Bot API gateway: long polling for inbound messages and rate
// limited sendMessage.
type Telegram struct {
	token       string
	baseURL     string
	client      *http.Client
	limiter     *rate.Limiter
	pollTimeout time.Duration
	offset      int

	mx  sync.Mutex
	bot *tgbotapi.BotAPI
}

type TelegramOption func(*Telegram)

// WithAPIURL changes the Bot API endpoint.
func WithAPIURL(u string) TelegramOption {
	return func(t *Telegram) {
		if u != "" {
			t.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(c *http.Client) TelegramOption {
	return func(t *Telegram) {
		t.client = c
	}
}

// WithRateLimit limits outbound messages. The Bot API allows about one
// message per second in a single chat.
func WithRateLimit(limit rate.Limit, burst int) TelegramOption {
	return func(t *Telegram) {
		t.limiter = rate.NewLimiter(limit, burst)
	}
}

func WithPollTimeout(d time.Duration) TelegramOption {
	return func(t *Telegram) {
		t.pollTimeout = d
	}
}

func NewTelegram(token string, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		token:       token,
		baseURL:     DefaultAPIURL,
		limiter:     rate.NewLimiter(rate.Every(time.Second), 3),
		pollTimeout: defaultPollTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: t.pollTimeout + 10*time.Second}
	}
	return t
}

// SendMessage sends text to chatID, text longer than MaxMessageLength is
// truncated.
func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	bot, err := t.botAPI(ctx)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, Truncate(text, MaxMessageLength))
	if _, err := bot.Send(msg); err != nil {
		return t.wrap("sendMessage", err)
	}
	return nil
}

// Poll long-polls getUpdates and hands every text message to handle. Transient
// failures are logged and retried with a backoff. Returns nil once ctx is done.
func (t *Telegram) Poll(ctx context.Context, handle func(context.Context, Update)) error {
	backoff := time.Second
	for ctx.Err() == nil {
		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > backoff {
				backoff = apiErr.RetryAfter
			}
			slog.WarnContext(ctx, "polling remote chat failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxPollBackoff)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			t.offset = u.UpdateID + 1
			m := u.Message
			if m == nil || m.From == nil || m.Text == "" {
				continue
			}
			handle(ctx, Update{
				SenderID:   m.From.ID,
				SenderName: m.From.UserName,
				Text:       m.Text,
			})
		}
	}
	return nil
}

func (t *Telegram) getUpdates(ctx context.Context) ([]tgbotapi.Update, error) {
	bot, err := t.botAPI(ctx)
	if err != nil {
		return nil, err
	}
	updates, err := bot.GetUpdates(tgbotapi.UpdateConfig{
		Offset:         t.offset,
		Timeout:        int(t.pollTimeout / time.Second),
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, t.wrap("getUpdates", err)
	}
	return updates, nil
}

// botAPI returns a bot whose requests are bound to ctx. The bot is created,
// and the token verified by getMe, on first use.
func (t *Telegram) botAPI(ctx context.Context) (*tgbotapi.BotAPI, error) {
	client := ctxClient{ctx: ctx, client: t.client}

	t.mx.Lock()
	defer t.mx.Unlock()
	if t.bot == nil {
		bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.baseURL+"/bot%s/%s", client)
		if err != nil {
			return nil, t.wrap("getMe", err)
		}
		slog.DebugContext(ctx, "remote chat connected", "bot", bot.Self.UserName)
		t.bot = bot
	}
	// BotAPI is a plain value, a copy shares nothing but the endpoint
	bot := *t.bot
	bot.Client = client
	return &bot, nil
}

// wrap converts errors of the bot library, the bot token never leaks to
// the returned error.
func (t *Telegram) wrap(method string, err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return &APIError{
			Method:      method,
			Code:        tgErr.Code,
			Description: tgErr.Message,
			RetryAfter:  time.Duration(tgErr.RetryAfter) * time.Second,
		}
	}
	return fmt.Errorf("telegram %s: %w", method, t.redact(err))
}

// redact removes the bot token from errors carrying the request URL.
func (t *Telegram) redact(err error) error {
	var urlErr *url.Error
	if t.token != "" && errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, t.token, "<token>")
	}
	return err
}

// ctxClient binds requests made by the bot library to a context.
type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// Truncate shortens s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
