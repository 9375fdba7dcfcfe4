package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/wizard-runtime/internal/metrics"
	"github.com/agentoven/wizard-runtime/internal/runtime"
	"github.com/agentoven/wizard-runtime/pkg/models"
	"github.com/rs/zerolog/log"
)

// SecretHeader carries the secret_token set with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// DefaultUpdateTimeout bounds the processing of one update.
const DefaultUpdateTimeout = 5 * time.Minute

// Reply texts.
const (
	helpText = "Hi! I run wizards for your team.\n\n" +
		"Just send a message to talk to the default wizard, or pick one with\n" +
		"/wizard <id> <your request>\n\n" +
		"This chat's id is %d. Ask your workspace admin to link it if you have not already."
	notLinkedText = "This chat is not linked to a workspace yet. " +
		"Ask your admin to link chat id %d, then try again."
	contactSupportText = "Your workspace is not active. Please contact support."
	budgetText         = "Your workspace has used its monthly budget. Please contact your admin to raise it."
	invalidText        = "I could not run that: %s"
	failureText        = "Something went wrong while running the wizard. Please try again later."
	rateLimitedText    = "You are sending messages too fast. Please wait a moment."
)

// ── Bot API update types ────────────────────────────────────

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// ── Collaborators ───────────────────────────────────────────

// Runner executes wizard runs.
type Runner interface {
	Run(ctx context.Context, in runtime.Input) (*models.RunResult, error)
}

// ChatResolver maps a chat to its identity and tenant.
type ChatResolver interface {
	ResolveChat(ctx context.Context, channel models.Channel, chatID, externalUserID string) (*models.TenantIdentity, *models.Tenant, error)
}

// Sender delivers reply text to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// HandlerConfig configures the webhook.
type HandlerConfig struct {
	// Secret is compared against SecretHeader. Empty disables verification.
	Secret   string
	Runner   Runner
	Resolver ChatResolver
	Sender   Sender
	Limiter  *ChatLimiter
	// BaseContext outlives individual requests; cancelling it stops
	// in-flight updates. Defaults to context.Background().
	BaseContext context.Context
	Timeout     time.Duration
}

// Handler acknowledges updates immediately and processes them in the
// background.
type Handler struct {
	secret   []byte
	runner   Runner
	resolver ChatResolver
	sender   Sender
	limiter  *ChatLimiter
	baseCtx  context.Context
	timeout  time.Duration

	wg sync.WaitGroup
}

func NewHandler(cfg HandlerConfig) *Handler {
	base := cfg.BaseContext
	if base == nil {
		base = context.Background()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultUpdateTimeout
	}
	return &Handler{
		secret:   []byte(cfg.Secret),
		runner:   cfg.Runner,
		resolver: cfg.Resolver,
		sender:   cfg.Sender,
		limiter:  cfg.Limiter,
		baseCtx:  base,
		timeout:  timeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(h.secret) > 0 {
		got := []byte(r.Header.Get(SecretHeader))
		if subtle.ConstantTimeCompare(got, h.secret) != 1 {
			metrics.TelegramUpdates.WithLabelValues("unauthorized").Inc()
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
			return
		}
	}

	var upd Update
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&upd); err != nil {
		metrics.TelegramUpdates.WithLabelValues("malformed").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid update body"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.baseCtx, h.timeout)
		defer cancel()
		h.Process(ctx, upd)
	}()
}

// Wait blocks until every accepted update has been processed.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Process handles one update synchronously.
func (h *Handler) Process(ctx context.Context, upd Update) {
	msg := upd.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		metrics.TelegramUpdates.WithLabelValues("ignored").Inc()
		return
	}
	chatID := msg.Chat.ID
	logger := log.With().Int64("update", upd.UpdateID).Int64("chat", chatID).Logger()

	if !h.limiter.Allow(chatID) {
		metrics.TelegramUpdates.WithLabelValues("rate_limited").Inc()
		logger.Warn().Msg("Telegram chat rate limited")
		h.reply(ctx, chatID, rateLimitedText)
		return
	}

	if isCommand(msg.Text, "/start") || isCommand(msg.Text, "/help") {
		metrics.TelegramUpdates.WithLabelValues("help").Inc()
		h.reply(ctx, chatID, fmt.Sprintf(helpText, chatID))
		return
	}

	var fromID string
	if msg.From != nil {
		fromID = strconv.FormatInt(msg.From.ID, 10)
	}
	ident, tenant, err := h.resolver.ResolveChat(ctx, models.ChannelTelegram, strconv.FormatInt(chatID, 10), fromID)
	switch {
	case errors.Is(err, models.ErrNotLinked):
		metrics.TelegramUpdates.WithLabelValues("not_linked").Inc()
		h.reply(ctx, chatID, fmt.Sprintf(notLinkedText, chatID))
		return
	case errors.Is(err, models.ErrTenantInactive):
		metrics.TelegramUpdates.WithLabelValues("inactive").Inc()
		h.reply(ctx, chatID, contactSupportText)
		return
	case err != nil:
		metrics.TelegramUpdates.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("Failed to resolve Telegram chat")
		h.reply(ctx, chatID, failureText)
		return
	}

	userID := ident.UserID
	if userID == "" && fromID != "" {
		userID = "telegram:" + fromID
	}

	res, err := h.runner.Run(ctx, runtime.Input{
		TenantID:          tenant.ID,
		UserID:            userID,
		Channel:           models.ChannelTelegram,
		ExternalSessionID: fmt.Sprintf("%d:%d", chatID, msg.MessageID),
		Prompt:            msg.Text,
	})
	if err != nil {
		metrics.TelegramUpdates.WithLabelValues("run_failed").Inc()
		logger.Warn().Err(err).Str("tenant", tenant.ID).Msg("Telegram wizard run failed")
		h.reply(ctx, chatID, failureReply(err))
		return
	}

	metrics.TelegramUpdates.WithLabelValues("processed").Inc()
	h.reply(ctx, chatID, res.Text)
}

// reply is best-effort; the run is never repeated because delivery failed.
func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if err := h.sender.SendText(ctx, chatID, text); err != nil {
		log.Error().Err(err).Int64("chat", chatID).Msg("Failed to deliver Telegram reply")
	}
}

func failureReply(err error) string {
	switch {
	case errors.Is(err, models.ErrBudgetExceeded):
		return budgetText
	case errors.Is(err, models.ErrTenantInactive):
		return contactSupportText
	case errors.Is(err, models.ErrInvalidInput):
		return fmt.Sprintf(invalidText, strings.TrimPrefix(err.Error(), models.ErrInvalidInput.Error()+": "))
	default:
		return failureText
	}
}

// isCommand matches "/cmd", "/cmd args" and "/cmd@BotName".
func isCommand(text, cmd string) bool {
	first := strings.Fields(text)
	if len(first) == 0 {
		return false
	}
	name, _, _ := strings.Cut(first[0], "@")
	return name == cmd
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
