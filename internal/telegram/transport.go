// Package telegram adapts the Bot API to the wizard and the delivery queue:
// outbound sends with failure classification, inbound update resolution and
// the admin chat commands.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sony/gobreaker"

	"github.com/kalambet/pawnbot/internal/delivery"
)

// API is the part of the Bot API client used by this package. *bot.Bot
// implements it.
type API interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
	FileDownloadLink(f *models.File) string
}

// BreakerSettings tunes the circuit breaker in front of the API.
type BreakerSettings struct {
	Failures uint32        // consecutive transient failures that open the breaker, default 5
	Timeout  time.Duration // open period before a probe is let through, default 30s
}

// Transport implements delivery.Transport. Calls go through a circuit
// breaker; an open breaker fails fast with a transient error.
type Transport struct {
	api     API
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewTransport(api API, bs BreakerSettings) *Transport {
	if bs.Failures == 0 {
		bs.Failures = 5
	}
	if bs.Timeout <= 0 {
		bs.Timeout = 30 * time.Second
	}
	t := &Transport{api: api, logger: slog.Default()}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		// A rejected message says nothing about the health of the channel.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, delivery.ErrPermanent)
		},
	})
	return t
}

// State reports the breaker state for status output.
func (t *Transport) State() string { return t.breaker.State().String() }

func (t *Transport) SendText(ctx context.Context, msg delivery.Message) error {
	return t.execute(func() error {
		_, err := t.api.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:          msg.ChatID,
			MessageThreadID: msg.ThreadID,
			Text:            msg.Text,
			ReplyMarkup:     replyMarkup(msg),
		})
		return err
	})
}

func (t *Transport) SendDocument(ctx context.Context, msg delivery.Message) error {
	doc := msg.Document
	if doc == nil {
		return delivery.Permanent(errors.New("message has no document"))
	}
	return t.execute(func() error {
		_, err := t.api.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID:          msg.ChatID,
			MessageThreadID: msg.ThreadID,
			Document:        &models.InputFileUpload{Filename: doc.Name, Data: bytes.NewReader(doc.Data)},
			Caption:         doc.Caption,
			ReplyMarkup:     replyMarkup(msg),
		})
		return err
	})
}

func (t *Transport) execute(call func() error) error {
	_, err := t.breaker.Execute(func() (any, error) {
		return nil, classify(call())
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return delivery.Transient(err, 0)
	}
	return err
}

// classify maps Bot API errors onto the delivery failure classes. The client
// flattens HTTP failures into plain strings, so transport problems are
// recognised by the messages it builds for them. Errors it cannot place are
// returned as is, which the queue treats as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return delivery.Transient(err, time.Duration(tooMany.RetryAfter)*time.Second)
	}
	switch {
	case errors.Is(err, bot.ErrorForbidden),
		errors.Is(err, bot.ErrorBadRequest),
		errors.Is(err, bot.ErrorUnauthorized),
		errors.Is(err, bot.ErrorNotFound),
		errors.Is(err, bot.ErrorConflict):
		return delivery.Permanent(err)
	case errors.Is(err, context.DeadlineExceeded):
		return delivery.Transient(err, 0)
	}
	msg := err.Error()
	for _, prefix := range transportFailures {
		if strings.Contains(msg, prefix) {
			return delivery.Transient(err, 0)
		}
	}
	if code, ok := apiErrorCode(msg); ok && code >= 500 {
		return delivery.Transient(err, 0)
	}
	return err
}

// Messages of failures that happen before a Bot API answer is read: no
// connection, a dropped body, or a non-JSON page from a proxy in between.
var transportFailures = []string{
	"error do request for method ",
	"error read response body for method ",
	"error decode response body for method ",
}

const apiErrorPrefix = "error response from telegram for method "

// apiErrorCode extracts the code of "error response from telegram for
// method sendMessage, 502 Bad Gateway".
func apiErrorCode(msg string) (int, bool) {
	_, rest, ok := strings.Cut(msg, apiErrorPrefix)
	if !ok {
		return 0, false
	}
	_, rest, ok = strings.Cut(rest, ", ")
	if !ok {
		return 0, false
	}
	field, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(field)
	if err != nil {
		return 0, false
	}
	return code, true
}

// replyMarkup builds the reply keyboard of msg, or nil when it has none.
func replyMarkup(msg delivery.Message) models.ReplyMarkup {
	if msg.RemoveKeyboard {
		return &models.ReplyKeyboardRemove{RemoveKeyboard: true}
	}
	if len(msg.Keyboard) == 0 && msg.WebApp == nil {
		return nil
	}
	rows := make([][]models.KeyboardButton, 0, len(msg.Keyboard)+1)
	if msg.WebApp != nil {
		rows = append(rows, []models.KeyboardButton{{
			Text:   msg.WebApp.Label,
			WebApp: &models.WebAppInfo{URL: msg.WebApp.URL},
		}})
	}
	for _, labels := range msg.Keyboard {
		row := make([]models.KeyboardButton, len(labels))
		for i, l := range labels {
			row[i] = models.KeyboardButton{Text: l}
		}
		rows = append(rows, row)
	}
	return &models.ReplyKeyboardMarkup{Keyboard: rows, ResizeKeyboard: true}
}
