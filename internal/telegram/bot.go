package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/kalambet/pawnbot/internal/archive"
	"github.com/kalambet/pawnbot/internal/delivery"
	"github.com/kalambet/pawnbot/internal/ledger"
	"github.com/kalambet/pawnbot/internal/validate"
	"github.com/kalambet/pawnbot/internal/wizard"
)

// Wizard handles conversation events. Implemented by wizard.Engine.
type Wizard interface {
	Handle(ctx context.Context, ev wizard.Event) (wizard.State, error)
}

// Sender delivers replies. Implemented by delivery.Queue.
type Sender interface {
	Send(ctx context.Context, msg delivery.Message) delivery.Result
}

// Admins answers permission checks. Implemented by admin.Directory.
type Admins interface {
	IsAdmin(userID int64) bool
	Add(requester, userID int64) (bool, error)
}

// History reads the ledger tail. Implemented by ledger.Ledger.
type History interface {
	Recent(n int) ([]ledger.Row, error)
}

// Archive lists archived documents. Implemented by archive.Archive.
type Archive interface {
	Paths(start, end time.Time, region string) ([]string, error)
}

// Deps are the collaborators of a Bot.
type Deps struct {
	Wizard  Wizard
	Sender  Sender
	Files   *Files
	Admins  Admins
	History History
	Archive Archive
	Regions []string

	WebAppURL  string
	MaxPhotoMB int
	MinWidth   int
	MinHeight  int
}

type message struct {
	userID int64
	chatID int64
	args   []string
}

type command func(ctx context.Context, m message)

// Bot dispatches updates: commands it owns are answered here, everything
// else goes to the wizard.
type Bot struct {
	deps     Deps
	files    *Files
	commands map[string]command
	logger   *slog.Logger

	mu      sync.Mutex
	inboxes map[int64][]*models.Update
	running sync.WaitGroup
}

const (
	helpButton = "ℹ️ Помощь"
	formButton = "📝 Создать заключение"

	accessDenied = "Доступ запрещен."
	formError    = "❌ Ошибка получения данных из формы."
)

func New(deps Deps) *Bot {
	b := &Bot{
		deps:    deps,
		files:   deps.Files,
		logger:  slog.Default(),
		inboxes: make(map[int64][]*models.Update),
	}
	b.commands = map[string]command{
		"help":           b.help,
		"menu":           b.menu,
		"webapp":         b.menu,
		"help_admin":     b.helpAdmin,
		"history":        b.history,
		"download_month": b.downloadMonth,
		"add_admin":      b.addAdmin,
	}
	return b
}

// Dispatch queues update behind the pending updates of the same user and
// returns without waiting. Each user's updates are handled one at a time in
// the order Dispatch saw them; different users proceed in parallel. The
// caller must call Dispatch in arrival order, so the Bot API client has to
// run its handler synchronously (bot.WithNotAsyncHandlers).
func (b *Bot) Dispatch(ctx context.Context, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	userID := update.Message.From.ID

	b.mu.Lock()
	queued, busy := b.inboxes[userID]
	b.inboxes[userID] = append(queued, update)
	if !busy {
		b.running.Add(1)
	}
	b.mu.Unlock()

	if !busy {
		go b.drain(ctx, userID)
	}
}

func (b *Bot) drain(ctx context.Context, userID int64) {
	defer b.running.Done()
	for {
		b.mu.Lock()
		queued := b.inboxes[userID]
		if len(queued) == 0 {
			delete(b.inboxes, userID)
			b.mu.Unlock()
			return
		}
		next := queued[0]
		queued[0] = nil
		b.inboxes[userID] = queued[1:]
		b.mu.Unlock()

		b.HandleUpdate(ctx, next)
	}
}

// Wait blocks until every dispatched update has been handled.
func (b *Bot) Wait() { b.running.Wait() }

// HandleUpdate processes one update synchronously. Production updates come
// through Dispatch, which keeps a user's updates in order.
func (b *Bot) HandleUpdate(ctx context.Context, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	m := message{userID: msg.From.ID, chatID: msg.Chat.ID}

	if name, args, ok := parseCommand(msg.Text); ok {
		if cmd, found := b.commands[name]; found {
			m.args = args
			cmd(ctx, m)
			return
		}
	}
	if strings.TrimSpace(msg.Text) == helpButton {
		b.help(ctx, m)
		return
	}

	ev, ok, err := b.resolve(update)
	if !ok {
		return
	}
	if err != nil {
		b.logger.Warn("bad form payload", "user_id", m.userID, "error", err)
		b.reply(ctx, m.chatID, formError)
		return
	}
	if _, err := b.deps.Wizard.Handle(ctx, ev); err != nil {
		b.logger.Error("handling update failed", "user_id", m.userID, "error", err)
	}
}

// parseCommand splits "/name@bot arg1 arg2".
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), fields[1:], true
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	b.send(ctx, delivery.Message{ChatID: chatID, Text: text})
}

func (b *Bot) send(ctx context.Context, msg delivery.Message) {
	if res := b.deps.Sender.Send(ctx, msg); res.Status == delivery.Rejected {
		b.logger.Warn("reply rejected", "chat_id", msg.ChatID, "error", res.Err)
	}
}

func (b *Bot) isAdmin(userID int64) bool {
	return b.deps.Admins != nil && b.deps.Admins.IsAdmin(userID)
}

func (b *Bot) help(ctx context.Context, m message) {
	text := fmt.Sprintf("📚 Инструкция по созданию заключения:\n\n"+
		"1. ▶️ /start — укажите номер подразделения, номер заключения за день, номер билета (%d цифр), дату (ДД.ММ.ГГГГ) и выберите регион.\n"+
		"2. 📸 Для каждого предмета отправьте фото (JPG/PNG до %d МБ, минимум %d×%d), затем добавьте краткое описание и оценку в рублях.\n"+
		"3. ➕ После каждого фото ответьте, нужно ли добавить ещё одно.\n"+
		"4. 🔍 Перед подтверждением бот покажет сводку — проверьте данные.\n"+
		"5. 📨 Выберите режим: ⚠️ Тестовое (файл придёт только вам) или ✅ Окончательное (документ отправится в рабочую группу и попадёт в отчёт).\n"+
		"6. ❌ Команда /cancel прерывает текущий сценарий и очищает введённые данные.\n\n"+
		"Форма и меню: /menu.",
		validate.TicketDigits, b.deps.MaxPhotoMB, b.deps.MinWidth, b.deps.MinHeight)
	if b.isAdmin(m.userID) {
		text += "\n\n" + adminHelp
	}
	b.reply(ctx, m.chatID, text)
}

func (b *Bot) menu(ctx context.Context, m message) {
	msg := delivery.Message{
		ChatID:   m.chatID,
		Text:     "📋 Главное меню:",
		Keyboard: [][]string{{wizard.StartCommand}, {helpButton}},
	}
	if b.deps.WebAppURL != "" {
		msg.WebApp = &delivery.WebApp{Label: formButton, URL: b.deps.WebAppURL}
	}
	b.send(ctx, msg)
}

const adminHelp = "🔧 Справка администратора:\n" +
	"/history - Последние 10 записей\n" +
	"/download_month ММ.ГГГГ [Регион] - Скачать архив\n" +
	"/add_admin ID - Добавить админа"

func (b *Bot) helpAdmin(ctx context.Context, m message) {
	if !b.isAdmin(m.userID) {
		return
	}
	b.reply(ctx, m.chatID, adminHelp)
}

// HistoryText formats the ledger tail the way /history shows it.
func HistoryText(rows []ledger.Row) string {
	if len(rows) == 0 {
		return "История пуста."
	}
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = fmt.Sprintf("Билет: %s, №: %s, Подр: %s, Дата: %s, Регион: %s, Оценка: %s",
			r.Ticket, r.Issue, r.Department, r.Date, r.Region, r.Evaluation)
	}
	return "📜 Последние 10 записей:\n\n" + strings.Join(lines, "\n")
}

func (b *Bot) history(ctx context.Context, m message) {
	if !b.isAdmin(m.userID) {
		b.reply(ctx, m.chatID, accessDenied)
		return
	}
	rows, err := b.deps.History.Recent(10)
	if err != nil {
		b.logger.Error("reading ledger failed", "error", err)
		b.reply(ctx, m.chatID, "❌ Ошибка чтения истории.")
		return
	}
	b.reply(ctx, m.chatID, HistoryText(rows))
}

func (b *Bot) downloadMonth(ctx context.Context, m message) {
	if !b.isAdmin(m.userID) {
		b.reply(ctx, m.chatID, accessDenied)
		return
	}
	if len(m.args) == 0 {
		b.reply(ctx, m.chatID, "Использование: /download_month ММ.ГГГГ [Регион]")
		return
	}
	month := m.args[0]
	start, end, err := validate.Month(month)
	if err != nil {
		b.reply(ctx, m.chatID, "Неверный формат. Используйте ММ.ГГГГ")
		return
	}
	var region string
	if len(m.args) > 1 {
		region, err = validate.Region(strings.Join(m.args[1:], " "), b.deps.Regions)
		if err != nil {
			b.reply(ctx, m.chatID, "Неизвестный регион.")
			return
		}
	}

	paths, err := b.deps.Archive.Paths(start, end, region)
	if err != nil {
		b.logger.Error("listing archive failed", "month", month, "error", err)
		b.reply(ctx, m.chatID, "❌ Ошибка чтения архива.")
		return
	}
	if len(paths) == 0 {
		b.reply(ctx, m.chatID, "Архивы не найдены.")
		return
	}

	var buf bytes.Buffer
	if err := archive.Zip(&buf, paths); err != nil {
		b.logger.Error("packing archive failed", "month", month, "error", err)
		b.reply(ctx, m.chatID, "❌ Ошибка чтения архива.")
		return
	}
	b.send(ctx, delivery.Message{
		ChatID: m.chatID,
		Document: &delivery.Document{
			Name:    "archive_" + month + ".zip",
			Data:    buf.Bytes(),
			Caption: "Архив " + month,
			MIME:    "application/zip",
		},
	})
}

func (b *Bot) addAdmin(ctx context.Context, m message) {
	if !b.isAdmin(m.userID) {
		b.reply(ctx, m.chatID, accessDenied)
		return
	}
	if len(m.args) == 0 {
		b.reply(ctx, m.chatID, "Использование: /add_admin <ID_ПОЛЬЗОВАТЕЛЯ>")
		return
	}
	id, err := strconv.ParseInt(m.args[0], 10, 64)
	if err != nil {
		b.reply(ctx, m.chatID, "ID должен быть числом.")
		return
	}
	added, err := b.deps.Admins.Add(m.userID, id)
	switch {
	case err != nil:
		b.logger.Error("adding admin failed", "user_id", id, "error", err)
		b.reply(ctx, m.chatID, "❌ Ошибка: "+err.Error())
	case !added:
		b.reply(ctx, m.chatID, "Пользователь уже является администратором.")
	default:
		b.logger.Info("admin added", "user_id", id, "added_by", m.userID)
		b.reply(ctx, m.chatID, fmt.Sprintf("Пользователь %d добавлен как администратор.", id))
	}
}
