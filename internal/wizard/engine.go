// Package wizard drives the per-user report conversation: a table of steps
// with validated forward transitions, strict-inverse back navigation, a bulk
// entry path that binds queued items to incoming photos, and finalization.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kalambet/pawnbot/internal/delivery"
	"github.com/kalambet/pawnbot/internal/photo"
	"github.com/kalambet/pawnbot/internal/report"
	"github.com/kalambet/pawnbot/internal/storage"
	"github.com/kalambet/pawnbot/internal/validate"
)

// ErrPhotoLimit is returned when a draft already holds the maximum number of photos.
var ErrPhotoLimit = errors.New("photo limit reached")

// DraftStore persists drafts and bulk item queues.
// Implemented by drafts.Store.
type DraftStore interface {
	Lock(userID int64) func()
	Load(userID int64) report.Draft
	Save(userID int64, d report.Draft) error
	Delete(userID int64) error
	Pending(userID int64) []report.PendingItem
	SetPending(userID int64, items []report.PendingItem) error
}

// Settings remembers per-user defaults. Implemented by storage.Store.
type Settings interface {
	GetUserSettings(userID int64) (storage.UserSettings, error)
	SaveUserSettings(u storage.UserSettings) error
}

// Images stores uploaded photos as processed artifacts.
type Images interface {
	Save(ctx context.Context, r io.Reader, size int64) (string, error)
	Remove(paths ...string)
}

// Sender delivers outbound messages. Implemented by delivery.Queue.
type Sender interface {
	Send(ctx context.Context, msg delivery.Message) delivery.Result
}

// Renderer produces the report document and returns its path.
type Renderer interface {
	Render(ctx context.Context, d report.Draft, requester string) (string, error)
}

// Ledger records finalized reports.
type Ledger interface {
	Append(d report.Draft) error
}

// Archiver files a finalized document and returns the archived path.
type Archiver interface {
	Archive(path string, d report.Draft) (string, error)
}

// Region is a selectable region and its topic in the group chat.
type Region struct {
	Name  string
	Topic int
}

type Config struct {
	MaxPhotos   int
	MaxPhotoMB  int
	MinWidth    int
	MinHeight   int
	Regions     []Region
	GroupChatID int64
}

// Deps are the collaborators of an Engine. Clock defaults to time.Now.
type Deps struct {
	Drafts   DraftStore
	Settings Settings
	Images   Images
	Sender   Sender
	Renderer Renderer
	Ledger   Ledger
	Archiver Archiver
	Clock    func() time.Time
}

// Engine runs the wizard. Events of one user are serialized by the draft
// lock; events of different users run concurrently.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.MaxPhotos <= 0 {
		cfg.MaxPhotos = 30
	}
	if cfg.MaxPhotoMB <= 0 {
		cfg.MaxPhotoMB = 5
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Engine{cfg: cfg, deps: deps, logger: slog.Default()}
}

func (e *Engine) now() time.Time { return e.deps.Clock() }

func (e *Engine) regionNames() []string {
	names := make([]string, len(e.cfg.Regions))
	for i, r := range e.cfg.Regions {
		names[i] = r.Name
	}
	return names
}

// Topic returns the group topic of a region.
func (e *Engine) Topic(region string) (int, bool) {
	for _, r := range e.cfg.Regions {
		if r.Name == region {
			return r.Topic, true
		}
	}
	return 0, false
}

// RegionNames lists the configured regions in display order.
func (e *Engine) RegionNames() []string { return e.regionNames() }

// Handle applies one inbound event and returns the resulting state. The
// returned error reports persistence failures; the user has already been
// told about them.
func (e *Engine) Handle(ctx context.Context, ev Event) (State, error) {
	unlock := e.deps.Drafts.Lock(ev.UserID)
	defer unlock()

	d := e.deps.Drafts.Load(ev.UserID)
	in := ev.Input

	switch {
	case in.Kind == KindBulk && in.Bulk != nil:
		return e.seed(ctx, ev, d, *in.Bulk)
	case isStart(in):
		return e.start(ctx, ev, d)
	case isCancel(in):
		return e.cancel(ctx, ev, d)
	}

	st := State(d.State)
	if st == StateIdle {
		e.reply(ctx, ev.ChatID, "Для начала введите /start.", nil)
		return StateIdle, nil
	}
	if d.Locked() {
		e.reply(ctx, ev.ChatID, "⏳ Заключение уже оформляется. /start для нового.", nil)
		return st, nil
	}
	if isBack(in) {
		return e.back(ctx, ev, d)
	}

	switch st {
	case StatePhoto:
		return e.photo(ctx, ev, d)
	case StateMorePhoto:
		return e.morePhoto(ctx, ev, d)
	case StateSummary:
		return e.confirm(ctx, ev, d)
	case StateMode:
		return e.chooseMode(ctx, ev, d)
	}
	if s, ok := steps[st]; ok && s.field != nil {
		return e.fill(ctx, ev, d, st, s)
	}

	e.logger.Warn("draft in unknown state, resetting", "user_id", ev.UserID, "state", d.State)
	return e.start(ctx, ev, d)
}

// start discards any previous draft and begins a manual entry.
func (e *Engine) start(ctx context.Context, ev Event, old report.Draft) (State, error) {
	if err := e.discard(ev.UserID, old); err != nil {
		e.reply(ctx, ev.ChatID, saveFailed, nil)
		return State(old.State), err
	}
	d := report.Draft{State: string(StateDepartment)}
	if err := e.deps.Drafts.Save(ev.UserID, d); err != nil {
		e.reply(ctx, ev.ChatID, saveFailed, nil)
		return StateIdle, err
	}
	text, kb := e.prompt(ev.UserID, StateDepartment, d)
	e.reply(ctx, ev.ChatID, "👋 Привет! Я помогу создать заключение.\n\n"+text, kb)
	return StateDepartment, nil
}

func (e *Engine) cancel(ctx context.Context, ev Event, d report.Draft) (State, error) {
	err := e.discard(ev.UserID, d)
	e.send(ctx, delivery.Message{ChatID: ev.ChatID, Text: cancelledText, RemoveKeyboard: true})
	return StateTerminal, err
}

// discard releases the image artifacts of d and deletes the stored draft and
// pending queue.
func (e *Engine) discard(userID int64, d report.Draft) error {
	if photos := d.Photos(); len(photos) > 0 {
		e.deps.Images.Remove(photos...)
	}
	return e.deps.Drafts.Delete(userID)
}

// seed replaces the user's draft with a bulk submission and waits for the
// first photo.
func (e *Engine) seed(ctx context.Context, ev Event, old report.Draft, b Bulk) (State, error) {
	if err := b.Normalize(e.regionNames(), e.now(), e.cfg.MaxPhotos); err != nil {
		e.reply(ctx, ev.ChatID, "❌ Ошибка получения данных из формы: "+err.Error(), nil)
		return State(old.State), nil
	}
	if err := e.discard(ev.UserID, old); err != nil {
		e.reply(ctx, ev.ChatID, saveFailed, nil)
		return State(old.State), err
	}

	d := report.Draft{
		State:      string(StatePhoto),
		Department: b.Department,
		Issue:      b.Issue,
		Ticket:     b.Ticket,
		Date:       b.Date,
		Region:     b.Region,
	}
	if err := e.deps.Drafts.SetPending(ev.UserID, b.Items); err != nil {
		e.reply(ctx, ev.ChatID, saveFailed, nil)
		return StateIdle, err
	}
	if err := e.deps.Drafts.Save(ev.UserID, d); err != nil {
		e.reply(ctx, ev.ChatID, saveFailed, nil)
		return StateIdle, err
	}
	e.remember(storage.UserSettings{UserID: ev.UserID, LastDepartment: b.Department, LastRegion: b.Region})

	text := fmt.Sprintf("✅ Данные из формы получены! (Предметов: %d)\n\n%s\nОтправьте фото для: %s\n%s",
		len(b.Items), progress("🟡", StatePhoto), b.Items[0].Description, e.requirements())
	e.reply(ctx, ev.ChatID, text, withBack(nil))
	return StatePhoto, nil
}

// fill handles a step that stores one text value.
func (e *Engine) fill(ctx context.Context, ev Event, d report.Draft, st State, s step) (State, error) {
	f := s.field
	if ev.Input.Kind != KindText {
		e.reply(ctx, ev.ChatID, "❗ Ожидается текстовый ответ.", nil)
		return st, nil
	}
	v, err := f.check(e, ev.Input.text())
	if err != nil {
		e.reply(ctx, ev.ChatID, f.invalid, nil)
		return st, nil
	}

	f.set(&d, v)
	d.State = string(s.next)
	if err := e.deps.Drafts.Save(ev.UserID, d); err != nil {
		e.reply(ctx, ev.ChatID, saveFailed, nil)
		return st, err
	}
	if f.remember != nil {
		u := storage.UserSettings{UserID: ev.UserID}
		f.remember(&u, v)
		e.remember(u)
	}

	text, kb := e.prompt(ev.UserID, s.next, d)
	if f.ack != nil {
		text = f.ack(v) + "\n\n" + text
	}
	e.reply(ctx, ev.ChatID, text, kb)
	return s.next, nil
}

// back returns to the predecessor of the current step and undoes the value
// that predecessor had stored.
func (e *Engine) back(ctx context.Context, ev Event, d report.Draft) (State, error) {
	cur := State(d.State)
	target := backTarget(cur, d)
	if target == StateIdle {
		text, kb := e.prompt(ev.UserID, cur, d)
		e.reply(ctx, ev.ChatID, text, kb)
		return cur, nil
	}

	var removed string
	switch {
	case target == StatePhoto:
		it, ok := d.Items.Pop()
		if ok {
			removed = it.Photo
			if it.Bound {
				queue := Unbind(it, e.deps.Drafts.Pending(ev.UserID))
				if err := e.deps.Drafts.SetPending(ev.UserID, queue); err != nil {
					e.reply(ctx, ev.ChatID, saveFailed, nil)
					return cur, err
				}
			}
		}
	case steps[target].field != nil:
		steps[target].field.set(&d, "")
	}

	d.State = string(target)
	if err := e.deps.Drafts.Save(ev.UserID, d); err != nil {
		e.reply(ctx, ev.ChatID, saveFailed, nil)
		return cur, err
	}
	if removed != "" {
		e.deps.Images.Remove(removed)
	}

	text, kb := e.prompt(ev.UserID, target, d)
	e.reply(ctx, ev.ChatID, text, kb)
	return target, nil
}

// photo stores an uploaded image and either binds it to the next queued item
// or asks for its description.
func (e *Engine) photo(ctx context.Context, ev Event, d report.Draft) (State, error) {
	in := ev.Input
	if in.Kind != KindPhoto || in.Photo == nil {
		e.reply(ctx, ev.ChatID, "❗ Пришлите фото (JPG/PNG).\n\n"+e.requirements(), nil)
		return StatePhoto, nil
	}
	if err := e.checkLimit(d); err != nil {
		e.reply(ctx, ev.ChatID, fmt.Sprintf("❗ Достигнут лимит в %d фото.", e.cfg.MaxPhotos), nil)
		return StatePhoto, nil
	}

	path, err := e.storePhoto(ctx, in.Photo)
	if err != nil {
		e.logger.Info("photo rejected", "user_id", ev.UserID, "error", err)
		e.reply(ctx, ev.ChatID, e.photoError(err), nil)
		return StatePhoto, nil
	}

	queue := e.deps.Drafts.Pending(ev.UserID)
	it, rest, bound := BindNextPhoto(path, queue)
	if !bound {
		d.Items.Push(report.Item{Photo: path})
		d.State = string(StateDescription)
		if err := e.deps.Drafts.Save(ev.UserID, d); err != nil {
			e.deps.Images.Remove(path)
			e.reply(ctx, ev.ChatID, saveFailed, nil)
			return StatePhoto, err
		}
		e.reply(ctx, ev.ChatID, fmt.Sprintf("✅ Фото получено! (Шаг %d/%d)\n✏️ Введите краткое описание предмета:",
			steps[StateDescription].progress, TotalSteps), withBack(nil))
		return StateDescription, nil
	}

	d.Items.Push(it)
	next := StatePhoto
	if len(rest) == 0 {
		next = StateSummary
	}
	d.State = string(next)
	if err := e.deps.Drafts.SetPending(ev.UserID, rest); err != nil {
		e.deps.Images.Remove(path)
		e.reply(ctx, ev.ChatID, saveFailed, nil)
		return StatePhoto, err
	}
	if err := e.deps.Drafts.Save(ev.UserID, d); err != nil {
		e.deps.Images.Remove(path)
		if rerr := e.deps.Drafts.SetPending(ev.UserID, queue); rerr != nil {
			e.logger.Error("restoring pending items failed", "user_id", ev.UserID, "error", rerr)
		}
		e.reply(ctx, ev.ChatID, saveFailed, nil)
		return StatePhoto, err
	}

	if next == StateSummary {
		text, kb := e.prompt(ev.UserID, StateSummary, d)
		e.reply(ctx, ev.ChatID, "✅ Все предметы загружены!\n\n"+text, kb)
		return StateSummary, nil
	}
	e.reply(ctx, ev.ChatID, fmt.Sprintf("✅ Фото для '%s' принято!\n🟡 Осталось предметов: %d\n\nОтправьте фото для: %s",
		it.Description, len(rest), rest[0].Description), withBack(nil))
	return StatePhoto, nil
}

func (e *Engine) checkLimit(d report.Draft) error {
	if len(d.Items) >= e.cfg.MaxPhotos {
		return ErrPhotoLimit
	}
	return nil
}

func (e *Engine) storePhoto(ctx context.Context, p *Photo) (string, error) {
	if p.Open == nil {
		return "", photo.ErrNotImage
	}
	rc, err := p.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("downloading photo %s: %w", p.FileID, err)
	}
	defer rc.Close()
	return e.deps.Images.Save(ctx, rc, p.Size)
}

func (e *Engine) photoError(err error) string {
	switch {
	case errors.Is(err, photo.ErrTooLarge):
		return "❗ Файл слишком большой.\n\n" + e.requirements()
	case errors.Is(err, photo.ErrTooSmall):
		return "❗ Разрешение фото слишком маленькое.\n\n" + e.requirements()
	case errors.Is(err, photo.ErrNotImage):
		return "❗ Пришлите фото (JPG/PNG).\n\n" + e.requirements()
	default:
		return "❌ Ошибка обработки фото. Попробуйте снова."
	}
}

func (e *Engine) morePhoto(ctx context.Context, ev Event, d report.Draft) (State, error) {
	yes, no := yesNo(ev.Input.text())
	var next State
	switch {
	case yes:
		next = StatePhoto
	case no:
		next = StateSummary
	default:
		text, kb := e.prompt(ev.UserID, StateMorePhoto, d)
		e.reply(ctx, ev.ChatID, "❗ Ответьте «Да» или «Нет».\n\n"+text, kb)
		return StateMorePhoto, nil
	}
	return e.advance(ctx, ev, d, next)
}

func (e *Engine) confirm(ctx context.Context, ev Event, d report.Draft) (State, error) {
	yes, no := yesNo(ev.Input.text())
	switch {
	case yes:
		return e.advance(ctx, ev, d, StateMode)
	case no:
		return e.cancel(ctx, ev, d)
	default:
		text, kb := e.prompt(ev.UserID, StateSummary, d)
		e.reply(ctx, ev.ChatID, text, kb)
		return StateSummary, nil
	}
}

// yesNo reads a confirmation. An answer with both words counts as neither.
func yesNo(answer string) (yes, no bool) {
	y, n := validate.HasWord(answer, "да"), validate.HasWord(answer, "нет")
	return y && !n, n && !y
}

func (e *Engine) chooseMode(ctx context.Context, ev Event, d report.Draft) (State, error) {
	answer := ev.Input.text()
	var mode report.Mode
	switch {
	case validate.HasWord(answer, "окончательное"):
		mode = report.ModeFinal
	case validate.HasWord(answer, "тестовое"):
		mode = report.ModeDraft
	default:
		text, kb := e.prompt(ev.UserID, StateMode, d)
		e.reply(ctx, ev.ChatID, text, kb)
		return StateMode, nil
	}
	return e.finalize(ctx, ev, d, mode)
}

// advance moves to next without touching any field.
func (e *Engine) advance(ctx context.Context, ev Event, d report.Draft, next State) (State, error) {
	cur := State(d.State)
	d.State = string(next)
	if err := e.deps.Drafts.Save(ev.UserID, d); err != nil {
		e.reply(ctx, ev.ChatID, saveFailed, nil)
		return cur, err
	}
	text, kb := e.prompt(ev.UserID, next, d)
	e.reply(ctx, ev.ChatID, text, kb)
	return next, nil
}

func (e *Engine) settings(userID int64) storage.UserSettings {
	u, err := e.deps.Settings.GetUserSettings(userID)
	if err != nil {
		e.logger.Warn("loading user settings failed", "user_id", userID, "error", err)
		return storage.UserSettings{UserID: userID}
	}
	return u
}

func (e *Engine) remember(u storage.UserSettings) {
	if err := e.deps.Settings.SaveUserSettings(u); err != nil {
		e.logger.Warn("saving user settings failed", "user_id", u.UserID, "error", err)
	}
}

func (e *Engine) reply(ctx context.Context, chatID int64, text string, keyboard [][]string) {
	e.send(ctx, delivery.Message{ChatID: chatID, Text: text, Keyboard: keyboard})
}

func (e *Engine) send(ctx context.Context, msg delivery.Message) delivery.Result {
	res := e.deps.Sender.Send(ctx, msg)
	if res.Status == delivery.Rejected {
		e.logger.Warn("reply rejected", "chat_id", msg.ChatID, "error", res.Err)
	}
	return res
}
