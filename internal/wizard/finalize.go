package wizard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kalambet/pawnbot/internal/delivery"
	"github.com/kalambet/pawnbot/internal/report"
)

// GroupCaption is the caption of a report posted to the group chat.
func GroupCaption(d report.Draft) string {
	return fmt.Sprintf("Заключение от п. %s, билет: %s, от %s", d.Department, d.Ticket, d.Date)
}

// finalize locks the draft with mode, renders and distributes the document,
// then always cleans up. Collaborator failures are reported one by one and
// never stop the sequence.
func (e *Engine) finalize(ctx context.Context, ev Event, d report.Draft, mode report.Mode) (State, error) {
	d.Mode = mode
	if err := e.deps.Drafts.Save(ev.UserID, d); err != nil {
		d.Mode = report.ModeUnset
		e.reply(ctx, ev.ChatID, saveFailed, nil)
		return StateMode, err
	}
	e.send(ctx, delivery.Message{ChatID: ev.ChatID, Text: "⏳ Создаю документ...", RemoveKeyboard: true})
	if gaps := incompleteItems(d); len(gaps) > 0 {
		e.logger.Warn("rendering report with incomplete items", "user_id", ev.UserID, "items", gaps)
		e.reply(ctx, ev.ChatID, "⚠️ Нет фото или данных для предметов: "+strings.Join(gaps, ", "), nil)
	}

	path, err := e.deps.Renderer.Render(ctx, d, ev.Requester)
	if err != nil {
		e.logger.Error("rendering report failed", "user_id", ev.UserID, "error", err)
		e.reply(ctx, ev.ChatID, "❌ Ошибка: "+err.Error(), nil)
	} else {
		e.distribute(ctx, ev, d, path)
	}

	cleanupErr := e.cleanup(ev.UserID, d, path)
	e.send(ctx, delivery.Message{ChatID: ev.ChatID, Text: "✅ Работа завершена. /start для нового.", RemoveKeyboard: true})
	return StateTerminal, cleanupErr
}

// incompleteItems returns the numbers of items that lack a field or whose
// photo file is gone.
func incompleteItems(d report.Draft) []string {
	var gaps []string
	for i, it := range d.Items {
		if it.Complete() {
			if _, err := os.Stat(it.Photo); err == nil {
				continue
			}
		}
		gaps = append(gaps, strconv.Itoa(i+1))
	}
	return gaps
}

func (e *Engine) distribute(ctx context.Context, ev Event, d report.Draft, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		e.reply(ctx, ev.ChatID, "❌ Ошибка: "+err.Error(), nil)
		return
	}
	doc := &delivery.Document{Name: filepath.Base(path), Data: data, MIME: "application/pdf"}

	if res := e.send(ctx, delivery.Message{ChatID: ev.ChatID, Document: doc}); res.Status == delivery.Rejected {
		e.reply(ctx, ev.ChatID, "❌ Ошибка: "+res.Err.Error(), nil)
	}

	if d.Mode != report.ModeFinal {
		e.reply(ctx, ev.ChatID, "ℹ️ Тестовое заключение создано.", nil)
		return
	}

	topic, ok := e.Topic(d.Region)
	if !ok {
		e.reply(ctx, ev.ChatID, "❗ Ошибка: регион не найден.", nil)
		return
	}

	group := *doc
	group.Caption = GroupCaption(d)
	res := e.send(ctx, delivery.Message{ChatID: e.cfg.GroupChatID, ThreadID: topic, Document: &group})
	switch res.Status {
	case delivery.Delivered:
		e.reply(ctx, ev.ChatID, "✅ Документ отправлен в группу.", nil)
	case delivery.Deferred:
		e.reply(ctx, ev.ChatID, "⏳ Группа временно недоступна, документ будет отправлен позже.", nil)
	default:
		e.reply(ctx, ev.ChatID, "⚠️ Ошибка отправки в группу: "+res.Err.Error(), nil)
	}

	if err := e.deps.Ledger.Append(d); err != nil {
		e.logger.Error("ledger append failed", "user_id", ev.UserID, "error", err)
		e.reply(ctx, ev.ChatID, "⚠️ Ошибка обновления Excel: "+err.Error(), nil)
	}
	if archived, err := e.deps.Archiver.Archive(path, d); err != nil {
		e.logger.Error("archiving failed", "user_id", ev.UserID, "error", err)
		e.reply(ctx, ev.ChatID, "⚠️ Ошибка архивации: "+err.Error(), nil)
	} else {
		e.logger.Info("report archived", "user_id", ev.UserID, "path", archived)
	}
}

// cleanup removes the item images, the rendered document, the pending queue
// and the draft.
func (e *Engine) cleanup(userID int64, d report.Draft, document string) error {
	if photos := d.Photos(); len(photos) > 0 {
		e.deps.Images.Remove(photos...)
	}
	var errs []error
	if document != "" {
		if err := os.Remove(document); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing document: %w", err))
		}
	}
	if err := e.deps.Drafts.Delete(userID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
