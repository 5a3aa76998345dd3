package wizard

import (
	"fmt"
	"strings"

	"github.com/kalambet/pawnbot/internal/report"
	"github.com/kalambet/pawnbot/internal/validate"
)

// Keyboard labels shared with the chat transport.
const (
	BackLabel    = "⬅️ Назад"
	CancelLabel  = "❌ Отмена"
	StartCommand = "/start"
	CancelCmd    = "/cancel"
)

const (
	cancelledText = "Процесс отменён. Для нового запуска введите /start."
	saveFailed    = "❌ Ошибка сохранения данных. Попробуйте снова."
)

func isStart(in Input) bool {
	t := in.text()
	return t == StartCommand || strings.HasPrefix(t, StartCommand+" ")
}

func isCancel(in Input) bool {
	t := in.text()
	return strings.HasPrefix(t, CancelCmd) || t == CancelLabel
}

func isBack(in Input) bool {
	return in.text() == BackLabel
}

func progress(icon string, st State) string {
	return fmt.Sprintf("%s Шаг %d/%d", icon, steps[st].progress, TotalSteps)
}

// withBack appends the back button row.
func withBack(rows [][]string) [][]string {
	out := make([][]string, 0, len(rows)+1)
	out = append(out, rows...)
	return append(out, []string{BackLabel})
}

func (e *Engine) requirements() string {
	return fmt.Sprintf("Требования к фото:\n• Формат JPG/PNG\n• Размер до %d МБ\n• Минимальное разрешение %d×%d",
		e.cfg.MaxPhotoMB, e.cfg.MinWidth, e.cfg.MinHeight)
}

// regionRows lists the regions one per row, the last used one first.
func (e *Engine) regionRows(last string) [][]string {
	rows := make([][]string, 0, len(e.cfg.Regions))
	for _, r := range e.cfg.Regions {
		if r.Name == last {
			rows = append(rows, []string{validate.RegionPrefix + r.Name})
		}
	}
	for _, r := range e.cfg.Regions {
		if r.Name != last {
			rows = append(rows, []string{validate.RegionPrefix + r.Name})
		}
	}
	return rows
}

// Summary renders the confirmation block of a draft.
func Summary(d report.Draft) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Номер подразделения: %s\n", d.Department)
	fmt.Fprintf(&b, "Номер заключения: %s\n", d.Issue)
	fmt.Fprintf(&b, "Билет: %s\n", d.Ticket)
	fmt.Fprintf(&b, "Дата: %s\n", d.Date)
	fmt.Fprintf(&b, "Регион: %s\n", d.Region)
	b.WriteString("---\n")
	fmt.Fprintf(&b, "Всего предметов: %d\n", len(d.Items))
	fmt.Fprintf(&b, "Сумма: %s", d.Total().String())
	return b.String()
}

// prompt renders the question asked on entering st.
func (e *Engine) prompt(userID int64, st State, d report.Draft) (string, [][]string) {
	switch st {
	case StateDepartment:
		rows := [][]string{{CancelLabel}}
		if last := e.settings(userID).LastDepartment; last != "" {
			rows = append([][]string{{UsePrefix + " " + last}}, rows...)
		}
		return progress("🟡", st) + "\nВведите номер подразделения (например: 385):", rows
	case StateIssue:
		return progress("🟡", st) + "\nВведите порядковый номер заключения за день (например: 1):", withBack(nil)
	case StateTicket:
		return progress("🟡", st) + fmt.Sprintf("\nВведите номер залогового билета (например: 01230004567, %d цифр):", validate.TicketDigits), withBack(nil)
	case StateDate:
		return progress("🟡", st) + "\nВведите дату заключения (например: сегодня, 21.11, 01.03.2025):", withBack(nil)
	case StateRegion:
		return progress("🟡", st) + "\nВыберите регион:", withBack(e.regionRows(e.settings(userID).LastRegion))
	case StatePhoto:
		if queue := e.deps.Drafts.Pending(userID); len(queue) > 0 {
			return fmt.Sprintf("%s\nОтправьте фото для: %s\n%s\n\n(Осталось предметов: %d)",
				progress("🟡", st), queue[0].Description, e.requirements(), len(queue)), withBack(nil)
		}
		return fmt.Sprintf("%s\nОтправьте фото предмета.\n%s\n\n(Загружено: %d/%d)",
			progress("🟡", st), e.requirements(), len(d.Items), e.cfg.MaxPhotos), withBack(nil)
	case StateDescription:
		return progress("✏️", st) + "\nВведите краткое описание предмета:", withBack(nil)
	case StateEvaluation:
		return progress("💰", st) + "\nВведите оценку предмета (целое число, например: 1500):", withBack(nil)
	case StateMorePhoto:
		return fmt.Sprintf("%s – добавить ещё одно фото? (%d/%d)", progress("📷", st), len(d.Items), e.cfg.MaxPhotos),
			withBack([][]string{{"✅ Да, добавить фото"}, {"❌ Нет, перейти к сводке"}})
	case StateSummary:
		return fmt.Sprintf("%s – проверьте данные:\n\n%s\n\nВсё верно?", progress("🔍", st), Summary(d)),
			withBack([][]string{{"✅ Да, всё верно"}, {"❌ Нет, отменить"}})
	case StateMode:
		text := progress("🔚", st) + " – выберите режим:\n" +
			"   • ⚠️ Тестовое – документ придет только вам.\n" +
			"   • ✅ Окончательное – документ отправится в группу."
		return text, withBack([][]string{{"⚠️ Тестовое"}, {"✅ Окончательное"}})
	}
	return "Для начала введите /start.", nil
}
