package wizard

import (
	"strings"

	"github.com/kalambet/pawnbot/internal/report"
	"github.com/kalambet/pawnbot/internal/storage"
	"github.com/kalambet/pawnbot/internal/validate"
)

// State is a wizard step. The value is persisted with the draft.
type State string

const (
	StateIdle        State = ""
	StateDepartment  State = "department"
	StateIssue       State = "issue"
	StateTicket      State = "ticket"
	StateDate        State = "date"
	StateRegion      State = "region"
	StatePhoto       State = "photo"
	StateDescription State = "description"
	StateEvaluation  State = "evaluation"
	StateMorePhoto   State = "more_photo"
	StateSummary     State = "summary"
	StateMode        State = "mode"
	StateTerminal    State = "terminal"
)

// TotalSteps is the denominator of the progress label.
const TotalSteps = 10

// field describes a step that stores one validated text value.
type field struct {
	check   func(e *Engine, in string) (string, error)
	set     func(d *report.Draft, v string)
	invalid string
	ack     func(v string) string
	// remember copies the value into the user's settings.
	remember func(u *storage.UserSettings, v string)
}

type step struct {
	progress int
	back     State // StateIdle: no predecessor
	next     State
	field    *field
}

func fixed(msg string) func(string) string {
	return func(string) string { return msg }
}

const digitsInvalid = "❗ Ошибка: номер должен содержать только цифры. Введите снова:"

// UsePrefix marks the keyboard shortcut that reuses the last department.
const UsePrefix = "Использовать:"

var steps = map[State]step{
	StateDepartment: {
		progress: 1,
		next:     StateIssue,
		field: &field{
			check: func(_ *Engine, in string) (string, error) {
				if rest, ok := strings.CutPrefix(in, UsePrefix); ok {
					in = strings.TrimSpace(rest)
				}
				return in, validate.Digits(in)
			},
			set:      func(d *report.Draft, v string) { d.Department = v },
			invalid:  "❗ Ошибка: номер должен содержать только цифры. Попробуйте снова:",
			ack:      fixed("✅ Номер подразделения принят."),
			remember: func(u *storage.UserSettings, v string) { u.LastDepartment = v },
		},
	},
	StateIssue: {
		progress: 2,
		back:     StateDepartment,
		next:     StateTicket,
		field: &field{
			check:   func(_ *Engine, in string) (string, error) { return in, validate.Digits(in) },
			set:     func(d *report.Draft, v string) { d.Issue = v },
			invalid: digitsInvalid,
			ack:     fixed("✅ Номер заключения сохранён."),
		},
	},
	StateTicket: {
		progress: 3,
		back:     StateIssue,
		next:     StateDate,
		field: &field{
			check:   func(_ *Engine, in string) (string, error) { return in, validate.Ticket(in) },
			set:     func(d *report.Draft, v string) { d.Ticket = v },
			invalid: "❗ Ошибка: номер билета должен содержать 11 цифр. Введите снова:",
			ack:     fixed("✅ Номер билета сохранён."),
		},
	},
	StateDate: {
		progress: 4,
		back:     StateTicket,
		next:     StateRegion,
		field: &field{
			check: func(e *Engine, in string) (string, error) {
				t, err := validate.ParseDate(in, e.now())
				if err != nil {
					return "", err
				}
				return t.Format(validate.DateLayout), nil
			},
			set:     func(d *report.Draft, v string) { d.Date = v },
			invalid: "❗ Ошибка: неверный формат даты. Попробуйте 'сегодня', '21.11' или 'ДД.ММ.ГГГГ'.",
			ack:     func(v string) string { return "✅ Дата сохранена: " + v },
		},
	},
	StateRegion: {
		progress: 5,
		back:     StateDate,
		next:     StatePhoto,
		field: &field{
			check:    func(e *Engine, in string) (string, error) { return validate.Region(in, e.regionNames()) },
			set:      func(d *report.Draft, v string) { d.Region = v },
			invalid:  "❗ Ошибка: выберите регион из предложенных вариантов.",
			ack:      fixed("✅ Регион выбран."),
			remember: func(u *storage.UserSettings, v string) { u.LastRegion = v },
		},
	},
	StatePhoto: {
		progress: 6,
		back:     StateRegion,
	},
	StateDescription: {
		progress: 7,
		back:     StatePhoto,
		next:     StateEvaluation,
		field: &field{
			check: func(_ *Engine, in string) (string, error) { return in, validate.Text(in) },
			set: func(d *report.Draft, v string) {
				if it := d.Items.Last(); it != nil {
					it.Description = v
				}
			},
			invalid: "❗ Ошибка: описание не может быть пустым. Введите снова:",
			ack:     fixed("✅ Описание сохранено."),
		},
	},
	StateEvaluation: {
		progress: 8,
		back:     StateDescription,
		next:     StateMorePhoto,
		field: &field{
			check: func(_ *Engine, in string) (string, error) { return in, validate.Digits(in) },
			set: func(d *report.Draft, v string) {
				if it := d.Items.Last(); it != nil {
					it.Evaluation = v
				}
			},
			invalid: "❗ Ошибка: оценка должна быть целым числом. Введите снова:",
		},
	},
	StateMorePhoto: {
		progress: 6,
		back:     StateEvaluation,
	},
	StateSummary: {
		progress: 9,
		back:     StateMorePhoto,
	},
	StateMode: {
		progress: 10,
		back:     StateSummary,
	},
}

// backTarget resolves the predecessor of st for draft d. Photo and Summary
// depend on how the last item was collected.
func backTarget(st State, d report.Draft) State {
	switch st {
	case StatePhoto, StateSummary:
		if last := d.Items.Last(); last != nil {
			if last.Bound {
				return StatePhoto
			}
			return StateMorePhoto
		}
	}
	return steps[st].back
}
