package wizard

import "github.com/kalambet/pawnbot/internal/report"

// BindNextPhoto attaches photo to the head of queue and returns the
// materialized item with the remaining queue. ok is false when the queue is
// empty; the caller then collects description and valuation by hand.
func BindNextPhoto(photo string, queue []report.PendingItem) (it report.Item, rest []report.PendingItem, ok bool) {
	if len(queue) == 0 {
		return report.Item{}, queue, false
	}
	head := queue[0]
	it = report.Item{
		Photo:       photo,
		Description: head.Description,
		Evaluation:  head.Evaluation,
		Bound:       true,
	}
	rest = append([]report.PendingItem(nil), queue[1:]...)
	return it, rest, true
}

// Unbind reverses BindNextPhoto: the item goes back to the head of the queue
// without its photo.
func Unbind(it report.Item, queue []report.PendingItem) []report.PendingItem {
	out := make([]report.PendingItem, 0, len(queue)+1)
	out = append(out, report.PendingItem{Description: it.Description, Evaluation: it.Evaluation})
	return append(out, queue...)
}
