package telegram

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/kalambet/pawnbot/internal/wizard"
)

// resolve turns an update into a wizard event. ok is false for updates that
// carry no user message.
func (b *Bot) resolve(update *models.Update) (ev wizard.Event, ok bool, err error) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return wizard.Event{}, false, nil
	}
	ev = wizard.Event{
		UserID:    msg.From.ID,
		ChatID:    msg.Chat.ID,
		Requester: displayName(msg.From),
	}

	switch {
	case msg.WebAppData != nil:
		var bulk wizard.Bulk
		if err := json.Unmarshal([]byte(msg.WebAppData.Data), &bulk); err != nil {
			return ev, true, fmt.Errorf("decoding form data: %w", err)
		}
		ev.Input = wizard.BulkInput(bulk)
	case len(msg.Photo) > 0:
		p := largestPhoto(msg.Photo)
		ev.Input = wizard.PhotoInput(wizard.Photo{FileID: p.FileID, Size: int64(p.FileSize), Open: b.files.Open(p.FileID)})
	case msg.Document != nil:
		doc := msg.Document
		if !strings.HasPrefix(doc.MimeType, "image/") {
			// Unusable attachment: the photo step asks again.
			ev.Input = wizard.Input{Kind: wizard.KindPhoto}
			break
		}
		ev.Input = wizard.PhotoInput(wizard.Photo{FileID: doc.FileID, Size: int64(doc.FileSize), Open: b.files.Open(doc.FileID)})
	default:
		ev.Input = wizard.TextInput(msg.Text)
	}
	return ev, true, nil
}

func largestPhoto(sizes []models.PhotoSize) models.PhotoSize {
	best := sizes[0]
	for _, p := range sizes[1:] {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best
}

func displayName(u *models.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}
