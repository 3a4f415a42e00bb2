package bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"homework_bot/internal/model"
)

const (
	dueLayout = "Mon 02 Jan 15:04"
	// Telegram rejects messages over 4096 characters.
	maxMessageLen = 3800
)

// FormatReminder renders a reminder as a Telegram HTML message.
func FormatReminder(r model.Reminder) string {
	var b strings.Builder
	until := r.WindowEnd.UTC().Format(dueLayout) + " UTC"

	if len(r.Homework) == 0 {
		fmt.Fprintf(&b, "No homework due until %s.", until)
		return b.String()
	}

	fmt.Fprintf(&b, "<b>Homework due until %s</b>\n", until)
	for i, hw := range r.Homework {
		item := formatHomework(hw)
		if b.Len()+len(item) > maxMessageLen {
			fmt.Fprintf(&b, "\n...and %d more", len(r.Homework)-i)
			break
		}
		b.WriteString(item)
	}

	if len(r.Mentions) > 0 {
		b.WriteString("\n")
		b.WriteString(formatMentions(r.Mentions))
	}
	return b.String()
}

func formatHomework(hw model.Homework) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s ", hw.Due.UTC().Format(dueLayout))
	if hw.Subject != "" {
		fmt.Fprintf(&b, "<b>%s</b>: ", escape(hw.Subject))
	}
	b.WriteString(escape(hw.Title))
	if hw.Details != "" {
		b.WriteString("\n  <i>")
		b.WriteString(escape(hw.Details))
		b.WriteString("</i>")
	}
	return b.String()
}

func formatMentions(ids []uint64) string {
	links := make([]string, len(ids))
	for i, id := range ids {
		links[i] = fmt.Sprintf(`<a href="tg://user?id=%d">%d</a>`, id, i+1)
	}
	return "Reminder for: " + strings.Join(links, " ")
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeHTML, s)
}
