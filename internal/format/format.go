// Package format renders normalized market items into plain-text gateway
// messages. The engine treats rendering as opaque; only the dispatcher
// calls in here.
package format

import (
	"strings"
	"time"

	"alertbot/internal/market"
)

const timeLayout = "2006-01-02 15:04 MST"

// Render produces the outgoing message text for one item.
func Render(it market.Item) string {
	switch it.Category {
	case market.CategoryNews:
		return renderNews(it)
	case market.CategoryTransfer:
		return renderTransfer(it)
	case market.CategoryFundFlow:
		return renderFundFlow(it)
	}
	return strings.TrimSpace(it.Title + " " + it.Body)
}

func renderNews(it market.Item) string {
	var b strings.Builder
	b.WriteString("📰 ")
	b.WriteString(strings.TrimSpace(it.Title))
	if body := strings.TrimSpace(it.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	writeTime(&b, it.Time)
	return b.String()
}

func renderTransfer(it market.Item) string {
	var b strings.Builder
	b.WriteString("🐋 Large transfer: ")
	b.WriteString(strings.TrimSpace(it.Amount))
	b.WriteString(" ")
	b.WriteString(strings.ToUpper(strings.TrimSpace(it.Symbol)))
	if it.From != "" {
		b.WriteString("\nfrom ")
		b.WriteString(shortAddr(it.From))
	}
	if it.To != "" {
		b.WriteString("\nto ")
		b.WriteString(shortAddr(it.To))
	}
	writeTime(&b, it.Time)
	return b.String()
}

func renderFundFlow(it market.Item) string {
	var b strings.Builder
	if it.Direction == "out" {
		b.WriteString("📉 ")
	} else {
		b.WriteString("📈 ")
	}
	b.WriteString(strings.ToUpper(strings.TrimSpace(it.Symbol)))
	b.WriteString(" fund flow ")
	if it.Direction == "out" {
		b.WriteString("out: ")
	} else {
		b.WriteString("in: ")
	}
	b.WriteString(strings.TrimSpace(it.Amount))
	writeTime(&b, it.Time)
	return b.String()
}

func writeTime(b *strings.Builder, at time.Time) {
	if at.IsZero() {
		return
	}
	b.WriteString("\n")
	b.WriteString(at.UTC().Format(timeLayout))
}

// shortAddr keeps long chain addresses readable: head..tail.
func shortAddr(a string) string {
	a = strings.TrimSpace(a)
	if len(a) <= 14 {
		return a
	}
	return a[:8] + ".." + a[len(a)-4:]
}
