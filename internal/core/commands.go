package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"alertbot/internal/engine"
	"alertbot/internal/kit"
	"alertbot/internal/market"
	"alertbot/internal/scheduler"
	"alertbot/pkg/logx"
)

// Commands is the operator command surface on top of the gateway.
type Commands struct {
	reg     *engine.Registry
	eng     *engine.Engine
	sched   *scheduler.Service
	adapter kit.Adapter
	cfg     func() *Config
	log     logx.Logger
}

func NewCommands(reg *engine.Registry, eng *engine.Engine, sched *scheduler.Service, adapter kit.Adapter, cfg func() *Config, log logx.Logger) *Commands {
	return &Commands{reg: reg, eng: eng, sched: sched, adapter: adapter, cfg: cfg, log: log}
}

// Menu is the command list published to the gateway menu.
func (h *Commands) Menu() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "start", Description: "subscribe to market alerts"},
		{Command: "alerts_on", Description: "enable all alert categories"},
		{Command: "alerts_off", Description: "disable all alert categories"},
		{Command: "news", Description: "toggle breaking news: /news on|off"},
		{Command: "whale", Description: "toggle large transfers: /whale on|off"},
		{Command: "flow", Description: "toggle fund flows: /flow on|off"},
		{Command: "bindgroup", Description: "bind this group to your alerts"},
		{Command: "unbindgroup", Description: "unbind this group"},
		{Command: "push", Description: "run a push cycle now (owner)"},
		{Command: "status", Description: "show subscription status"},
		{Command: "help", Description: "show available commands"},
	}
}

// Handle dispatches one inbound update. Unknown text is ignored so the bot
// can share group chats with humans.
func (h *Commands) Handle(ctx context.Context, up kit.Update) {
	m := up.Message
	if m == nil || !strings.HasPrefix(m.Text, "/") {
		return
	}
	cmd, arg := splitCommand(m.Text)

	var reply string
	switch cmd {
	case "/start":
		reply = h.cmdStart(m)
	case "/alerts_on":
		reply = h.cmdAlertsAll(m, true)
	case "/alerts_off":
		reply = h.cmdAlertsAll(m, false)
	case "/news":
		reply = h.cmdToggle(m, market.CategoryNews, arg)
	case "/whale":
		reply = h.cmdToggle(m, market.CategoryTransfer, arg)
	case "/flow":
		reply = h.cmdToggle(m, market.CategoryFundFlow, arg)
	case "/bindgroup":
		reply = h.cmdBindGroup(m)
	case "/unbindgroup":
		reply = h.cmdUnbindGroup(m)
	case "/push":
		reply = h.cmdPush(ctx, m)
	case "/status":
		reply = h.cmdStatus(m)
	case "/help":
		reply = h.cmdHelp()
	default:
		return
	}
	if reply == "" {
		return
	}
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if _, err := h.adapter.SendText(ctx, to, reply, nil); err != nil {
		h.log.Warn("command reply failed",
			logx.String("command", cmd),
			logx.Int64("chat", m.ChatID),
			logx.Err(err))
	}
}

func splitCommand(text string) (cmd, arg string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", ""
	}
	cmd = strings.ToLower(fields[0])
	// Strip the "@botname" suffix used in groups.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	if len(fields) > 1 {
		arg = strings.ToLower(fields[1])
	}
	return cmd, arg
}

func recipientID(m *kit.Message) string {
	return strconv.FormatInt(m.FromID, 10)
}

// userTarget is the DM channel for the sender. In a group the command still
// operates on the sender's own subscription.
func userTarget(m *kit.Message) kit.ChatTarget {
	if m.IsGroup {
		return kit.ChatTarget{ChatID: m.FromID}
	}
	return kit.ChatTarget{ChatID: m.ChatID}
}

func (h *Commands) cmdStart(m *kit.Message) string {
	id := recipientID(m)
	if _, ok := h.reg.Get(id); ok {
		return "Already subscribed. Use /status to see your settings."
	}
	h.reg.Add(engine.Recipient{
		ID:       id,
		User:     userTarget(m),
		Settings: market.AllEnabled(),
	})
	h.log.Info("recipient subscribed", logx.String("recipient", id))
	return "Subscribed to market alerts: news, large transfers and fund flows.\nUse /news, /whale, /flow to adjust, /help for everything else."
}

func (h *Commands) ensure(m *kit.Message) engine.Recipient {
	id := recipientID(m)
	rec, ok := h.reg.Get(id)
	if !ok {
		rec = engine.Recipient{ID: id, User: userTarget(m), Settings: market.AllEnabled()}
		h.reg.Add(rec)
	}
	return rec
}

func (h *Commands) cmdAlertsAll(m *kit.Message, on bool) string {
	rec := h.ensure(m)
	h.reg.SetAll(rec.ID, on)
	if on {
		return "All alert categories enabled."
	}
	return "All alert categories disabled. They stay off until you re-enable them."
}

func (h *Commands) cmdToggle(m *kit.Message, c market.Category, arg string) string {
	var on bool
	switch arg {
	case "on":
		on = true
	case "off":
		on = false
	default:
		return fmt.Sprintf("Usage: %s on|off", commandFor(c))
	}
	rec := h.ensure(m)
	h.reg.SetCategory(rec.ID, c, on)
	state := "off"
	if on {
		state = "on"
	}
	return fmt.Sprintf("%s alerts %s.", labelFor(c), state)
}

func commandFor(c market.Category) string {
	switch c {
	case market.CategoryNews:
		return "/news"
	case market.CategoryTransfer:
		return "/whale"
	case market.CategoryFundFlow:
		return "/flow"
	}
	return "/" + string(c)
}

func labelFor(c market.Category) string {
	switch c {
	case market.CategoryNews:
		return "Breaking news"
	case market.CategoryTransfer:
		return "Large transfer"
	case market.CategoryFundFlow:
		return "Fund flow"
	}
	return string(c)
}

func (h *Commands) cmdBindGroup(m *kit.Message) string {
	if !m.IsGroup {
		return "Send /bindgroup inside the group you want alerts in."
	}
	rec := h.ensure(m)
	h.reg.BindGroup(rec.ID, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID})
	h.log.Info("group bound",
		logx.String("recipient", rec.ID),
		logx.Int64("chat", m.ChatID))
	return "This group now receives your market alerts."
}

func (h *Commands) cmdUnbindGroup(m *kit.Message) string {
	if !m.IsGroup {
		return "Send /unbindgroup inside the group to unbind."
	}
	id := recipientID(m)
	if !h.reg.UnbindGroup(id, m.ChatID) {
		return "This group was not bound to your alerts."
	}
	return "This group no longer receives your alerts."
}

func (h *Commands) cmdPush(ctx context.Context, m *kit.Message) string {
	if !h.cfg().isOwner(m.FromID) {
		return "Only operators can trigger a push cycle."
	}
	run, err := h.sched.TriggerManual(ctx)
	switch {
	case run.Skipped:
		return "A push cycle is already running; this trigger was skipped."
	case errors.Is(err, scheduler.ErrNotStarted):
		return "Scheduler is not running."
	case err != nil:
		return "Push cycle finished with an error: " + err.Error()
	}
	rep, _ := h.eng.LastReport()
	return fmt.Sprintf("Push cycle %s done: %d sent, %d suppressed, %d send errors, %d fetch errors (%.1fs).",
		rep.RunID, rep.Sent, rep.Suppressed, rep.SendErrs, rep.FetchErrs, rep.Duration.Seconds())
}

func (h *Commands) cmdStatus(m *kit.Message) string {
	id := recipientID(m)
	var b strings.Builder

	rec, ok := h.reg.Get(id)
	if !ok {
		b.WriteString("Not subscribed. Send /start to subscribe.\n")
	} else {
		b.WriteString("Your alerts:\n")
		for _, c := range market.Categories() {
			state := "off"
			if rec.Settings.Enabled(c) {
				state = "on"
			}
			fmt.Fprintf(&b, "  %s: %s\n", labelFor(c), state)
		}
		fmt.Fprintf(&b, "  bound groups: %d\n", len(rec.Groups))
	}

	if h.cfg().isOwner(m.FromID) {
		snap := h.sched.Status()
		_, totals := h.eng.LastReport()
		fmt.Fprintf(&b, "\nEngine: %d recipients, %d cycles, %d sent, %d suppressed, %d send errors.\n",
			h.reg.Len(), totals.Cycles, totals.Sent, totals.Suppressed, totals.SendErrs)
		fmt.Fprintf(&b, "Schedule %q", snap.Schedule)
		if !snap.Next.IsZero() {
			fmt.Fprintf(&b, ", next run %s", snap.Next.Format(time.RFC3339))
		}
		if snap.Running {
			b.WriteString(", cycle in flight")
		}
		if snap.Dropped > 0 {
			fmt.Fprintf(&b, ", %d overlapping ticks dropped", snap.Dropped)
		}
		b.WriteString(".")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Commands) cmdHelp() string {
	return strings.Join([]string{
		"/start - subscribe to market alerts",
		"/alerts_on, /alerts_off - all categories at once",
		"/news on|off - breaking news",
		"/whale on|off - large transfers",
		"/flow on|off - fund flows",
		"/bindgroup, /unbindgroup - group delivery (send in the group)",
		"/status - current settings",
		"/push - run a cycle now (operators)",
	}, "\n")
}
