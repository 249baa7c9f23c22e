package kit

import "context"

// Update is an inbound event from the messaging platform.
// Only text messages matter here; the settings commands ride on them.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// ChatTarget identifies a deliverable channel (user DM or group chat).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// BotCommand is one entry in the gateway's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// Adapter is the messaging gateway boundary. The engine only depends on
// send success/failure; wire-format details stay behind this interface.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
