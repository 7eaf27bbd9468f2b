// Package bot connects the workflow manager to Discord.
package bot

import (
	"context"
	"fmt"

	"snapdrop/internal/config"
	"snapdrop/internal/logging"
	"snapdrop/internal/manager"
	"snapdrop/internal/workflow"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Sender posts messages to a channel
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Dispatcher runs workflows on behalf of the bot
type Dispatcher interface {
	Submit(ctx context.Context, req manager.Request) error
	Status(ctx context.Context) string
}

// Bot handles chat commands
type Bot struct {
	session  *discordgo.Session
	sender   Sender
	mgr      Dispatcher
	prefix   string
	channels map[string]bool
	selfID   string
}

// New creates a bot logged in with the configured token. Call Open to connect.
func New(cfg config.DiscordConfig, mgr Dispatcher) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent

	b := NewWithSender(session, mgr, cfg.Prefix, cfg.Channels)
	b.session = session
	session.AddHandler(b.onReady)
	session.AddHandler(b.onMessageCreate)
	return b, nil
}

// NewWithSender creates a bot that replies through sender without a gateway
// connection
func NewWithSender(sender Sender, mgr Dispatcher, prefix string, channels []string) *Bot {
	allowed := make(map[string]bool, len(channels))
	for _, id := range channels {
		allowed[id] = true
	}
	return &Bot{
		sender:   sender,
		mgr:      mgr,
		prefix:   prefix,
		channels: allowed,
	}
}

// Open connects to the gateway
func (b *Bot) Open() error {
	if b.session == nil {
		return fmt.Errorf("bot has no discord session")
	}
	return b.session.Open()
}

// Close disconnects from the gateway
func (b *Bot) Close() error {
	if b.session == nil {
		return nil
	}
	return b.session.Close()
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.selfID = r.User.ID
	logging.Logger().Info("Connected to Discord",
		zap.String("user", r.User.Username),
		zap.Int("guilds", len(r.Guilds)))
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	b.HandleMessage(context.Background(), m.Message)
}

// HandleMessage reacts to one chat message
func (b *Bot) HandleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil {
		return
	}
	if m.Author.Bot || m.Author.ID == b.selfID {
		return
	}
	if len(b.channels) > 0 && !b.channels[m.ChannelID] {
		return
	}

	cmd, ok := ParseCommand(b.prefix, m.Content)
	if !ok {
		return
	}

	logging.Logger().Info("Received command",
		zap.String("command", string(cmd)),
		zap.String("user", m.Author.Username),
		zap.String("channel", m.ChannelID))

	switch cmd {
	case CommandCreate:
		b.submit(ctx, m, manager.KindProvision, "Creating server...")
	case CommandDestroy:
		b.submit(ctx, m, manager.KindDestroy, "Destroying server...")
	case CommandStatus:
		b.say(m.ChannelID, b.mgr.Status(ctx))
	case CommandHelp:
		b.say(m.ChannelID, helpText(b.prefix))
	}
}

func (b *Bot) submit(ctx context.Context, m *discordgo.Message, kind manager.Kind, ack string) {
	channelID := m.ChannelID
	b.say(channelID, ack)

	err := b.mgr.Submit(ctx, manager.Request{
		Kind:      kind,
		Requester: m.Author.Username,
		Reply: func(out workflow.Outcome) {
			b.say(channelID, out.Message)
		},
		Progress: func(stage workflow.Stage) {
			if text, ok := progressText[stage]; ok {
				b.say(channelID, text)
			}
		},
	})
	if err != nil {
		logging.Logger().Debug("Command not queued",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

// progressText holds the stages worth announcing in chat
var progressText = map[workflow.Stage]string{
	workflow.StageAwaitingNetwork: "Waiting for IP...",
	workflow.StageShuttingDown:    "Shutting down server...",
	workflow.StageSnapshotting:    "Creating snapshot...",
	workflow.StageCleaningUp:      "Snapshot saved, cleaning up...",
}

func (b *Bot) say(channelID, content string) {
	if _, err := b.sender.ChannelMessageSend(channelID, content); err != nil {
		logging.Logger().Error("Failed to send message",
			zap.String("channel", channelID),
			zap.Error(err))
	}
}
