// Package discord is the Discord transport: the guild directory, the season
// announcer and the slash commands that edit subscriptions.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	logx "arpgbot/pkg/logx"
)

type Config struct {
	Token string
	// OwnerUserIDs may run management commands in any guild.
	OwnerUserIDs []string
	// Channels overrides the announcement channel per guild.
	Channels map[string]string
	// CreateEvents creates a guild scheduled event for upcoming seasons.
	CreateEvents  bool
	EventLocation string
	EventDuration time.Duration
	// CommandTimeout bounds one slash command.
	CommandTimeout time.Duration
}

const (
	DefaultEventLocation  = "aRPG Timeline"
	DefaultEventDuration  = 2 * time.Hour
	defaultCommandTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.EventLocation) == "" {
		c.EventLocation = DefaultEventLocation
	}
	if c.EventDuration <= 0 {
		c.EventDuration = DefaultEventDuration
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	return c
}

// Bot owns the gateway session.
type Bot struct {
	cfg Config
	log logx.Logger
	s   *discordgo.Session

	cmds *Commands

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	removes []func()
	open    bool

	ready     chan struct{}
	readyOnce sync.Once
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	return &Bot{cfg: cfg, log: log.With(logx.String("comp", "discord")), s: s, ready: make(chan struct{})}, nil
}

// Session exposes the underlying session.
func (b *Bot) Session() *discordgo.Session { return b.s }

// SetCommands installs the slash command handlers. Call before Start.
func (b *Bot) SetCommands(c *Commands) { b.cmds = c }

// Start opens the gateway and registers the slash commands.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.removes = append(b.removes,
		b.s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			b.log.Info("gateway ready", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
			b.readyOnce.Do(func() { close(b.ready) })
		}),
		b.s.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) {
			b.log.Debug("guild available", logx.String("guild", g.ID), logx.String("name", g.Name))
		}),
	)
	if b.cmds != nil {
		b.removes = append(b.removes, b.s.AddHandler(b.onInteraction))
	}

	if err := b.s.Open(); err != nil {
		b.cancel()
		return fmt.Errorf("discord open: %w", err)
	}
	b.open = true

	if b.cmds != nil {
		appID := b.s.State.User.ID
		if _, err := b.s.ApplicationCommandBulkOverwrite(appID, "", CommandDefinitions(), discordgo.WithContext(ctx)); err != nil {
			// commands are optional; announcements still work
			b.log.Warn("slash command registration failed", logx.Err(err))
		} else {
			b.log.Info("slash commands registered", logx.Int("count", len(CommandDefinitions())))
		}
	}
	return nil
}

// Ready is closed once the gateway delivered its first Ready event, after
// which Communities reflects the guild list.
func (b *Bot) Ready() <-chan struct{} { return b.ready }

// Stop closes the gateway. Safe to call more than once.
func (b *Bot) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rm := range b.removes {
		rm()
	}
	b.removes = nil
	if b.cancel != nil {
		b.cancel()
	}
	if !b.open {
		return nil
	}
	b.open = false
	return b.s.Close()
}

// Communities implements seasonsync.Directory: the guilds the bot is in.
func (b *Bot) Communities(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	open := b.open
	b.mu.Unlock()
	if !open {
		return nil, errors.New("discord session is not open")
	}

	st := b.s.State
	st.RLock()
	out := make([]string, 0, len(st.Guilds))
	for _, g := range st.Guilds {
		out = append(out, g.ID)
	}
	st.RUnlock()
	sort.Strings(out)
	return out, nil
}

// systemChannel returns the guild's system channel from the state cache.
func (b *Bot) systemChannel(guildID string) string {
	g, err := b.s.State.Guild(guildID)
	if err != nil || g == nil {
		return ""
	}
	return g.SystemChannelID
}

// Announcer returns an announcer bound to this session.
func (b *Bot) Announcer() *Announcer {
	return NewAnnouncer(b.cfg, b.s, b.systemChannel, b.log)
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	b.mu.Lock()
	base := b.ctx
	b.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	b.cmds.Handle(base, s, i)
}
