package discord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"arpgbot/internal/apperr"
	"arpgbot/internal/seasonsync"
	"arpgbot/internal/upstream"
	logx "arpgbot/pkg/logx"
)

// Backend is what the slash commands read and change.
type Backend interface {
	SetMasterEnabled(ctx context.Context, community string, enabled bool) error
	SetGameEnabled(ctx context.Context, community, game string, enabled bool) error
	SetChannel(ctx context.Context, community, channelID string) error
	Status(ctx context.Context, community string) (seasonsync.CommunityStatus, error)
	ActiveSeasons(ctx context.Context, games ...string) ([]upstream.SeasonList, error)
	Games(ctx context.Context) ([]string, error)
}

const (
	cmdEnable  = "arpg-enable"
	cmdToggle  = "arpg-toggle-game"
	cmdStatus  = "arpg-status"
	cmdSeasons = "arpg-seasons"

	maxChoices = 25
	maxMessage = 2000
)

var manageServer int64 = discordgo.PermissionManageServer

// CommandDefinitions returns the slash commands the bot registers.
func CommandDefinitions() []*discordgo.ApplicationCommand {
	noDM := false
	return []*discordgo.ApplicationCommand{
		{
			Name:                     cmdEnable,
			Description:              "Enable or disable all season notifications for this server",
			DefaultMemberPermissions: &manageServer,
			DMPermission:             &noDM,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "enabled",
					Description: "Turn notifications on or off",
					Required:    true,
				},
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "channel",
					Description:  "Channel for announcements (default: system channel)",
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews},
				},
			},
		},
		{
			Name:                     cmdToggle,
			Description:              "Enable or disable notifications for one game",
			DefaultMemberPermissions: &manageServer,
			DMPermission:             &noDM,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionString,
					Name:         "game",
					Description:  "Game slug",
					Required:     true,
					Autocomplete: true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "enabled",
					Description: "Turn notifications for this game on or off",
					Required:    true,
				},
			},
		},
		{
			Name:         cmdStatus,
			Description:  "Show the season notification settings of this server",
			DMPermission: &noDM,
		},
		{
			Name:        cmdSeasons,
			Description: "List active and upcoming seasons",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionString,
					Name:         "game",
					Description:  "Only this game",
					Autocomplete: true,
				},
			},
		},
	}
}

// Commands handles slash command interactions.
type Commands struct {
	backend Backend
	owners  map[string]bool
	timeout time.Duration
	log     logx.Logger
	now     func() time.Time
}

func NewCommands(cfg Config, backend Backend, log logx.Logger) *Commands {
	cfg = cfg.withDefaults()
	owners := make(map[string]bool, len(cfg.OwnerUserIDs))
	for _, id := range cfg.OwnerUserIDs {
		if id = strings.TrimSpace(id); id != "" {
			owners[id] = true
		}
	}
	return &Commands{
		backend: backend,
		owners:  owners,
		timeout: cfg.CommandTimeout,
		log:     log.With(logx.String("comp", "discord.commands")),
		now:     time.Now,
	}
}

// Invocation is a parsed slash command.
type Invocation struct {
	Name    string
	GuildID string
	UserID  string
	// CanManage: guild owner, Manage Server permission, or a bot owner.
	CanManage bool
	Options   map[string]*discordgo.ApplicationCommandInteractionDataOption
}

func (inv Invocation) str(name string) string {
	if o := inv.Options[name]; o != nil && o.Value != nil {
		return strings.TrimSpace(fmt.Sprint(o.Value))
	}
	return ""
}

func (inv Invocation) boolean(name string) (bool, bool) {
	o := inv.Options[name]
	if o == nil || o.Type != discordgo.ApplicationCommandOptionBoolean {
		return false, false
	}
	return o.BoolValue(), true
}

func (c *Commands) invocation(s *discordgo.Session, i *discordgo.InteractionCreate) Invocation {
	data := i.ApplicationCommandData()
	inv := Invocation{
		Name:    data.Name,
		GuildID: i.GuildID,
		Options: make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(data.Options)),
	}
	for _, o := range data.Options {
		inv.Options[o.Name] = o
	}
	if i.Member != nil && i.Member.User != nil {
		inv.UserID = i.Member.User.ID
		inv.CanManage = i.Member.Permissions&discordgo.PermissionManageServer != 0 ||
			i.Member.Permissions&discordgo.PermissionAdministrator != 0
		if !inv.CanManage && s != nil {
			if g, err := s.State.Guild(i.GuildID); err == nil && g.OwnerID == inv.UserID {
				inv.CanManage = true
			}
		}
	} else if i.User != nil {
		inv.UserID = i.User.ID
	}
	if c.owners[inv.UserID] {
		inv.CanManage = true
	}
	return inv
}

// Handle answers one interaction.
func (c *Commands) Handle(base context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommandAutocomplete:
		c.autocomplete(base, s, i)
		return
	case discordgo.InteractionApplicationCommand:
	default:
		return
	}

	inv := c.invocation(s, i)
	log := c.log.With(logx.String("cmd", inv.Name), logx.String("guild", inv.GuildID), logx.String("user", inv.UserID))

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		log.Warn("interaction ack failed", logx.Err(err))
		return
	}

	ctx, cancel := context.WithTimeout(base, c.timeout)
	defer cancel()
	text, err := c.Run(ctx, inv)
	if err != nil {
		log.Warn("command failed", logx.Err(err))
		text = userError(err)
	}
	text = truncate(text, maxMessage)
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &text}); err != nil {
		log.Warn("interaction reply failed", logx.Err(err))
	}
}

var errForbidden = errors.New("you need the Manage Server permission for this command")

func userError(err error) string {
	switch {
	case errors.Is(err, errForbidden):
		return err.Error()
	case errors.Is(err, apperr.Storage):
		return "Settings storage is unavailable right now. Try again shortly."
	case errors.Is(err, apperr.UpstreamData), errors.Is(err, apperr.TransientNetwork), errors.Is(err, apperr.Auth):
		return "The season API is unavailable right now. Try again shortly."
	default:
		return "Something went wrong: " + err.Error()
	}
}

// Run executes a parsed command and returns the reply text.
func (c *Commands) Run(ctx context.Context, inv Invocation) (string, error) {
	switch inv.Name {
	case cmdEnable:
		return c.enable(ctx, inv)
	case cmdToggle:
		return c.toggleGame(ctx, inv)
	case cmdStatus:
		return c.status(ctx, inv)
	case cmdSeasons:
		return c.seasons(ctx, inv)
	default:
		return "", fmt.Errorf("unknown command %q", inv.Name)
	}
}

func (c *Commands) enable(ctx context.Context, inv Invocation) (string, error) {
	if inv.GuildID == "" {
		return "This command only works in a server.", nil
	}
	if !inv.CanManage {
		return "", errForbidden
	}
	enabled, ok := inv.boolean("enabled")
	if !ok {
		return "", errors.New("missing option enabled")
	}
	if ch := inv.str("channel"); ch != "" {
		if err := c.backend.SetChannel(ctx, inv.GuildID, ch); err != nil {
			return "", err
		}
	}
	if err := c.backend.SetMasterEnabled(ctx, inv.GuildID, enabled); err != nil {
		return "", err
	}
	if !enabled {
		return "Season notifications disabled. Your game settings are kept.", nil
	}
	msg := "Season notifications enabled."
	if ch := inv.str("channel"); ch != "" {
		msg += fmt.Sprintf(" Announcements go to <#%s>.", ch)
	}
	return msg, nil
}

func (c *Commands) toggleGame(ctx context.Context, inv Invocation) (string, error) {
	if inv.GuildID == "" {
		return "This command only works in a server.", nil
	}
	if !inv.CanManage {
		return "", errForbidden
	}
	game := strings.ToLower(inv.str("game"))
	enabled, ok := inv.boolean("enabled")
	if game == "" || !ok {
		return "", errors.New("missing options game and enabled")
	}
	if games, err := c.backend.Games(ctx); err == nil && len(games) > 0 && !slices.Contains(games, game) {
		return fmt.Sprintf("Unknown game `%s`. Known games: %s", game, strings.Join(games, ", ")), nil
	}
	if err := c.backend.SetGameEnabled(ctx, inv.GuildID, game, enabled); err != nil {
		return "", err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return fmt.Sprintf("Notifications for `%s` %s.", game, state), nil
}

func (c *Commands) status(ctx context.Context, inv Invocation) (string, error) {
	if inv.GuildID == "" {
		return "This command only works in a server.", nil
	}
	st, err := c.backend.Status(ctx, inv.GuildID)
	if err != nil {
		return "", err
	}
	return RenderStatus(st), nil
}

func (c *Commands) seasons(ctx context.Context, inv Invocation) (string, error) {
	var games []string
	if g := strings.ToLower(inv.str("game")); g != "" {
		games = []string{g}
	}
	lists, err := c.backend.ActiveSeasons(ctx, games...)
	if err != nil && len(lists) == 0 {
		return "", err
	}
	if err != nil {
		c.log.Warn("some games failed to load", logx.Err(err))
	}
	return RenderSeasons(lists, c.now()), nil
}

func (c *Commands) autocomplete(base context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(base, 3*time.Second)
	defer cancel()

	var typed string
	for _, o := range i.ApplicationCommandData().Options {
		if o.Focused {
			typed = strings.ToLower(strings.TrimSpace(fmt.Sprint(o.Value)))
		}
	}
	games, err := c.backend.Games(ctx)
	if err != nil {
		c.log.Debug("autocomplete without games", logx.Err(err))
	}
	choices := GameChoices(games, typed)
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices},
	}); err != nil {
		c.log.Debug("autocomplete reply failed", logx.Err(err))
	}
}

// GameChoices filters games by a typed prefix or substring, prefix matches first.
func GameChoices(games []string, typed string) []*discordgo.ApplicationCommandOptionChoice {
	var prefix, inner []string
	for _, g := range games {
		switch {
		case strings.HasPrefix(g, typed):
			prefix = append(prefix, g)
		case strings.Contains(g, typed):
			inner = append(inner, g)
		}
	}
	out := make([]*discordgo.ApplicationCommandOptionChoice, 0, maxChoices)
	for _, g := range append(prefix, inner...) {
		if len(out) == maxChoices {
			break
		}
		out = append(out, &discordgo.ApplicationCommandOptionChoice{Name: upstream.DisplayGameName(g) + " (" + g + ")", Value: g})
	}
	return out
}

// RenderStatus formats a status reply.
func RenderStatus(st seasonsync.CommunityStatus) string {
	var b strings.Builder
	if st.MasterEnabled {
		b.WriteString("**Notifications:** on")
	} else {
		b.WriteString("**Notifications:** off")
	}
	if !st.MasterSet {
		b.WriteString(" (default)")
	}
	b.WriteString("\n")
	if st.ChannelID != "" {
		fmt.Fprintf(&b, "**Channel:** <#%s>\n", st.ChannelID)
	} else {
		b.WriteString("**Channel:** system channel\n")
	}
	fmt.Fprintf(&b, "**Seasons announced:** %s\n", humanize.Comma(int64(st.Announced)))
	if len(st.Recent) > 0 {
		b.WriteString("**Recent:**\n")
		for _, e := range st.Recent {
			fmt.Fprintf(&b, "• `%s` %s <t:%d:R>\n", e.GameSlug, e.SeasonName, e.NotifiedAt.Unix())
		}
	}

	if len(st.Games) == 0 {
		b.WriteString("No games known yet.")
		return b.String()
	}
	b.WriteString("**Games:**\n")
	for _, g := range st.Games {
		mark := "🔴"
		if g.Enabled && st.MasterEnabled {
			mark = "🟢"
		}
		suffix := ""
		if !g.Explicit {
			suffix = " (default)"
		}
		fmt.Fprintf(&b, "%s `%s`%s\n", mark, g.Game, suffix)
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderSeasons formats the active season listing.
func RenderSeasons(lists []upstream.SeasonList, now time.Time) string {
	var b strings.Builder
	n := 0
	for _, l := range lists {
		if len(l.Seasons) == 0 {
			continue
		}
		fmt.Fprintf(&b, "**%s**\n", upstream.DisplayGameName(l.Game))
		for _, s := range l.Seasons {
			n++
			fmt.Fprintf(&b, "%s %s", seasonMark(s, now), s.Name)
			if s.HasStart() {
				fmt.Fprintf(&b, " · starts %s", humanize.RelTime(s.Start, now, "ago", "from now"))
			}
			if !s.End.IsZero() {
				fmt.Fprintf(&b, " · ends %s", humanize.RelTime(s.End, now, "ago", "from now"))
			}
			if s.URL != "" {
				fmt.Fprintf(&b, " · <%s>", s.URL)
			}
			b.WriteString("\n")
		}
	}
	if n == 0 {
		return "No active or upcoming seasons right now."
	}
	return strings.TrimRight(b.String(), "\n")
}

func seasonMark(s upstream.Season, now time.Time) string {
	if s.Upcoming(now) {
		return "🔮"
	}
	return "🔥"
}
