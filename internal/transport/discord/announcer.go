package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"arpgbot/internal/apperr"
	"arpgbot/internal/seasonsync"
	"arpgbot/internal/upstream"
	logx "arpgbot/pkg/logx"
)

// api is the part of *discordgo.Session the announcer uses.
type api interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	GuildScheduledEventCreate(guildID string, event *discordgo.GuildScheduledEventParams, options ...discordgo.RequestOption) (*discordgo.GuildScheduledEvent, error)
}

// Announcer delivers season announcements to guilds: an embed in the
// announcement channel and, for upcoming seasons, a scheduled event.
type Announcer struct {
	cfg           Config
	api           api
	systemChannel func(guildID string) string
	log           logx.Logger
	now           func() time.Time
}

func NewAnnouncer(cfg Config, a api, systemChannel func(string) string, log logx.Logger) *Announcer {
	if systemChannel == nil {
		systemChannel = func(string) string { return "" }
	}
	return &Announcer{
		cfg:           cfg.withDefaults(),
		api:           a,
		systemChannel: systemChannel,
		log:           log.With(logx.String("comp", "discord.announcer")),
		now:           time.Now,
	}
}

// channelFor picks the stored channel, then the configured override, then
// the guild's system channel.
func (a *Announcer) channelFor(an seasonsync.Announcement) string {
	if an.ChannelID != "" {
		return an.ChannelID
	}
	if ch := a.cfg.Channels[an.Community]; ch != "" {
		return ch
	}
	return a.systemChannel(an.Community)
}

// Announce implements seasonsync.Announcer. It succeeds when every enabled
// step succeeded: the embed when the guild has a channel, and the scheduled
// event when events are on and the season is upcoming. A failed event after
// a sent embed is a delivery failure, so the retry may repeat the embed,
// unless Discord refused the event with 403.
func (a *Announcer) Announce(ctx context.Context, an seasonsync.Announcement) error {
	const op = "discord.announce"
	now := a.now()
	s := an.Season
	log := a.log.With(logx.String("guild", an.Community), logx.String("game", s.Game), logx.String("key", s.Key))

	sent := false
	if ch := a.channelFor(an); ch != "" {
		if _, err := a.api.ChannelMessageSendEmbed(ch, SeasonEmbed(s, now), discordgo.WithContext(ctx)); err != nil {
			return apperr.E(apperr.KindDelivery, op, fmt.Errorf("send to %s: %w", ch, err))
		}
		sent = true
	}

	created := false
	if a.cfg.CreateEvents && s.Upcoming(now) {
		_, err := a.api.GuildScheduledEventCreate(an.Community, EventParams(s, a.cfg.EventLocation, a.cfg.EventDuration), discordgo.WithContext(ctx))
		switch {
		case err == nil:
			created = true
		case sent && forbidden(err):
			// retrying cannot grant the permission; keep the sent embed as delivery
			log.Warn("scheduled event not permitted", logx.Err(err))
		default:
			if sent {
				log.Warn("scheduled event not created after message was sent", logx.Err(err))
			}
			return apperr.E(apperr.KindDelivery, op, fmt.Errorf("create event: %w", err))
		}
	}

	if !sent && !created {
		return apperr.Errorf(apperr.KindDelivery, op, "guild %s has no announcement channel", an.Community)
	}
	log.Debug("announced", logx.Bool("message", sent), logx.Bool("event", created))
	return nil
}

func forbidden(err error) bool {
	var rest *discordgo.RESTError
	return errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusForbidden
}

const (
	embedColor     = 0x5865F2
	maxEventName   = 100
	maxDescription = 1000
)

// SeasonEmbed renders the announcement message of a season.
func SeasonEmbed(s upstream.Season, now time.Time) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:     fmt.Sprintf("%s: %s", gameName(s), s.Name),
		URL:       s.URL,
		Color:     embedColor,
		Timestamp: now.UTC().Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: "aRPG Timeline"},
	}
	switch {
	case s.Upcoming(now):
		e.Description = "A new season is coming."
	case s.HasStart():
		e.Description = "A new season has started."
	default:
		e.Description = "A new season was announced."
	}
	if s.HasStart() {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Start", Value: discordTime(s.Start), Inline: true})
	}
	if !s.End.IsZero() {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "End", Value: discordTime(s.End), Inline: true})
	}
	if s.PatchNotesURL != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Patch notes", Value: s.PatchNotesURL})
	}
	return e
}

// EventParams builds the external scheduled event of an upcoming season.
func EventParams(s upstream.Season, location string, d time.Duration) *discordgo.GuildScheduledEventParams {
	start := s.Start.UTC()
	end := start.Add(d)
	desc := s.URL
	if desc == "" {
		desc = "New season tracked by aRPG Timeline"
	}
	return &discordgo.GuildScheduledEventParams{
		Name:               truncate(fmt.Sprintf("%s: %s", gameName(s), s.Name), maxEventName),
		Description:        truncate(desc, maxDescription),
		ScheduledStartTime: &start,
		ScheduledEndTime:   &end,
		PrivacyLevel:       discordgo.GuildScheduledEventPrivacyLevelGuildOnly,
		EntityType:         discordgo.GuildScheduledEventEntityTypeExternal,
		EntityMetadata:     &discordgo.GuildScheduledEventEntityMetadata{Location: location},
	}
}

func gameName(s upstream.Season) string {
	if s.GameName != "" {
		return s.GameName
	}
	return upstream.DisplayGameName(s.Game)
}

// discordTime renders t as an absolute plus relative Discord timestamp.
func discordTime(t time.Time) string {
	u := t.Unix()
	return fmt.Sprintf("<t:%d:F> (<t:%d:R>)", u, u)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
