package app

import (
	"context"

	"arpgbot/internal/seasonsync"
	"arpgbot/internal/subscription"
	"arpgbot/internal/upstream"
)

// backend answers configuration commands from the subscription store and
// the sync engine's cached reads. It never runs a cycle.
type backend struct {
	subs *subscription.Store
	sync *seasonsync.Engine
}

func (b *backend) SetMasterEnabled(ctx context.Context, community string, enabled bool) error {
	return b.subs.SetMasterEnabled(ctx, community, enabled)
}

func (b *backend) SetGameEnabled(ctx context.Context, community, game string, enabled bool) error {
	return b.subs.SetGameEnabled(ctx, community, game, enabled)
}

func (b *backend) SetChannel(ctx context.Context, community, channelID string) error {
	return b.subs.SetChannel(ctx, community, channelID)
}

func (b *backend) Status(ctx context.Context, community string) (seasonsync.CommunityStatus, error) {
	return b.sync.Status(ctx, community)
}

func (b *backend) ActiveSeasons(ctx context.Context, games ...string) ([]upstream.SeasonList, error) {
	return b.sync.ActiveSeasons(ctx, games...)
}

func (b *backend) Games(ctx context.Context) ([]string, error) {
	return b.sync.Games(ctx)
}

// staticDirectory serves a fixed community list (dry runs without a
// gateway: the guilds named in discord.channels).
type staticDirectory []string

func (d staticDirectory) Communities(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), d...), nil
}
