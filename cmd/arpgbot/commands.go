package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"arpgbot/internal/app"
	"arpgbot/internal/transport/discord"
)

const cliTimeout = 30 * time.Second

var (
	syncDryRun     bool
	enableChannel  string
	enableDisabled bool
	toggleDisabled bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and exit",
	Long: `Run one synchronization cycle in the foreground.

With a discord token the gateway is opened for the cycle and new seasons are
announced. With --dry-run announcements are only logged, for the servers
listed under discord.channels.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return withApp(app.Options{DryRun: syncDryRun}, func(a *app.App) error {
			rep, err := a.SyncOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "cycle %s: %s\n", rep.ID, rep.Result(err))
			fmt.Fprintf(cmd.OutOrStdout(), "  games %d, communities %d, pairs %d\n", rep.Games, rep.Communities, rep.Pairs)
			fmt.Fprintf(cmd.OutOrStdout(), "  announced %d, already seen %d, ended %d, delivery failed %d\n",
				rep.Announced, rep.AlreadySeen, rep.Ended, rep.DeliveryFailed)
			games := make([]string, 0, len(rep.GameErrors))
			for g := range rep.GameErrors {
				games = append(games, g)
			}
			sort.Strings(games)
			for _, g := range games {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %v\n", g, rep.GameErrors[g])
			}
			return err
		})
	},
}

var seasonsCmd = &cobra.Command{
	Use:   "seasons [game...]",
	Short: "List active and upcoming seasons",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(app.Options{}, func(a *app.App) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()
			games := make([]string, 0, len(args))
			for _, g := range args {
				games = append(games, strings.ToLower(strings.TrimSpace(g)))
			}
			lists, err := a.Backend().ActiveSeasons(ctx, games...)
			if err != nil && len(lists) == 0 {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), discord.RenderSeasons(lists, time.Now()))
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <guild-id>",
	Short: "Show the subscription settings of a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(app.Options{}, func(a *app.App) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()
			st, err := a.Backend().Status(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), discord.RenderStatus(st))
			return nil
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <guild-id>",
	Short: "Turn all season notifications of a server on (or off with --off)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(app.Options{}, func(a *app.App) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()
			guild := args[0]
			if ch := strings.TrimSpace(enableChannel); ch != "" {
				if err := a.Backend().SetChannel(ctx, guild, ch); err != nil {
					return err
				}
			}
			if err := a.Backend().SetMasterEnabled(ctx, guild, !enableDisabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "notifications for %s %s\n", guild, onOff(!enableDisabled))
			return nil
		})
	},
}

var toggleGameCmd = &cobra.Command{
	Use:   "toggle-game <guild-id> <game>",
	Short: "Turn notifications for one game on (or off with --off)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(app.Options{}, func(a *app.App) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()
			guild, game := args[0], strings.ToLower(strings.TrimSpace(args[1]))
			if games, err := a.Backend().Games(ctx); err == nil && len(games) > 0 && !slices.Contains(games, game) {
				return fmt.Errorf("unknown game %q (known: %s)", game, strings.Join(games, ", "))
			}
			if err := a.Backend().SetGameEnabled(ctx, guild, game, !toggleDisabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s notifications for %s %s\n", game, guild, onOff(!toggleDisabled))
			return nil
		})
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "log announcements instead of sending them")
	enableCmd.Flags().StringVar(&enableChannel, "channel", "", "announcement channel id (default: the server's system channel)")
	enableCmd.Flags().BoolVar(&enableDisabled, "off", false, "disable instead of enable")
	toggleGameCmd.Flags().BoolVar(&toggleDisabled, "off", false, "disable instead of enable")
}

// withApp builds an app that is never started and closes it after fn.
func withApp(opts app.Options, fn func(a *app.App) error) error {
	a, err := app.NewApp(cfgPath, opts)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}

func onOff(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}
