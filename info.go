package main

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
)

// ===========================
// Command Registration
// ===========================

func init() {
	langOption := discord.ApplicationCommandOptionString{
		Name:        "language",
		Description: "Language for bot responses",
		Required:    false,
		Choices: []discord.ApplicationCommandOptionChoiceString{
			{Name: "English", Value: "en"},
			{Name: "Deutsch", Value: "de"},
		},
	}

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "stats",
		Description: "Show installation statistics",
		Options:     []discord.ApplicationCommandOption{langOption},
	}, handleStats)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "help",
		Description: "Show available commands",
		Options:     []discord.ApplicationCommandOption{langOption},
	}, handleHelp)

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogStats, func(ctx context.Context) (bool, func(), func()) {
			return startPresenceRotator(ctx, client)
		})
	})
}

// ============================================================================
// Info Commands
// ============================================================================

func handleStats(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	loc := GetLocale(data.String("language"))
	snap := Stats.Snapshot()

	content := fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		loc.StatsTitle,
		fmt.Sprintf(loc.StatsTotal, snap.TotalInstallations),
		fmt.Sprintf(loc.StatsMySQL, snap.MysqlInstallations),
		fmt.Sprintf(loc.StatsNonMySQL, snap.NonMysqlInstallations),
		fmt.Sprintf(loc.StatsErrors, len(snap.Errors)),
	)

	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(content).
		SetEphemeral(true).
		Build())
}

func handleHelp(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	loc := GetLocale(data.String("language"))

	_ = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetContent(fmt.Sprintf(loc.HelpText, discord.ChannelMention(GlobalConfig.HelpChannelID))).
		SetEphemeral(true).
		Build())
}

// ============================================================================
// Presence Rotator Daemon
// ============================================================================

const presenceRotateInterval = time.Minute

// startPresenceRotator alternates the bot presence between the install total
// and the process uptime.
func startPresenceRotator(ctx context.Context, client *bot.Client) (bool, func(), func()) {
	done := make(chan struct{})

	run := func() {
		ticker := time.NewTicker(presenceRotateInterval)
		defer ticker.Stop()

		showUptime := false
		for {
			var text string
			if showUptime {
				text = fmt.Sprintf("up for %s", FormatDuration(time.Since(StartupTime)))
			} else {
				snap := Stats.Snapshot()
				text = fmt.Sprintf("%d installs served", snap.TotalInstallations)
			}
			showUptime = !showUptime

			if err := client.SetPresence(ctx, gateway.WithPlayingActivity(text)); err != nil {
				LogStats(MsgPresenceUpdateFail, err)
			}

			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}

	shutdown := func() {
		close(done)
	}

	return true, run, shutdown
}
