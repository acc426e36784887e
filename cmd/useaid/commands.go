package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/deepnoodle-ai/wonton/cli"
	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/internal/tablewriter"
	"github.com/useai-dev/useaid/query"
)

func registerStatusCommand(app *cli.App) {
	app.Command("status").
		Description("Show the running daemon's health").
		Run(func(ctx *cli.Context) error {
			client, err := dialDaemon(ctx)
			if err != nil {
				return err
			}
			var health struct {
				Status          string `json:"status"`
				Version         string `json:"version"`
				ActiveSessions  int    `json:"active_sessions"`
				OpenConnections int    `json:"open_connections"`
				UptimeSeconds   int64  `json:"uptime_seconds"`
			}
			if err := client.getJSON("/health", &health); err != nil {
				return err
			}
			fmt.Printf("%s useaid %s at %s\n", successStyle.Sprint(checkmark), health.Version, client.base)
			fmt.Printf("  uptime:           %s\n", formatDuration(health.UptimeSeconds))
			fmt.Printf("  active sessions:  %d\n", health.ActiveSessions)
			fmt.Printf("  open connections: %d\n", health.OpenConnections)
			return nil
		})
}

func registerSessionsCommand(app *cli.App) {
	app.Command("sessions").
		Description("List sealed sessions, newest first").
		Flags(
			cli.String("client", "c").Help("Filter by client glob (e.g. 'vscode*')"),
			cli.String("project", "").Help("Filter by project glob"),
			cli.String("task-type", "t").Help("Filter by task type glob"),
			cli.Int("limit", "n").Default(20).Help("Maximum rows to show (0 shows all)"),
		).
		Run(func(ctx *cli.Context) error {
			client, err := dialDaemon(ctx)
			if err != nil {
				return err
			}

			params := url.Values{}
			if v := ctx.String("client"); v != "" {
				params.Set("client", v)
			}
			if v := ctx.String("project"); v != "" {
				params.Set("project", v)
			}
			if v := ctx.String("task-type"); v != "" {
				params.Set("task_type", v)
			}
			path := "/sessions"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var seals []*useaid.SessionSeal
			if err := client.getJSON(path, &seals); err != nil {
				return err
			}
			if len(seals) == 0 {
				fmt.Println(mutedStyle.Sprint("no sessions recorded"))
				return nil
			}
			total := len(seals)
			if limit := ctx.Int("limit"); limit > 0 && len(seals) > limit {
				seals = seals[:limit]
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.Header([]string{"SESSION", "CLIENT", "TASK", "PROJECT", "STARTED", "DURATION", "FILES"})
			for _, seal := range seals {
				table.Append([]string{
					shortID(seal.SessionID),
					seal.Client,
					seal.TaskType,
					seal.Project,
					formatStarted(seal.StartedAt),
					formatDuration(seal.DurationSeconds),
					strconv.Itoa(seal.FilesTouched),
				})
			}
			table.Render()
			if len(seals) < total {
				fmt.Println(mutedStyle.Sprintf("showing %d of %d sessions", len(seals), total))
			}
			return nil
		})
}

func registerStatsCommand(app *cli.App) {
	app.Command("stats").
		Description("Show aggregate session statistics").
		Run(func(ctx *cli.Context) error {
			client, err := dialDaemon(ctx)
			if err != nil {
				return err
			}
			var stats query.Stats
			if err := client.getJSON("/stats", &stats); err != nil {
				return err
			}

			fmt.Printf("  sessions:   %d\n", stats.TotalSessions)
			fmt.Printf("  duration:   %s\n", formatDuration(stats.TotalDuration))
			fmt.Printf("  milestones: %d\n", stats.TotalMilestones)
			fmt.Printf("  files:      %d\n", stats.TotalFilesTouched)
			fmt.Printf("  streak:     %s\n", plural(stats.StreakDays, "day"))

			if len(stats.ByClient)+len(stats.ByLanguage)+len(stats.ByTaskType) == 0 {
				return nil
			}
			fmt.Println()
			table := tablewriter.NewWriter(os.Stdout)
			table.Header([]string{"BREAKDOWN", "NAME", "SESSIONS"})
			appendCounts := func(dimension string, counts map[string]int) {
				for _, name := range sortedKeys(counts) {
					table.Append([]string{dimension, name, strconv.Itoa(counts[name])})
				}
			}
			appendCounts("client", stats.ByClient)
			appendCounts("language", stats.ByLanguage)
			appendCounts("task", stats.ByTaskType)
			table.Render()
			return nil
		})
}

func registerSealActiveCommand(app *cli.App) {
	app.Command("seal-active").
		Description("Seal every open session immediately").
		Run(func(ctx *cli.Context) error {
			client, err := dialDaemon(ctx)
			if err != nil {
				return err
			}
			var result struct {
				Sealed int `json:"sealed"`
			}
			if err := client.postJSON("/seal-active", &result); err != nil {
				return err
			}
			fmt.Printf("%s sealed %s\n", successStyle.Sprint(checkmark), plural(result.Sealed, "session"))
			return nil
		})
}
