// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Initialize the local database or write a config file",
		Commands: []*cli.Command{
			{
				Name:   "database",
				Usage:  "Create the database and run migrations",
				Action: r.SetupDatabase,
			},
			{
				Name:  "config",
				Usage: "Write an example config.toml",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing file",
					},
				},
				Action: r.SetupConfig,
			},
		},
	}
}

func authCommand(r *Runner) *cli.Command {
	credentialFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "username",
			Aliases: []string{"u"},
			Usage:   "Account username (defaults to session.username)",
		},
		&cli.StringFlag{
			Name:    "password",
			Aliases: []string{"p"},
			Usage:   "Account password",
			Sources: cli.EnvVars("MBINGO_PASSWORD"),
		},
	}

	return &cli.Command{
		Name:  "auth",
		Usage: "Manage the session with the server",
		Commands: []*cli.Command{
			{
				Name:   "login",
				Usage:  "Log in and store the session tokens",
				Flags:  credentialFlags,
				Action: r.Login,
			},
			{
				Name:  "register",
				Usage: "Create an account and log in",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "email",
						Usage: "Account email",
					},
				}, credentialFlags...),
				Action: r.Register,
			},
			{
				Name:   "logout",
				Usage:  "Log out and forget the stored tokens",
				Action: r.Logout,
			},
			{
				Name:  "whoami",
				Usage: "Show the logged in user",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output raw JSON",
					},
				},
				Action: r.WhoAmI,
			},
			{
				Name:   "refresh",
				Usage:  "Exchange the refresh token for a new access token",
				Action: r.Refresh,
			},
		},
	}
}

func importCommand(r *Runner) *cli.Command {
	importFlags := []cli.Flag{
		&cli.BoolFlag{
			Name:  "tui",
			Usage: "Show an interactive progress view",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print every progress record as JSON",
		},
	}

	return &cli.Command{
		Name:  "import",
		Usage: "Upload a JSON document and follow the server's progress",
		Commands: []*cli.Command{
			{
				Name:      "database",
				Usage:     "Import a full database dump (admin only)",
				Arguments: []cli.Argument{&cli.StringArg{Name: "file"}},
				Flags:     importFlags,
				Action:    r.ImportDatabase,
			},
			{
				Name:      "games",
				Usage:     "Import game definitions",
				Arguments: []cli.Argument{&cli.StringArg{Name: "file"}},
				Flags:     importFlags,
				Action:    r.ImportGames,
			},
		},
	}
}

func exportCommand(r *Runner) *cli.Command {
	outputFlag := &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output file path (default: stdout)",
	}

	return &cli.Command{
		Name:  "export",
		Usage: "Download games or the whole database",
		Commands: []*cli.Command{
			{
				Name:   "database",
				Usage:  "Export the database (admin only)",
				Flags:  []cli.Flag{outputFlag},
				Action: r.ExportDatabase,
			},
			{
				Name:      "game",
				Usage:     "Export one game",
				Arguments: []cli.Argument{&cli.StringArg{Name: "game"}},
				Flags:     []cli.Flag{outputFlag},
				Action:    r.ExportGame,
			},
			{
				Name:  "bulk",
				Usage: "Export several games concurrently into a directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "games",
						Aliases:  []string{"g"},
						Usage:    "Comma separated game pks",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output directory (default: mbingo_export_{epoch})",
					},
					&cli.IntFlag{
						Name:    "workers",
						Aliases: []string{"w"},
						Usage:   "Number of concurrent workers",
						Value:   3,
					},
					&cli.Float64Flag{
						Name:  "rate",
						Usage: "Requests per second",
						Value: 5,
					},
					&cli.BoolFlag{
						Name:  "include-database",
						Usage: "Also export the database dump",
					},
				},
				Action: r.BulkExport,
			},
		},
	}
}

func ticketsCommand(r *Runner) *cli.Command {
	args := func(names ...string) []cli.Argument {
		out := make([]cli.Argument, len(names))
		for i, name := range names {
			out[i] = &cli.StringArg{Name: name}
		}
		return out
	}

	return &cli.Command{
		Name:  "tickets",
		Usage: "List, claim and mark tickets",
		Commands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "List the tickets of a game",
				Arguments: args("game"),
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Output format: txt, csv, markdown or json",
						Value:   "txt",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write to a file instead of stdout",
					},
					&cli.BoolFlag{
						Name:  "cached",
						Usage: "Show the last stored snapshot without contacting the server",
					},
				},
				Action: r.ListTickets,
			},
			{
				Name:      "claim",
				Usage:     "Claim a ticket",
				Arguments: args("game", "ticket"),
				Action:    r.ClaimTicket,
			},
			{
				Name:      "release",
				Usage:     "Release a ticket",
				Arguments: args("game", "ticket"),
				Action:    r.ReleaseTicket,
			},
			{
				Name:      "check",
				Usage:     "Mark a cell of a ticket",
				Arguments: args("game", "ticket", "cell"),
				Action:    r.CheckCell,
			},
			{
				Name:      "uncheck",
				Usage:     "Clear a cell of a ticket",
				Arguments: args("game", "ticket", "cell"),
				Action:    r.UncheckCell,
			},
			{
				Name:      "watch",
				Usage:     "Poll a game's claim status and print changes",
				Arguments: args("game"),
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "interval",
						Aliases: []string{"i"},
						Usage:   "Poll interval (default: tickets.poll_interval)",
					},
					&cli.DurationFlag{
						Name:  "for",
						Usage: "Stop after this long (default: until interrupted)",
					},
				},
				Action: r.WatchTickets,
			},
			{
				Name:      "board",
				Usage:     "Interactive ticket board",
				Arguments: args("game"),
				Action:    r.TicketBoard,
			},
		},
	}
}

func cacheCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect stored ticket snapshots",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List games with a stored snapshot",
				Action: r.CacheList,
			},
			{
				Name:      "clear",
				Usage:     "Delete the snapshot of a game",
				Arguments: []cli.Argument{&cli.StringArg{Name: "game"}},
				Action:    r.CacheClear,
			},
		},
	}
}

func devServerCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "dev-server",
		Usage: "Run an in-memory server for local development",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Listen host (default: dev_server.host)",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Listen port, 0 picks a free one (default: dev_server.port)",
			},
			&cli.StringSliceFlag{
				Name:    "account",
				Aliases: []string{"a"},
				Usage:   "Seed an account as user:password[:admin]",
				Value:   []string{"admin:admin:admin"},
			},
			&cli.StringFlag{
				Name:  "games",
				Usage: "Comma separated game pks to seed",
				Value: "1",
			},
			&cli.IntFlag{
				Name:  "tickets",
				Usage: "Tickets per seeded game",
				Value: 5,
			},
			&cli.DurationFlag{
				Name:  "access-ttl",
				Usage: "Access token lifetime (default: dev_server.access_ttl)",
			},
			&cli.DurationFlag{
				Name:  "part-delay",
				Usage: "Pause between import progress parts",
			},
		},
		Action: r.DevServer,
	}
}

func apiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Send a raw request through the client",
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "GET a path, e.g. /api/game/1/status",
				Arguments: []cli.Argument{&cli.StringArg{Name: "path"}},
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "pretty",
						Usage: "Pretty-print JSON bodies",
					},
				},
				Action: r.APIGet,
			},
			{
				Name:      "post",
				Usage:     "POST a JSON body to a path",
				Arguments: []cli.Argument{&cli.StringArg{Name: "path"}},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "data",
						Aliases: []string{"d"},
						Usage:   "JSON body",
						Value:   "{}",
					},
					&cli.StringFlag{
						Name:  "method",
						Usage: "HTTP method",
						Value: "POST",
					},
					&cli.BoolFlag{
						Name:  "pretty",
						Usage: "Pretty-print JSON bodies",
					},
				},
				Action: r.APIPost,
			},
		},
	}
}
