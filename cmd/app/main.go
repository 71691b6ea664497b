package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/voicenotes/internal"
	pkgconfig "github.com/starford/voicenotes/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr)); err != nil {
		return fmt.Errorf("mcp run error: %w", err)
	}
	return nil
}

func exportNotes(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	name, err := internal.Export(ctx, cfg, internal.ExportRequest{
		OwnerID: cmd.String("owner"),
		Format:  cmd.String("format"),
		OutDir:  cmd.String("out"),
	})
	if err != nil {
		return err
	}
	fmt.Println(name)
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:   "voicenotes",
		Usage:  "Dictate, tag, search and export personal voice notes",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP server (default)",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve the notes of the signed-in user as MCP tools on stdio",
				Action: serveMCP,
			},
			{
				Name:   "export",
				Usage:  "Write all notes of one user to a JSON or PDF file",
				Action: exportNotes,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Usage: "User id whose notes to export", Required: true},
					&cli.StringFlag{Name: "format", Usage: "json or pdf", Value: "json"},
					&cli.StringFlag{Name: "out", Usage: "Output directory", Value: "."},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
