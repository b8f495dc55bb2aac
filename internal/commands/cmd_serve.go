package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/pelusa-v/pelusa-chat/internal/handlers"
	"github.com/pelusa-v/pelusa-chat/internal/printer"
	"github.com/pelusa-v/pelusa-chat/internal/relay"
)

type ServeCmd struct {
	flags *Flags

	listen string
}

// NewServeCmd creates a new serve command
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the chat relay",
		UsageText: "pelusa-chat serve [--listen addr]",
		Description: `Runs the WebSocket relay that chat clients connect to.

Endpoints:
  GET /api/ws?user_id=&user_name=&avatar_color=   WebSocket
  GET /api/clients?exclude=                       online connections
  GET /api/messages?room=&limit=                  recent messages
  GET /api/rooms?user_id=                         room directory
  POST /api/room/{create,delete,subscribe,unsubscribe}?user_id=&room=
  GET /                                           status page`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "listen",
				Aliases:     []string{"l"},
				Usage:       "address to listen on (overrides relay.listen)",
				Sources:     cli.EnvVars("PELUSA_LISTEN"),
				Destination: &cmd.listen,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	p := printer.Ctx(ctx)
	cfg := cmd.flags.Config

	addr := cfg.Relay.Listen
	if cmd.listen != "" {
		addr = cmd.listen
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(cfg.RelayOptions(), log.With().Str("component", "relay").Logger())
	go hub.Start(ctx)

	app, err := handlers.NewApp(handlers.New(hub, log.With().Str("component", "http").Logger()))
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- app.Listen(addr) }()

	p.Successf("relay listening on %s", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	p.Infof("shutting down")
	return app.ShutdownWithTimeout(5 * time.Second)
}
