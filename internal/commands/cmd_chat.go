package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/conn"
	"github.com/pelusa-v/pelusa-chat/internal/printer"
	"github.com/pelusa-v/pelusa-chat/internal/session"
)

var errQuit = errors.New("quit")

type ChatCmd struct {
	flags *Flags

	endpoint string
	userID   string
	name     string
	color    string
}

// NewChatCmd creates a new chat command
func NewChatCmd(flags *Flags) *ChatCmd {
	return &ChatCmd{flags: flags}
}

// Register adds the chat command to the application
func (cmd *ChatCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "chat",
		Usage:     "Join the chat from the terminal",
		UsageText: "pelusa-chat chat [--endpoint url] [--name name]",
		Description: `Connects to a relay and reads lines from stdin.

A plain line sends a text message. Commands:
  /img <path>          send an image
  /reply <id> <text>   reply to a message (ids may be shortened)
  /typing, /stop       typing indicator
  /read <id>           send a read receipt
  /delete <id>         delete one of your messages
  /join <room>         switch to a room, creating it if needed
  /leave               back to the lobby
  /who                 list online users
  /reconnect           connect again after giving up
  /quit                leave`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "endpoint",
				Aliases:     []string{"e"},
				Usage:       "relay WebSocket URL (overrides endpoint)",
				Sources:     cli.EnvVars("PELUSA_ENDPOINT"),
				Destination: &cmd.endpoint,
			},
			&cli.StringFlag{
				Name:        "user-id",
				Usage:       "user id (generated when empty)",
				Sources:     cli.EnvVars("PELUSA_USER_ID"),
				Destination: &cmd.userID,
			},
			&cli.StringFlag{
				Name:        "name",
				Aliases:     []string{"n"},
				Usage:       "display name",
				Sources:     cli.EnvVars("PELUSA_USER_NAME"),
				Destination: &cmd.name,
			},
			&cli.StringFlag{
				Name:        "color",
				Usage:       "avatar color",
				Destination: &cmd.color,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ChatCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config

	self := chat.User{ID: cfg.User.ID, Name: cfg.User.Name, AvatarColor: cfg.User.AvatarColor}
	if cmd.userID != "" {
		self.ID = cmd.userID
	}
	if cmd.name != "" {
		self.Name = cmd.name
	}
	if cmd.color != "" {
		self.AvatarColor = cmd.color
	}
	if self.ID == "" {
		self.ID = uuid.NewString()
	}

	endpoint := cfg.Endpoint
	if cmd.endpoint != "" {
		endpoint = cmd.endpoint
	}
	endpoint, err := identityURL(endpoint, self)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}

	manager := conn.New(
		cfg.ConnConfig(endpoint),
		conn.NewWebSocketDialer(cfg.MessageTimeout),
		log.With().Str("component", "conn").Logger(),
	)

	opts := cfg.SessionOptions()
	opts.Self = self
	svc := session.New(manager, opts, log.With().Str("component", "session").Logger())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := printer.New(c.Root().Writer)

	go svc.Run(ctx)
	go render(ctx, svc, out)

	out.Infof("joining as %s (%s)", self.Name, self.ID)
	if err := svc.Connect(ctx); err != nil {
		out.Warnf("connect: %v", err)
	}
	defer svc.Disconnect()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := execute(ctx, svc, out, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				out.Errorf("%v", err)
			}
		}
	}
}

// input is one parsed stdin line.
type input struct {
	command string // empty for plain text
	ref     string // message id argument
	text    string
}

func parseInput(line string) (input, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return input{text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "typing", "stop", "who", "leave", "reconnect", "quit":
		return input{command: name}, nil
	case "join":
		if rest == "" {
			return input{}, fmt.Errorf("usage: /join <room>")
		}
		return input{command: name, text: rest}, nil
	case "img":
		if rest == "" {
			return input{}, fmt.Errorf("usage: /img <path>")
		}
		return input{command: name, text: rest}, nil
	case "read", "delete":
		if rest == "" {
			return input{}, fmt.Errorf("usage: /%s <id>", name)
		}
		return input{command: name, ref: rest}, nil
	case "reply":
		ref, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if ref == "" || text == "" {
			return input{}, fmt.Errorf("usage: /reply <id> <text>")
		}
		return input{command: name, ref: ref, text: text}, nil
	default:
		return input{}, fmt.Errorf("unknown command /%s", name)
	}
}

func execute(ctx context.Context, svc *session.Service, out *printer.Printer, line string) error {
	in, err := parseInput(line)
	if err != nil {
		return err
	}

	switch in.command {
	case "":
		if in.text == "" {
			return nil
		}
		_, err = svc.SendText(ctx, in.text)
	case "img":
		data, rerr := os.ReadFile(in.text)
		if rerr != nil {
			return fmt.Errorf("read image: %w", rerr)
		}
		_, err = svc.SendImage(ctx, data)
	case "reply":
		id, rerr := resolveID(svc.Messages(), in.ref)
		if rerr != nil {
			return rerr
		}
		_, err = svc.Reply(ctx, id, in.text)
	case "typing":
		err = svc.StartTyping(ctx)
	case "stop":
		err = svc.StopTyping(ctx)
	case "read":
		id, rerr := resolveID(svc.Messages(), in.ref)
		if rerr != nil {
			return rerr
		}
		err = svc.MarkRead(ctx, id)
	case "delete":
		id, rerr := resolveID(svc.Messages(), in.ref)
		if rerr != nil {
			return rerr
		}
		err = svc.Delete(ctx, id)
	case "join":
		err = svc.JoinRoom(ctx, in.text)
	case "leave":
		err = svc.LeaveRoom(ctx)
	case "who":
		out.Section("Online")
		out.UserItem(svc.Self())
		for _, u := range svc.OnlineUsers() {
			out.UserItem(u)
		}
	case "reconnect":
		err = svc.Connect(ctx)
	case "quit":
		return errQuit
	}

	if session.LostConnection(err) && svc.QueueLen() > 0 {
		out.Warnf("offline, %d message(s) queued", svc.QueueLen())
		return nil
	}
	return err
}

// resolveID finds the message a user means by a full id or a unique prefix.
func resolveID(msgs []chat.Message, ref string) (string, error) {
	ref = strings.TrimPrefix(ref, "#")
	var match string
	for _, m := range msgs {
		if m.ID == ref {
			return m.ID, nil
		}
		if strings.HasPrefix(m.ID, ref) {
			if match != "" && match != m.ID {
				return "", fmt.Errorf("id %q is ambiguous", ref)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no message %q", ref)
	}
	return match, nil
}

// identityURL adds the user's identity to the relay URL's query.
func identityURL(endpoint string, u chat.User) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := parsed.Query()
	q.Set("user_id", u.ID)
	q.Set("user_name", u.Name)
	if u.AvatarColor != "" {
		q.Set("avatar_color", u.AvatarColor)
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// render prints service updates until ctx is done.
func render(ctx context.Context, svc *session.Service, out *printer.Printer) {
	self := svc.Self()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-svc.Updates():
			switch u.Kind {
			case session.UpdateMessages:
				msg, ok := svc.Find(u.Message.ID)
				if !ok {
					out.Infof("message #%s removed", u.Message.ID)
					continue
				}
				var quoted *chat.Message
				if q, ok := svc.ResolveReply(msg); ok {
					quoted = &q
				}
				out.Message(msg, quoted, msg.SenderID == self.ID)
			case session.UpdateTyping:
				typing := svc.TypingUsers()
				names := make([]string, 0, len(typing))
				for _, name := range typing {
					names = append(names, name)
				}
				sort.Strings(names)
				out.Typing(names)
			case session.UpdateState:
				switch u.State {
				case conn.StateFailed:
					out.Warnf("gave up reconnecting, type /reconnect to try again")
				case conn.StateConnected:
					out.Successf("connected")
				default:
					out.Infof("%s", u.State)
				}
			case session.UpdateRoom:
				if u.Room == "" {
					out.Infof("back in the lobby")
				} else {
					out.Successf("now in #%s", u.Room)
				}
			case session.UpdateError:
				out.Errorf("%v", u.Err)
			}
		}
	}
}
