package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/chatsync/internal/app"
	"github.com/vovakirdan/chatsync/internal/config"
	"github.com/vovakirdan/chatsync/internal/core"
	"github.com/vovakirdan/chatsync/internal/state"
)

type runFlags struct {
	server   string
	username string
	password string
	room     string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the chat and exchange messages from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			cfg.UpdateFrom(config.Config{ServerURL: flags.server})
			return runClient(cmd.Context(), cfg, root, flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.server, "server", "", "chat backend URL (overrides server_url)")
	cmd.Flags().StringVar(&flags.username, "username", "", "log in as this user when there is no session")
	cmd.Flags().StringVar(&flags.password, "password", "", "password for --username")
	cmd.Flags().StringVar(&flags.room, "room", core.DirectRoomID, "room that plain lines are sent to")
	return cmd
}

// printer writes chat activity to the terminal.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	store *state.Store
}

func (p *printer) Dispatch(a core.Action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store == nil {
		return
	}
	switch a.Kind {
	case core.ActionAppendMessage:
		from := a.Message.From
		if from != core.InfoSender {
			from = p.store.DisplayName(from)
		}
		fmt.Fprintf(p.w, "[%s] %s: %s\n", a.RoomID, from, a.Message.Text)
	case core.ActionAddRoom:
		fmt.Fprintf(p.w, "room %s: %s\n", a.Room.ID, a.Room.Name)
	case core.ActionClear:
		fmt.Fprintln(p.w, "session cleared")
	}
}

func (p *printer) attach(s *state.Store) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store = s
}

func runClient(parent context.Context, cfg config.Config, root *rootOptions, flags *runFlags, in io.Reader, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out = &syncWriter{w: out}
	p := &printer{w: out}
	client, err := app.New(cfg, root.logger, p)
	if err != nil {
		return err
	}
	p.attach(client.Store())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(runCtx) }()

	loadCtx, loadCancel := context.WithTimeout(ctx, cfg.RequestTimeout+time.Second)
	user, err := client.WaitLoaded(loadCtx)
	loadCancel()
	if err != nil {
		cancel()
		<-runErr
		return fmt.Errorf("identity check: %w", err)
	}

	if user == nil && flags.username != "" {
		if err := client.LogIn(ctx, flags.username, flags.password); err != nil {
			cancel()
			<-runErr
			return err
		}
		user = client.Session().User
	}
	if user != nil {
		fmt.Fprintf(out, "logged in as %s, sending to room %s\n", user.Username, flags.room)
	} else {
		fmt.Fprintln(out, "not logged in; use /login <username> <password>")
	}
	fmt.Fprintln(out, "commands: /room <id>, /join <id>, /rooms, /users, /login <user> <pass>, /logout, /quit")

	(&console{app: client, out: out, room: flags.room}).loop(ctx, in)

	cancel()
	return <-runErr
}

// syncWriter serializes writes from the console and the dispatch goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(b)
}

type console struct {
	app  *app.App
	out  io.Writer
	room string
}

func (c *console) loop(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.handle(ctx, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// handle runs one input line and reports whether to keep reading.
func (c *console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if err := c.app.SendMessage(c.room, line); err != nil {
			fmt.Fprintf(c.out, "send failed: %v\n", err)
		}
		return true
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return false
	case "/room":
		if len(fields) != 2 {
			fmt.Fprintln(c.out, "usage: /room <id>")
			break
		}
		c.room = fields[1]
		fmt.Fprintf(c.out, "sending to room %s\n", c.room)
	case "/join":
		if len(fields) != 2 {
			fmt.Fprintln(c.out, "usage: /join <id>")
			break
		}
		if err := c.app.JoinRoom(fields[1]); err != nil {
			fmt.Fprintf(c.out, "join failed: %v\n", err)
		}
	case "/rooms":
		for _, r := range c.app.Store().Rooms() {
			fmt.Fprintf(c.out, "%s\t%s\t%d messages\n", r.ID, r.Name, len(r.Messages))
		}
	case "/users":
		s := c.app.Store()
		for _, u := range s.Users() {
			fmt.Fprintf(c.out, "%s\t%s\t%s\n", u.ID, u.Username, u.Status)
		}
	case "/login":
		if len(fields) != 3 {
			fmt.Fprintln(c.out, "usage: /login <username> <password>")
			break
		}
		if err := c.app.LogIn(ctx, fields[1], fields[2]); err != nil {
			fmt.Fprintf(c.out, "%v\n", err)
			break
		}
		fmt.Fprintf(c.out, "logged in as %s\n", fields[1])
	case "/logout":
		c.app.LogOut(ctx)
	default:
		fmt.Fprintf(c.out, "unknown command %s\n", fields[0])
	}
	return true
}
