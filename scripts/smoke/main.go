package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/vovakirdan/chatsync/internal/app"
	"github.com/vovakirdan/chatsync/internal/backendtest"
	"github.com/vovakirdan/chatsync/internal/config"
	"github.com/vovakirdan/chatsync/internal/core"
	applog "github.com/vovakirdan/chatsync/internal/log"
)

func main() {
	if err := run(); err != nil {
		log.Printf("smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	server := flag.String("server", "http://localhost:8000", "chat backend URL")
	local := flag.Bool("local", false, "run against an in-process fake backend instead of -server")
	user := flag.String("user", "tester", "username to log in with")
	password := flag.String("password", "password123", "password for -user")
	room := flag.String("room", core.DirectRoomID, "room to send to")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 10*time.Second, "total timeout for the run")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cfg := config.Default()
	cfg.ServerURL = *server
	if *local {
		srv, err := backendtest.Start(backendtest.Options{})
		if err != nil {
			return fmt.Errorf("start local backend: %w", err)
		}
		defer srv.Close()
		cfg.ServerURL = srv.URL
	}

	received := make(chan core.Message, 1)
	out := core.DispatchFunc(func(a core.Action) {
		if a.Kind != core.ActionAppendMessage || a.Message.From == core.InfoSender {
			return
		}
		select {
		case received <- a.Message:
		default:
		}
	})

	client, err := app.New(cfg, applog.New(*logLevel, "console"), out)
	if err != nil {
		return err
	}
	runCtx, stop := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(runCtx) }()
	defer func() {
		stop()
		if err := <-runErr; err != nil {
			log.Printf("smoke: shutdown: %v", err)
		}
	}()

	if _, err := client.WaitLoaded(ctx); err != nil {
		return fmt.Errorf("identity check: %w", err)
	}
	if err := client.LogIn(ctx, *user, *password); err != nil {
		return err
	}
	fmt.Printf("logged in as %s at %s\n", *user, cfg.ServerURL)

	// the socket connects in the background
	for {
		err := client.SendMessage(*room, *text)
		if err == nil {
			break
		}
		if !errors.Is(err, core.ErrNotConnected) {
			return fmt.Errorf("send: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("send: %w", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}

	select {
	case msg := <-received:
		fmt.Printf("received [%s] %s: %s\n", msg.RoomID, msg.From, msg.Text)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no message received: %w", ctx.Err())
	}
}
