package main

import (
	"bufio"
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"chatwire/client"
	"chatwire/model"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		serverURL  = fs.StringP("server-url", "s", "ws://localhost:8888/ws", "websocket server url")
		name       = fs.StringP("name", "n", "", "display name")
		nickname   = fs.String("nickname", "", "nickname, defaults to name")
		avatar     = fs.String("avatar", "", "avatar glyph")
		room       = fs.StringP("room", "r", "", "room to join")
		attempts   = fs.Int("reconnect-attempts", 5, "max automatic reconnect attempts")
		intervalMs = fs.Int64("reconnect-interval-ms", 1000, "reconnect backoff base in milliseconds")
		logLevel   = fs.StringP("log-level", "l", "warn", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	cli := client.New(client.Config{
		Logger:    &logger,
		ServerURL: *serverURL,
		Identity: model.UserJoin{
			Name:     *name,
			Nickname: *nickname,
			Avatar:   *avatar,
			Room:     *room,
		},
		MaxAttempts:  *attempts,
		BaseInterval: time.Duration(*intervalMs) * time.Millisecond,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go cli.Run(ctx)
	go renderLoop(ctx, cli)
	cli.Connect(ctx)

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		if err := dispatch(ctx, cli, line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	cli.Logout()
}

func dispatch(ctx context.Context, cli *client.Client, line string) error {
	if !strings.HasPrefix(line, "/") {
		return cli.SendText(line)
	}

	cmdAndArgs := strings.SplitN(line, " ", 2)
	rest := ""
	if len(cmdAndArgs) == 2 {
		rest = strings.TrimSpace(cmdAndArgs[1])
	}

	switch cmdAndArgs[0] {
	case "/file":
		data, err := os.ReadFile(rest)
		if err != nil {
			return err
		}
		mimeType := mime.TypeByExtension(filepath.Ext(rest))
		return cli.SendFile(filepath.Base(rest), mimeType, data)
	case "/edit":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("usage: /edit <message-id> <new text>")
		}
		return cli.Edit(parts[0], parts[1])
	case "/delete":
		return cli.Delete(rest)
	case "/users":
		for _, u := range cli.Users() {
			fmt.Printf("%s %s (%s)\n", u.Avatar, u.Nickname, u.ID)
		}
		return nil
	case "/messages":
		for _, m := range cli.Messages() {
			printMessage(m)
		}
		return nil
	case "/reconnect":
		cli.Reset(ctx)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmdAndArgs[0])
	}
}

func renderLoop(ctx context.Context, cli *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-cli.States():
			fmt.Printf("* connection: %s\n", st)
		case ev := <-cli.Notifications():
			render(ev)
		}
	}
}

func render(ev model.Outbound) {
	switch v := ev.(type) {
	case model.RoomSnapshot:
		fmt.Printf("* joined %s (%d others online, %d recent messages)\n",
			v.Room, len(v.Users), len(v.Messages))
	case model.UserJoined:
		fmt.Printf("* %s\n", v.Message)
	case model.UserLeft:
		fmt.Printf("* %s\n", v.Message)
	case model.Message:
		printMessage(v)
	case model.MessageEdited:
		fmt.Printf("* message %s edited: %s\n", v.MessageID, v.NewText)
	case model.MessageDeleted:
		fmt.Printf("* message %s deleted\n", v.MessageID)
	case model.UserTyping:
		if v.IsTyping {
			fmt.Printf("* %s is typing...\n", v.User)
		}
	}
}

func printMessage(m model.Message) {
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	if m.Type == model.MessageTypeFile {
		fmt.Printf("[%s] %s sent file %s (%d bytes)\n", ts, m.Sender, m.FileName, m.FileSize)
		return
	}
	edited := ""
	if m.Edited {
		edited = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s\n", ts, m.Sender, m.Text, edited)
}
