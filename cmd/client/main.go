package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Tyrowin/huddle/internal/client"
	"github.com/Tyrowin/huddle/internal/logging"
	"github.com/Tyrowin/huddle/internal/protocol"
	"golang.org/x/sync/errgroup"
)

var (
	errQuit         = errors.New("quit")
	errDisconnected = errors.New("disconnected from server")
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "websocket endpoint of the huddle server")
	username := flag.String("username", "", "name to join the room as")
	origin := flag.String("origin", "", "Origin header to send, if the server requires one")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", logging.FormatConsole, "log format (console or json)")
	flag.Parse()

	if strings.TrimSpace(*username) == "" {
		fmt.Fprintln(os.Stderr, "usage: client -username NAME [-url ws://host:port/ws]")
		os.Exit(2)
	}

	logger := logging.New(logging.Options{Level: *logLevel, Format: *logFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := client.New(client.DefaultConfig(), client.WebSocketDialer{Origin: *origin}, logger)
	defer m.Close()

	self, err := m.Connect(ctx, *url, *username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not join: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("joined as %s. Type a message and press enter, /who, /retry <tempId> or /quit.\n", self.Username)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return printEvents(gctx, m, os.Stdout)
	})
	g.Go(func() error {
		return readInput(gctx, m, os.Stdin, os.Stdout)
	})

	err = g.Wait()
	m.Disconnect()
	if err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readInput(ctx context.Context, m *client.Manager, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := handleLine(m, strings.TrimSpace(line), out); err != nil {
				return err
			}
		}
	}
}

func handleLine(m *client.Manager, line string, out io.Writer) error {
	switch {
	case line == "":
		return nil
	case line == "/quit":
		return errQuit
	case line == "/who":
		names := make([]string, 0)
		for _, u := range m.Roster() {
			names = append(names, u.Username)
		}
		fmt.Fprintf(out, "* online: %s\n", strings.Join(names, ", "))
		return nil
	case strings.HasPrefix(line, "/retry "):
		tempID := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
		if _, err := m.Retry(tempID); err != nil {
			fmt.Fprintf(out, "! cannot retry %s: %v\n", tempID, err)
		}
		return nil
	}

	if _, err := m.Submit(line); err != nil {
		fmt.Fprintf(out, "! not sent: %v\n", err)
	}
	return nil
}

func printEvents(ctx context.Context, m *client.Manager, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-m.Events():
			if !ok {
				return nil
			}
			if err := render(out, ev); err != nil {
				return err
			}
		}
	}
}

func render(out io.Writer, ev client.Event) error {
	switch data := ev.Data.(type) {
	case protocol.ReceivedPayload:
		fmt.Fprintf(out, "[%s] %s: %s\n", data.Timestamp.Local().Format(time.Kitchen), data.Sender.Username, data.Content)
	case protocol.MemberJoinedPayload:
		fmt.Fprintf(out, "* %s joined (%d online)\n", data.NewMember.Username, len(data.OnlineUsers))
	case protocol.LeftPayload:
		fmt.Fprintf(out, "* %s left (%d online)\n", data.User.Username, len(data.OnlineUsers))
	case protocol.TypingPayload:
		if ev.Name == protocol.EventTypingStart {
			fmt.Fprintf(out, "* %s is typing...\n", data.Username)
		}
	case client.Receipt:
		if data.Err != nil {
			fmt.Fprintf(out, "! message %s failed: %v (/retry %s)\n", data.TempID, data.Err, data.TempID)
		}
	case client.State:
		switch data {
		case client.StateReconnecting:
			fmt.Fprintln(out, "* connection lost, reconnecting...")
		case client.StateConnected:
			fmt.Fprintln(out, "* connected")
		case client.StateDisconnected:
			return errDisconnected
		}
	}
	return nil
}
