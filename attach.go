package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/termgate/termgate/internal/client"
	"github.com/termgate/termgate/internal/crypto"
	"github.com/termgate/termgate/internal/reconnect"
)

// runAttach is the terminal attach command: one client connected to the
// relay, stdin forwarded as PTY input, PTY output to stdout. In a
// disconnected or error state, Enter triggers a manual reconnect.
func runAttach() {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	wsURL := fs.String("url", "ws://localhost:8080/ws/terminal", "Relay WebSocket URL")
	apiKey := fs.String("api-key", os.Getenv("TERMGATE_API_KEY"), "API key")
	accessToken := fs.String("access-token", os.Getenv("TERMGATE_ACCESS_TOKEN"), "Access token")
	resume := fs.Bool("resume", true, "Resume the previous session for this host if still valid")
	stateDir := fs.String("state-dir", defaultStateDir(), "Client state directory")
	fs.Parse(os.Args[2:])

	engine := reconnect.NewEngine(reconnect.DefaultConfig())

	c, err := client.New(client.Options{
		URL:            *wsURL,
		APIKey:         *apiKey,
		AccessToken:    *accessToken,
		ResumeOnReload: *resume,
		Store:          client.NewFileStore(*stateDir),
		Output:         os.Stdout,
		Listener: func(state client.State, reason string) {
			switch state {
			case client.StateReconnecting:
				fmt.Fprintf(os.Stderr, "\r\n[reconnecting: %s]\r\n", reason)
			case client.StateError:
				fmt.Fprintf(os.Stderr, "\r\n[connection failed: %s. press Enter to retry]\r\n", reason)
			case client.StateDisconnected:
				fmt.Fprintf(os.Stderr, "\r\n[disconnected: %s]\r\n", reason)
			}
		},
		Countdown: func(remainingMs int64) {
			fmt.Fprintf(os.Stderr, "\r[retrying in %ds] ", remainingMs/1000)
		},
	}, engine)
	if err != nil {
		log.Fatalf("attach: %v", err)
	}

	if *apiKey != "" {
		fmt.Fprintf(os.Stderr, "[connecting to %s with key %s]\r\n", *wsURL, crypto.Mask(*apiKey))
	}

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		log.Printf("attach: initial connect: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		c.Close()
		os.Exit(0)
	}()

	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			c.Close()
			return
		}
		if n == 0 {
			continue
		}

		switch c.State() {
		case client.StateError, client.StateDisconnected, client.StateReconnecting:
			if buf[0] == '\r' || buf[0] == '\n' {
				if err := c.Reconnect(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "\r\n[reconnect failed: %v]\r\n", err)
				}
				continue
			}
		}

		if err := c.Write(ctx, buf[:n]); err != nil {
			// Dropped mid-write: the reconnect path owns recovery.
			continue
		}
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".termgate"
	}
	return filepath.Join(home, ".termgate")
}
