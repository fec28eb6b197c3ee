package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrsteele09/go-chat-session/chatmodel"
	"github.com/jrsteele09/go-chat-session/internal/log"
	"github.com/spf13/cobra"
)

const listenPollInterval = 250 * time.Millisecond

func newListenCommand(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "listen [chat-id]",
		Short: "Follow a chat and print messages as they arrive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			if metricsAddr == "" {
				metricsAddr = a.config.GetMetricsAddress()
			}
			if metricsAddr != "" {
				server := &http.Server{Addr: metricsAddr, Handler: a.client.Metrics.Handler()}
				go listenAndServe(server)
				defer shutdown(server)
			}

			coordinator := a.client.Coordinator
			if err := coordinator.Init(ctx); err != nil {
				return err
			}
			if len(args) == 1 {
				if err := coordinator.SelectChat(ctx, args[0]); err != nil {
					return err
				}
			}
			return a.follow(ctx)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

// follow prints new chats and messages until ctx is done.
func (a *app) follow(ctx context.Context) error {
	self, _ := a.client.Session.Identity()
	coordinator := a.client.Coordinator
	seenChats := make(map[string]bool)
	seenMessages := make(map[string]bool)

	printNew := func() {
		for _, c := range coordinator.Chats() {
			if !seenChats[c.ID] {
				seenChats[c.ID] = true
				printChat(c)
			}
		}
		for _, m := range unseenMessages(seenMessages, coordinator.Messages()) {
			a.printMessage(m, self)
		}
	}

	printNew()
	if chat, ok := coordinator.ActiveChat(); ok {
		fmt.Printf("%sListening on %s, Ctrl+C to stop%s\n", Gray, chatLabel(chat), ResetColor)
	} else {
		fmt.Printf("%sListening for new chats, Ctrl+C to stop%s\n", Gray, ResetColor)
	}

	ticker := time.NewTicker(listenPollInterval)
	defer ticker.Stop()
	wasConnected := coordinator.Connected()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			printNew()
			if connected := coordinator.Connected(); connected != wasConnected {
				wasConnected = connected
				if connected {
					fmt.Printf("%sReconnected%s\n", Green, ResetColor)
				} else {
					fmt.Printf("%sConnection lost%s\n", Red, ResetColor)
				}
			}
		}
	}
}

// unseenMessages returns the messages not yet in seen and records them.
// Messages without an id are keyed by their position among id-less messages,
// which the log keeps stable.
func unseenMessages(seen map[string]bool, messages []chatmodel.Message) []chatmodel.Message {
	var out []chatmodel.Message
	anonymous := 0
	for _, m := range messages {
		key := m.ID
		if key == "" {
			key = fmt.Sprintf("#%d", anonymous)
			anonymous++
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

func chatLabel(c chatmodel.Chat) string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

func listenAndServe(server *http.Server) {
	logger := log.L()
	logger.Info().Str("addr", server.Addr).Msg("metrics listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server failed")
	}
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
