package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrsteele09/go-chat-session/chatmodel"
	"github.com/jrsteele09/go-chat-session/internal/config"
	"github.com/jrsteele09/go-chat-session/internal/errors"
	"github.com/spf13/cobra"
)

const passwordEnv = "CHAT_PASSWORD"

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func passwordFlag(cmd *cobra.Command, password *string) {
	cmd.Flags().StringVar(password, "password", "", "Account password (default $"+passwordEnv+")")
}

func resolvePassword(password string) (string, error) {
	if password == "" {
		password = config.GetEnv(passwordEnv, "")
	}
	if password == "" {
		return "", fmt.Errorf("a password is required (--password or $%s)", passwordEnv)
	}
	return password, nil
}

func (a *app) requireLogin(ctx context.Context) error {
	if !a.client.Session.Resume(ctx) {
		return errors.ErrNotLoggedIn
	}
	return nil
}

func newLoginCommand(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Log in and store the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := resolvePassword(password)
			if err != nil {
				return err
			}
			record, err := a.client.Session.Login(commandContext(cmd), args[0], password)
			if err != nil {
				return err
			}
			fmt.Printf("%sLogged in%s as %s, token valid until %s\n", Green, ResetColor, args[0], record.ExpiresAt.Local().Format("15:04:05"))
			return nil
		},
	}
	passwordFlag(cmd, &password)
	return cmd
}

func newRegisterCommand(a *app) *cobra.Command {
	var (
		password string
		login    bool
	)
	cmd := &cobra.Command{
		Use:   "register <email>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := resolvePassword(password)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			if err := a.client.Session.Register(ctx, args[0], password); err != nil {
				return err
			}
			fmt.Printf("%sRegistered%s %s\n", Green, ResetColor, args[0])
			if !login {
				return nil
			}
			if _, err := a.client.Session.Login(ctx, args[0], password); err != nil {
				return err
			}
			fmt.Printf("%sLogged in%s as %s\n", Green, ResetColor, args[0])
			return nil
		},
	}
	passwordFlag(cmd, &password)
	cmd.Flags().BoolVar(&login, "login", true, "Log in after registering")
	return cmd
}

func newLogoutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.client.Session.Logout()
			fmt.Println("Logged out")
			return nil
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loggedIn := a.client.Session.Resume(commandContext(cmd))
			email, _ := a.client.Session.Identity()
			if !loggedIn {
				fmt.Printf("%sLogged out%s\n", Yellow, ResetColor)
				if email != "" {
					fmt.Printf("Last login: %s\n", email)
				}
				return nil
			}
			fmt.Printf("%sLogged in%s as %s (%s)\n", Green, ResetColor, email, a.client.Session.State())
			fmt.Printf("API: %s\nHub: %s\n", a.config.GetAPIURL(), a.config.GetHubURL())
			return nil
		},
	}
}

func newChatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List the chats you can see",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			chats, err := a.client.API.Chats(ctx)
			if err != nil {
				return err
			}
			for _, c := range chats {
				printChat(c)
			}
			return nil
		},
	}
}

func newHistoryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <chat-id>",
		Short: "Print the messages of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			messages, err := a.client.API.ChatMessages(ctx, args[0])
			if err != nil {
				return err
			}
			self, _ := a.client.Session.Identity()
			for _, m := range messages {
				a.printMessage(m, self)
			}
			return nil
		},
	}
}

func newSendCommand(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "send <chat-id> [text]",
		Short: "Send a message, optionally with an attachment",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			var text string
			if len(args) == 2 {
				text = args[1]
			}
			if text == "" && file == "" {
				return fmt.Errorf("nothing to send: give text or --file")
			}

			var attachment *chatmodel.Attachment
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open attachment: %w", err)
				}
				defer f.Close()
				attachment = &chatmodel.Attachment{Name: filepath.Base(file), Content: f}
			}

			coordinator := a.client.Coordinator
			if err := coordinator.Init(ctx); err != nil {
				return err
			}
			if err := coordinator.SelectChat(ctx, args[0]); err != nil {
				return err
			}
			if err := coordinator.SendMessage(ctx, text, attachment); err != nil {
				return err
			}
			fmt.Printf("%sSent%s to %s\n", Green, ResetColor, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path of a file to attach")
	return cmd
}

func newCreateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create <email>",
		Short: "Open a private chat with another user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			chat, err := a.client.API.CreateChat(ctx, args[0])
			if err != nil {
				return err
			}
			printChat(chat)
			return nil
		},
	}
}

func printChat(c chatmodel.Chat) {
	kind := "private"
	if c.IsGlobal {
		kind = "global"
	}
	fmt.Printf("%s%-36s%s  %-7s  %s\n", Gray, c.ID, ResetColor, kind, c.Name)
}

func (a *app) printMessage(m chatmodel.Message, self string) {
	sender := m.GetSenderEmail()
	if sender == "" {
		sender = m.SenderID
	}
	colour := colourFor(sender)
	if sender == self {
		colour = Green
	}
	fmt.Printf("%s%s%s %s%s%s", Gray, m.CreatedAt.Local().Format("15:04"), ResetColor, colour, sender, ResetColor)
	if text := m.GetText(); text != "" {
		fmt.Printf(": %s", text)
	}
	if m.HasAttachment() {
		fmt.Printf(" %s[%s]%s", Yellow, a.client.API.FileURL(m.GetFileURL()), ResetColor)
	}
	fmt.Println()
}
