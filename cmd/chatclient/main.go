package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-chat-session/client"
	"github.com/jrsteele09/go-chat-session/internal/config"
	"github.com/jrsteele09/go-chat-session/internal/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%serror:%s %v\n", Red, ResetColor, err)
		os.Exit(1)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()
	return execute(&app{}, os.Args[1:])
}

// execute runs the command line and always disposes the client, including
// when the command fails.
func execute(a *app, args []string) error {
	defer a.close()
	root := newRootCommand(a)
	root.SetArgs(args)
	return root.Execute()
}

// app is shared by every command; the client is built lazily once flags are
// parsed.
type app struct {
	configFile string
	noBanner   bool

	config config.Config
	client *client.Client
	closed bool
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatclient",
		Short:         "Command line client for the chat service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "Path to a yaml config file (default ./config.yaml when present)")
	cmd.PersistentFlags().BoolVar(&a.noBanner, "no-banner", false, "Do not print the banner")

	cmd.AddCommand(
		newLoginCommand(a),
		newRegisterCommand(a),
		newLogoutCommand(a),
		newStatusCommand(a),
		newChatsCommand(a),
		newHistoryCommand(a),
		newSendCommand(a),
		newCreateCommand(a),
		newListenCommand(a),
	)
	return cmd
}

func (a *app) setup() error {
	var err error
	if a.configFile != "" {
		a.config, err = config.LoadFile(a.configFile)
	} else {
		a.config, err = config.Load("", "config")
	}
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:       a.config.GetLogLevel(),
		Pretty:      a.config.GetLogPretty(),
		ServiceName: "chatclient",
	})
	if !a.noBanner {
		displayAppname(a.config.GetAppName())
	}

	a.client, err = client.New(a.config, client.WithLogger(log.L()))
	return err
}

func (a *app) close() error {
	if a.client == nil || a.closed {
		return nil
	}
	a.closed = true
	return a.client.Close()
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
