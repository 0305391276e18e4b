package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/goccy/go-json"
	"golang.org/x/term"

	"github.com/bringyour/docsync/docsync/client"
	"github.com/bringyour/docsync/docsync/jsonspec"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Document sync client.

Specs are json, e.g. '{"title": ["=", "hello"]}'.

Usage:
    syncctl watch <url> [--token=<token> | --ask_token] [-v=<v>]
    syncctl edit <url> <spec>... [--token=<token> | --ask_token]
        [--timeout=<timeout>] [--at_most_once] [-v=<v>]
    syncctl shell <url> [--token=<token> | --ask_token] [--at_most_once] [-v=<v>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --token=<token>          Bearer token.
    --ask_token              Read the bearer token from the terminal.
    --timeout=<timeout>      Time to wait for the server to apply changes [default: 30s].
    --at_most_once           Do not resend changes that may have been lost on disconnect.
    -v=<v>                   Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if v, err := opts.String("-v"); err == nil {
		flag.Set("v", v)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if shell_, _ := opts.Bool("shell"); shell_ {
		shell(opts)
	}
}

func requireToken(opts docopt.Opts) string {
	if tokenAny := opts["--token"]; tokenAny != nil {
		return tokenAny.(string)
	}
	if askToken, _ := opts.Bool("--ask_token"); askToken {
		fmt.Fprint(os.Stderr, "Enter token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		fmt.Fprintf(os.Stderr, "\n")
		return strings.TrimSpace(string(tokenBytes))
	}
	return ""
}

func newReducer(ctx context.Context, opts docopt.Opts) *client.SharedReducer[any, any] {
	url, _ := opts.String("<url>")
	token := requireToken(opts)

	settings := client.DefaultSharedReducerSettings[any, any]()
	if atMostOnce, _ := opts.Bool("--at_most_once"); atMostOnce {
		settings.DeliveryStrategy = client.AtMostOnce[any, any]()
	}

	reducer := client.NewSharedReducer[any, any](
		ctx,
		jsonspec.NewContext(),
		func(ctx context.Context) (*client.ConnectionInfo, error) {
			header := http.Header{}
			if token != "" {
				header.Set("Authorization", "Bearer "+token)
			}
			return &client.ConnectionInfo{
				Url:    url,
				Header: header,
			}, nil
		},
		settings,
	)
	reducer.AddConnectedCallback(func() {
		fmt.Fprintf(os.Stderr, "connected\n")
	})
	reducer.AddDisconnectedCallback(func(detail client.DisconnectDetail) {
		fmt.Fprintf(os.Stderr, "disconnected (%d %s)\n", detail.Code, detail.Reason)
	})
	reducer.AddWarningCallback(func(err error) {
		fmt.Fprintf(os.Stderr, "warning: %s\n", err)
	})
	return reducer
}

func printState(state any) {
	stateJson, err := json.Marshal(state)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return
	}
	fmt.Println(string(stateJson))
}

func parseSpecs(specStrs []string) ([]client.SpecSource[any, any], error) {
	sources := []client.SpecSource[any, any]{}
	for _, specStr := range specStrs {
		spec, err := jsonspec.Parse([]byte(specStr))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", specStr, err)
		}
		sources = append(sources, client.Spec[any, any](spec))
	}
	return sources, nil
}

func watch(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reducer := newReducer(ctx, opts)
	defer reducer.Close()

	reducer.AddStateListener(printState)

	<-ctx.Done()
}

func edit(opts docopt.Opts) {
	specStrs := opts["<spec>"].([]string)
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		panic(err)
	}

	sources, err := parseSpecs(specStrs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reducer := newReducer(ctx, opts)
	defer reducer.Close()

	syncCtx, syncCancel := context.WithTimeout(ctx, timeout)
	defer syncCancel()

	// all specs are applied as one change
	state, err := reducer.Sync(syncCtx, sources...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
	printState(state)
}

func shell(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reducer := newReducer(ctx, opts)
	defer reducer.Close()

	interactive := term.IsTerminal(int(syscall.Stdin))

	reducer.AddStateListener(printState)

	lines := make(chan string)
	go func() {
		defer cancel()
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if interactive {
			fmt.Fprint(os.Stderr, "> ")
		}
		select {
		case <-ctx.Done():
			return
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			sources, err := parseSpecs([]string{line})
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %s\n", err)
				continue
			}
			err = reducer.DispatchWithCallback(sources, nil, func(message string) {
				fmt.Fprintf(os.Stderr, "rejected: %s\n", message)
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %s\n", err)
			}
		}
	}
}

func RequireVersion() string {
	if version := os.Getenv("DOCSYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
