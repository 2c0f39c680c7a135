// Command frigg-request sends one authenticated request using credentials
// from PREFIX_* environment variables and a .env file.
//
// Usage:
//
//	frigg-request --prefix HUBSPOT GET https://api.hubapi.com/crm/v3/objects/contacts -q limit=10
//	frigg-request --prefix ACME POST https://api.example.com/v1/notes -d '{"text":"hi"}'
//
// Refreshed tokens are written back to the .env file unless --save-tokens=false.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	frigg "github.com/friggframework/frigg-go"
	"github.com/friggframework/frigg-go/config"
	"github.com/friggframework/frigg-go/delegate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type options struct {
	prefix     string
	envFile    string
	data       string
	query      []string
	headers    []string
	raw        bool
	saveTokens bool
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "frigg-request METHOD URL",
		Short: "Send an authenticated request with retry and token refresh",
		Long: `frigg-request sends one request through the Frigg requester.

Credentials are read from PREFIX_ACCESS_TOKEN, PREFIX_REFRESH_TOKEN,
PREFIX_CLIENT_ID, PREFIX_API_KEY and related variables. Transient failures
are retried on the configured backoff schedule and expired OAuth2 tokens are
refreshed once.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd.Context(), cmd.OutOrStdout(), opts, strings.ToUpper(args[0]), args[1])
			if err != nil {
				var fe *frigg.FetchError
				if errors.As(err, &fe) {
					fmt.Fprint(cmd.ErrOrStderr(), fe.Details())
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.prefix, "prefix", "p", "", "environment variable prefix (required)")
	f.StringVar(&opts.envFile, "env-file", config.DefaultEnvFile, "dotenv file to load and update")
	f.StringVarP(&opts.data, "data", "d", "", "request body")
	f.StringArrayVarP(&opts.query, "query", "q", nil, "query parameter as key=value (repeatable)")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, "request header as 'Name: value' (repeatable)")
	f.BoolVar(&opts.raw, "raw", false, "send --data as-is instead of as JSON")
	f.BoolVar(&opts.saveTokens, "save-tokens", true, "write refreshed tokens back to --env-file")
	f.BoolVar(&opts.debug, "debug", false, "log requests and retries to stderr")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func run(ctx context.Context, out io.Writer, opts *options, method, rawURL string) error {
	cfg, err := config.Load(opts.prefix, opts.envFile)
	if err != nil {
		return err
	}

	req, err := buildRequest(opts, method, rawURL)
	if err != nil {
		return err
	}

	var extra []frigg.Option
	if opts.debug {
		extra = append(extra, frigg.WithDebug(true))
	}
	if opts.saveTokens {
		extra = append(extra, frigg.WithDelegate(delegate.Handlers{
			TokenUpdate: func(_ context.Context, ev delegate.TokenUpdate) error {
				return config.Save(opts.envFile, opts.prefix, ev.Credentials)
			},
			TokenDeauthorized: func(_ context.Context, _ delegate.TokenDeauthorized) error {
				return config.Save(opts.envFile, opts.prefix, cfg.Credentials().WithoutTokens())
			},
		}))
	}

	requester, err := frigg.NewFromConfig(opts.prefix, cfg, extra...)
	if err != nil {
		return err
	}

	resp, err := requester.Do(ctx, req)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, resp.Text())
	return err
}

func buildRequest(opts *options, method, rawURL string) (*frigg.Request, error) {
	req := &frigg.Request{
		URL:                rawURL,
		Method:             method,
		Header:             http.Header{},
		ReturnFullResponse: true,
	}

	if len(opts.query) > 0 {
		req.Query = map[string]any{}
		for _, kv := range opts.query {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("invalid query %q: want key=value", kv)
			}
			switch prev := req.Query[k].(type) {
			case nil:
				req.Query[k] = v
			case string:
				req.Query[k] = []string{prev, v}
			case []string:
				req.Query[k] = append(prev, v)
			}
		}
	}

	for _, h := range opts.headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid header %q: want 'Name: value'", h)
		}
		req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}

	if opts.data != "" {
		if opts.raw {
			req.Body = opts.data
			req.RawBody = true
		} else {
			if !json.Valid([]byte(opts.data)) {
				return nil, errors.New("--data is not valid JSON; use --raw to send it as-is")
			}
			req.Body = json.RawMessage(opts.data)
		}
	}
	return req, nil
}
