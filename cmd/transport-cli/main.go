// transport-cli is a command-line client for the transport identity API. It
// keeps a session the same way the web client does: tokens from the API's
// login endpoint or from Keycloak, refreshed ahead of expiry, and attached
// to /api/ calls only.
//
// Sessions are shared through Redis when --redis-addr is set; otherwise they
// last for a single invocation.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/upb/transport-identity/config"
	"github.com/upb/transport-identity/internal/observability"
	"go.uber.org/zap"
)

const usage = `usage: transport-cli [flags] <command> [args]

commands:
  login            sign in with --email/--password, finish a hosted login with
                   --callback or --code/--state, or print the hosted login URL
                   and read the URL it redirects back to from stdin
  register         print the hosted registration URL and finish it like login
  whoami           show the identity and stored profile of the session
  get <path>       GET an API path with the session token, e.g. get /api/manager/drivers
  can <route>      check whether the session may open a client route, e.g. can /admin/dashboard
  logout           drop the session and print the end-session URL

flags:
`

// options are the parsed command-line settings.
type options struct {
	apiBase     string
	keycloakURL string
	realm       string
	clientID    string
	appOrigin   string
	redisAddr   string
	sessionKey  string
	email       string
	password    string
	code        string
	state       string
	callback    string
	logLevel    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := config.New(ctx)
	if err != nil {
		return err
	}

	opts := options{}
	flagSet := pflag.NewFlagSet("transport-cli", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.apiBase, "api", cfg.Client.APIBaseURL, "API base URL")
	flagSet.StringVar(&opts.keycloakURL, "keycloak-url", cfg.Keycloak.URL, "Keycloak base URL")
	flagSet.StringVar(&opts.realm, "realm", cfg.Keycloak.Realm, "Keycloak realm")
	flagSet.StringVar(&opts.clientID, "client-id", cfg.Keycloak.ClientID, "public client ID")
	flagSet.StringVar(&opts.appOrigin, "app-origin", cfg.Client.AppOrigin, "client origin used for hosted page redirects")
	flagSet.StringVar(&opts.redisAddr, "redis-addr", cfg.Redis.Addr, "Redis address for sharing the session between runs")
	flagSet.StringVar(&opts.sessionKey, "session-key", cfg.Redis.SessionKey, "Redis key holding the session")
	flagSet.StringVarP(&opts.email, "email", "e", "", "email for password login")
	flagSet.StringVarP(&opts.password, "password", "p", os.Getenv("TRANSPORT_PASSWORD"), "password for password login (or TRANSPORT_PASSWORD)")
	flagSet.StringVar(&opts.code, "code", "", "authorization code from a hosted login redirect")
	flagSet.StringVar(&opts.state, "state", "", "state from a hosted login redirect")
	flagSet.StringVar(&opts.callback, "callback", "", "full URL a hosted login redirected to")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	flagSet.Usage = func() {
		fmt.Fprint(stderr, usage)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return errors.New("missing command")
	}

	logger, err := observability.NewLogger(opts.logLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg.Keycloak.URL = opts.keycloakURL
	cfg.Keycloak.Realm = opts.realm
	cfg.Keycloak.ClientID = opts.clientID
	cfg.Client.AppOrigin = opts.appOrigin
	cfg.Client.APIBaseURL = opts.apiBase
	cfg.Redis.Addr = opts.redisAddr
	cfg.Redis.SessionKey = opts.sessionKey

	cli, err := newClient(ctx, cfg, stdin, stdout, logger)
	if err != nil {
		return err
	}
	defer cli.Close()

	logger.Debug("running command", zap.String("command", rest[0]))
	return cli.dispatch(ctx, rest[0], rest[1:], opts)
}
