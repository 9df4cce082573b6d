package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/raphaelgruber/parley/internal/channel"
	"github.com/raphaelgruber/parley/internal/client"
	"github.com/raphaelgruber/parley/internal/directory"
	"github.com/raphaelgruber/parley/internal/engine"
	"github.com/raphaelgruber/parley/internal/metrics"
	"github.com/raphaelgruber/parley/internal/session"
	"golang.org/x/term"
)

// errNoToken is returned when no token is configured and stdin is not a terminal.
var errNoToken = errors.New("no token: set PARLEY_TOKEN or pass --token")

// services bundles what a signed-in command needs.
type services struct {
	session   *session.Session
	api       *client.Client
	directory *directory.Directory
	metrics   *metrics.Collector
}

// signIn resolves the bearer token and decodes the session identity.
func signIn() (*services, error) {
	token := cfg.Token
	if token == "" {
		var err error
		token, err = promptToken()
		if err != nil {
			return nil, err
		}
	}

	sess, err := session.FromToken(token)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if sess.Expired(time.Now()) {
		return nil, fmt.Errorf("sign in: token expired at %s", sess.ExpiresAt.Format(time.RFC3339))
	}

	collector := metrics.NewCollector()
	api := client.New(cfg.ServerURL, sess.Token, cfg.ClientTimeout, logger)
	return &services{
		session:   sess,
		api:       api,
		directory: directory.New(api, collector, logger),
		metrics:   collector,
	}, nil
}

// promptToken reads a token from the terminal without echo.
func promptToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// Piped input: take the first line.
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(line) == "" {
			return "", errNoToken
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Fprint(os.Stderr, "Token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errNoToken
	}
	return token, nil
}

// connect opens the event channel and starts an engine on it.
func (s *services) connect(ctx context.Context) (*engine.Engine, error) {
	_, err := s.session.Open(ctx, channel.Config{
		URL:         cfg.SocketURL,
		Token:       s.session.Token,
		MaxRetries:  cfg.ReconnectMaxRetries,
		MaxInterval: cfg.ReconnectMaxInterval,
	}, logger)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Deps{
		Session:   s.session,
		Directory: s.directory,
		Metrics:   s.metrics,
		Logger:    logger,
		Debounce:  cfg.TypingDebounce,
	})
	if err != nil {
		_ = s.session.Close()
		return nil, err
	}
	// A directory failure is shown as a notice; the engine still works.
	if err := eng.Start(ctx); err != nil {
		logger.Warn("engine started without directory", "error", err)
	}
	return eng, nil
}

// signOut tears down local session state and ends the backend session.
// eng may be nil when no channel was opened.
func (s *services) signOut(ctx context.Context, eng *engine.Engine) error {
	var errs []error
	if eng != nil {
		errs = append(errs, eng.Close())
	} else {
		errs = append(errs, s.session.Close())
	}
	s.directory.Reset()

	if err := s.api.Logout(ctx, s.session.Identity.UserID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// printMetrics writes request timings when --metrics is set.
func (s *services) printMetrics() {
	if !showMetrics {
		return
	}
	snap := s.metrics.Snapshot()
	fmt.Fprintf(os.Stderr, "\nTimings (%.0fs session):\n", snap.UptimeSeconds)
	for _, op := range snap.Operations {
		fmt.Fprintf(os.Stderr, "  %-16s n=%-4d fail=%-3d avg=%.0fms max=%dms\n",
			op.Name, op.Count, op.Failures, op.AvgTimeMs, op.MaxTimeMs)
	}
}
