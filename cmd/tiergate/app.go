package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rcourtman/tiergate/internal/config"
	"github.com/rcourtman/tiergate/internal/credstore"
	"github.com/rcourtman/tiergate/internal/entitlements"
	"github.com/rcourtman/tiergate/internal/identity"
	"github.com/rcourtman/tiergate/internal/logging"
	"github.com/rcourtman/tiergate/internal/metrics"
	"github.com/rcourtman/tiergate/internal/plan"
	"github.com/rcourtman/tiergate/internal/session"
	"github.com/rcourtman/tiergate/internal/usage"
	"github.com/rcourtman/tiergate/pkg/licensing"
	"github.com/rcourtman/tiergate/pkg/tlsutil"
)

// app is the wired entitlement core for one CLI invocation.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	dialer   *tlsutil.CachingDialer
	identity *identity.Client
	session  *session.Client
	engine   *entitlements.Engine
	usage    *usage.Sync
}

// newApp loads configuration and wires the core. apiURL overrides the
// configured service URL when non-empty.
func newApp(apiURL string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		normalized, err := config.NormalizeAPIURL(apiURL)
		if err != nil {
			return nil, fmt.Errorf("--api-url %w", err)
		}
		cfg.APIURL = normalized
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "tiergate",
	})

	store, err := credstore.NewFileStore(cfg.CredentialsDir())
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	table := licensing.DefaultQuotaTable()
	if cfg.QuotaFile != "" {
		table, err = config.LoadQuotaTable(cfg.QuotaFile)
		if err != nil {
			return nil, err
		}
	}

	dialer := tlsutil.NewCachingDialer(cfg.DNSCacheTTL)
	httpClient := tlsutil.CreateHTTPClient(tlsutil.ClientOptions{
		Timeout:            cfg.HTTPTimeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Fingerprint:        cfg.TLSFingerprint,
		Dialer:             dialer,
	})

	m := metrics.Default()
	idClient := identity.New(identity.Config{
		BaseURL:     cfg.APIURL,
		HTTPClient:  httpClient,
		Credentials: identity.StoreSource(store),
		Logger:      logging.Component("identity"),
	})

	sess, err := session.New(session.Config{
		Store:    store,
		Identity: idClient,
		Logger:   logging.Component("session"),
		Metrics:  m,
	})
	if err != nil {
		dialer.Close()
		return nil, err
	}

	engine, err := entitlements.New(entitlements.Config{
		Session:       sess.State(),
		Subscriptions: plan.NewResolver(plan.Config{Refresher: sess, Logger: logging.Component("plan")}),
		Table:         table,
		Logger:        logging.Component("entitlements"),
		Metrics:       m,
	})
	if err != nil {
		dialer.Close()
		return nil, err
	}

	sync, err := usage.New(usage.Config{
		State:   sess.State(),
		Remote:  idClient,
		Logger:  logging.Component("usage"),
		Metrics: m,
	})
	if err != nil {
		dialer.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logging.Component("cli"),
		dialer:   dialer,
		identity: idClient,
		session:  sess,
		engine:   engine,
		usage:    sync,
	}, nil
}

// start rehydrates any stored session.
func (a *app) start(ctx context.Context) {
	a.session.Initialize(ctx)
	if err := a.session.State().LastError(); err != nil {
		a.logger.Debug().Err(err).Msg("Continuing without a session")
	}
}

func (a *app) close() {
	a.dialer.Close()
}

// currentUser returns the logged-in user or an error telling the caller to
// log in.
func (a *app) currentUser() (*licensing.User, error) {
	user := a.session.State().Snapshot().User
	if user == nil {
		return nil, fmt.Errorf("not logged in; run `tiergate login`")
	}
	return user, nil
}
