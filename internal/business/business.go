package business

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/verimeet/broker/internal/attestation"
	"github.com/verimeet/broker/internal/business/server"
	"github.com/verimeet/broker/internal/config"
	"github.com/verimeet/broker/internal/flow"
	"github.com/verimeet/broker/internal/gateway"
	"github.com/verimeet/broker/internal/registry"
	"github.com/verimeet/broker/internal/session"
	sessionmemory "github.com/verimeet/broker/internal/session/memory"
	sessionsql "github.com/verimeet/broker/internal/session/sql"
	sessionvalkey "github.com/verimeet/broker/internal/session/valkey"
	"github.com/verimeet/broker/internal/urlstate"
)

// Main starts the public API server.
func Main(ctx context.Context, cfg *config.Config) error {
	engine, closeFn, err := initEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the flow engine: %w", err)
	}

	defer closeFn()

	return server.StartHTTPServer(ctx, cfg, engine)
}

// HousekeeperMain runs the session expiry and reclaim sweep.
func HousekeeperMain(ctx context.Context, cfg *config.Config) error {
	engine, closeFn, err := initEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the flow engine: %w", err)
	}

	defer closeFn()

	slogctx.Info(ctx, "Starting the housekeeping loop", "interval", cfg.Broker.Housekeeper.TriggerInterval)

	c := time.Tick(cfg.Broker.Housekeeper.TriggerInterval)
	for {
		if err := engine.TriggerHousekeeping(ctx); err != nil {
			slogctx.Error(ctx, "Error during session housekeeping", "error", err)
		}

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return nil
		}
	}
}

func initEngine(ctx context.Context, cfg *config.Config) (_ *flow.Engine, closeFn func(), _ error) {
	reg, err := registry.LoadFile(cfg.Broker.RegistryFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading plugin registry: %w", err)
	}

	sessions, closeFn, err := initSessionRepository(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising session repository: %w", err)
	}

	secret, err := commoncfg.LoadValueFromSourceRef(cfg.Broker.InternalSecret)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("loading internal secret: %w", err)
	}

	signer, err := urlstate.NewSigner(secret)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("creating internal signer: %w", err)
	}

	engine, err := flow.NewEngine(
		&cfg.Broker,
		reg,
		sessions,
		gateway.NewClient(http.DefaultClient, cfg.Broker.PluginCallTimeout),
		attestation.NewValidator(),
		signer,
	)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("creating flow engine: %w", err)
	}

	return engine, closeFn, nil
}

func initSessionRepository(ctx context.Context, cfg *config.Config) (session.Repository, func(), error) {
	grace := cfg.Broker.TerminalGrace

	switch cfg.Broker.Storage {
	case config.StorageMemory:
		return sessionmemory.NewRepository(grace), func() {}, nil

	case config.StorageValkey:
		valkeyClient, err := initValkeyClient(cfg)
		if err != nil {
			return nil, nil, err
		}

		return sessionvalkey.NewRepository(valkeyClient, cfg.ValKey.Prefix, grace), valkeyClient.Close, nil

	case config.StoragePostgres:
		connStr, err := config.MakeConnStr(cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("making dsn from config: %w", err)
		}

		db, err := pgxpool.New(ctx, connStr)
		if err != nil {
			return nil, nil, fmt.Errorf("initialising pgxpool connection: %w", err)
		}

		return sessionsql.NewRepository(db), db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown session storage backend %q", cfg.Broker.Storage)
	}
}

func initValkeyClient(cfg *config.Config) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Host)
	if err != nil {
		return nil, fmt.Errorf("loading valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.User)
	if err != nil {
		return nil, fmt.Errorf("loading valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Password)
	if err != nil {
		return nil, fmt.Errorf("loading valkey password: %w", err)
	}

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	})
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}
