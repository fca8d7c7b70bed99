// Package app wires the execution subsystem from configuration. Clients
// are built through an explicit factory; nothing registers itself through
// package-level side effects.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tidemark/config"
	"github.com/coachpo/tidemark/internal/cache"
	"github.com/coachpo/tidemark/internal/cache/postgres"
	"github.com/coachpo/tidemark/internal/execution"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/reconcile"
	"github.com/coachpo/tidemark/internal/retry"
	"github.com/coachpo/tidemark/internal/schema"
	"github.com/coachpo/tidemark/internal/venue"
)

// ClientFactory builds venue runtimes over a shared cache store.
type ClientFactory struct {
	cfg    config.AppConfig
	store  cache.Store
	dbPool *pgxpool.Pool
}

// NewClientFactory constructs the factory and its cache backend. A
// configured database DSN selects the durable Postgres store; otherwise
// state stays in memory for the life of the process.
func NewClientFactory(ctx context.Context, cfg config.AppConfig) (*ClientFactory, error) {
	factory := &ClientFactory{cfg: cfg}

	if dsn := cfg.Database.DSN; dsn != "" {
		if err := postgres.Migrate(ctx, dsn); err != nil {
			return nil, fmt.Errorf("migrate cache schema: %w", err)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect cache database: %w", err)
		}
		store, err := postgres.NewStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("load cache store: %w", err)
		}
		factory.dbPool = pool
		factory.store = store
	} else {
		factory.store = cache.NewMemoryStore()
	}
	return factory, nil
}

// Store exposes the shared cache backing every built runtime.
func (f *ClientFactory) Store() cache.Store {
	return f.store
}

// Close releases the factory's database resources.
func (f *ClientFactory) Close() {
	if f.dbPool != nil {
		f.dbPool.Close()
	}
}

// VenueRuntime bundles the collaborators for one venue account.
type VenueRuntime struct {
	Venue  string
	Client *execution.Client
	Stream *venue.WSManager
	Engine *reconcile.Engine
}

// Venue builds the execution client, stream manager, and reconciliation
// engine for the named venue. The TxGateway defaults to the configured
// signer sidecar; pass a non-nil gateway to override it.
func (f *ClientFactory) Venue(ctx context.Context, name string, gateway venue.TxGateway) (*VenueRuntime, error) {
	venueCfg, ok := f.cfg.Venue(name)
	if !ok {
		return nil, fmt.Errorf("venue %s not configured", name)
	}

	if gateway == nil {
		if venueCfg.SignerURL == "" {
			return nil, fmt.Errorf("venue %s: signerUrl required without an injected gateway", name)
		}
		gateway = venue.NewSignerClient(venue.SignerConfig{
			Venue:   name,
			BaseURL: venueCfg.SignerURL,
			Timeout: venueCfg.HTTPTimeoutDuration(),
		})
	}

	accountID := schema.AccountID(fmt.Sprintf("%s-%s-%d", name, venueCfg.WalletAddress, venueCfg.Subaccount))

	api := venue.NewRESTClient(venue.RESTConfig{
		Venue:      name,
		BaseURL:    venueCfg.IndexerURL,
		Address:    venueCfg.WalletAddress,
		Subaccount: venueCfg.Subaccount,
		Timeout:    venueCfg.HTTPTimeoutDuration(),
		RateLimit:  venueCfg.RateLimit,
		Burst:      venueCfg.Burst,
	})

	client := execution.NewClient(execution.Config{
		Venue:         name,
		AccountID:     accountID,
		WalletAddress: venueCfg.WalletAddress,
		Subaccount:    venueCfg.Subaccount,
		PoolSize:      f.cfg.Pool.Size,
		Retry: retry.Config{
			MaxRetries:    f.cfg.Retry.MaxRetries,
			DelayInitial:  f.cfg.Retry.DelayInitialDuration(),
			DelayMax:      f.cfg.Retry.DelayMaxDuration(),
			BackoffFactor: f.cfg.Retry.BackoffFactor,
			Jitter:        f.cfg.Retry.Jitter,
		},
		GoodTilBlocks:       venueCfg.GoodTilBlocks,
		CancelGoodTilBlocks: venueCfg.CancelGoodTilBlocks,
	}, f.store, api, gateway)

	stream := venue.NewWSManager(ctx, venueCfg.StreamURL, client.HandleWSMessage)
	engine := reconcile.NewEngine(name, accountID, client, f.store)

	return &VenueRuntime{
		Venue:  name,
		Client: client,
		Stream: stream,
		Engine: engine,
	}, nil
}

// Start connects the runtime: the stream dials and subscribes, the client
// accepts commands, and a reconciliation pass aligns local state with the
// venue before returning.
func (r *VenueRuntime) Start(ctx context.Context, cfg config.ReconcileConfig) error {
	if err := r.Stream.Start(); err != nil {
		return fmt.Errorf("start stream for %s: %w", r.Venue, err)
	}
	if err := r.Stream.Subscribe(
		venue.Subscription{Channel: "v4_subaccounts"},
		venue.Subscription{Channel: "v4_block_height"},
	); err != nil {
		return fmt.Errorf("subscribe %s account stream: %w", r.Venue, err)
	}

	r.Client.Connect()

	reconcileCtx, cancel := context.WithTimeout(ctx, cfg.TimeoutDuration())
	defer cancel()
	if _, complete := r.Engine.Reconcile(reconcileCtx, cfg.LookbackDuration()); !complete {
		observability.Log().Warn("startup reconciliation incomplete",
			observability.F("venue", r.Venue),
		)
	}
	return nil
}

// Stop disconnects the client and halts the stream.
func (r *VenueRuntime) Stop() {
	r.Client.Disconnect()
	r.Stream.Stop()
}
