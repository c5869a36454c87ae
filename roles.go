package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/eddielth/oceanflow/aggregator"
	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/config"
	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/metrics"
	"github.com/eddielth/oceanflow/mqtt"
	"github.com/eddielth/oceanflow/natsbus"
	"github.com/eddielth/oceanflow/rpc"
	"github.com/eddielth/oceanflow/server"
	"github.com/eddielth/oceanflow/storage"
	"github.com/eddielth/oceanflow/topology"
	"github.com/eddielth/oceanflow/transformer"
	"github.com/eddielth/oceanflow/wavy"
)

func dialBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	var (
		bus *broker.Bus
		err error
	)
	switch cfg.Broker.Type {
	case "mqtt":
		bus, err = mqtt.Dial(ctx, mqtt.Config{
			Broker:         cfg.Broker.URL,
			ClientID:       cfg.Broker.ClientID,
			Username:       cfg.Broker.Username,
			Password:       cfg.Broker.Password,
			ConnectTimeout: cfg.Broker.ConnectTimeout,
		})
	default:
		bus, err = natsbus.Dial(ctx, cfg.Broker.URL,
			natsbus.WithName(cfg.ID),
			natsbus.WithCredentials(cfg.Broker.Username, cfg.Broker.Password),
			natsbus.WithTimeout(cfg.Broker.ConnectTimeout),
			natsbus.WithReconnectWait(cfg.Broker.RetryDelay),
			natsbus.WithMaxDeliver(cfg.Broker.MaxDeliver),
			natsbus.WithRedeliveryDelay(cfg.Broker.RedeliveryDelay),
		)
	}
	if err != nil {
		return nil, err
	}
	return bus, nil
}

func openTopology(ctx context.Context, cfg config.TopologyConfig) (topology.Store, error) {
	if cfg.Type == "mongo" {
		store, err := topology.OpenMongoStore(ctx, cfg.URI, cfg.Database)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := topology.OpenFileStore(cfg.Path)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// serveMetrics adds the metrics endpoint to g when enabled
func serveMetrics(ctx context.Context, g *errgroup.Group, cfg *config.Config, m *metrics.Metrics, health metrics.HealthFunc) {
	if !cfg.Metrics.Enabled {
		return
	}
	g.Go(func() error {
		return m.Serve(ctx, cfg.Metrics.Addr, cfg.ID, health)
	})
}

func runWavy(ctx context.Context, cfg *config.Config, con *console) error {
	store, err := openTopology(ctx, cfg.Topology)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	m := metrics.New()
	activator := func(ctx context.Context, rec topology.DeviceRecord) (bool, error) {
		if cfg.Wavy.AutoActivate {
			logger.Info("activating %s automatically", rec.WavyID)
			return true, nil
		}
		return con.Confirm(ctx, fmt.Sprintf("%s is offline. Activate it?", rec.WavyID))
	}

	w, err := wavy.New(wavy.Config{
		ID:             cfg.ID,
		Mode:           cfg.Wavy.Mode,
		Interval:       cfg.Wavy.Interval,
		RetryDelay:     cfg.Wavy.RetryDelay,
		AggregatorAddr: cfg.Wavy.AggregatorAddr,
		AggregatorHost: cfg.Aggregator.Legacy.Host,
		Timeout:        cfg.Aggregator.Legacy.ReadTimeout,
	}, store,
		wavy.WithBroker(func(ctx context.Context) (broker.Broker, error) { return dialBroker(ctx, cfg) }),
		wavy.WithActivator(activator),
		wavy.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, cfg, m, func() error {
		if w.State() == wavy.Terminated {
			return errors.New("terminated")
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return w.Run(gctx)
	})
	return g.Wait()
}

func runAggregator(ctx context.Context, cfg *config.Config, configPath string) error {
	store, err := openTopology(ctx, cfg.Topology)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	rec, err := store.Aggregator(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve aggregator %s: %w", cfg.ID, err)
	}

	b, err := dialBroker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to the broker: %w", err)
	}
	defer b.Close()

	tm, err := transformer.NewManager(cfg.Transformers)
	if err != nil {
		return fmt.Errorf("failed to load transformers: %w", err)
	}

	m := metrics.New()
	legacy := cfg.Aggregator.Legacy
	a, err := aggregator.New(aggregator.Config{
		ID:            cfg.ID,
		FlushInterval: cfg.Aggregator.FlushInterval,
		Legacy: aggregator.LegacyConfig{
			Enabled:    legacy.Enabled,
			Listen:     legacy.Listen,
			Uplink:     legacy.Uplink,
			UplinkAddr: legacy.UplinkAddr,
			Host:       legacy.Host,
			Timeout:    legacy.ReadTimeout,
		},
	}, *rec, b, aggregator.WithTransformer(tm), aggregator.WithMetrics(m))
	if err != nil {
		return err
	}

	if configPath != "" {
		err := config.WatchConfig(configPath, func(newCfg *config.Config) error {
			if err := logger.SetLevel(newCfg.Logger.Level); err != nil {
				logger.Warn("log level not changed: %v", err)
			}
			a.SetFlushInterval(newCfg.Aggregator.FlushInterval)

			var errs []error
			for pattern, tc := range newCfg.Transformers {
				if err := tm.ReloadTransformer(pattern, tc); err != nil {
					errs = append(errs, fmt.Errorf("transformer %s: %w", pattern, err))
				}
			}
			return errors.Join(errs...)
		})
		if err != nil {
			logger.Warn("configuration hot reload disabled: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, cfg, m, nil)
	g.Go(func() error {
		defer cancel()
		return a.Run(gctx)
	})
	return g.Wait()
}

func runServer(ctx context.Context, cfg *config.Config) error {
	store, err := openTopology(ctx, cfg.Topology)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	rec, err := store.Server(ctx, cfg.ID)
	if errors.Is(err, topology.ErrNotFound) {
		logger.Warn("server %s has no topology record, using derived settings", cfg.ID)
		rec, err = &topology.ServerRecord{ServerID: cfg.ID}, nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve server %s: %w", cfg.ID, err)
	}

	b, err := dialBroker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to the broker: %w", err)
	}
	defer b.Close()

	locks := &storage.KeyedMutex{}
	manager, mongoStorage, err := storage.Open(ctx, cfg.Storage, locks)
	if err != nil {
		return err
	}
	defer manager.Close()

	m := metrics.New()
	opts := []server.Option{server.WithLocks(locks), server.WithMetrics(m)}
	if mongoStorage != nil {
		opts = append(opts, server.WithEventLogger(mongoStorage))
	}

	legacy := cfg.Server.Legacy
	s, err := server.New(server.Config{
		ID:               cfg.ID,
		OnPersistFailure: cfg.Server.OnPersistFailure,
		Legacy: server.LegacyConfig{
			Enabled:    legacy.Enabled,
			Listen:     legacy.Listen,
			Host:       legacy.Host,
			RecordsDir: legacy.RecordsDir,
			Timeout:    legacy.ReadTimeout,
		},
	}, *rec, b, manager, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, cfg, m, nil)
	g.Go(func() error {
		defer cancel()
		return s.Run(gctx)
	})
	return g.Wait()
}

func runBroker(ctx context.Context, cfg *config.Config) error {
	ns, err := natsbus.NewEmbeddedServer(natsbus.ServerConfig{
		Host:     cfg.Embedded.Host,
		Port:     cfg.Embedded.Port,
		StoreDir: cfg.Embedded.StoreDir,
	})
	if err != nil {
		return err
	}
	logger.Info("broker ready at %s", ns.ClientURL())

	<-ctx.Done()
	return ns.Shutdown(context.Background())
}

// rpcQueue resolves the queue a component answers on
func rpcQueue(ctx context.Context, cfg *config.Config, id string) (string, error) {
	parsed, err := topology.ParseID(id)
	if err != nil {
		return "", err
	}
	if parsed.Role == topology.RoleServer {
		return topology.QueueName(parsed.Continent, "server"), nil
	}

	store, err := openTopology(ctx, cfg.Topology)
	if err != nil {
		return id + "_queue", nil
	}
	defer store.Close(context.Background())
	if rec, err := store.Aggregator(ctx, id); err == nil {
		return rec.DerivedQueueName(), nil
	}
	return id + "_queue", nil
}

func runStatus(ctx context.Context, cfg *config.Config, action string) error {
	queue, err := rpcQueue(ctx, cfg, cfg.ID)
	if err != nil {
		return err
	}

	b, err := dialBroker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to the broker: %w", err)
	}
	defer b.Close()

	client, err := rpc.NewClient(ctx, b)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Call(ctx, queue, rpc.Request{Action: action}, cfg.RPC.Timeout)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	if resp.Status != rpc.StatusOK {
		return fmt.Errorf("%s answered %s: %s", cfg.ID, resp.Status, resp.Message)
	}
	return nil
}
