package deltasync

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ModuleName = "ultrasync/deltasync"

// Module provides the LastSyncStore selected by Config.Store.Backend.
func Module(opts ...fx.Option) fx.Option {
	return fx.Module(ModuleName,
		fx.Provide(NewStoreFromConfig),
		fx.Options(opts...),
	)
}

type StoreParams struct {
	fx.In

	LC     fx.Lifecycle
	Config Config
	Logger *zap.Logger `optional:"true"`
}

func NewStoreFromConfig(in StoreParams) (LastSyncStore, error) {
	logger := in.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := in.Config.Store
	ctx := context.Background()

	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQL:
		store, err := OpenSQLStore(ctx, cfg.SQL, logger)
		if err != nil {
			return nil, err
		}
		in.LC.Append(fx.StopHook(store.Close))
		return store, nil
	case BackendRedis:
		client, err := NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		in.LC.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("deltasync: ping redis: %w", err)
				}
				return nil
			},
			OnStop: func(context.Context) error { return client.Close() },
		})
		return NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Redis.TTL), nil
	case BackendDynamo:
		client, err := NewDynamoClient(ctx, cfg.Dynamo)
		if err != nil {
			return nil, err
		}
		return NewDynamoStore(client, cfg.Dynamo.Table), nil
	default:
		return nil, fmt.Errorf("deltasync: unknown store backend %q", cfg.Backend)
	}
}
