package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/goevents/checkpoint/file"
	redisstore "github.com/3rs4lg4d0/goevents/checkpoint/redis"
	"github.com/3rs4lg4d0/goevents/config"
	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/3rs4lg4d0/goevents/storageclient"
	goredis "github.com/redis/go-redis/v9"
)

var errNoDatastore = errors.New("the datastore is not available in this process")

// NewCheckpointStore returns the configured checkpoint backend. ds is only
// used by the datastore backend and may be nil otherwise.
func (a *App) NewCheckpointStore(ctx context.Context, ds Datastore) (pipeline.CheckpointStore, func() error, error) {
	c := a.cfg.Checkpoint
	nop := func() error { return nil }

	switch c.Backend {
	case config.CheckpointDatastore:
		if ds == nil {
			return nil, nil, fmt.Errorf("checkpoint backend '%s': %w", c.Backend, errNoDatastore)
		}
		return ds, nop, nil

	case config.CheckpointFile:
		s := file.New(c.FilePath)
		s.SetLogger(a.Logger("checkpoint"))
		return s, nop, nil

	case config.CheckpointRedis:
		client, err := pipeline.Dial(ctx, pipeline.NewConnector("redis", a.Settings(), a.Logger("connector")),
			func(ctx context.Context) (*goredis.Client, error) {
				return redisstore.NewClient(ctx, c.RedisURL)
			})
		if err != nil {
			return nil, nil, err
		}
		s := redisstore.New(client, c.RedisKey)
		s.SetLogger(a.Logger("checkpoint"))
		return s, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend '%s'", c.Backend)
	}
}

// NewEventCounter returns the source the aggregator counts events with: the
// local datastore or a remote storage service.
func (a *App) NewEventCounter(ds Datastore) (pipeline.EventCounter, error) {
	p := a.cfg.Processing
	switch p.Source {
	case config.SourceDatastore:
		if ds == nil {
			return nil, fmt.Errorf("processing source '%s': %w", p.Source, errNoDatastore)
		}
		return ds, nil
	case config.SourceHTTP:
		c := storageclient.New(p.StorageURL, nil)
		c.SetLogger(a.Logger("storageclient"))
		return c, nil
	default:
		return nil, fmt.Errorf("unknown processing source '%s'", p.Source)
	}
}
