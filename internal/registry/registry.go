// Package registry is the master-server list: running game servers announce
// themselves in redis under a TTL and clients look them up by name.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultPrefix = "racenet:server:"
	DefaultTTL    = 15 * time.Second
)

var ErrNotFound = errors.New("registry: server not found")

// Entry is what a server publishes about itself.
type Entry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Racetrack string    `json:"racetrack"`
	Phase     string    `json:"phase"`
	Drivers   int       `json:"drivers"`
	Capacity  int       `json:"capacity"`
	StartedAt time.Time `json:"started_at"`
}

type Registry struct {
	rdb    *redis.Client
	id     string
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// Connect dials redis and checks it answers.
func Connect(ctx context.Context, addr string, logger *zap.Logger) (*Registry, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("registry: connect %s: %w", addr, err)
	}
	return New(rdb, logger), nil
}

func New(rdb *redis.Client, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rdb:    rdb,
		id:     uuid.NewString(),
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		log:    logger.Named("registry"),
	}
}

// ID identifies this process's announcements.
func (r *Registry) ID() string { return r.id }

func (r *Registry) key(id string) string { return r.prefix + id }

// Announce publishes e under this process's id for one TTL.
func (r *Registry) Announce(ctx context.Context, e Entry) error {
	e.ID = r.id
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.key(r.id), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("registry: announce: %w", err)
	}
	return nil
}

// Run re-announces entry() every third of the TTL until ctx ends, then
// withdraws the announcement.
func (r *Registry) Run(ctx context.Context, entry func(context.Context) Entry) error {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		if err := r.Announce(ctx, entry(ctx)); err != nil && ctx.Err() == nil {
			r.log.Warn("heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return r.Withdraw(context.Background())
		case <-ticker.C:
		}
	}
}

func (r *Registry) Withdraw(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.key(r.id)).Err(); err != nil {
		return fmt.Errorf("registry: withdraw: %w", err)
	}
	return nil
}

// List returns every live announcement.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	iter := r.rdb.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("registry: get: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			r.log.Warn("skipping bad entry", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry: scan: %w", err)
	}
	return out, nil
}

// Lookup returns the address of the first server called name.
func (r *Registry) Lookup(ctx context.Context, name string) (string, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.Address, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, name)
}

func (r *Registry) Close() error { return r.rdb.Close() }
