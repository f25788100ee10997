/*
Package targeting expands a broadcast target spec into recipient user ids.

The external user directory is the only remote dependency on the activation
path, so every directory call runs through a circuit breaker. Successful
expansions are snapshotted in an LRU cache; when the call or the breaker
fails, the last snapshot for the same audience is served and the resolution
is flagged degraded. Recipients a stale snapshot misses reconcile through
their message list on the next connect.
*/
package targeting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// Directory is the external user-directory capability.
type Directory interface {
	AllUsers(ctx context.Context) ([]string, error)
	UsersByRole(ctx context.Context, roles []string) ([]string, error)
	UsersByProduct(ctx context.Context, products []string) ([]string, error)
}

// Resolution is an expanded audience. Degraded marks snapshot-served results.
type Resolution struct {
	UserIDs  []string
	Degraded bool
}

// Resolver expands a target spec into concrete recipients.
type Resolver interface {
	Resolve(ctx context.Context, spec model.TargetSpec) (*Resolution, error)
}

// snapshotCacheSize covers the realistic audience-key cardinality (one "all"
// key plus role/product combinations actually used by admins).
const snapshotCacheSize = 128

type DirectoryResolver struct {
	directory Directory
	breaker   *gobreaker.CircuitBreaker
	snapshots *lru.Cache[string, []string]
	flight    singleflight.Group
	logger    *slog.Logger
}

var _ Resolver = (*DirectoryResolver)(nil)

// NewDirectoryResolver wires the breaker-guarded, snapshot-backed resolver.
func NewDirectoryResolver(directory Directory, logger *slog.Logger) *DirectoryResolver {
	snapshots, _ := lru.New[string, []string](snapshotCacheSize)

	return &DirectoryResolver{
		directory: directory,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "user-directory",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("DIRECTORY_BREAKER_STATE",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		snapshots: snapshots,
		logger:    logger,
	}
}

func (r *DirectoryResolver) Resolve(ctx context.Context, spec model.TargetSpec) (*Resolution, error) {
	switch spec.Kind {
	case model.TargetSelected:
		// Explicit recipients never touch the directory.
		if len(spec.IDs) == 0 {
			return nil, model.Validationf("selected targeting requires at least one user id")
		}
		return &Resolution{UserIDs: dedupe(spec.IDs)}, nil

	case model.TargetAll:
		return r.lookup(ctx, "all", r.directory.AllUsers)

	case model.TargetRole:
		if len(spec.IDs) == 0 {
			return nil, model.Validationf("role targeting requires at least one role")
		}
		return r.lookup(ctx, snapshotKey("role", spec.IDs), func(ctx context.Context) ([]string, error) {
			return r.directory.UsersByRole(ctx, spec.IDs)
		})

	case model.TargetProduct:
		if len(spec.IDs) == 0 {
			return nil, model.Validationf("product targeting requires at least one product")
		}
		return r.lookup(ctx, snapshotKey("product", spec.IDs), func(ctx context.Context) ([]string, error) {
			return r.directory.UsersByProduct(ctx, spec.IDs)
		})
	}
	return nil, model.Validationf("unknown target type %q", spec.Kind)
}

// lookup runs one directory call through the breaker, refreshing the snapshot
// on success and serving it on failure. Concurrent activations of the same
// audience collapse into a single in-flight call.
func (r *DirectoryResolver) lookup(ctx context.Context, key string, fetch func(context.Context) ([]string, error)) (*Resolution, error) {
	res, err, _ := r.flight.Do(key, func() (any, error) {
		return r.breaker.Execute(func() (any, error) {
			return fetch(ctx)
		})
	})
	if err == nil {
		users := dedupe(res.([]string))
		r.snapshots.Add(key, users)
		return &Resolution{UserIDs: users}, nil
	}

	if cached, ok := r.snapshots.Get(key); ok {
		r.logger.Warn("DIRECTORY_SNAPSHOT_SERVED",
			"audience", key, "size", len(cached), "err", err)
		return &Resolution{UserIDs: cached, Degraded: true}, nil
	}
	return nil, fmt.Errorf("%w: %v", model.ErrDirectoryDegraded, err)
}

func snapshotKey(kind string, ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return kind + ":" + strings.Join(sorted, ",")
}

// dedupe keeps first occurrences, preserving directory order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
