package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/abid-rules-server/internal/cache"
	"github.com/abid-rules-server/internal/domain"
)

// AntigenLookupConfig configures the antigen system lookup caches
type AntigenLookupConfig struct {
	MemoryTTL     time.Duration
	RemoteTTL     time.Duration
	MaxMemorySize int
}

// LookupStats represents cache performance statistics
type LookupStats struct {
	MemoryHits   int64 `json:"memory_hits"`
	MemoryMisses int64 `json:"memory_misses"`
	RemoteHits   int64 `json:"remote_hits"`
	RemoteMisses int64 `json:"remote_misses"`
	StoreReads   int64 `json:"store_reads"`
	Errors       int64 `json:"errors"`
}

// AntigenLookup resolves antigen names to blood group systems through an in-memory tier,
// an optional Redis tier and finally the antigen store. Concurrent misses for the same
// antigen share one store read.
type AntigenLookup struct {
	store  domain.AntigenStore
	memory *expirable.LRU[string, string]
	remote cache.Remote
	group  singleflight.Group

	remoteTTL time.Duration
	logger    *logrus.Logger

	memoryHits, memoryMisses atomic.Int64
	remoteHits, remoteMisses atomic.Int64
	storeReads, errCount     atomic.Int64
}

// NewAntigenLookup creates a lookup. remote may be nil.
func NewAntigenLookup(config AntigenLookupConfig, store domain.AntigenStore, remote cache.Remote, logger *logrus.Logger) *AntigenLookup {
	if config.MemoryTTL == 0 {
		config.MemoryTTL = 5 * time.Minute
	}
	if config.RemoteTTL == 0 {
		config.RemoteTTL = time.Hour
	}
	if config.MaxMemorySize == 0 {
		config.MaxMemorySize = 256
	}

	return &AntigenLookup{
		store:     store,
		memory:    expirable.NewLRU[string, string](config.MaxMemorySize, nil, config.MemoryTTL),
		remote:    remote,
		remoteTTL: config.RemoteTTL,
		logger:    logger,
	}
}

func lookupKey(antigen string) string {
	return "antigen-system:" + antigen
}

// System returns the blood group system of an antigen
func (l *AntigenLookup) System(ctx context.Context, antigen string) (string, error) {
	if system, ok := l.memory.Get(antigen); ok {
		l.memoryHits.Add(1)
		return system, nil
	}
	l.memoryMisses.Add(1)

	v, err, _ := l.group.Do(antigen, func() (interface{}, error) {
		if l.remote != nil {
			var system string
			found, err := l.remote.GetJSON(ctx, lookupKey(antigen), &system)
			if err != nil {
				l.logger.WithError(err).WithField("antigen", antigen).Debug("Remote cache unavailable")
			}
			if found {
				l.remoteHits.Add(1)
				l.memory.Add(antigen, system)
				return system, nil
			}
			l.remoteMisses.Add(1)
		}

		l.storeReads.Add(1)
		a, err := l.store.Get(ctx, antigen)
		if err != nil {
			return "", err
		}
		l.memory.Add(antigen, a.System)
		if l.remote != nil {
			if err := l.remote.SetJSON(ctx, lookupKey(antigen), a.System, l.remoteTTL); err != nil {
				l.logger.WithError(err).WithField("antigen", antigen).Debug("Failed to populate remote cache")
			}
		}
		return a.System, nil
	})
	if err != nil {
		l.errCount.Add(1)
		return "", fmt.Errorf("failed to resolve system for antigen %s: %w", antigen, err)
	}
	return v.(string), nil
}

// Systems resolves several antigens, leaving out any that cannot be resolved
func (l *AntigenLookup) Systems(ctx context.Context, antigens []string) map[string]string {
	out := make(map[string]string, len(antigens))
	for _, a := range antigens {
		system, err := l.System(ctx, a)
		if err != nil {
			continue
		}
		out[a] = system
	}
	return out
}

// Invalidate drops cached entries for the given antigens. No names purges the memory tier.
func (l *AntigenLookup) Invalidate(ctx context.Context, antigens ...string) {
	if len(antigens) == 0 {
		l.memory.Purge()
		return
	}
	keys := make([]string, 0, len(antigens))
	for _, a := range antigens {
		l.memory.Remove(a)
		keys = append(keys, lookupKey(a))
	}
	if l.remote != nil {
		if err := l.remote.Delete(ctx, keys...); err != nil {
			l.logger.WithError(err).Debug("Failed to invalidate remote cache")
		}
	}
}

// Stats returns cache performance statistics
func (l *AntigenLookup) Stats() LookupStats {
	return LookupStats{
		MemoryHits:   l.memoryHits.Load(),
		MemoryMisses: l.memoryMisses.Load(),
		RemoteHits:   l.remoteHits.Load(),
		RemoteMisses: l.remoteMisses.Load(),
		StoreReads:   l.storeReads.Load(),
		Errors:       l.errCount.Load(),
	}
}
