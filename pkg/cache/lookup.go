package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
	"github.com/horus-sec/horus-scanner/pkg/etc"
	"github.com/horus-sec/horus-scanner/pkg/metrics"
	"github.com/horus-sec/horus-scanner/pkg/vuln"
)

type lookup struct {
	cfg  etc.LookupCache
	rdb  *redis.Client
	next vuln.Lookup
}

// NewLookup wraps next with a Redis cache of successful lookups. When the cache
// is disabled next is returned as is.
func NewLookup(cfg etc.LookupCache, rdb *redis.Client, next vuln.Lookup) vuln.Lookup {
	if !cfg.Enabled {
		return next
	}
	return &lookup{
		cfg:  cfg,
		rdb:  rdb,
		next: next,
	}
}

func (l *lookup) Lookup(ctx context.Context, dep dependency.Package) ([]vuln.Vulnerability, error) {
	key := l.getKeyForDependency(dep)
	keyLog := log.WithFields(log.Fields{
		"dependency": dep.String(),
		"redis_key":  key,
	})

	cached, err := l.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var vulnerabilities []vuln.Vulnerability
		if err := json.Unmarshal(cached, &vulnerabilities); err == nil {
			metrics.DependencyLookupsTotal.WithLabelValues(metrics.LookupOutcomeCacheHit).Inc()
			keyLog.Trace("Lookup cache hit")
			return vulnerabilities, nil
		}
		keyLog.WithError(err).Warn("Discarding undecodable cache entry")
	case errors.Is(err, redis.Nil):
	default:
		keyLog.WithError(err).Warn("Reading lookup cache failed")
	}

	vulnerabilities, err := l.next.Lookup(ctx, dep)
	if err != nil {
		return nil, err
	}

	bytes, err := json.Marshal(vulnerabilities)
	if err != nil {
		keyLog.WithError(err).Warn("Marshalling lookup result failed")
		return vulnerabilities, nil
	}
	if err := l.rdb.Set(ctx, key, bytes, l.cfg.TTL).Err(); err != nil {
		keyLog.WithError(err).Warn("Writing lookup cache failed")
	}

	return vulnerabilities, nil
}

func (l *lookup) getKeyForDependency(dep dependency.Package) string {
	return l.cfg.Namespace + ":" + string(dep.Ecosystem) + ":" + dep.Name + "@" + dep.Version
}
