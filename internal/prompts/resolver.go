package prompts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loomstack/loom/pkg/lifecycle"
)

type resolver struct {
	source  Source
	cache   *Cache
	domains *DomainSet
	label   string
	ttl     time.Duration
	sweep   time.Duration
	logger  *slog.Logger
}

// New creates the prompt resolution system.
func New(cfg *Config, source Source, domains *DomainSet, logger *slog.Logger) System {
	if domains == nil {
		domains = &DomainSet{domains: map[string]domainConfig{}}
	}

	return &resolver{
		source:  source,
		cache:   NewCache(),
		domains: domains,
		label:   cfg.Label,
		ttl:     cfg.CacheTTL.Std(),
		sweep:   cfg.SweepInterval.Std(),
		logger:  logger.With("system", "prompts"),
	}
}

func (r *resolver) Handler() *Handler {
	return NewHandler(r, r.logger)
}

// Resolve walks the fallback chain for the requested key. The first
// candidate served from cache or store wins; rendering failures surface
// immediately and leave the cached template intact.
func (r *resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	key := Key{Name: req.Name, Language: req.Language, Domain: req.Domain}
	candidates := key.Candidates()

	template, index, err := r.locate(ctx, candidates)
	if err != nil {
		return nil, err
	}

	if index > 0 {
		r.logger.Warn("prompt fallback",
			"requested", candidates[0],
			"served", candidates[index],
		)
	}

	values, err := Stringify(req.Variables)
	if err != nil {
		return nil, err
	}

	merged := r.domains.Variables(req.Domain, req.Name)
	if merged == nil {
		merged = make(map[string]string, len(values))
	}
	for k, v := range values {
		merged[k] = v
	}

	text, err := template.Render(merged)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		Text:     text,
		Key:      template.Key,
		Version:  template.Version,
		Fallback: index > 0,
	}, nil
}

// locate returns the first candidate's template, checking the cache
// before the store for each candidate in turn. A fetch failure of any
// kind moves the chain to the next candidate, so a cached fallback can
// still serve through a store outage. Only an exhausted chain fails:
// with the outage error when one occurred, otherwise NotFoundError.
func (r *resolver) locate(ctx context.Context, candidates []string) (*Template, int, error) {
	tried := make([]string, 0, len(candidates))
	var unavailable error

	for i, candidate := range candidates {
		if t, ok := r.cache.Get(r.cacheKey(candidate)); ok {
			return t, i, nil
		}

		t, err := r.source.Fetch(ctx, candidate, r.label)
		if err != nil {
			tried = append(tried, candidate)
			if !errors.Is(err, ErrSourceMiss) {
				unavailable = err
				r.logger.Warn("prompt fetch failed",
					"candidate", candidate,
					"error", err,
				)
			}
			continue
		}

		r.cache.Put(r.cacheKey(candidate), t, r.ttl)
		return t, i, nil
	}

	if unavailable != nil {
		return nil, 0, unavailable
	}
	return nil, 0, &NotFoundError{Name: candidates[len(candidates)-1], Candidates: tried}
}

func (r *resolver) cacheKey(candidate string) string {
	return candidate + ":" + r.label
}

func (r *resolver) Invalidate(key string) {
	r.cache.Invalidate(r.cacheKey(key))
	r.logger.Info("prompt cache invalidated", "key", key)
}

func (r *resolver) InvalidatePrefix(prefix string) int {
	removed := r.cache.InvalidatePrefix(prefix)
	r.logger.Info("prompt cache invalidated", "prefix", prefix, "removed", removed)
	return removed
}

// Start registers the background cache sweep with the lifecycle
// coordinator when a sweep interval is configured.
func (r *resolver) Start(lc *lifecycle.Coordinator) {
	if r.sweep <= 0 {
		return
	}

	lc.OnStartup(func() {
		ticker := time.NewTicker(r.sweep)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-lc.Context().Done():
					return
				case <-ticker.C:
					if removed := r.cache.Sweep(); removed > 0 {
						r.logger.Debug("prompt cache sweep", "removed", removed)
					}
				}
			}
		}()
	})
}
