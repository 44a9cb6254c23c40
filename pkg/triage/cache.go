package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/logging"
)

const (
	NamespaceExplanation = "explanation"
	NamespaceRemediation = "remediation"
)

// Backend stores write-once values.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// PutIfAbsent stores value unless key already exists. It reports whether
	// the value was stored.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	Close() error
}

// ComputeFunc produces an explanation for a finding.
type ComputeFunc func(ctx context.Context, f engine.Finding) (engine.Explanation, error)

// TextFunc produces a cacheable text value.
type TextFunc func(ctx context.Context) (string, error)

// Cache memoizes explanations and generated remediations per
// (rule id, profile version). Entries are immutable once written.
type Cache struct {
	backend Backend
	log     *zap.Logger
}

func New(backend Backend, log *zap.Logger) *Cache {
	return &Cache{backend: backend, log: logging.OrNop(log)}
}

func (c *Cache) Close() error { return c.backend.Close() }

func Key(namespace, profileVersion, ruleID string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, profileVersion, ruleID)
}

// GetOrCompute returns the cached explanation for f, computing and storing
// it on a miss. A compute failure yields a degraded placeholder that is not
// stored; this call never fails.
func (c *Cache) GetOrCompute(ctx context.Context, f engine.Finding, profileVersion string, compute ComputeFunc) engine.Explanation {
	key := Key(NamespaceExplanation, profileVersion, f.RuleID)
	log := c.log.With(zap.String("rule_id", f.RuleID), zap.String("profile_version", profileVersion))

	if exp, ok := c.lookup(ctx, key, log); ok {
		log.Debug("Triage cache hit")
		return exp
	}

	exp, err := compute(ctx, f)
	if err != nil {
		log.Warn("Triage unavailable, using placeholder", zap.Error(err))
		return engine.PlaceholderExplanation(f, profileVersion, err)
	}
	exp.RuleID = f.RuleID
	exp.ProfileVersion = profileVersion
	exp.Degraded = false
	if exp.GeneratedAt.IsZero() {
		exp.GeneratedAt = time.Now().UTC()
	}

	data, err := json.Marshal(exp)
	if err != nil {
		log.Warn("Failed to encode explanation", zap.Error(err))
		return exp
	}
	stored, err := c.backend.PutIfAbsent(ctx, key, data)
	if err != nil {
		log.Warn("Failed to store explanation", zap.Error(err))
		return exp
	}
	if !stored {
		// Another writer won; the stored entry is authoritative.
		if existing, ok := c.lookup(ctx, key, log); ok {
			return existing
		}
	}
	return exp
}

func (c *Cache) lookup(ctx context.Context, key string, log *zap.Logger) (engine.Explanation, bool) {
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		log.Warn("Triage cache read failed", zap.Error(err))
		return engine.Explanation{}, false
	}
	if !ok {
		return engine.Explanation{}, false
	}
	var exp engine.Explanation
	if err := json.Unmarshal(data, &exp); err != nil {
		log.Warn("Ignoring unreadable cache entry", zap.Error(err))
		return engine.Explanation{}, false
	}
	return exp, true
}

// GetOrComputeText memoizes a text value such as generated remediation
// content. Unlike explanations, a compute failure is returned to the caller.
func (c *Cache) GetOrComputeText(ctx context.Context, namespace, profileVersion, ruleID string, compute TextFunc) (string, error) {
	key := Key(namespace, profileVersion, ruleID)
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return string(data), nil
	}

	value, err := compute(ctx)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", errors.New("empty value")
	}

	stored, err := c.backend.PutIfAbsent(ctx, key, []byte(value))
	if err != nil {
		c.log.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
		return value, nil
	}
	if !stored {
		if data, ok, err := c.backend.Get(ctx, key); err == nil && ok {
			return string(data), nil
		}
	}
	return value, nil
}
