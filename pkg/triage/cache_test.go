package triage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/user/stigharden/pkg/engine"
)

var finding = engine.Finding{
	RuleID:      "xccdf_org.ssgproject.content_rule_audit_rules_login_events",
	Severity:    engine.CatII,
	Title:       "Record login events",
	Description: "The audit system must record login events.",
	Result:      engine.ResultFail,
}

func openCache(t *testing.T, dir string) *Cache {
	t.Helper()
	fc, err := OpenFileCache(dir)
	if err != nil {
		t.Fatalf("OpenFileCache: %v", err)
	}
	return New(fc, nil)
}

func TestGetOrComputeCachesPerProfileVersion(t *testing.T) {
	dir := t.TempDir()
	c := openCache(t, dir)
	calls := 0
	compute := func(ctx context.Context, f engine.Finding) (engine.Explanation, error) {
		calls++
		return engine.Explanation{Meaning: fmt.Sprintf("call %d", calls)}, nil
	}

	first := c.GetOrCompute(context.Background(), finding, "stig@V1R1", compute)
	second := c.GetOrCompute(context.Background(), finding, "stig@V1R1", compute)
	if calls != 1 {
		t.Errorf("compute called %d times, want 1", calls)
	}
	if first.Meaning != "call 1" || second.Meaning != "call 1" {
		t.Errorf("cached explanation diverged: %q / %q", first.Meaning, second.Meaning)
	}
	if first.RuleID != finding.RuleID || first.ProfileVersion != "stig@V1R1" {
		t.Errorf("cache key fields not stamped: %+v", first)
	}

	// A new profile version is a different entry.
	other := c.GetOrCompute(context.Background(), finding, "stig@V1R2", compute)
	if calls != 2 || other.Meaning != "call 2" {
		t.Errorf("new profile version should recompute, calls=%d", calls)
	}

	// Entries survive a restart.
	reopened := openCache(t, dir)
	again := reopened.GetOrCompute(context.Background(), finding, "stig@V1R1", compute)
	if calls != 2 || again.Meaning != "call 1" {
		t.Errorf("persisted entry not reused: calls=%d meaning=%q", calls, again.Meaning)
	}
}

func TestGetOrComputeDegradesOnFailure(t *testing.T) {
	dir := t.TempDir()
	c := openCache(t, dir)

	exp := c.GetOrCompute(context.Background(), finding, "v1", func(ctx context.Context, f engine.Finding) (engine.Explanation, error) {
		return engine.Explanation{}, context.DeadlineExceeded
	})
	if !exp.Degraded || exp.Reason == "" {
		t.Fatalf("expected degraded placeholder, got %+v", exp)
	}
	if exp.Meaning != finding.Description {
		t.Errorf("placeholder should carry the finding description, got %q", exp.Meaning)
	}

	// Placeholders are not cached; the next call computes for real.
	computed := c.GetOrCompute(context.Background(), finding, "v1", func(ctx context.Context, f engine.Finding) (engine.Explanation, error) {
		return engine.Explanation{Meaning: "ok"}, nil
	})
	if computed.Degraded || computed.Meaning != "ok" {
		t.Errorf("expected computed explanation after failure, got %+v", computed)
	}
}

func TestFileCacheIsWriteOnce(t *testing.T) {
	fc, err := OpenFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	stored, err := fc.PutIfAbsent(ctx, "k", []byte("first"))
	if err != nil || !stored {
		t.Fatalf("first put: stored=%v err=%v", stored, err)
	}
	stored, err = fc.PutIfAbsent(ctx, "k", []byte("second"))
	if err != nil || stored {
		t.Fatalf("second put should be refused: stored=%v err=%v", stored, err)
	}
	v, ok, _ := fc.Get(ctx, "k")
	if !ok || string(v) != "first" {
		t.Errorf("Get = %q, want first", v)
	}
}

func TestGetOrComputeText(t *testing.T) {
	c := openCache(t, t.TempDir())
	ctx := context.Background()

	v, err := c.GetOrComputeText(ctx, NamespaceRemediation, "v1", "r1", func(ctx context.Context) (string, error) {
		return "- name: fix\n  shell: 'true'\n", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	again, err := c.GetOrComputeText(ctx, NamespaceRemediation, "v1", "r1", func(ctx context.Context) (string, error) {
		return "different", nil
	})
	if err != nil || again != v {
		t.Errorf("cached text diverged: %q vs %q (%v)", again, v, err)
	}

	wantErr := errors.New("model offline")
	if _, err := c.GetOrComputeText(ctx, NamespaceRemediation, "v1", "r2", func(ctx context.Context) (string, error) {
		return "", wantErr
	}); !errors.Is(err, wantErr) {
		t.Errorf("compute error should be returned, got %v", err)
	}
}

func TestRetrying(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, f engine.Finding) (engine.Explanation, error) {
		attempts++
		if attempts < 2 {
			return engine.Explanation{}, errors.New("connection reset")
		}
		return engine.Explanation{Meaning: "ok"}, nil
	}
	exp, err := Retrying(flaky, 2, nil)(context.Background(), finding)
	if err != nil || exp.Meaning != "ok" || attempts != 2 {
		t.Errorf("Retrying: exp=%+v err=%v attempts=%d", exp, err, attempts)
	}

	attempts = 0
	malformed := func(ctx context.Context, f engine.Finding) (engine.Explanation, error) {
		attempts++
		return engine.Explanation{}, fmt.Errorf("bad json: %w", ErrNotRetryable)
	}
	if _, err := Retrying(malformed, 3, nil)(context.Background(), finding); !errors.Is(err, ErrNotRetryable) || attempts != 1 {
		t.Errorf("permanent errors must not retry: err=%v attempts=%d", err, attempts)
	}

	attempts = 0
	failing := func(ctx context.Context, f engine.Finding) (engine.Explanation, error) {
		attempts++
		return engine.Explanation{}, errors.New("down")
	}
	// A deadline bounds the test if the retry limit is ignored.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, retries := range []int{0, -1} {
		attempts = 0
		start := time.Now()
		if _, err := Retrying(failing, retries, nil)(ctx, finding); err == nil || attempts != 1 {
			t.Errorf("retries=%d should try once: err=%v attempts=%d", retries, err, attempts)
		}
		if d := time.Since(start); d > time.Second {
			t.Errorf("retries=%d waited %s before giving up", retries, d)
		}
	}
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("STIGHARDEN_TEST_REDIS")
	if addr == "" {
		t.Skip("STIGHARDEN_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := fmt.Sprintf("stigharden-test-%d", time.Now().UnixNano())
	rc, err := NewRedisCache(ctx, RedisOptions{Addr: addr, KeyPrefix: prefix}, nil)
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer rc.Close()

	if _, ok, err := rc.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if stored, err := rc.PutIfAbsent(ctx, "k", []byte("v1")); err != nil || !stored {
		t.Fatalf("first put: stored=%v err=%v", stored, err)
	}
	if stored, err := rc.PutIfAbsent(ctx, "k", []byte("v2")); err != nil || stored {
		t.Fatalf("second put: stored=%v err=%v", stored, err)
	}
	v, ok, err := rc.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v1" {
		t.Errorf("Get = %q ok=%v err=%v", v, ok, err)
	}
	rc.client.Del(ctx, rc.key("k"))
}
