package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds overall request rate and how much work may be
// submitted within SubmitWindow. SubmitLimit counts work units: a bulk
// upload job is one unit and a stream batch costs one unit per slot. Every
// client IP and every job owner has its own allowance; a submission must fit
// in all of the ones it draws from. With RedisAddr set the allowances are
// shared through Redis.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	SubmitLimit   int
	SubmitWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

// submissionPeekBytes matches the API's request body cap.
const submissionPeekBytes = 4 << 20

type rateLimiter struct {
	global       *tokenBucket
	submitLimit  int
	submitWindow time.Duration
	mu           sync.Mutex
	allowances   map[string]*allowance
	store        allowanceStore
}

type allowance struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type allowanceStore interface {
	Allow(key string, units, limit int, window time.Duration) (bool, time.Duration, error)
}

// submission is what a POST /api/jobs or /api/batches body is charged as.
type submission struct {
	owner string
	units int
}

// allowanceKeys lists the allowances a submission draws from.
func (s submission) allowanceKeys(ip string) []string {
	if ip == "" {
		ip = "unknown"
	}
	keys := []string{"ip:" + ip}
	if s.owner != "" {
		keys = append(keys, "owner:"+strings.ToLower(s.owner))
	}
	return keys
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		submitLimit:  cfg.SubmitLimit,
		submitWindow: cfg.SubmitWindow,
		allowances:   make(map[string]*allowance),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.submitLimit < 0 {
		rl.submitLimit = 0
	}
	if rl.submitWindow <= 0 {
		rl.submitWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.submitLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) limitsSubmissions() bool {
	return r != nil && r.submitLimit > 0
}

// AllowSubmit charges sub against every allowance it draws from. Locally the
// charge is all or nothing; through Redis each allowance is charged on its
// own, as a fixed window counter does.
func (r *rateLimiter) AllowSubmit(ip string, sub submission) (bool, time.Duration, error) {
	if !r.limitsSubmissions() {
		return true, 0, nil
	}
	units := sub.units
	if units < 1 {
		units = 1
	}
	keys := sub.allowanceKeys(ip)

	if r.store != nil {
		allowed := true
		var retryAfter time.Duration
		for _, key := range keys {
			ok, wait, err := r.store.Allow("orchestrator:submit:"+key, units, r.submitLimit, r.submitWindow)
			if err != nil {
				return false, 0, err
			}
			if !ok {
				allowed = false
				retryAfter = max(retryAfter, wait)
			}
		}
		return allowed, retryAfter, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.cleanupLocked(now)
	buckets := make([]*tokenBucket, 0, len(keys))
	var retryAfter time.Duration
	for _, key := range keys {
		entry, ok := r.allowances[key]
		if !ok {
			rate := float64(r.submitLimit) / r.submitWindow.Seconds()
			entry = &allowance{bucket: newTokenBucket(rate, r.submitLimit)}
			r.allowances[key] = entry
		}
		entry.lastSeen = now
		retryAfter = max(retryAfter, entry.bucket.wait(units))
		buckets = append(buckets, entry.bucket)
	}
	if retryAfter > 0 {
		return false, retryAfter, nil
	}
	for _, bucket := range buckets {
		bucket.take(units)
	}
	return true, 0, nil
}

// exceedsWindow reports a submission that no allowance could ever hold.
func (r *rateLimiter) exceedsWindow(sub submission) bool {
	return r.limitsSubmissions() && sub.units > r.submitLimit
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * r.submitWindow)
	for key, entry := range r.allowances {
		if entry.lastSeen.Before(cutoff) {
			delete(r.allowances, key)
		}
	}
}

// replayBody serves the bytes already read ahead of the rest of the body.
type replayBody struct {
	io.Reader
	io.Closer
}

// readSubmission reads the owner and slot count from a submission body and
// leaves the body intact for the handler. Bodies that do not decode are
// charged one unit; the handler rejects them.
func readSubmission(r *http.Request) submission {
	sub := submission{units: 1}
	if r.Body == nil {
		return sub
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, submissionPeekBytes))
	r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil {
		return sub
	}
	switch r.URL.Path {
	case "/api/jobs":
		var req struct {
			Owner string `json:"owner"`
		}
		if json.Unmarshal(buf, &req) == nil {
			sub.owner = strings.TrimSpace(req.Owner)
		}
	case "/api/batches":
		var req struct {
			Slots []json.RawMessage `json:"slots"`
		}
		if json.Unmarshal(buf, &req) == nil && len(req.Slots) > 0 {
			sub.units = len(req.Slots)
		}
	}
	return sub
}

func retryAfterHeader(wait time.Duration) string {
	return fmt.Sprintf("%d", int(math.Ceil(wait.Seconds())))
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) refillLocked() {
	now := time.Now()
	tb.tokens += now.Sub(tb.lastCheck).Seconds() * tb.rate
	tb.lastCheck = now
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// wait returns how long until n tokens are available, zero if they are now.
func (tb *tokenBucket) wait(n int) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	missing := float64(n) - tb.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.rate * float64(time.Second))
}

func (tb *tokenBucket) take(n int) {
	tb.mu.Lock()
	tb.tokens -= float64(n)
	tb.mu.Unlock()
}
