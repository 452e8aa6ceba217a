// Package ratelimit throttles marketplace commands per actor.
//
// Limits are keyed by (actor, command) rather than per-connection state,
// so every command a user issues counts against the same budget no
// matter which frontend or replica handled it.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/amana/internal/auth"
)

// Rule is one command's budget: at most Limit calls per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules mirror the launch configuration. Commands without a rule
// are not throttled.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"create":  {Limit: 10, Window: time.Minute},
		"dispute": {Limit: 3, Window: time.Hour},
		"rate":    {Limit: 10, Window: time.Hour},
	}
}

type window struct {
	count    int
	resetsAt time.Time
}

// Limiter tracks fixed windows per (actor, command) key.
type Limiter struct {
	rules map[string]Rule

	mu      sync.Mutex
	windows map[string]*window
	stop    chan struct{}
}

// New creates a limiter with the given per-command rules and starts its
// janitor goroutine.
func New(rules map[string]Rule) *Limiter {
	l := &Limiter{
		rules:   rules,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Stop stops the janitor goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// janitor drops expired windows so idle actors do not accumulate.
func (l *Limiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for key, w := range l.windows {
				if now.After(w.resetsAt) {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Allow reports whether the actor may run the command now, and if not,
// how long until the window resets.
func (l *Limiter) Allow(actorID, command string) (bool, time.Duration) {
	rule, limited := l.rules[command]
	if !limited || rule.Limit <= 0 {
		return true, 0
	}

	key := actorID + "\x00" + command
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetsAt) {
		l.windows[key] = &window{count: 1, resetsAt: now.Add(rule.Window)}
		return true, 0
	}
	if w.count < rule.Limit {
		w.count++
		return true, 0
	}
	return false, time.Until(w.resetsAt)
}

// Command returns gin middleware that throttles one named command for
// the authenticated actor. Unauthenticated requests fall back to the
// client IP so probing is throttled too.
func (l *Limiter) Command(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if actor, ok := auth.GetActor(c); ok {
			key = actor.ID
		}

		allowed, retryIn := l.Allow(key, name)
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limited",
				"message":     "too many " + name + " requests, slow down",
				"retry_after": int(retryIn.Seconds()) + 1,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
