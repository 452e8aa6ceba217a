// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/amana/internal/escrow"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Database returns a checker that pings the database.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// payoutLister is the narrow slice of the escrow service the payout
// checker needs.
type payoutLister interface {
	StuckPayouts(ctx context.Context, olderThan time.Duration) ([]*escrow.Payout, error)
}

// Payouts returns a checker that reports unhealthy when payouts have
// been sitting undelivered longer than olderThan. A completed sale whose
// seller has not been paid is the one state operators must never miss.
func Payouts(svc payoutLister, olderThan time.Duration) Checker {
	return func(ctx context.Context) Status {
		stuck, err := svc.StuckPayouts(ctx, olderThan)
		if err != nil {
			return Status{Name: "payouts", Healthy: false, Detail: err.Error()}
		}
		if len(stuck) > 0 {
			return Status{
				Name:    "payouts",
				Healthy: false,
				Detail:  fmt.Sprintf("%d payouts pending longer than %s", len(stuck), olderThan),
			}
		}
		return Status{Name: "payouts", Healthy: true}
	}
}
