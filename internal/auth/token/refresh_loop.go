package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pysugar/adops-nexus/internal/logging"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultRefreshLookahead is how far ahead of expiry the background
	// loop refreshes credentials.
	DefaultRefreshLookahead = 20 * time.Minute
	defaultRefreshParallel  = 4
	refreshBatchLimit       = 500
)

// RefreshReport summarizes one background pass.
type RefreshReport struct {
	Candidates int
	Refreshed  int
	Reauth     int
	Failed     int
}

// RefreshExpiring refreshes every credential expiring within lookahead, at
// most parallel at a time. Each refresh shares the single-flight path with
// concurrent reads.
func (m *Manager) RefreshExpiring(ctx context.Context, lookahead time.Duration, parallel int64) (RefreshReport, error) {
	if parallel < 1 {
		parallel = defaultRefreshParallel
	}
	creds, err := m.store.ListRefreshable(ctx, m.now().Add(lookahead), refreshBatchLimit)
	if err != nil {
		return RefreshReport{}, err
	}

	report := RefreshReport{Candidates: len(creds)}
	var refreshed, reauth, failed atomic.Int64
	sem := semaphore.NewWeighted(parallel)
	var wg sync.WaitGroup
	for _, cred := range creds {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(cred Credential) {
			defer wg.Done()
			defer sem.Release(1)
			_, err := m.coord.refresh(ctx, cred.AccountID, cred.Provider, refreshRequest{lookahead: lookahead})
			switch {
			case err == nil:
				refreshed.Add(1)
			case errors.Is(err, ErrReauthorizationRequired):
				reauth.Add(1)
			default:
				failed.Add(1)
			}
		}(cred)
	}
	wg.Wait()

	report.Refreshed = int(refreshed.Load())
	report.Reauth = int(reauth.Load())
	report.Failed = int(failed.Load())
	return report, ctx.Err()
}

// StartRefreshLoop refreshes expiring credentials every interval until ctx
// is cancelled.
func (m *Manager) StartRefreshLoop(ctx context.Context, interval, lookahead time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if lookahead <= 0 {
		lookahead = DefaultRefreshLookahead
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logging.Infof("token refresh loop stopped")
				return
			case <-ticker.C:
				report, err := m.RefreshExpiring(ctx, lookahead, defaultRefreshParallel)
				if err != nil && !errors.Is(err, context.Canceled) {
					logging.WithFields(logging.Fields{"error": err.Error()}).Warn("background refresh pass failed")
					continue
				}
				if report.Candidates > 0 {
					logging.WithFields(logging.Fields{
						"candidates": report.Candidates,
						"refreshed":  report.Refreshed,
						"reauth":     report.Reauth,
						"failed":     report.Failed,
					}).Info("background refresh pass finished")
				}
			}
		}
	}()
	logging.Infof("token refresh loop started (interval: %s, lookahead: %s)", interval, lookahead)
}
