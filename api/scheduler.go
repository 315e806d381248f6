/*
scheduler.go - Periodic wallet audit

PURPOSE:
  Runs engine.Service.AuditWallets on a ticker and logs every wallet whose
  balance no longer equals the sum of its ledger entries. It never repairs
  a wallet; drift needs a human.

DESIGN:
  - Background goroutine with a configurable interval
  - Runs once immediately on Start
  - Each sweep gets its own deadline so a stuck store cannot pile up sweeps

USAGE:
  auditor := NewWalletAuditor(svc, log, 15*time.Minute)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - handlers.go: TriggerAudit endpoint (manual sweep)
  - engine/ledger.go: Reconcile
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campusride/shuttle-engine/engine"
)

// WalletAuditor periodically reconciles every wallet.
type WalletAuditor struct {
	Service  *engine.Service
	Log      *zap.Logger
	Interval time.Duration

	// SweepTimeout bounds one sweep. Defaults to Interval.
	SweepTimeout time.Duration

	// OnSweep, if set, is called after each sweep. Used by tests.
	OnSweep func(mismatched []engine.Reconciliation, err error)

	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWalletAuditor creates an auditor. A non-positive interval disables it.
func NewWalletAuditor(svc *engine.Service, log *zap.Logger, interval time.Duration) *WalletAuditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &WalletAuditor{
		Service:  svc,
		Log:      log.Named("audit"),
		Interval: interval,
	}
}

// Start begins the audit loop.
func (a *WalletAuditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Interval <= 0 {
		a.Log.Info("wallet audit disabled")
		return
	}
	if a.running {
		return
	}
	a.running = true
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run()

	a.Log.Info("wallet audit started", zap.Duration("interval", a.Interval))
}

// Stop ends the loop and waits for an in-flight sweep.
func (a *WalletAuditor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	close(a.stop)
	a.wg.Wait()
	a.running = false
	a.Log.Info("wallet audit stopped")
}

func (a *WalletAuditor) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()

	a.RunNow()
	for {
		select {
		case <-ticker.C:
			a.RunNow()
		case <-a.stop:
			return
		}
	}
}

// RunNow performs one sweep synchronously.
func (a *WalletAuditor) RunNow() {
	timeout := a.SweepTimeout
	if timeout <= 0 {
		timeout = a.Interval
	}
	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	started := time.Now()
	mismatched, err := a.Service.AuditWallets(ctx)
	for _, rec := range mismatched {
		a.Log.Error("wallet drift detected",
			zap.String("rider_id", string(rec.RiderID)),
			zap.Stringer("balance", rec.WalletBalance),
			zap.Stringer("ledger_sum", rec.LedgerSum),
			zap.Stringer("difference", rec.Difference()))
	}
	if err != nil {
		a.Log.Warn("wallet audit incomplete", zap.Error(err))
	}
	a.Log.Debug("wallet audit finished",
		zap.Int("mismatched", len(mismatched)),
		zap.Duration("took", time.Since(started)))

	if a.OnSweep != nil {
		a.OnSweep(mismatched, err)
	}
}
