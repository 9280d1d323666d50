package ingest

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Start launches the staging and approval loops. folders, when non-empty,
// replaces the configured watch list; autoApproveLowRisk gates the local
// fallback that applies plain inserts while the gateway is unreachable.
// Idempotent: a second Start while running is a no-op.
func (p *Pipeline) Start(ctx context.Context, folders []string, autoApproveLowRisk bool) {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	if p.cancel != nil {
		return
	}

	p.mu.Lock()
	if len(folders) > 0 {
		p.folders = folders
	}
	p.autoApprove = autoApproveLowRisk
	watched := append([]string(nil), p.folders...)
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	watcher := p.startWatcher(ctx, watched)

	go func() {
		defer close(p.done)
		defer func() {
			if watcher != nil {
				watcher.Close()
			}
		}()
		p.logger.Info("ingest: pipeline started",
			"folders", watched,
			"staging_interval", p.opts.StagingInterval,
			"approval_interval", p.opts.ApprovalInterval)

		staging := time.NewTicker(p.opts.StagingInterval)
		defer staging.Stop()
		approval := time.NewTicker(p.opts.ApprovalInterval)
		defer approval.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info("ingest: pipeline stopped")
				return
			case <-staging.C:
				if _, err := p.ScanOnce(ctx); err != nil && ctx.Err() == nil {
					p.logger.Error("ingest: staging scan failed", "error", err)
				}
			case <-p.wake:
				// A filesystem event arrived; scan early but keep the ticker.
				if _, err := p.ScanOnce(ctx); err != nil && ctx.Err() == nil {
					p.logger.Error("ingest: staging scan failed", "error", err)
				}
			case <-approval.C:
				if _, err := p.DrainOnce(ctx); err != nil && ctx.Err() == nil {
					p.logger.Error("ingest: approval drain failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the loops and waits for them to exit.
func (p *Pipeline) Stop() {
	p.loopMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loops are active.
func (p *Pipeline) Running() bool {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	return p.cancel != nil
}

// startWatcher wires fsnotify onto the watch folders. Failure to watch is
// never fatal: the periodic scan covers everything the watcher would.
func (p *Pipeline) startWatcher(ctx context.Context, folders []string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("ingest: filesystem watcher unavailable, relying on periodic scan", "error", err)
		return nil
	}
	for _, folder := range folders {
		if err := watcher.Add(folder); err != nil {
			p.logger.Warn("ingest: cannot watch folder", "folder", folder, "error", err)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case p.wake <- struct{}{}:
				default:
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("ingest: watcher error", "error", werr)
			}
		}
	}()
	return watcher
}
