package gitstat

import (
	"context"
	"time"
)

// Poll collects the diff stat on an interval and invokes onChange whenever
// the result differs from the previous one. It returns when ctx is done.
// Collection errors (not a repo, transient IO) are skipped silently; the
// next tick tries again.
func Poll(ctx context.Context, repoPath string, interval time.Duration, onChange func(*DiffStat)) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *DiffStat
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat, err := Collect(repoPath)
			if err != nil {
				continue
			}
			if stat.Equal(last) {
				continue
			}
			last = stat
			onChange(stat)
		}
	}
}
