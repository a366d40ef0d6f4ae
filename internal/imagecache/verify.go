package imagecache

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/imagewall/internal/logger"
)

// VerifyReport lists entries whose blob failed verification.
type VerifyReport struct {
	Checked  int
	Missing  []string
	Mismatch []string
	Dropped  int
}

// Verify checks every entry's blob in parallel and drops the broken ones.
func (s *Store) Verify(ctx context.Context, workers int) (VerifyReport, error) {
	if workers <= 0 {
		workers = 4
	}
	entries := s.Entries()
	report := VerifyReport{Checked: len(entries)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, e := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := s.fs.Stat(s.BlobPath(e))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Missing = append(report.Missing, e.SourceID)
			case info.Size() != e.Size:
				report.Mismatch = append(report.Mismatch, e.SourceID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	broken := append(append([]string{}, report.Missing...), report.Mismatch...)
	if len(broken) == 0 {
		return report, nil
	}

	files := map[string]string{}
	s.mu.Lock()
	for _, id := range broken {
		if e, ok := s.entries[id]; ok {
			files[id] = e.Filename
			s.removeLocked(id)
			report.Dropped++
		}
	}
	s.scheduleSave(0)
	s.mu.Unlock()

	for id, f := range files {
		s.dropBlob(id, f)
	}
	s.updateGauges()
	s.log.Info("cache verification dropped broken entries",
		logger.Int("checked", report.Checked),
		logger.Int("dropped", report.Dropped))
	return report, nil
}
