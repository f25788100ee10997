package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock claims a named scheduler lock for at most lockAtMostFor.
// The upsert only wins when the previous holder's lease has lapsed, so a
// crashed pod blocks the lock no longer than its lease. Returns false when
// another pod holds a live lease.
func (s *Store) AcquireLock(ctx context.Context, name, lockedBy string, lockAtMostFor time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO shedlock (name, lock_until, locked_at, locked_by)
		VALUES ($1, now() + make_interval(secs => $2), now(), $3)
		ON CONFLICT (name) DO UPDATE
		SET lock_until = now() + make_interval(secs => $2),
		    locked_at  = now(),
		    locked_by  = $3
		WHERE shedlock.lock_until <= now()`,
		name, lockAtMostFor.Seconds(), lockedBy)
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	return n > 0, nil
}

// ReleaseLock ends the lease early so the next tick on any pod can win it.
// Only the current holder may release.
func (s *Store) ReleaseLock(ctx context.Context, name, lockedBy string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE shedlock SET lock_until = now()
		WHERE name = $1 AND locked_by = $2`,
		name, lockedBy)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", name, err)
	}
	return nil
}
