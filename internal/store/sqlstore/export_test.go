package sqlstore

import "context"

// Reset empties every table; tests against a shared database use it to
// start clean.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"link_sessions", "accounts"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return err
		}
	}
	return nil
}
