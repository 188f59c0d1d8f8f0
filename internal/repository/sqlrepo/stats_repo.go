package sqlrepo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/agentsync/internal/domain"
)

// Stats собирает сводку одним проходом по таблицам.
// privileged текущий allow-list; считаются только известные агенты из него.
func (s *Store) Stats(ctx context.Context, privileged []int64, now time.Time) (domain.Stats, error) {
	var st domain.Stats

	counters := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&st.Agents, `SELECT COUNT(*) FROM agents`, nil},
		{&st.Tokens, `SELECT COUNT(*) FROM tokens`, nil},
		{&st.BoundTokens, `SELECT COUNT(*) FROM tokens WHERE bound_agent_id IS NOT NULL`, nil},
		{&st.FrozenTokens, `SELECT COUNT(*) FROM tokens WHERE frozen = TRUE`, nil},
		{&st.FreeTokens, `SELECT COUNT(*) FROM tokens WHERE bound_agent_id IS NULL AND frozen = FALSE`, nil},
		{&st.Running, `SELECT COUNT(*) FROM script_status WHERE is_running = TRUE`, nil},
		{&st.Paused, `SELECT COUNT(*) FROM script_status
			WHERE is_running = TRUE AND is_paused = TRUE AND (pause_until IS NULL OR pause_until >= $1)`, []any{now.UTC()}},
		{&st.PendingCommands, `SELECT COUNT(*) FROM commands WHERE status = 'pending'`, nil},
	}
	if len(privileged) > 0 {
		ph := make([]string, len(privileged))
		args := make([]any, len(privileged))
		for i, id := range privileged {
			ph[i] = fmt.Sprintf("$%d", i+1)
			args[i] = id
		}
		counters = append(counters, struct {
			dst   *int64
			query string
			args  []any
		}{&st.PrivilegedAgents, `SELECT COUNT(*) FROM agents WHERE id IN (` + strings.Join(ph, ", ") + `)`, args})
	}

	for _, c := range counters {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dst); err != nil {
			return domain.Stats{}, storeErr("stats", err)
		}
	}
	return st, nil
}
