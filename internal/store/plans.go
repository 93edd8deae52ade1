package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
)

// PlanStore implements core.PlansMemory on the gpts_plans table. Plans are
// append-only.
type PlanStore struct {
	db *sql.DB
}

func NewPlanStore(db *sql.DB) *PlanStore { return &PlanStore{db: db} }

var planColumns = []string{"conv_id", "conv_round", "sub_task_num", "sub_task_id", "task_uid", "sub_task_title", "sub_task_content", "sub_task_agent", "state", "created_at"}

// BatchSave copies plans in one transaction.
func (s *PlanStore) BatchSave(ctx context.Context, plans []core.Plan) (err error) {
	if len(plans) == 0 {
		return nil
	}
	defer func() { observe(ctx, "plan_batch_save", err) }()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin plan batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("gpts_plans", planColumns...))
	if err != nil {
		return fmt.Errorf("prepare plan copy: %w", err)
	}
	for _, p := range plans {
		created := p.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err = stmt.ExecContext(ctx, p.ConvID, p.ConvRound, p.SubTaskNum, p.SubTaskID, p.TaskUID,
			p.SubTaskTitle, p.SubTaskContent, p.SubTaskAgent, p.State, created); err != nil {
			stmt.Close()
			return fmt.Errorf("copy plan %s: %w", p.SubTaskID, err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush plan copy: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("close plan copy: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit plan batch: %w", err)
	}
	return nil
}

// GetByConvID returns the plans of a conversation ordered by round and sub-task.
func (s *PlanStore) GetByConvID(ctx context.Context, convID string) (out []core.Plan, err error) {
	defer func() { observe(ctx, "plan_list", err) }()
	rows, err := s.db.QueryContext(ctx, `
SELECT conv_id, conv_round, sub_task_num, sub_task_id, task_uid, sub_task_title, sub_task_content, sub_task_agent, state, created_at
FROM gpts_plans
WHERE conv_id = $1
ORDER BY conv_round ASC, sub_task_num ASC, id ASC`, convID)
	if err != nil {
		return nil, fmt.Errorf("query plans of %s: %w", convID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p core.Plan
		if err := rows.Scan(&p.ConvID, &p.ConvRound, &p.SubTaskNum, &p.SubTaskID, &p.TaskUID,
			&p.SubTaskTitle, &p.SubTaskContent, &p.SubTaskAgent, &p.State, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
