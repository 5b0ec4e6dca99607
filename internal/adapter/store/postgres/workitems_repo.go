// Package postgres persists work items in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// PgxPool is the subset of pgxpool.Pool the repo needs; narrowed for tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WorkItemRepo loads and updates work items from PostgreSQL.
type WorkItemRepo struct{ Pool PgxPool }

// NewWorkItemRepo constructs a WorkItemRepo with the given pool.
func NewWorkItemRepo(p PgxPool) *WorkItemRepo { return &WorkItemRepo{Pool: p} }

const workItemColumns = `id, type, status, COALESCE(repository_id,''), created_by, created_at, updated_at,
	success_criteria, linked_files, blocked_by, child_ids, started_at, completed_at`

// FindByStatus lists work items with the given status, oldest first.
func (r *WorkItemRepo) FindByStatus(ctx domain.Context, status domain.WorkItemStatus) ([]domain.WorkItem, error) {
	tracer := otel.Tracer("repo.work_items")
	ctx, span := tracer.Start(ctx, "work_items.FindByStatus")
	defer span.End()

	q := `SELECT ` + workItemColumns + ` FROM work_items WHERE status=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, status)
	if err != nil {
		return nil, fmt.Errorf("op=work_item.find_by_status: %w", err)
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

// FindByID loads a single work item.
func (r *WorkItemRepo) FindByID(ctx domain.Context, id string) (domain.WorkItem, error) {
	tracer := otel.Tracer("repo.work_items")
	ctx, span := tracer.Start(ctx, "work_items.FindByID")
	defer span.End()

	q := `SELECT ` + workItemColumns + ` FROM work_items WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	item, err := scanWorkItem(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.WorkItem{}, fmt.Errorf("op=work_item.find_by_id: %w", domain.ErrNotFound)
		}
		return domain.WorkItem{}, fmt.Errorf("op=work_item.find_by_id: %w", err)
	}
	return item, nil
}

// FindByIDs loads the work items with the given ids; missing ids are
// simply absent from the result.
func (r *WorkItemRepo) FindByIDs(ctx domain.Context, ids []string) ([]domain.WorkItem, error) {
	tracer := otel.Tracer("repo.work_items")
	ctx, span := tracer.Start(ctx, "work_items.FindByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT ` + workItemColumns + ` FROM work_items WHERE id = ANY($1)`
	rows, err := r.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("op=work_item.find_by_ids: %w", err)
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

// Update applies a partial update; nil patch fields are left untouched.
// updated_at always advances.
func (r *WorkItemRepo) Update(ctx domain.Context, id string, patch domain.WorkItemPatch) error {
	tracer := otel.Tracer("repo.work_items")
	ctx, span := tracer.Start(ctx, "work_items.Update")
	defer span.End()

	sets := []string{"updated_at=$2"}
	args := []any{id, time.Now().UTC()}

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.WorkerID != nil {
		add("worker_id", *patch.WorkerID)
	}
	if patch.Role != nil {
		add("role", *patch.Role)
	}

	q := `UPDATE work_items SET ` + strings.Join(sets, ", ") + ` WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=work_item.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=work_item.update: %w", domain.ErrNotFound)
	}
	return nil
}

func scanWorkItems(rows pgx.Rows) ([]domain.WorkItem, error) {
	var items []domain.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("op=work_item.scan: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=work_item.rows: %w", err)
	}
	return items, nil
}

func scanWorkItem(row pgx.Row) (domain.WorkItem, error) {
	var item domain.WorkItem
	err := row.Scan(
		&item.ID,
		&item.Type,
		&item.Status,
		&item.RepositoryID,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.SuccessCriteria,
		&item.LinkedFiles,
		&item.BlockedBy,
		&item.ChildIDs,
		&item.StartedAt,
		&item.CompletedAt,
	)
	if err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}
