// Package repository Deployment 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ray-deployer/internal/shared/model"
	"ray-deployer/internal/shared/storage"
	"ray-deployer/internal/shared/storage/dbutil"
)

const deploymentColumns = `id, model_name, status, steps, request, cluster_address, service_endpoint, error, created_at, updated_at`

// CreateDeployment 创建部署记录
func (s *Store) CreateDeployment(ctx context.Context, d *model.DeploymentResponse) error {
	start := time.Now()
	err := s.insertDeployment(ctx, d)
	s.logQuery("insert", start, err)
	return err
}

// UpdateDeployment 更新部署记录
//
// 只更新非终态记录；目标已是终态时返回 ErrConflict。
func (s *Store) UpdateDeployment(ctx context.Context, d *model.DeploymentResponse) error {
	start := time.Now()
	err := s.updateDeployment(ctx, d)
	s.logQuery("update", start, err)
	return err
}

// GetDeployment 获取部署记录
func (s *Store) GetDeployment(ctx context.Context, id string) (*model.DeploymentResponse, error) {
	start := time.Now()
	d, err := s.selectDeployment(ctx, id)
	s.logQuery("select", start, err)
	return d, err
}

// ListDeployments 按创建时间倒序分页列出部署记录
func (s *Store) ListDeployments(ctx context.Context, filter storage.DeploymentFilter) ([]*model.DeploymentResponse, int, error) {
	start := time.Now()
	items, total, err := s.listDeployments(ctx, filter)
	s.logQuery("list", start, err)
	return items, total, err
}

func (s *Store) insertDeployment(ctx context.Context, d *model.DeploymentResponse) error {
	steps, request, err := encodeDeployment(d)
	if err != nil {
		return err
	}
	query := s.rebind(`
		INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	_, err = s.db.ExecContext(ctx, query,
		d.DeploymentID, d.ModelName, string(d.Status), steps, request,
		d.ClusterAddress, d.ServiceEndpoint, d.Error, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if s.dialect.IsDuplicate(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("failed to insert deployment: %w", err)
	}
	return nil
}

func (s *Store) updateDeployment(ctx context.Context, d *model.DeploymentResponse) error {
	steps, request, err := encodeDeployment(d)
	if err != nil {
		return err
	}
	query := s.rebind(`
		UPDATE deployments
		SET status = $1, steps = $2, request = $3, cluster_address = $4,
		    service_endpoint = $5, error = $6, updated_at = $7
		WHERE id = $8 AND status NOT IN ($9, $10)
	`)
	res, err := s.db.ExecContext(ctx, query,
		string(d.Status), steps, request, d.ClusterAddress, d.ServiceEndpoint, d.Error, d.UpdatedAt,
		d.DeploymentID, string(model.DeploymentCompleted), string(model.DeploymentFailed))
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// 区分不存在与已终态
	existing, err := s.selectDeployment(ctx, d.DeploymentID)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() {
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) selectDeployment(ctx context.Context, id string) (*model.DeploymentResponse, error) {
	query := s.rebind(`SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`)
	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return d, err
}

func (s *Store) listDeployments(ctx context.Context, filter storage.DeploymentFilter) ([]*model.DeploymentResponse, int, error) {
	filter.Normalize()

	var conditions []string
	var args []interface{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	countQuery, countArgs := dbutil.BuildDynamicQuery(s.dialect, `SELECT COUNT(*) FROM deployments`, conditions, args)
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count deployments: %w", err)
	}

	listArgs := append(append([]interface{}{}, args...), filter.Limit, filter.Offset)
	base := `SELECT ` + deploymentColumns + ` FROM deployments`
	listQuery, _ := dbutil.BuildDynamicQuery(s.dialect, base, conditions, nil)
	listQuery += s.rebind(fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2))

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	items := []*model.DeploymentResponse{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

// encodeDeployment 将步骤与请求序列化为 JSON 文本
func encodeDeployment(d *model.DeploymentResponse) (string, *string, error) {
	steps := d.Steps
	if steps == nil {
		steps = []model.DeploymentStep{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal steps: %w", err)
	}
	if d.Request == nil {
		return string(stepsJSON), nil, nil
	}
	reqJSON, err := json.Marshal(d.Request)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req := string(reqJSON)
	return string(stepsJSON), &req, nil
}

// scanDeployment 辅助函数
func scanDeployment(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.DeploymentResponse, error) {
	d := &model.DeploymentResponse{}
	var status string
	var steps []byte
	var request NullableJSON
	err := scanner.Scan(
		&d.DeploymentID, &d.ModelName, &status, &steps, &request.Data,
		&d.ClusterAddress, &d.ServiceEndpoint, &d.Error, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = model.DeploymentStatus(status)
	if err := json.Unmarshal(steps, &d.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps of %s: %w", d.DeploymentID, err)
	}
	if raw := request.Value(); raw != nil {
		var req model.DeploymentRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("failed to decode request of %s: %w", d.DeploymentID, err)
		}
		d.Request = &req
	}
	return d, nil
}
