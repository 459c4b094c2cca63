package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"ray-deployer/internal/shared/model"
	"ray-deployer/internal/shared/storage"
)

// CreateDeployment 创建部署记录
func (s *Store) CreateDeployment(ctx context.Context, d *model.DeploymentResponse) error {
	return insertOne(ctx, s.col(ColDeployments), d)
}

// UpdateDeployment 整体替换非终态的部署记录
func (s *Store) UpdateDeployment(ctx context.Context, d *model.DeploymentResponse) error {
	filter := bson.D{
		{Key: "_id", Value: d.DeploymentID},
		{Key: "status", Value: bson.D{{Key: "$nin", Value: bson.A{
			model.DeploymentCompleted, model.DeploymentFailed,
		}}}},
	}
	res, err := s.col(ColDeployments).ReplaceOne(ctx, filter, d)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := s.GetDeployment(ctx, d.DeploymentID); err != nil {
		return err
	}
	return storage.ErrConflict
}

// GetDeployment 获取部署记录
func (s *Store) GetDeployment(ctx context.Context, id string) (*model.DeploymentResponse, error) {
	return findOne[model.DeploymentResponse](ctx, s.col(ColDeployments), bson.D{{Key: "_id", Value: id}})
}

// ListDeployments 按创建时间倒序分页列出部署记录
func (s *Store) ListDeployments(ctx context.Context, filter storage.DeploymentFilter) ([]*model.DeploymentResponse, int, error) {
	filter.Normalize()

	q := bson.D{}
	if filter.Status != "" {
		q = append(q, bson.E{Key: "status", Value: filter.Status})
	}

	total, err := s.col(ColDeployments).CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, wrapError(err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(filter.Offset)).
		SetLimit(int64(filter.Limit))
	items, err := findMany[model.DeploymentResponse](ctx, s.col(ColDeployments), q, opts)
	if err != nil {
		return nil, 0, err
	}
	return items, int(total), nil
}
