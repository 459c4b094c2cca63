// Package objstore 封装 MinIO 对象存储客户端
//
// 节点代理通过 minio://bucket/prefix 形式的模型 ID 从对象存储拉取本地模型。
package objstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ray-deployer/internal/config"
)

// Scheme 对象存储模型 ID 前缀
const Scheme = "minio://"

// Object 对象元信息
type Object struct {
	Key  string
	Size int64
}

// Client MinIO 客户端封装
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient 创建 MinIO 客户端
func NewClient(cfg config.MinIOConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "models"
	}

	return &Client{mc: mc, bucket: bucket}, nil
}

// ParseURI 解析 minio://bucket/prefix；bucket 为空时使用默认 bucket
func ParseURI(uri string) (bucket, prefix string, ok bool) {
	if !strings.HasPrefix(uri, Scheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(uri, Scheme)
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, strings.Trim(prefix, "/"), true
}

// List 列出 prefix 下全部对象（递归）
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	if bucket == "" {
		bucket = c.bucket
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var objects []Object
	for info := range c.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, info.Err)
		}
		if strings.HasSuffix(info.Key, "/") {
			continue
		}
		objects = append(objects, Object{Key: info.Key, Size: info.Size})
	}
	return objects, nil
}

// Open 读取对象，调用方负责关闭返回的 ReadCloser
func (c *Client) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if bucket == "" {
		bucket = c.bucket
	}
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	// 验证对象存在（GetObject 不会立即返回错误）
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, nil
}

// Ping 检查默认 bucket 是否可访问
func (c *Client) Ping(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", c.bucket)
	}
	return nil
}
