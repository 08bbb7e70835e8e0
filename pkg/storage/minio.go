// Package storage 提供了与 MinIO 对象存储交互的功能，用于暂存待处理的上传文件。
package storage

import (
	"context"
	"fmt"
	"io"
	"omni-agent-go/internal/config"
	"omni-agent-go/pkg/log"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Stager 在请求和后台任务之间暂存上传内容。
type Stager struct {
	client *minio.Client
	bucket string
}

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) *Stager {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}
	log.Info("MinIO 客户端初始化成功")

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
	}
	return &Stager{client: client, bucket: cfg.BucketName}
}

// Put 上传一个对象。
func (s *Stager) Put(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("上传对象 %s 失败: %w", objectName, err)
	}
	return nil
}

// Fetch 把对象下载到本地路径。对象不存在时返回的错误包装 os.ErrNotExist。
func (s *Stager) Fetch(ctx context.Context, objectName, destPath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, objectName, destPath, minio.GetObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("对象 %s 不存在: %w", objectName, os.ErrNotExist)
		}
		return fmt.Errorf("下载对象 %s 失败: %w", objectName, err)
	}
	return nil
}

// Remove 删除对象。
func (s *Stager) Remove(ctx context.Context, objectName string) error {
	return s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
}
