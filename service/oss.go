package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"StoryBeat-server/provider"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig 对象存储连接参数
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// MinioArchiver 把供应商生成的视频转存到 MinIO，返回预签名地址
type MinioArchiver struct {
	client     *minio.Client
	bucket     string
	expiry     time.Duration
	httpClient *http.Client
}

func NewMinioArchiver(ctx context.Context, cfg MinioConfig) (*MinioArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIO 初始化失败: %w", err)
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 72 * time.Hour
	}
	a := &MinioArchiver{
		client:     client,
		bucket:     cfg.Bucket,
		expiry:     expiry,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *MinioArchiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("创建 Bucket 失败: %w", err)
	}
	slog.Info("Bucket created", "bucket", a.bucket)
	return nil
}

// clipObjectName 例如 productions/{id}/clip_2.mp4
func clipObjectName(productionID string, clipIndex int, mimeType string) string {
	ext := ".mp4"
	switch mimeType {
	case "video/webm":
		ext = ".webm"
	case "video/quicktime":
		ext = ".mov"
	}
	return fmt.Sprintf("productions/%s/clip_%d%s", productionID, clipIndex, ext)
}

func contentTypeFor(objectName string) string {
	switch filepath.Ext(objectName) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}

// Archive 结果有字节时直接上传，否则先下载 ResultURL
func (a *MinioArchiver) Archive(ctx context.Context, productionID string, clipIndex int, res provider.PollResult) (string, error) {
	objectName := clipObjectName(productionID, clipIndex, res.MIMEType)

	var body io.Reader
	size := int64(-1)
	switch {
	case len(res.ResultBytes) > 0:
		body = bytes.NewReader(res.ResultBytes)
		size = int64(len(res.ResultBytes))
	case res.ResultURL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.ResultURL, nil)
		if err != nil {
			return "", err
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("download failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("download status: %d", resp.StatusCode)
		}
		body = resp.Body
		size = resp.ContentLength
	default:
		return "", fmt.Errorf("resourceUrl is empty")
	}

	if _, err := a.client.PutObject(ctx, a.bucket, objectName, body, size, minio.PutObjectOptions{
		ContentType: contentTypeFor(objectName),
	}); err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}
	presigned, err := a.client.PresignedGetObject(ctx, a.bucket, objectName, a.expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}
	slog.Info("Clip archived", "object", objectName, "production", productionID, "clip", clipIndex)
	return presigned.String(), nil
}
