package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore 保存生成产物（导出清单、镜像的图片/视频），返回可访问的地址
type ArtifactStore interface {
	Put(ctx context.Context, objectName string, reader io.Reader, size int64) (string, error)
}

// MinIOStore 把产物上传到 MinIO，返回预签名 URL
type MinIOStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration

	// 只缓存成功的检查，失败后下次上传重试
	bucketMu    sync.Mutex
	bucketReady bool
}

func NewMinIOStore(endpoint, accessKey, secretKey, bucket string, useSSL bool, expiry time.Duration) (*MinIOStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIO 初始化失败: %w", err)
	}
	if expiry <= 0 {
		expiry = 72 * time.Hour
	}
	return &MinIOStore{client: client, bucket: bucket, expiry: expiry}, nil
}

// ensureBucket 上传前检查 Bucket，不存在则创建
func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Printf("[Storage] bucket '%s' 已创建", s.bucket)
	}
	s.bucketReady = true
	return nil
}

func (s *MinIOStore) Put(ctx context.Context, objectName string, reader io.Reader, size int64) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentTypeFor(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, s.expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}
	log.Printf("[Storage] 文件已上传: %s", objectName)
	return presigned.String(), nil
}

// LocalStore 把产物写到本地目录，适合单机使用
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalStore{dir: abs}, nil
}

func (s *LocalStore) Put(ctx context.Context, objectName string, reader io.Reader, size int64) (string, error) {
	clean := path.Clean("/" + objectName)
	if clean == "/" {
		return "", fmt.Errorf("invalid object name %q", objectName)
	}
	target := filepath.Join(s.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, contextReader{ctx: ctx, r: reader}); err != nil {
		f.Close()
		os.Remove(target)
		return "", fmt.Errorf("write %s: %w", objectName, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// 根据文件扩展名确定 ContentType
func contentTypeFor(objectName string) string {
	switch strings.ToLower(filepath.Ext(objectName)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

// mirrorArtifact 下载 provider 返回的资源并转存到 store
func mirrorArtifact(ctx context.Context, store ArtifactStore, sourceURL, objectName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}
	return store.Put(ctx, objectName, resp.Body, resp.ContentLength)
}

// putBytes 上传一段内存数据
func putBytes(ctx context.Context, store ArtifactStore, objectName string, data []byte) (string, error) {
	return store.Put(ctx, objectName, bytes.NewReader(data), int64(len(data)))
}

// artifactExt 从 URL 推断扩展名，推断不出时使用 fallback
func artifactExt(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	return fallback
}
