package drive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/asmolin/cloudvert/internal/common"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3Drive serves drives hosted on S3-compatible storage (MinIO included).
// Item ids are object keys; a "folder" is a key prefix. Authentication is
// configured up front, so the per-call token is ignored.
type S3Drive struct {
	region       string
	accessKey    string
	secretKey    string
	baseEndpoint string
	bucket       string
}

func NewS3Drive(region, accessKey, secretKey, baseEndpoint, bucket string) *S3Drive {
	return &S3Drive{
		region:       region,
		accessKey:    accessKey,
		secretKey:    secretKey,
		baseEndpoint: baseEndpoint,
		bucket:       bucket,
	}
}

func (d *S3Drive) getClient(ctx context.Context) (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(d.region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			d.accessKey,
			d.secretKey,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if d.baseEndpoint != "" {
			o.BaseEndpoint = aws.String(d.baseEndpoint)
		}
		o.UsePathStyle = true
	})
	return client, nil
}

func (d *S3Drive) Stat(ctx context.Context, _ string, itemID string) (*Item, error) {
	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(itemID),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: stat %s: %w", itemID, common.ErrorNotFound)
	}

	var size int64
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	return &Item{
		ID:       itemID,
		Name:     path.Base(itemID),
		ParentID: path.Dir(itemID),
		Size:     size,
	}, nil
}

func (d *S3Drive) List(ctx context.Context, _ string, itemID string) ([]Item, error) {
	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(itemID, "/")
	if prefix != "" {
		prefix += "/"
	}

	var items []Item
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", itemID, err)
		}

		for _, cp := range page.CommonPrefixes {
			key := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			items = append(items, Item{
				ID:       key,
				Name:     path.Base(key),
				ParentID: strings.TrimSuffix(prefix, "/"),
				Folder:   true,
			})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue
			}
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			items = append(items, Item{
				ID:       key,
				Name:     path.Base(key),
				ParentID: strings.TrimSuffix(prefix, "/"),
				Size:     size,
			})
		}
	}
	return items, nil
}

// ItemByPath resolves a slash path; on S3 a path already is the key.
func (d *S3Drive) ItemByPath(ctx context.Context, token, p string) (*Item, error) {
	return d.Stat(ctx, token, strings.Trim(p, "/"))
}

func (d *S3Drive) Download(ctx context.Context, _ string, itemID, destDir string, onProgress ProgressFunc) (string, error) {
	client, err := d.getClient(ctx)
	if err != nil {
		return "", err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(itemID),
	})
	if err != nil {
		return "", fmt.Errorf("s3: download %s: %w", itemID, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	localPath := filepath.Join(destDir, fmt.Sprintf("%s-%s", pathSafe(path.Dir(itemID)), path.Base(itemID)))

	f, err := os.Create(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	report(onProgress, 0)
	var total int64
	if out.ContentLength != nil {
		total = *out.ContentLength
	}

	var written int64
	buf := make([]byte, 1<<20)
	for {
		n, rerr := out.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return "", werr
			}
			written += int64(n)
			if total > 0 {
				report(onProgress, int(written*100/total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("s3: download %s: %w", itemID, rerr)
		}
	}

	report(onProgress, 100)
	return localPath, nil
}

func (d *S3Drive) Upload(ctx context.Context, _ string, parentID, localPath string, onProgress ProgressFunc) error {
	client, err := d.getClient(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	report(onProgress, 0)
	key := path.Join(parentID, filepath.Base(localPath))
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3: upload %s: %w", key, err)
	}
	report(onProgress, 100)
	return nil
}

// pathSafe flattens a key prefix into a single filename component.
func pathSafe(p string) string {
	return strings.ReplaceAll(strings.Trim(p, "/."), "/", "_")
}
