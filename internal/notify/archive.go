package notify

import (
	"context"
	"fmt"
	"strings"

	"diet-report/internal/models"
	"diet-report/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive copies ready report content to S3.
type Archive struct {
	client s3API
	bucket string
	logger *logger.Logger
}

func NewArchive(cfg aws.Config, bucket string, log *logger.Logger) *Archive {
	return &Archive{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		logger: log.Named("archive"),
	}
}

func (a *Archive) Name() string { return "s3-archive" }

// ArchiveKey is the object key of a report: reports/<yyyy>/<mm>/<id>.html.
func ArchiveKey(r *models.Report) string {
	return fmt.Sprintf("reports/%s/%s.html", r.CreatedAt.UTC().Format("2006/01"), r.ID)
}

func (a *Archive) ReportReady(ctx context.Context, r *models.Report, _ models.Profile) error {
	key := ArchiveKey(r)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 strings.NewReader(r.Content),
		ContentType:          aws.String("text/html; charset=utf-8"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"session":      r.SessionToken,
			"confirmation": r.ConfirmationID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	a.logger.Infow("Report archived", "report", r.ID, "bucket", a.bucket, "key", key)
	return nil
}
