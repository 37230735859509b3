// Package objectstore stores invoice images and rendered spreadsheets in
// S3 and mints short-lived presigned download links for them.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Kind selects the object category being stored; it decides the key
// extension and content type.
type Kind string

const (
	KindJPEG  Kind = "jpg"
	KindPNG   Kind = "png"
	KindWebP  Kind = "webp"
	KindExcel Kind = "xlsx"
)

const keyPrefix = "microservice-uploads"

// KindForContentType maps an inbound media content type to a storage kind.
func KindForContentType(ct string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(ct)) {
	case "image/jpeg", "image/jpg":
		return KindJPEG, true
	case "image/png":
		return KindPNG, true
	case "image/webp":
		return KindWebP, true
	default:
		return "", false
	}
}

func (k Kind) contentType() string {
	switch k {
	case KindJPEG:
		return "image/jpeg"
	case KindPNG:
		return "image/png"
	case KindWebP:
		return "image/webp"
	case KindExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error)
}

// presignClient adapts *s3.PresignClient to presignAPI.
type presignClient struct {
	inner *s3.PresignClient
}

type v4PresignedRequest struct {
	URL string
}

func (p *presignClient) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	req, err := p.inner.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedRequest{URL: req.URL}, nil
}

// Store uploads, deletes, and presigns objects in one bucket.
type Store struct {
	api        s3API
	presigner  presignAPI
	bucket     string
	presignTTL time.Duration
}

// New loads the default AWS config chain and wires a Store over bucket.
func New(ctx context.Context, bucket string, presignTTL time.Duration) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return newWithAPI(client, &presignClient{inner: s3.NewPresignClient(client)}, bucket, presignTTL), nil
}

func newWithAPI(api s3API, presigner presignAPI, bucket string, presignTTL time.Duration) *Store {
	if presignTTL <= 0 {
		presignTTL = 10 * time.Minute
	}
	return &Store{api: api, presigner: presigner, bucket: bucket, presignTTL: presignTTL}
}

// Put uploads data under a fresh key derived from the owner identity and
// returns the object key.
func (s *Store) Put(ctx context.Context, ownerKey string, data []byte, kind Kind) (string, error) {
	key := objectKey(ownerKey, kind)
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(kind.contentType()),
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return key, nil
}

// Presign mints a time-limited GET URL for the stored object. pathOrURL may
// be a raw key or a previously minted https URL.
func (s *Store) Presign(ctx context.Context, pathOrURL string) (string, error) {
	key := normalizeKey(pathOrURL)
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String("attachment"),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Delete removes the object. Used to clean up uploads the extraction step
// later rejected.
func (s *Store) Delete(ctx context.Context, pathOrURL string) error {
	key := normalizeKey(pathOrURL)
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// objectKey builds <prefix>/<digits>/<digits>_<8 hex>.<ext> so every owner
// gets their own folder and repeat uploads never collide.
func objectKey(ownerKey string, kind Kind) string {
	ident := sanitizeIdentity(ownerKey)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s/%s/%s_%s.%s", keyPrefix, ident, ident, suffix, kind)
}

// sanitizeIdentity strips everything but digits from a sender identity
// ("whatsapp:+30691..." becomes "30691...").
func sanitizeIdentity(ownerKey string) string {
	var b strings.Builder
	for _, r := range ownerKey {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

func normalizeKey(pathOrURL string) string {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		if u, err := url.Parse(pathOrURL); err == nil {
			return strings.TrimPrefix(u.Path, "/")
		}
	}
	return strings.TrimPrefix(pathOrURL, "/")
}
