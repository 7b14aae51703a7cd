package bulletin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
)

const contentTypeJSON = "application/json"

// S3Config controls the S3 bulletin board
// static credentials win over the environment chain when both are set
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	Insecure       bool
	ForcePathStyle bool
	Node           types.NodeID
	IsLeader       LeaderFunc
	Logger         zerolog.Logger
}

// S3Board keeps partitions as objects:
//
//	<prefix>/<key>/units/<node>   node partitions
//	<prefix>/<key>/leader         leader partition
type S3Board struct {
	client   *minio.Client
	bucket   string
	prefix   string
	node     types.NodeID
	isLeader LeaderFunc
	log      zerolog.Logger
}

var _ Board = (*S3Board)(nil)

func NewS3Board(cfg S3Config) (*S3Board, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 board: bucket is required")
	}
	if cfg.Node == "" {
		return nil, fmt.Errorf("s3 board: node id is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}

	return &S3Board{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		node:     cfg.Node,
		isLeader: cfg.IsLeader,
		log:      cfg.Logger,
	}, nil
}

func (s *S3Board) unitsPrefix(key string) string {
	return path.Join(s.prefix, key, "units") + "/"
}

func (s *S3Board) WriteLocal(ctx context.Context, key string, data []byte) error {
	return s.put(ctx, s.unitsPrefix(key)+string(s.node), data)
}

func (s *S3Board) ReadAll(ctx context.Context, key string) (map[types.NodeID][]byte, error) {
	prefix := s.unitsPrefix(key)
	out := make(map[types.NodeID][]byte)
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, types.NewTransientError("s3 list", object.Err)
		}
		node := strings.TrimPrefix(object.Key, prefix)
		if node == "" || strings.Contains(node, "/") {
			continue
		}
		data, err := s.get(ctx, object.Key)
		if err != nil {
			return nil, err
		}
		// departed between list and get
		if data == nil {
			continue
		}
		out[types.NodeID(node)] = data
	}
	return out, nil
}

func (s *S3Board) WriteLeaderPartition(ctx context.Context, key string, data []byte) error {
	if err := checkLeader(s.isLeader); err != nil {
		return err
	}
	return s.put(ctx, path.Join(s.prefix, key, "leader"), data)
}

func (s *S3Board) ReadLeaderPartition(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, path.Join(s.prefix, key, "leader"))
}

func (s *S3Board) put(ctx context.Context, object string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentTypeJSON})
	if err != nil {
		return types.NewTransientError("s3 put", err)
	}
	s.log.Debug().Str("object", object).Int("bytes", len(data)).Msg("s3 board write")
	return nil
}

// returns nil data for a missing object
func (s *S3Board) get(ctx context.Context, object string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, types.NewTransientError("s3 get", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, types.NewTransientError("s3 read", err)
	}
	return data, nil
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return false
}
