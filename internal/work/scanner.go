package work

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/tabulate-labs/tabulator/internal/config"
	"github.com/tabulate-labs/tabulator/internal/artifact"
	"github.com/tabulate-labs/tabulator/internal/engine"
	"github.com/tabulate-labs/tabulator/internal/registry"
)

// Source abstracts where raw files live so the discovery and parse executors
// work over a local directory or an S3-compatible bucket alike.
type Source interface {
	// List returns the tabular files under root.
	List(ctx context.Context, root string) ([]artifact.FileEntry, error)
	// Open returns a reader for one file.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// LocalSource reads files from the local filesystem.
type LocalSource struct{}

func (LocalSource) List(_ context.Context, root string) ([]artifact.FileEntry, error) {
	var files []artifact.FileEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isTabular(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, artifact.FileEntry{Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

func (LocalSource) Open(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// S3Source lists and reads files from an S3-compatible bucket. Works with
// both AWS S3 and MinIO.
type S3Source struct {
	client *s3.Client
	bucket string
}

func NewS3Source(cfg appconfig.S3Config) (*S3Source, error) {
	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	return &S3Source{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Source) List(ctx context.Context, root string) ([]artifact.FileEntry, error) {
	var files []artifact.FileEntry

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &root,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			key := *obj.Key
			// Skip "directory" markers
			if strings.HasSuffix(key, "/") || !isTabular(key) {
				continue
			}
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			files = append(files, artifact.FileEntry{Path: key, Size: size})
		}
	}
	return files, nil
}

func (s *S3Source) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &path,
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	return resp.Body, nil
}

func isTabular(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		return true
	default:
		return false
	}
}

// DiscoveryExecutor scans the source for tabular files and reports one table
// per file.
type DiscoveryExecutor struct {
	src Source
}

func NewDiscoveryExecutor(src Source) *DiscoveryExecutor {
	return &DiscoveryExecutor{src: src}
}

func (e *DiscoveryExecutor) Stage() registry.StageID { return registry.StageDiscovery }

func (e *DiscoveryExecutor) Execute(ctx context.Context, task StageTask, rep Reporter) ([]byte, error) {
	root := task.Params["root"]
	if root == "" {
		return nil, fmt.Errorf("discovery task missing root param")
	}

	files, err := e.src.List(ctx, root)
	if err != nil {
		return nil, err
	}

	payload := artifact.DiscoveryPayload{}
	for i, f := range files {
		if rep.Cancelled(ctx) {
			return nil, ErrCancelled
		}
		payload.Tables = append(payload.Tables, artifact.TableMeta{
			File: f.Path,
			Name: tableName(f.Path),
		})
		if err := rep.Progress(ctx, engine.Progress{
			ProcessedFiles: i + 1,
			TotalFiles:     len(files),
		}); err != nil {
			return nil, err
		}
	}

	return json.Marshal(payload)
}

// ParseExecutor extracts row counts from every tabular file under root,
// reporting incremental progress.
type ParseExecutor struct {
	src Source
}

func NewParseExecutor(src Source) *ParseExecutor {
	return &ParseExecutor{src: src}
}

func (e *ParseExecutor) Stage() registry.StageID { return registry.StageParse }

func (e *ParseExecutor) Execute(ctx context.Context, task StageTask, rep Reporter) ([]byte, error) {
	root := task.Params["root"]
	if root == "" {
		return nil, fmt.Errorf("parse task missing root param")
	}

	files, err := e.src.List(ctx, root)
	if err != nil {
		return nil, err
	}

	payload := artifact.ParsePayload{}
	totalRows := 0
	for i, f := range files {
		if rep.Cancelled(ctx) {
			return nil, ErrCancelled
		}

		rows, err := e.countRows(ctx, f.Path)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.Path, err)
		}
		totalRows += rows
		payload.Tables = append(payload.Tables, artifact.TableCount{
			Name: tableName(f.Path),
			Rows: rows,
		})

		if err := rep.Progress(ctx, engine.Progress{
			ProcessedFiles: i + 1,
			TotalFiles:     len(files),
			ProcessedRows:  totalRows,
		}); err != nil {
			return nil, err
		}
	}
	payload.RowCount = totalRows

	return json.Marshal(payload)
}

func (e *ParseExecutor) countRows(ctx context.Context, path string) (int, error) {
	rc, err := e.src.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		r.Comma = '\t'
	}

	rows := 0
	header := true
	for {
		if _, err := r.Read(); err != nil {
			if err == io.EOF {
				break
			}
			return 0, err
		}
		if header {
			header = false
			continue
		}
		rows++
	}
	return rows, nil
}

func tableName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
