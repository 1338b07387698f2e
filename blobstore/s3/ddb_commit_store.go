package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/lire/blobstore"
)

// CurrentName is the base name of the blobs whose writes are routed through
// DynamoDB. An index copy under "backups/a" keeps its pointer in
// "backups/a/CURRENT".
const CurrentName = "CURRENT"

// ErrConcurrentModification is returned when another writer committed a
// CURRENT of the same directory first.
var ErrConcurrentModification = errors.New("s3: concurrent modification detected")

// DDBClient is the subset of the DynamoDB API used by DDBCommitStore.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DDBCommitStore stores blobs in S3 except CURRENT pointers, which are
// appended as numbered versions to a DynamoDB table with conditional puts.
// S3 offers no compare-and-swap, so two backups racing on one prefix would
// otherwise overwrite each other's pointer without notice.
//
// The table uses base_uri (string) as partition key and version (number)
// as sort key:
//
//	aws dynamodb create-table \
//	  --table-name lire-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	objects *Store
	ddb     DDBClient
	table   string
	baseURI string
}

// NewDDBCommitStore wraps objects. baseURI ("s3://bucket/prefix") namespaces
// the pointers in the table.
func NewDDBCommitStore(objects *Store, ddb DDBClient, table, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		objects: objects,
		ddb:     ddb,
		table:   table,
		baseURI: strings.TrimSuffix(baseURI, "/"),
	}
}

// pointer reports whether name is a CURRENT pointer and returns its
// directory.
func pointer(name string) (string, bool) {
	if path.Base(name) != CurrentName {
		return "", false
	}
	dir := path.Dir(name)
	if dir == "." {
		dir = ""
	}
	return dir, true
}

func (s *DDBCommitStore) namespace(dir string) string {
	if dir == "" {
		return s.baseURI
	}
	return s.baseURI + "/" + dir
}

// Open reads a blob. A CURRENT pointer resolves to its latest version.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	dir, ok := pointer(name)
	if !ok {
		return s.objects.Open(ctx, name)
	}
	version, target, err := s.latest(ctx, dir)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, blobstore.ErrNotFound
	}
	return &pointerBlob{data: []byte(target)}, nil
}

// Put writes a blob. A CURRENT pointer is committed as the next version.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if dir, ok := pointer(name); ok {
		return s.commit(ctx, dir, string(data))
	}
	return s.objects.Put(ctx, name, data)
}

// Create starts a streaming write. A CURRENT pointer is committed on Close.
func (s *DDBCommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if dir, ok := pointer(name); ok {
		return &pointerWriter{ctx: ctx, store: s, dir: dir}, nil
	}
	return s.objects.Create(ctx, name)
}

// Delete removes a blob. Pointer history stays in the table.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	if _, ok := pointer(name); ok {
		return nil
	}
	return s.objects.Delete(ctx, name)
}

// List returns the S3 objects with prefix together with the committed
// pointers of the directories they live in.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.objects.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	dirs := map[string]struct{}{}
	// A backup may hold nothing but its pointer.
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		dirs[strings.TrimSuffix(prefix, "/")] = struct{}{}
	}
	for _, name := range names {
		d := path.Dir(name)
		if d == "." {
			d = ""
		}
		dirs[d] = struct{}{}
	}

	for dir := range dirs {
		name := path.Join(dir, CurrentName)
		if !strings.HasPrefix(name, prefix) || slices.Contains(names, name) {
			continue
		}
		version, _, err := s.latest(ctx, dir)
		if err != nil {
			return nil, err
		}
		if version > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// latest returns the newest committed version of dir's pointer, or 0.
func (s *DDBCommitStore) latest(ctx context.Context, dir string) (uint64, string, error) {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.namespace(dir)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: query commit table: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	v, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: commit item without version")
	}
	target, ok := item["manifest_path"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: commit item without manifest_path")
	}
	version, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("s3: commit item version %q: %w", v.Value, err)
	}
	return version, target.Value, nil
}

// commit appends the next pointer version of dir. It fails with
// ErrConcurrentModification when that version already exists.
func (s *DDBCommitStore) commit(ctx context.Context, dir, target string) error {
	version, _, err := s.latest(ctx, dir)
	if err != nil {
		return err
	}
	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"base_uri":      &types.AttributeValueMemberS{Value: s.namespace(dir)},
			"version":       &types.AttributeValueMemberN{Value: strconv.FormatUint(version+1, 10)},
			"manifest_path": &types.AttributeValueMemberS{Value: target},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	var conflict *types.ConditionalCheckFailedException
	switch {
	case errors.As(err, &conflict):
		return fmt.Errorf("%w: %s", ErrConcurrentModification, s.namespace(dir))
	case err != nil:
		return fmt.Errorf("s3: commit %s: %w", s.namespace(dir), err)
	}
	return nil
}

type pointerBlob struct {
	data []byte
}

func (b *pointerBlob) Close() error { return nil }

func (b *pointerBlob) Size() int64 { return int64(len(b.data)) }

func (b *pointerBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	return bytes.NewReader(b.data).ReadAt(p, off)
}

func (b *pointerBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= int64(len(b.data)) {
		return nil, io.EOF
	}
	end := min(off+length, int64(len(b.data)))
	return io.NopCloser(bytes.NewReader(b.data[off:end])), nil
}

// pointerWriter buffers a streamed pointer and commits it on Close.
type pointerWriter struct {
	ctx   context.Context
	store *DDBCommitStore
	dir   string
	buf   bytes.Buffer
}

func (w *pointerWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *pointerWriter) Sync() error { return nil }

func (w *pointerWriter) Close() error {
	return w.store.commit(w.ctx, w.dir, w.buf.String())
}
