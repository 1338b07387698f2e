package s3

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lire/blobstore"
)

// commitTable is an in-memory DynamoDB table keyed by (base_uri, version).
type commitTable struct {
	mu    sync.Mutex
	items map[string]map[uint64]string
	// stale makes Query report no versions, as a reader that lost a race
	// would see.
	stale bool
}

func newCommitTable() *commitTable {
	return &commitTable{items: map[string]map[uint64]string{}}
}

func (c *commitTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	uri := in.Item["base_uri"].(*ddbtypes.AttributeValueMemberS).Value
	version, err := strconv.ParseUint(in.Item["version"].(*ddbtypes.AttributeValueMemberN).Value, 10, 64)
	if err != nil {
		return nil, err
	}
	if c.items[uri] == nil {
		c.items[uri] = map[uint64]string{}
	}
	if _, ok := c.items[uri][version]; ok && aws.ToString(in.ConditionExpression) == "attribute_not_exists(version)" {
		return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("version exists")}
	}
	c.items[uri][version] = in.Item["manifest_path"].(*ddbtypes.AttributeValueMemberS).Value
	return &dynamodb.PutItemOutput{}, nil
}

func (c *commitTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	uri := in.ExpressionAttributeValues[":uri"].(*ddbtypes.AttributeValueMemberS).Value
	versions := c.items[uri]
	if c.stale || len(versions) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	var newest uint64
	for v := range versions {
		newest = max(newest, v)
	}
	return &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{{
		"base_uri":      &ddbtypes.AttributeValueMemberS{Value: uri},
		"version":       &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(newest, 10)},
		"manifest_path": &ddbtypes.AttributeValueMemberS{Value: versions[newest]},
	}}}, nil
}

func (c *commitTable) namespaces() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for uri := range c.items {
		out = append(out, uri)
	}
	slices.Sort(out)
	return out
}

func newCommitStore(t *testing.T, table *commitTable, objects ...string) (*DDBCommitStore, *MockS3Client) {
	t.Helper()
	client := new(MockS3Client)
	contents := make([]types.Object, len(objects))
	for i, o := range objects {
		contents[i] = types.Object{Key: aws.String("root/" + o)}
	}
	client.On("ListObjectsV2", mock.Anything, mock.Anything).Return(&s3.ListObjectsV2Output{Contents: contents}, nil).Maybe()
	return NewDDBCommitStore(NewStore(client, "bucket", "root/"), table, "lire-commits", "s3://bucket/root/"), client
}

func readPointer(t *testing.T, store blobstore.BlobStore, name string) string {
	t.Helper()
	got, err := blobstore.ReadAll(context.Background(), store, name)
	require.NoError(t, err)
	return string(got)
}

func TestDDBCommitStore_Versions(t *testing.T) {
	ctx := context.Background()
	store, _ := newCommitStore(t, newCommitTable())

	_, err := store.Open(ctx, CurrentName)
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	for i := 1; i <= 12; i++ {
		require.NoError(t, store.Put(ctx, CurrentName, []byte(fmt.Sprintf("MANIFEST-%06d.bin", i))))
	}
	assert.Equal(t, "MANIFEST-000012.bin", readPointer(t, store, CurrentName))

	w, err := store.Create(ctx, CurrentName)
	require.NoError(t, err)
	_, err = w.Write([]byte("MANIFEST-000013.bin"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	// Pointer history is never deleted.
	require.NoError(t, store.Delete(ctx, CurrentName))
	assert.Equal(t, "MANIFEST-000013.bin", readPointer(t, store, CurrentName))
}

func TestDDBCommitStore_PrefixedPointers(t *testing.T) {
	ctx := context.Background()
	table := newCommitTable()
	store, _ := newCommitStore(t, table)

	require.NoError(t, store.Put(ctx, "backups/a/CURRENT", []byte("MANIFEST-000001.bin")))
	require.NoError(t, store.Put(ctx, "backups/b/CURRENT", []byte("MANIFEST-000009.bin")))

	assert.Equal(t, "MANIFEST-000001.bin", readPointer(t, store, "backups/a/CURRENT"))
	assert.Equal(t, "MANIFEST-000009.bin", readPointer(t, store, "backups/b/CURRENT"))
	_, err := store.Open(ctx, CurrentName)
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	assert.Equal(t, []string{"s3://bucket/root/backups/a", "s3://bucket/root/backups/b"}, table.namespaces())
}

func TestDDBCommitStore_ListIncludesPointers(t *testing.T) {
	ctx := context.Background()
	table := newCommitTable()
	store, _ := newCommitStore(t, table,
		"backups/a/MANIFEST-000004.bin",
		"backups/a/blocks-000000.dat",
		"backups/b/blocks-000000.dat",
	)
	require.NoError(t, store.Put(ctx, "backups/a/CURRENT", []byte("MANIFEST-000004.bin")))

	names, err := store.List(ctx, "backups/a/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"backups/a/CURRENT",
		"backups/a/MANIFEST-000004.bin",
		"backups/a/blocks-000000.dat",
	}, names)

	// Directories without a committed pointer list only their objects.
	names, err = store.List(ctx, "backups/b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"backups/b/blocks-000000.dat"}, names)
}

func TestDDBCommitStore_Conflict(t *testing.T) {
	ctx := context.Background()
	table := newCommitTable()
	store, _ := newCommitStore(t, table)

	require.NoError(t, store.Put(ctx, CurrentName, []byte("MANIFEST-000001.bin")))

	// A writer that has not seen version 1 tries to commit it again.
	table.stale = true
	err := store.Put(ctx, CurrentName, []byte("MANIFEST-000002.bin"))
	require.ErrorIs(t, err, ErrConcurrentModification)

	table.stale = false
	assert.Equal(t, "MANIFEST-000001.bin", readPointer(t, store, CurrentName))
}

func TestDDBCommitStore_ObjectsGoToS3(t *testing.T) {
	ctx := context.Background()
	store, client := newCommitStore(t, newCommitTable())

	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == "root/backups/a/MANIFEST-000001.bin"
	})).Return(&s3.PutObjectOutput{}, nil).Once()
	client.On("DeleteObject", mock.Anything, mock.MatchedBy(func(in *s3.DeleteObjectInput) bool {
		return aws.ToString(in.Key) == "root/backups/a/MANIFEST-000001.bin"
	})).Return(&s3.DeleteObjectOutput{}, nil).Once()

	require.NoError(t, store.Put(ctx, "backups/a/MANIFEST-000001.bin", []byte("m")))
	require.NoError(t, store.Delete(ctx, "backups/a/MANIFEST-000001.bin"))
	client.AssertExpectations(t)
}
