package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/fly-io/imagemeta/pkg/errors"
)

type fakeS3 struct {
	objects   map[string][]byte
	failFirst int
	gets      int
	listed    []string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gets++
	if f.gets <= f.failFirst {
		return nil, fmt.Errorf("connection reset by peer")
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listed = append(f.listed, aws.ToString(in.Prefix))
	var contents []types.Object
	for key, data := range f.objects {
		contents = append(contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(data))),
			ETag: aws.String(`"` + fmt.Sprintf("etag-%d", len(data)) + `"`),
		})
	}
	return &s3.ListObjectsV2Output{Contents: contents, IsTruncated: aws.Bool(false)}, nil
}

func newTestClient(api API, retries uint64) *Client {
	return NewWithAPI(api, Options{
		Bucket:        "bucket",
		Container:     "images-input",
		MaxRetries:    retries,
		RetryInterval: time.Millisecond,
	})
}

func TestClient_Key(t *testing.T) {
	c := newTestClient(&fakeS3{}, 0)
	if got := c.Key("photo.png"); got != "images-input/photo.png" {
		t.Errorf("Key() = %q", got)
	}

	bare := NewWithAPI(&fakeS3{}, Options{Bucket: "bucket"})
	if got := bare.Key("photo.png"); got != "photo.png" {
		t.Errorf("Key() without container = %q", got)
	}
}

func TestClient_FetchRetriesTransientErrors(t *testing.T) {
	api := &fakeS3{
		objects:   map[string][]byte{"images-input/photo.png": []byte("data")},
		failFirst: 2,
	}
	c := newTestClient(api, 3)

	data, err := c.Fetch(context.Background(), "photo.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("got %q", data)
	}
	if api.gets != 3 {
		t.Errorf("expected 3 attempts, got %d", api.gets)
	}
}

func TestClient_FetchGivesUpAfterMaxRetries(t *testing.T) {
	api := &fakeS3{
		objects:   map[string][]byte{"images-input/photo.png": []byte("data")},
		failFirst: 10,
	}
	c := newTestClient(api, 2)

	_, err := c.Fetch(context.Background(), "photo.png")
	if errors.KindOf(err) != errors.KindDownload {
		t.Fatalf("expected download error, got %v", err)
	}
	if api.gets != 3 {
		t.Errorf("expected 1 attempt plus 2 retries, got %d", api.gets)
	}
}

func TestClient_FetchMissingIsNotRetried(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{}}
	c := newTestClient(api, 5)

	_, err := c.Fetch(context.Background(), "missing.png")
	if errors.KindOf(err) != errors.KindDownload {
		t.Fatalf("expected download error, got %v", err)
	}
	var nsk *types.NoSuchKey
	if !errors.As(err, &nsk) {
		t.Errorf("expected NoSuchKey in chain, got %v", err)
	}
	if api.gets != 1 {
		t.Errorf("expected a single attempt, got %d", api.gets)
	}
}

func TestClient_FetchCapsBody(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{"images-input/big.png": make([]byte, 100)}}
	c := NewWithAPI(api, Options{Bucket: "bucket", Container: "images-input", MaxObjectSize: 10})

	data, err := c.Fetch(context.Background(), "big.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) != 11 {
		t.Errorf("expected limit+1 bytes, got %d", len(data))
	}
}

func TestClient_ListObjects(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{
		"images-input/a.png": []byte("aaaa"),
		"images-input/":      nil,
	}}
	c := newTestClient(api, 0)

	objects, err := c.ListObjects(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.listed) != 1 || api.listed[0] != "images-input/" {
		t.Errorf("unexpected list prefix: %v", api.listed)
	}
	if len(objects) != 1 {
		t.Fatalf("expected directory marker to be skipped, got %+v", objects)
	}
	if objects[0].Key != "images-input/a.png" || objects[0].Size != 4 || objects[0].ETag != "etag-4" {
		t.Errorf("unexpected object: %+v", objects[0])
	}
}

func TestClient_Exists(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{"images-input/a.png": nil}}
	c := newTestClient(api, 0)

	ok, err := c.Exists(context.Background(), "a.png")
	if err != nil || !ok {
		t.Errorf("expected a.png to exist, got %v, %v", ok, err)
	}

	ok, err = c.Exists(context.Background(), "b.png")
	if err != nil || ok {
		t.Errorf("expected b.png to be missing, got %v, %v", ok, err)
	}
}
