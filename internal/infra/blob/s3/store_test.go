package s3

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"corefacility/internal/blob/core"
)

// fakeS3 answers the path-style subset of the S3 API the store uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	body        []byte
	contentType string
}

func respond(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Header: header, Body: io.NopCloser(strings.NewReader(body)), ContentLength: int64(len(body))}
}

// decodeAWSChunked strips aws-chunked framing: <hex>[;ext]\r\n<data>\r\n ... 0\r\n
func decodeAWSChunked(b []byte) []byte {
	var out bytes.Buffer
	r := bufio.NewReader(bytes.NewReader(b))
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return out.Bytes()
		}
		size, err := strconv.ParseInt(strings.TrimSpace(strings.SplitN(line, ";", 2)[0]), 16, 64)
		if err != nil || size == 0 {
			return out.Bytes()
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return out.Bytes()
		}
		out.Write(chunk)
		_, _ = r.ReadString('\n')
	}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	switch {
	case req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2":
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><ETag>&quot;e&quot;</ETag><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k].body))
		}
		b.WriteString("</ListBucketResult>")
		return respond(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}}), nil
	case req.Method == http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			return respond(http.StatusNotFound, "", nil), nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {`"etag-` + key + `"`},
			"Last-Modified":  {time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)},
		}}, nil
	case req.Method == http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			return respond(http.StatusNotFound, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`,
				http.Header{"Content-Type": {"application/xml"}}), nil
		}
		return respond(http.StatusOK, string(obj.body), http.Header{"Content-Type": {obj.contentType}}), nil
	case req.Method == http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") {
			body = decodeAWSChunked(body)
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type")}
		return respond(http.StatusOK, "", http.Header{"Etag": {`"etag"`}}), nil
	case req.Method == http.MethodDelete:
		delete(f.objects, key)
		return respond(http.StatusNoContent, "", nil), nil
	}
	return respond(http.StatusNotImplemented, "", nil), nil
}

func newFakeStore(t *testing.T) *Store {
	t.Helper()
	fake := &fakeS3{objects: make(map[string]fakeObject)}
	s, err := New(context.Background(), Config{
		Bucket:          "corefacility",
		Endpoint:        "https://s3.fake.local",
		PathStyle:       true,
		AccessKeyID:     "AKIDTEST",
		SecretAccessKey: "secret",
		HTTPClient:      &http.Client{Transport: fake},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestS3PutStatOpen(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore(t)
	obj, err := s.Put(ctx, "project_4_avatar.png", strings.NewReader("avatar"), core.PutOptions{ContentType: "image/png"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if obj.Size != 6 || obj.ContentType != "image/png" || obj.ETag != "etag-project_4_avatar.png" {
		t.Fatalf("unexpected object %+v", obj)
	}
	if _, err := s.Put(ctx, "project_4_avatar.png", strings.NewReader("again"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	_, rc, err := s.Open(ctx, "project_4_avatar.png")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "avatar" {
		t.Fatalf("expected avatar body, got %q", body)
	}
	if _, _, err := s.Open(ctx, "missing.png"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3DeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore(t)
	for _, k := range []string{"user_2_avatar.png", "user_1_avatar.png", "group_1_logo.svg"} {
		if _, err := s.Put(ctx, k, bytes.NewReader([]byte(k)), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	objs, err := s.List(ctx, "user_")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objs) != 2 || objs[0].Key != "user_1_avatar.png" {
		t.Fatalf("unexpected listing %+v", objs)
	}
	existed, err := s.Delete(ctx, "user_1_avatar.png")
	if err != nil || !existed {
		t.Fatalf("expected delete of existing blob, got %v %v", existed, err)
	}
	existed, err = s.Delete(ctx, "user_1_avatar.png")
	if err != nil || existed {
		t.Fatalf("expected missing blob delete to report false, got %v %v", existed, err)
	}
}

func TestS3PresignedURL(t *testing.T) {
	s := newFakeStore(t)
	u, err := s.URL(context.Background(), "user_1_avatar.png", time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(u, "/corefacility/user_1_avatar.png") || !strings.Contains(u, "X-Amz-Signature") {
		t.Fatalf("unexpected presigned url %s", u)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected missing bucket error")
	}
}
