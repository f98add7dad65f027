package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

const listPage = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>vault</Name><Prefix>files/</Prefix><KeyCount>1</KeyCount><MaxKeys>1</MaxKeys>
<IsTruncated>%t</IsTruncated>%s
<Contents><Key>%s</Key><Size>3</Size><ETag>"e1"</ETag><StorageClass>%s</StorageClass>
<LastModified>2026-01-01T00:00:00.000Z</LastModified></Contents>
</ListBucketResult>`

func s3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><RequestId>r1</RequestId></Error>`, code, code)
}

// fakeS3 serves a path-style bucket named vault.
func fakeS3(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/vault"), "/")

		switch {
		case key == "" && r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
			w.Header().Set("Content-Type", "application/xml")
			if r.URL.Query().Get("continuation-token") == "page-2" {
				fmt.Fprintf(w, listPage, false, "", "files/b", "GLACIER")
				return
			}
			fmt.Fprintf(w, listPage, true, "<NextContinuationToken>page-2</NextContinuationToken>", "files/a", "STANDARD_IA")
		case key == "present.txt" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("ETag", `"abc"`)
			w.Header().Set("Content-Length", "5")
			if r.Method == http.MethodGet {
				_, _ = w.Write([]byte("hello"))
			}
		case key == "forbidden.txt":
			s3Error(w, http.StatusForbidden, "AccessDenied")
		case r.Method == http.MethodPut:
			w.Header().Set("ETag", `"put-etag"`)
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		default:
			s3Error(w, http.StatusNotFound, "NoSuchKey")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestS3(t *testing.T) *S3 {
	t.Helper()
	srv := fakeS3(t)
	s, err := NewS3(context.Background(), models.S3Config{
		Bucket:    "vault",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "test-access",
		SecretKey: "test-secret",
		PathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	return s
}

func TestS3Err(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"no such key code", &smithy.GenericAPIError{Code: "NoSuchKey"}, apperr.KindNotFound},
		{"no such version", &smithy.GenericAPIError{Code: "NoSuchVersion"}, apperr.KindNotFound},
		{"typed not found", &types.NotFound{}, apperr.KindNotFound},
		{"typed no such key", &types.NoSuchKey{}, apperr.KindNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, apperr.KindStorageUnavailable},
		{"transport", errors.New("connection reset"), apperr.KindStorageUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := apperr.KindOf(s3Err("provider.Test", tc.err)); got != tc.want {
				t.Errorf("kind = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestS3Objects(t *testing.T) {
	s := newTestS3(t)
	ctx := context.Background()

	up, err := s.Upload(ctx, "files/new.txt", []byte("data"), "text/plain", map[string]string{"file-id": "1"})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if up.ETag != "put-etag" || up.Size != 4 {
		t.Errorf("upload = %+v", up)
	}

	dl, err := s.Download(ctx, "present.txt", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(dl.Data) != "hello" || dl.ContentType != "text/plain" || dl.ETag != "abc" {
		t.Errorf("download = %+v", dl)
	}
	if _, err := s.Download(ctx, "missing.txt", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Download missing: err = %v", err)
	}

	if ok, err := s.Exists(ctx, "present.txt"); err != nil || !ok {
		t.Errorf("Exists present = %v, %v", ok, err)
	}
	if ok, err := s.Exists(ctx, "missing.txt"); err != nil || ok {
		t.Errorf("Exists missing = %v, %v", ok, err)
	}

	if err := s.Delete(ctx, "missing.txt", ""); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
	if err := s.Delete(ctx, "forbidden.txt", ""); !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Errorf("Delete forbidden: err = %v", err)
	}
}

func TestS3ListPages(t *testing.T) {
	s := newTestS3(t)
	ctx := context.Background()

	first, err := s.List(ctx, "files/", 1, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(first.Items) != 1 || first.Items[0].Key != "files/a" || first.NextPageToken != "page-2" {
		t.Fatalf("first page = %+v", first)
	}
	if first.Items[0].Tier != models.TierInfrequentAccess || first.Items[0].ETag != "e1" {
		t.Errorf("first item = %+v", first.Items[0])
	}

	last, err := s.List(ctx, "files/", 1, first.NextPageToken)
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(last.Items) != 1 || last.Items[0].Key != "files/b" || last.NextPageToken != "" {
		t.Errorf("last page = %+v", last)
	}
	if last.Items[0].Tier != models.TierArchive {
		t.Errorf("tier = %s", last.Items[0].Tier)
	}
}

func TestS3SignedURL(t *testing.T) {
	s := newTestS3(t)
	ctx := context.Background()

	for _, ttl := range []time.Duration{0, -time.Minute} {
		if _, err := s.SignedURL(ctx, "present.txt", SignOptions{TTL: ttl}); !errors.Is(err, apperr.ErrValidationFailed) {
			t.Errorf("ttl %v: err = %v", ttl, err)
		}
	}

	raw, err := s.SignedURL(ctx, "files/a b.txt", SignOptions{
		TTL: 15 * time.Minute, Disposition: DispositionAttachment, Filename: "a b.txt",
	})
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	for _, want := range []string{"/vault/files/a%20b.txt", "X-Amz-Expires=900", "X-Amz-Signature=", "response-content-disposition="} {
		if !strings.Contains(raw, want) {
			t.Errorf("signed url %s lacks %s", raw, want)
		}
	}

	put, err := s.SignedURL(ctx, "files/up.txt", SignOptions{TTL: time.Minute, Operation: OpPut, ContentType: "text/plain"})
	if err != nil || !strings.Contains(put, "X-Amz-Expires=60") {
		t.Errorf("put url = %s, %v", put, err)
	}
}
