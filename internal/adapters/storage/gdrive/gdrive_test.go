package gdrive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"broll/internal/ports"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ds, err := drive.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("drive.NewService: %v", err)
	}
	return NewClient(ds, "folder-1")
}

func TestPutObjectReturnsFileID(t *testing.T) {
	var gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "file-123"})
	})

	out, err := c.PutObject(context.Background(), ports.PutObjectInput{
		ObjectKey:   "renders/job-1/output.mp4",
		ContentType: "video/mp4",
		Reader:      strings.NewReader("mp4data"),
		Size:        7,
	})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if out.ObjectKey != "file-123" {
		t.Errorf("ObjectKey = %q, want drive file id", out.ObjectKey)
	}
	if out.Size != 7 {
		t.Errorf("Size = %d, want 7", out.Size)
	}
	for _, want := range []string{"renders/job-1/output.mp4", "folder-1", "mp4data"} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("upload body missing %q", want)
		}
	}
}

func TestPutObjectRequiresKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	if _, err := c.PutObject(context.Background(), ports.PutObjectInput{Reader: strings.NewReader("x")}); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestPutObjectSurfacesAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"quota"}}`, http.StatusForbidden)
	})
	_, err := c.PutObject(context.Background(), ports.PutObjectInput{ObjectKey: "k", Reader: strings.NewReader("x")})
	if err == nil || !strings.Contains(err.Error(), "gdrive upload failed") {
		t.Fatalf("expected wrapped upload error, got %v", err)
	}
}
