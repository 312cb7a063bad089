package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"broll/internal/ports"
)

func TestPutGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	fs := New(root)
	ctx := context.Background()

	out, err := fs.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   "renders/job-1/output.mp4",
		ContentType: "video/mp4",
		Reader:      strings.NewReader("mp4data"),
	})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if out.ObjectKey != "renders/job-1/output.mp4" || out.Size != 7 {
		t.Errorf("unexpected output: %+v", out)
	}
	if _, err := os.Stat(filepath.Join(root, "renders", "job-1", "output.mp4.part")); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	rc, ct, size, err := fs.GetObject(ctx, out.ObjectKey)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "mp4data" || size != 7 {
		t.Errorf("got %q (%d bytes)", data, size)
	}
	if ct == "" {
		t.Error("expected a content type")
	}
}

func TestKeysStayInsideRoot(t *testing.T) {
	root := t.TempDir()
	fs := New(filepath.Join(root, "store"))

	out, err := fs.PutObject(context.Background(), ports.PutObjectInput{ObjectKey: "../../escape.mp4", Reader: strings.NewReader("x")})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "store", "escape.mp4")); err != nil {
		t.Errorf("expected key to be confined to root: %v (%+v)", err, out)
	}
	if _, err := fs.PutObject(context.Background(), ports.PutObjectInput{ObjectKey: "", Reader: strings.NewReader("x")}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestGetMissing(t *testing.T) {
	if _, _, _, err := New(t.TempDir()).GetObject(context.Background(), "renders/none/output.mp4"); err == nil {
		t.Fatal("expected error for missing object")
	}
}
