package storage

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"broll/internal/pkg/errors"
	"broll/internal/pkg/logger"
	"broll/internal/ports"
)

// ObjectKey is where a job's video is archived.
func ObjectKey(jobID string) string {
	return path.Join("renders", jobID, "output.mp4")
}

// Archiver copies finished videos to a storage provider.
type Archiver struct {
	provider Provider
	log      *logger.Logger
}

func NewArchiver(p Provider, log *logger.Logger) *Archiver {
	if log == nil {
		log = logger.Discard()
	}
	return &Archiver{provider: p, log: log.WithComponent("archive")}
}

// Archive uploads the file at localPath and returns the provider's key.
func (a *Archiver) Archive(ctx context.Context, jobID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrap(err, "archive.open", "open video")
	}
	defer f.Close()

	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}

	out, err := a.provider.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   ObjectKey(jobID),
		ContentType: "video/mp4",
		Reader:      f,
		Size:        size,
	})
	if err != nil {
		return "", errors.Wrap(err, "archive.put", "upload video")
	}

	a.log.Info("video archived",
		"job_id", jobID,
		"provider", a.provider.Provider(),
		"object_key", out.ObjectKey,
		"size", out.Size,
	)
	return out.ObjectKey, nil
}

// Open streams an archived video back.
func (a *Archiver) Open(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	rc, contentType, size, err = a.provider.GetObject(ctx, objectKey)
	if err != nil {
		return nil, "", 0, errors.WrapWithCode(err, errors.CodeNotFound, "archive.get", "archived video not found").
			WithField("object_key", objectKey)
	}
	// Sniffed types for short or unusual files are not useful to clients.
	if !strings.HasPrefix(contentType, "video/") {
		contentType = "video/mp4"
	}
	return rc, contentType, size, nil
}
