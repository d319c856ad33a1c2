package export

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Sink stores a finished artifact and returns the URL it can be fetched from.
type Sink interface {
	Put(ctx context.Context, jobID, fileName string, r io.Reader) (string, error)
}

// FileSink stores artifacts under Dir/<jobId>/<fileName> and reports them
// as BaseURL/<jobId>/<fileName>.
type FileSink struct {
	Dir     string
	BaseURL string
}

// NewFileSink creates the sink directory if needed.
func NewFileSink(dir, baseURL string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "export: create sink dir %s", dir)
	}
	return &FileSink{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put writes r to disk.
func (s *FileSink) Put(ctx context.Context, jobID, fileName string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "export: put")
	}

	dir := filepath.Join(s.Dir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "export: create dir %s", dir)
	}

	path := filepath.Join(dir, fileName)
	f, err := os.Create(path)
	if err != nil {
		return "", eris.Wrapf(err, "export: create %s", path)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close() //nolint:errcheck
		return "", eris.Wrapf(err, "export: write %s", path)
	}
	if err := f.Close(); err != nil {
		return "", eris.Wrapf(err, "export: close %s", path)
	}

	return s.BaseURL + "/" + url.PathEscape(jobID) + "/" + url.PathEscape(fileName), nil
}
