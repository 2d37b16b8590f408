package mailbox

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"commsrelay/internal/domain"
)

// Storage writes binaries into the uploads directory and derives the
// public URL under which the server exposes them.
type Storage struct {
	dir     string
	baseURL string
}

// NewStorage creates dir if needed. baseURL is the server's public origin.
func NewStorage(dir, baseURL string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory %s: %w", dir, err)
	}
	return &Storage{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *Storage) Dir() string { return s.dir }

// CleanName reduces name to a base name that stays inside the storage dir.
func CleanName(name string) (string, error) {
	base := filepath.Base(filepath.FromSlash(strings.ReplaceAll(name, `\`, "/")))
	if base == "." || base == ".." || base == string(filepath.Separator) || strings.TrimSpace(base) == "" {
		return "", domain.InvalidArgument("unusable filename %q", name)
	}
	return base, nil
}

// URLFor returns the public URL of a stored file.
func (s *Storage) URLFor(name string) string {
	return s.baseURL + "/uploads/" + url.PathEscape(name)
}

// Save writes data under name, replacing any existing file of that name.
func (s *Storage) Save(name string, data []byte) (domain.Attachment, error) {
	clean, err := CleanName(name)
	if err != nil {
		return domain.Attachment{}, err
	}
	path := filepath.Join(s.dir, clean)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return domain.Attachment{}, fmt.Errorf("write %s: %w", clean, err)
	}
	return domain.Attachment{
		Filename: clean,
		FilePath: path,
		URL:      s.URLFor(clean),
		MimeType: mimetype.Detect(data).String(),
		Size:     int64(len(data)),
	}, nil
}

// SaveStream copies r into name, bounded by maxBytes.
func (s *Storage) SaveStream(name string, r io.Reader, maxBytes int64) (domain.Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return domain.Attachment{}, domain.InvalidArgument("file exceeds %d bytes", maxBytes)
	}
	return s.Save(name, data)
}

// Open opens a stored file for reading.
func (s *Storage) Open(name string) (*os.File, error) {
	clean, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, clean))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", clean, domain.ErrNotFound)
	}
	return f, err
}
