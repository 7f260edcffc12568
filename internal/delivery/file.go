package delivery

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/unifiscan/unifi-scanner/internal/report"
	"github.com/unifiscan/unifi-scanner/internal/utils"
)

// FileChannel writes the rendered report into the reports directory using
// the same atomic write discipline as the state store.
type FileChannel struct {
	dir string
}

// NewFileChannel builds a file channel writing into dir.
func NewFileChannel(dir string) *FileChannel {
	return &FileChannel{dir: dir}
}

func (c *FileChannel) Name() string { return "file" }

// Deliver writes <timestamp>-<slug>.html and .txt. Filenames are
// deterministic from the report so equal inputs produce equal artifacts.
func (c *FileChannel) Deliver(ctx context.Context, rep *report.Report, html, text []byte) error {
	base := fmt.Sprintf("%s-%s", rep.GeneratedAt.UTC().Format("20060102-150405"), slugify(rep.Site))
	htmlPath := filepath.Join(c.dir, base+".html")
	textPath := filepath.Join(c.dir, base+".txt")

	if err := utils.WriteFileAtomic(htmlPath, html, 0o644); err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(textPath, text, 0o644); err != nil {
		return err
	}
	return nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "site"
	}
	return slug
}
