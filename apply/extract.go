package apply

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-errors/errors"
)

const copyChunk = 64 * 1024

// CopyTree copies the tree at src into dst. Progress is reported as the
// share of regular file bytes copied so far.
func CopyTree(ctx context.Context, src string, dst string, progress func(percent int)) error {
	var total int64

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}

			total += info.Size()
		}

		return nil
	})
	if err != nil {
		return errors.Errorf("could not measure %s: %v", src, err)
	}

	c := &treeCopier{
		ctx:      ctx,
		total:    total,
		progress: progress,
		buf:      make([]byte, copyChunk),
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if rel == "." {
				return nil
			}

			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}

			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return c.copyFile(path, target, info.Mode().Perm())
		default:
			// devices and sockets have no place in an image
			return nil
		}
	})
}

type treeCopier struct {
	ctx      context.Context
	total    int64
	copied   int64
	progress func(percent int)
	buf      []byte
}

func (c *treeCopier) copyFile(src string, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	for {
		if err := c.ctx.Err(); err != nil {
			out.Close()
			return err
		}

		n, readErr := in.Read(c.buf)
		if n > 0 {
			if _, err := out.Write(c.buf[:n]); err != nil {
				out.Close()
				return err
			}

			c.copied += int64(n)
			c.report()
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			out.Close()
			return readErr
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

func (c *treeCopier) report() {
	if c.progress == nil || c.total == 0 {
		return
	}

	c.progress(int(c.copied * 100 / c.total))
}
