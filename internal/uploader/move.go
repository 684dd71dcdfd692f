package uploader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andresuchdata/bipsync/internal/domain"
)

const versionLayout = "20060102T150405Z"

// moveToSent moves src into sentDir under name and returns the final path.
// With CollisionVersion an existing destination is kept and the new file gets
// a UTC timestamp inserted before its extension.
func moveToSent(src, sentDir, name string, policy domain.CollisionPolicy, now time.Time) (string, error) {
	dst := filepath.Join(sentDir, name)

	if policy != domain.CollisionOverwrite {
		var err error
		dst, err = freeName(sentDir, name, now)
		if err != nil {
			return "", err
		}
	}

	err := os.Rename(src, dst)
	if err == nil {
		return dst, nil
	}

	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		if err := copyAndRemove(src, dst); err != nil {
			return "", err
		}
		return dst, nil
	}
	return "", fmt.Errorf("move %s to %s: %w", src, dst, err)
}

// freeName returns a destination in dir that does not exist yet.
func freeName(dir, name string, now time.Time) (string, error) {
	dst := filepath.Join(dir, name)
	exists, err := pathExists(dst)
	if err != nil || !exists {
		return dst, err
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	stamp := now.UTC().Format(versionLayout)

	for i := 0; ; i++ {
		candidate := base + "_" + stamp
		if i > 0 {
			candidate += "_" + strconv.Itoa(i)
		}
		dst = filepath.Join(dir, candidate+ext)
		exists, err := pathExists(dst)
		if err != nil || !exists {
			return dst, err
		}
	}
}

func pathExists(p string) (bool, error) {
	_, err := os.Lstat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", p, err)
}

// copyAndRemove handles moves across filesystems. The copy lands under a
// temporary name first so dst is never observed half written.
func copyAndRemove(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(out, in); err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, tmp, err)
	}

	if err = os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove %s after copy: %w", src, err)
	}
	return nil
}
