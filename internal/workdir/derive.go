package workdir

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Derive picks the working directory for a job: an explicit override wins,
// otherwise the output path with its extension dropped. When workroot is
// set, the chosen path is re-rooted under it so the whole working set lives
// on the scratch filesystem.
func Derive(output, override, workroot string) (string, error) {
	dir := strings.TrimSpace(override)
	if dir == "" {
		ext := filepath.Ext(output)
		dir = strings.TrimSuffix(output, ext)
	}
	if workroot == "" {
		return dir, nil
	}
	return MapUnderRoot(dir, workroot)
}

// MapUnderRoot maps an absolute path to the equivalent subpath of root and
// creates the missing ancestors, e.g. /home/user/vod under /mnt/scratch
// becomes /mnt/scratch/home/user/vod.
func MapUnderRoot(path, root string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	vol := filepath.VolumeName(abs)
	rel := strings.TrimPrefix(abs[len(vol):], string(filepath.Separator))
	mapped := filepath.Join(root, rel)
	if err := Mkdir(filepath.Dir(mapped)); err != nil {
		return "", err
	}
	return mapped, nil
}

// Finalize moves the assembled artifact into the destination. A
// same-filesystem rename is atomic; across filesystems (the workroot case)
// the bytes are copied, re-hashed against the source, and only then is the
// source removed.
func Finalize(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	srcSum, err := hashFile(src)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	tmp := dest + ".partial"
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	tmpSum, err := hashFile(tmp)
	if err != nil || tmpSum != srcSum {
		_ = os.Remove(tmp)
		if err == nil {
			err = fmt.Errorf("checksum mismatch after copy")
		}
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	return os.Remove(src)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// PruneEmptyDirs removes path and its now-empty ancestors up to (not
// including) root. Non-empty directories stop the walk silently.
func PruneEmptyDirs(path, root string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	rootAbs := ""
	if root != "" {
		if rootAbs, err = filepath.Abs(root); err != nil {
			return
		}
	}
	for abs != rootAbs && abs != filepath.Dir(abs) {
		if err := os.Remove(abs); err != nil {
			return
		}
		abs = filepath.Dir(abs)
	}
}
