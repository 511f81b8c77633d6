package object

import (
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/wippyai/wasm-aot/errors"
)

// WriteFile stores an artifact at path. The bytes go to a temporary file
// in the same directory which is renamed into place, so path either keeps
// its old contents or holds the complete artifact.
func WriteFile(fs afero.Fs, path string, a *Artifact) (err error) {
	dir := filepath.Dir(path)
	f, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return errors.IO("create temporary file", dir, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = fs.Remove(tmp)
		}
	}()

	if _, err = f.Write(a.Bytes); err != nil {
		_ = f.Close()
		return errors.IO("write", tmp, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.IO("sync", tmp, err)
	}
	if err = f.Close(); err != nil {
		return errors.IO("close", tmp, err)
	}
	if err = fs.Chmod(tmp, 0o644); err != nil {
		return errors.IO("chmod", tmp, err)
	}
	if err = fs.Rename(tmp, path); err != nil {
		return errors.IO("rename", path, err)
	}
	return nil
}
