package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// defaultDirPermission mirrors the teacher's lib/store/base DefaultDirPermission.
const defaultDirPermission = 0755

// tmpSuffix names the staging file a Save writes to before the atomic
// rename into place, the same "write beside, then rename over" shape the
// teacher's file stores use when moving blobs into their final location.
const tmpSuffix = ".tmp"

// Save serializes v to JSON and atomically replaces path: it writes to
// "path.tmp" in the same directory, syncs it, then renames over path. A
// reader never observes a partially written file.
func Save(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, defaultDirPermission); err != nil {
		return errf("mkdir %s: %s", dir, err)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errf("marshal: %s", err)
	}

	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errf("create %s: %s", tmp, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return errf("write %s: %s", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errf("sync %s: %s", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errf("close %s: %s", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errf("rename %s to %s: %s", tmp, path, err)
	}
	return nil
}

// LoadResumeFile reads and parses a resume file, rejecting a schema
// mismatch by logging a warning and returning (nil, nil) rather than an
// error, per spec: a stale-schema resume file is treated as absent, not
// fatal, so the engine's startup load skips it instead of crash-looping.
func LoadResumeFile(path string, logger *zap.SugaredLogger) (*ResumeFile, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errf("read %s: %s", path, err)
	}

	var r ResumeFile
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, errf("unmarshal %s: %s", path, err)
	}
	if r.SchemaVersion != schemaVersion {
		if logger != nil {
			logger.Warnw("ignoring resume file with mismatched schema version",
				"path", path, "got", r.SchemaVersion, "want", schemaVersion)
		}
		return nil, nil
	}
	return &r, nil
}

// ResumeFilePath returns the conventional resume file name for an
// info-hash hex string under dir.
func ResumeFilePath(dir, infoHashHex string) string {
	return filepath.Join(dir, infoHashHex+".resume.json")
}
