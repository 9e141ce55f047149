package storage

import (
	"fmt"
	"mime"
	"path"
	"strings"
)

// normalizeKey cleans an object key into a slash separated relative path.
// Dot segments are resolved inside the bucket root.
func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(key, "\\", "/")), "/")
	if clean == "" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return clean, nil
}

// downloadDisposition is the Content-Disposition served for key. Keys
// written by the marketplace end in "<unix-ms>-<name>"; the prefix is
// dropped so buyers receive the original file name.
func downloadDisposition(key string) string {
	name := path.Base(key)
	if i := strings.IndexByte(name, '-'); i > 0 && strings.Trim(name[:i], "0123456789") == "" {
		name = name[i+1:]
	}
	if name == "" {
		name = path.Base(key)
	}
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}
