package storage

import (
	"fmt"
	"mime"
	"path"
	"strings"
	"time"
)

func sanitizePathSegment(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	builder := strings.Builder{}
	builder.Grow(len(value))
	for i := 0; i < len(value); i++ {
		ch := value[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
			builder.WriteByte(ch)
		case ch >= 'A' && ch <= 'Z':
			builder.WriteByte(ch + 32)
		case ch == '-', ch == '_', ch == '.':
			builder.WriteByte(ch)
		}
	}
	return builder.String()
}

// buildObjectKey places a sanitised filename under a dated directory so
// object listings stay navigable.
func buildObjectKey(filename string) string {
	now := time.Now().UTC()
	name := sanitizePathSegment(strings.ReplaceAll(strings.TrimSpace(filename), " ", "-"))
	if name == "" || name == "." {
		name = fmt.Sprintf("%d.bin", now.UnixNano())
	}
	datedir := fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day())
	return path.Join("images", datedir, name)
}

func detectContentType(filename string) string {
	ext := strings.ToLower(strings.TrimSpace(path.Ext(filename)))
	if ext == "" {
		return "application/octet-stream"
	}
	typeName := mime.TypeByExtension(ext)
	if typeName == "" {
		return "application/octet-stream"
	}
	return typeName
}

func joinPrefix(prefix, key string) string {
	cleanPrefix := trimPrefix(prefix)
	if cleanPrefix == "" {
		return strings.TrimLeft(key, "/")
	}
	return path.Join(cleanPrefix, strings.TrimLeft(key, "/"))
}

func trimPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}
