// Package storage archives raw payloads (verified billing webhooks) to object storage.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// Archive stores an immutable blob under key. Writing the same key twice is not an error.
type Archive interface {
	Put(ctx context.Context, key string, body []byte) error
}

// ObjectLocation describes where a blob should live.
type ObjectLocation struct {
	Bucket   string
	FullPath string
}

// ResolveObjectLocation combines a deployment prefix and a logical key into a bucket/path pair.
//   - bucket comes from deployment configuration.
//   - basePrefix scopes an environment, e.g. "prod/" (empty means bucket root).
//   - logicalKey is relative, e.g. "webhooks/2026/10/17/msg_123.json".
func ResolveObjectLocation(bucket, basePrefix, logicalKey string) (ObjectLocation, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return ObjectLocation{}, fmt.Errorf("bucket is required")
	}
	key := strings.TrimSpace(logicalKey)
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return ObjectLocation{}, fmt.Errorf("logical key is required")
	}
	if strings.Contains(key, "..") {
		return ObjectLocation{}, fmt.Errorf("logical key must not traverse directories")
	}

	prefix := strings.TrimPrefix(strings.TrimSpace(basePrefix), "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return ObjectLocation{Bucket: bucket, FullPath: prefix + key}, nil
}

// WebhookKey is the logical key of an archived webhook delivery.
func WebhookKey(receivedAt time.Time, webhookID string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, webhookID)
	if id == "" {
		id = "unknown"
	}
	return path.Join("webhooks", receivedAt.UTC().Format("2006/01/02"), id+".json")
}
