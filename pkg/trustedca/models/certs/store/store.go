package store

import "context"

// DB gives access to the device certificates issued under trusted CAs.
// Records belong to another service; only counting and removing
// auto-registered ones is supported here.
type DB interface {
	CountNotAutoRegistered(ctx context.Context, tenant string, caFingerprint string) (int, error)
	DeleteAutoRegistered(ctx context.Context, tenant string, caFingerprint string) (int64, error)
}
