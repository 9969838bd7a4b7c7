package db

import (
	"context"
	"database/sql"
	"time"

	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"
	"github.com/LuanEdCosta/dojot/pkg/storage/postgres"
	"github.com/LuanEdCosta/dojot/pkg/utils"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/opentracing/opentracing-go"
)

// DB reads the certificates table owned by the device certificate service.
type DB struct {
	*sql.DB
	queryMaxTime time.Duration
	logger       log.Logger
}

func NewDB(db *sql.DB, queryMaxTime time.Duration, logger log.Logger) *DB {
	return &DB{DB: db, queryMaxTime: queryMaxTime, logger: logger}
}

func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryMaxTime <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.queryMaxTime)
}

func (db *DB) CountNotAutoRegistered(ctx context.Context, tenant string, caFingerprint string) (int, error) {
	logger := utils.LoggerFromContext(ctx, db.logger)
	span, ctx := opentracing.StartSpanFromContext(ctx, "certificates-store: count manual")
	defer span.Finish()

	q := postgres.NewTenantQuery(tenant).Where("ca_fingerprint", caFingerprint).Where("auto_registered", false)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM certificates `+q.Clause(), q.Args()...).Scan(&count); err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not count certificates issued by "+caFingerprint)
		return 0, &gwerrors.StoreError{Op: "count certificates", Err: err}
	}
	return count, nil
}

func (db *DB) DeleteAutoRegistered(ctx context.Context, tenant string, caFingerprint string) (int64, error) {
	logger := utils.LoggerFromContext(ctx, db.logger)
	span, ctx := opentracing.StartSpanFromContext(ctx, "certificates-store: delete auto registered")
	defer span.Finish()

	q := postgres.NewTenantQuery(tenant).Where("ca_fingerprint", caFingerprint).Where("auto_registered", true)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	res, err := db.ExecContext(ctx, `DELETE FROM certificates `+q.Clause(), q.Args()...)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not delete certificates issued by "+caFingerprint)
		return 0, &gwerrors.StoreError{Op: "delete certificates", Err: err}
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, &gwerrors.StoreError{Op: "delete certificates", Err: err}
	}
	level.Info(logger).Log("msg", "Auto registered certificates issued by "+caFingerprint+" deleted", "count", count, "tenant", tenant)
	return count, nil
}
