package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"
	"github.com/LuanEdCosta/dojot/pkg/storage/postgres"
	"github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca"
	"github.com/LuanEdCosta/dojot/pkg/utils"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/opentracing/opentracing-go"
)

const resourceType = "Trusted CA certificate"

const schema = `
CREATE TABLE IF NOT EXISTS trusted_ca_certificates (
	id uuid PRIMARY KEY,
	tenant text NOT NULL,
	ca_fingerprint text NOT NULL,
	ca_pem text NOT NULL,
	subject_dn text NOT NULL,
	valid_not_before timestamptz NOT NULL,
	valid_not_after timestamptz NOT NULL,
	allow_auto_registration boolean NOT NULL DEFAULT false,
	created_at timestamptz NOT NULL,
	modified_at timestamptz NOT NULL,
	UNIQUE (tenant, ca_fingerprint)
);`

// Columns backing each field, by JSON name.
var fieldColumns = map[string][]string{
	"id":                    {"id"},
	"caFingerprint":         {"ca_fingerprint"},
	"caPem":                 {"ca_pem"},
	"subjectDN":             {"subject_dn"},
	"validity":              {"valid_not_before", "valid_not_after"},
	"allowAutoRegistration": {"allow_auto_registration"},
	"tenant":                {"tenant"},
	"createdAt":             {"created_at"},
	"modifiedAt":            {"modified_at"},
}

var filterColumns = map[string]string{
	"id":                    "id",
	"caFingerprint":         "ca_fingerprint",
	"subjectDN":             "subject_dn",
	"allowAutoRegistration": "allow_auto_registration",
}

var sortColumns = map[string]string{
	"id":                    "id",
	"caFingerprint":         "ca_fingerprint",
	"subjectDN":             "subject_dn",
	"allowAutoRegistration": "allow_auto_registration",
	"validity.notBefore":    "valid_not_before",
	"validity.notAfter":     "valid_not_after",
	"createdAt":             "created_at",
	"modifiedAt":            "modified_at",
}

const defaultOrder = "created_at ASC, id ASC"

type DB struct {
	*sql.DB
	queryMaxTime time.Duration
	logger       log.Logger
}

func NewDB(db *sql.DB, queryMaxTime time.Duration, logger log.Logger) *DB {
	return &DB{DB: db, queryMaxTime: queryMaxTime, logger: logger}
}

// Migrate creates the trusted CA table when it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return &gwerrors.StoreError{Op: "migrate", Err: err}
	}
	return nil
}

func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryMaxTime <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.queryMaxTime)
}

func (db *DB) Count(ctx context.Context, tenant string, filter ca.Filter) (int, error) {
	logger := utils.LoggerFromContext(ctx, db.logger)
	span, ctx := opentracing.StartSpanFromContext(ctx, "trusted-ca-store: count")
	defer span.Finish()

	q, err := scopedQuery(tenant, filter)
	if err != nil {
		return 0, err
	}
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var count int
	sqlStatement := `SELECT COUNT(*) FROM trusted_ca_certificates ` + q.Clause()
	if err := db.QueryRowContext(ctx, sqlStatement, q.Args()...).Scan(&count); err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not count trusted CA certificates of tenant "+tenant)
		return 0, &gwerrors.StoreError{Op: "count", Err: err}
	}
	return count, nil
}

func (db *DB) FindOne(ctx context.Context, tenant string, fields []string, filter ca.Filter) (ca.TrustedCA, error) {
	logger := utils.LoggerFromContext(ctx, db.logger)
	span, ctx := opentracing.StartSpanFromContext(ctx, "trusted-ca-store: find one")
	defer span.Finish()

	columns, err := projection(fields)
	if err != nil {
		return ca.TrustedCA{}, err
	}
	q, err := scopedQuery(tenant, filter)
	if err != nil {
		return ca.TrustedCA{}, err
	}
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	sqlStatement := `SELECT ` + strings.Join(columns, ", ") + ` FROM trusted_ca_certificates ` + q.Clause() + ` ORDER BY ` + defaultOrder + ` LIMIT 1`
	var c ca.TrustedCA
	err = db.QueryRowContext(ctx, sqlStatement, q.Args()...).Scan(scanTargets(&c, columns)...)
	if errors.Is(err, sql.ErrNoRows) {
		return ca.TrustedCA{}, &gwerrors.ResourceNotFoundError{ResourceType: resourceType, ResourceId: filter["caFingerprint"]}
	}
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not obtain trusted CA certificate of tenant "+tenant)
		return ca.TrustedCA{}, &gwerrors.StoreError{Op: "find one", Err: err}
	}
	return c, nil
}

func (db *DB) Find(ctx context.Context, tenant string, fields []string, filter ca.Filter, opts ca.ListOptions) (ca.List, error) {
	logger := utils.LoggerFromContext(ctx, db.logger)
	span, ctx := opentracing.StartSpanFromContext(ctx, "trusted-ca-store: find")
	defer span.Finish()

	columns, err := projection(fields)
	if err != nil {
		return ca.List{}, err
	}
	order, err := orderBy(opts.SortBy)
	if err != nil {
		return ca.List{}, err
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return ca.List{}, &gwerrors.ValidationError{Msg: "limit and offset must not be negative"}
	}

	count, err := db.Count(ctx, tenant, filter)
	if err != nil {
		return ca.List{}, err
	}

	q, err := scopedQuery(tenant, filter)
	if err != nil {
		return ca.List{}, err
	}
	sqlStatement := `SELECT ` + strings.Join(columns, ", ") + ` FROM trusted_ca_certificates ` + q.Clause() + ` ORDER BY ` + order
	if opts.Limit > 0 {
		sqlStatement += ` LIMIT ` + q.Arg(opts.Limit)
	}
	if opts.Offset > 0 {
		sqlStatement += ` OFFSET ` + q.Arg(opts.Offset)
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	rows, err := db.QueryContext(ctx, sqlStatement, q.Args()...)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not obtain trusted CA certificates of tenant "+tenant)
		return ca.List{}, &gwerrors.StoreError{Op: "find", Err: err}
	}
	defer rows.Close()

	results := make([]ca.TrustedCA, 0)
	for rows.Next() {
		var c ca.TrustedCA
		if err := rows.Scan(scanTargets(&c, columns)...); err != nil {
			level.Error(logger).Log("err", err, "msg", "Unable to read trusted CA certificate row")
			return ca.List{}, &gwerrors.StoreError{Op: "find", Err: err}
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return ca.List{}, &gwerrors.StoreError{Op: "find", Err: err}
	}
	level.Debug(logger).Log("msg", strconv.Itoa(len(results))+" trusted CA certificates read from database")
	return ca.List{ItemCount: count, Results: results}, nil
}

// Insert stores c under a new id. A second record with the same tenant and
// fingerprint is rejected by the unique index.
func (db *DB) Insert(ctx context.Context, c ca.TrustedCA) (ca.TrustedCA, error) {
	logger := utils.LoggerFromContext(ctx, db.logger)
	span, ctx := opentracing.StartSpanFromContext(ctx, "trusted-ca-store: insert")
	defer span.Finish()

	c.ID = uuid.NewString()
	now := time.Now().UTC()
	c.CreatedAt = now
	c.ModifiedAt = now

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	sqlStatement := `
	INSERT INTO trusted_ca_certificates(id, tenant, ca_fingerprint, ca_pem, subject_dn, valid_not_before, valid_not_after, allow_auto_registration, created_at, modified_at)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := db.ExecContext(ctx, sqlStatement, c.ID, c.Tenant, c.CaFingerprint, c.CaPem, c.SubjectDN,
		c.Validity.NotBefore, c.Validity.NotAfter, c.AllowAutoRegistration, c.CreatedAt, c.ModifiedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ca.TrustedCA{}, &gwerrors.DuplicateResourceError{ResourceType: resourceType, ResourceId: c.CaFingerprint}
		}
		level.Error(logger).Log("err", err, "msg", "Could not insert trusted CA certificate "+c.CaFingerprint)
		return ca.TrustedCA{}, &gwerrors.StoreError{Op: "insert", Err: err}
	}
	level.Info(logger).Log("msg", "Trusted CA certificate "+c.CaFingerprint+" inserted in database", "tenant", c.Tenant)
	return c, nil
}

func (db *DB) UpdateAutoRegistration(ctx context.Context, tenant string, filter ca.Filter, allow bool) (int64, error) {
	logger := utils.LoggerFromContext(ctx, db.logger)
	span, ctx := opentracing.StartSpanFromContext(ctx, "trusted-ca-store: update auto registration")
	defer span.Finish()

	q, err := scopedQuery(tenant, filter)
	if err != nil {
		return 0, err
	}
	sqlStatement := `UPDATE trusted_ca_certificates SET allow_auto_registration = ` + q.Arg(allow) +
		`, modified_at = ` + q.Arg(time.Now().UTC()) + ` ` + q.Clause()

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	res, err := db.ExecContext(ctx, sqlStatement, q.Args()...)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not update trusted CA certificates of tenant "+tenant)
		return 0, &gwerrors.StoreError{Op: "update", Err: err}
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, &gwerrors.StoreError{Op: "update", Err: err}
	}
	return count, nil
}

func (db *DB) Delete(ctx context.Context, tenant string, id string) error {
	logger := utils.LoggerFromContext(ctx, db.logger)
	span, ctx := opentracing.StartSpanFromContext(ctx, "trusted-ca-store: delete")
	defer span.Finish()

	q := postgres.NewTenantQuery(tenant).Where("id", id)
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	res, err := db.ExecContext(ctx, `DELETE FROM trusted_ca_certificates `+q.Clause(), q.Args()...)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not delete trusted CA certificate "+id)
		return &gwerrors.StoreError{Op: "delete", Err: err}
	}
	count, err := res.RowsAffected()
	if err != nil {
		return &gwerrors.StoreError{Op: "delete", Err: err}
	}
	if count == 0 {
		return &gwerrors.ResourceNotFoundError{ResourceType: resourceType, ResourceId: id}
	}
	level.Info(logger).Log("msg", "Trusted CA certificate "+id+" deleted from database", "tenant", tenant)
	return nil
}

// Bundle keeps, for every fingerprint, the PEM of the earliest registration.
func (db *DB) Bundle(ctx context.Context) ([]string, error) {
	logger := utils.LoggerFromContext(ctx, db.logger)
	span, ctx := opentracing.StartSpanFromContext(ctx, "trusted-ca-store: bundle")
	defer span.Finish()

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	sqlStatement := `
	SELECT DISTINCT ON (ca_fingerprint) ca_pem
	FROM trusted_ca_certificates
	ORDER BY ca_fingerprint, created_at ASC, id ASC`
	rows, err := db.QueryContext(ctx, sqlStatement)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not obtain trusted CA bundle")
		return nil, &gwerrors.StoreError{Op: "bundle", Err: err}
	}
	defer rows.Close()

	pems := make([]string, 0)
	for rows.Next() {
		var pem string
		if err := rows.Scan(&pem); err != nil {
			return nil, &gwerrors.StoreError{Op: "bundle", Err: err}
		}
		pems = append(pems, pem)
	}
	if err := rows.Err(); err != nil {
		return nil, &gwerrors.StoreError{Op: "bundle", Err: err}
	}
	return pems, nil
}

func scopedQuery(tenant string, filter ca.Filter) (*postgres.TenantQuery, error) {
	q := postgres.NewTenantQuery(tenant)
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	// Fixed order keeps placeholders stable.
	sort.Strings(keys)
	for _, field := range keys {
		column, ok := filterColumns[field]
		if !ok {
			return nil, &gwerrors.ValidationError{Msg: fmt.Sprintf("%q is not allowed as a filter", field)}
		}
		value, err := filterValue(field, filter[field])
		if err != nil {
			return nil, err
		}
		q.Where(column, value)
	}
	return q, nil
}

func filterValue(field string, raw string) (interface{}, error) {
	switch field {
	case "allowAutoRegistration":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, &gwerrors.ValidationError{Msg: fmt.Sprintf("%q must be a boolean", field)}
		}
		return b, nil
	case "id":
		if _, err := uuid.Parse(raw); err != nil {
			return nil, &gwerrors.ValidationError{Msg: fmt.Sprintf("%q must be a valid UUID", field)}
		}
		return raw, nil
	default:
		return raw, nil
	}
}

func projection(fields []string) ([]string, error) {
	if len(fields) == 0 {
		fields = ca.Fields
	}
	columns := make([]string, 0, len(fields))
	seen := make(map[string]bool)
	for _, f := range fields {
		cols, ok := fieldColumns[f]
		if !ok {
			return nil, &gwerrors.ValidationError{Msg: fmt.Sprintf("%q is not a valid field", f)}
		}
		for _, c := range cols {
			if !seen[c] {
				seen[c] = true
				columns = append(columns, c)
			}
		}
	}
	return columns, nil
}

func scanTargets(c *ca.TrustedCA, columns []string) []interface{} {
	dest := make([]interface{}, 0, len(columns))
	for _, col := range columns {
		switch col {
		case "id":
			dest = append(dest, &c.ID)
		case "tenant":
			dest = append(dest, &c.Tenant)
		case "ca_fingerprint":
			dest = append(dest, &c.CaFingerprint)
		case "ca_pem":
			dest = append(dest, &c.CaPem)
		case "subject_dn":
			dest = append(dest, &c.SubjectDN)
		case "valid_not_before":
			dest = append(dest, &c.Validity.NotBefore)
		case "valid_not_after":
			dest = append(dest, &c.Validity.NotAfter)
		case "allow_auto_registration":
			dest = append(dest, &c.AllowAutoRegistration)
		case "created_at":
			dest = append(dest, &c.CreatedAt)
		case "modified_at":
			dest = append(dest, &c.ModifiedAt)
		}
	}
	return dest
}

// orderBy turns "field", "asc:field" or "desc:field" into an ORDER BY list.
// id is always the last key so pages are stable.
func orderBy(sortBy string) (string, error) {
	if sortBy == "" {
		return defaultOrder, nil
	}
	direction := "ASC"
	field := sortBy
	if i := strings.Index(sortBy, ":"); i >= 0 {
		switch strings.ToLower(sortBy[:i]) {
		case "asc":
		case "desc":
			direction = "DESC"
		default:
			return "", &gwerrors.ValidationError{Msg: fmt.Sprintf("invalid sort direction in %q", sortBy)}
		}
		field = sortBy[i+1:]
	}
	column, ok := sortColumns[field]
	if !ok {
		return "", &gwerrors.ValidationError{Msg: fmt.Sprintf("%q is not allowed as a sort field", field)}
	}
	if column == "id" {
		return "id " + direction, nil
	}
	return column + " " + direction + ", id ASC", nil
}
