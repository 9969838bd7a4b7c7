package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	gwerrors "github.com/LuanEdCosta/dojot/pkg/errors"
	"github.com/LuanEdCosta/dojot/pkg/trustedca/models/ca"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/kit/log"
	"github.com/lib/pq"
)

func newMock(t *testing.T, queryMaxTime time.Duration) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Unexpected error opening sqlmock: %s", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return NewDB(sqlDB, queryMaxTime, log.NewNopLogger()), mock
}

func TestCount(t *testing.T) {
	db, mock := newMock(t, time.Second)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM trusted_ca_certificates WHERE tenant = $1 AND allow_auto_registration = $2 AND ca_fingerprint = $3`)).
		WithArgs("admin", true, "AA:BB").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	count, err := db.Count(context.Background(), "admin", ca.Filter{"caFingerprint": "AA:BB", "allowAutoRegistration": "true"})
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if count != 1 {
		t.Errorf("Got count %d; want 1", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFilterValidation(t *testing.T) {
	testCases := []struct {
		name   string
		filter ca.Filter
	}{
		{"Unknown field", ca.Filter{"caPem": "x"}},
		{"Tenant cannot be filtered", ca.Filter{"tenant": "other"}},
		{"Bad boolean", ca.Filter{"allowAutoRegistration": "maybe"}},
		{"Bad id", ca.Filter{"id": "42"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMock(t, time.Second)
			_, err := db.Count(context.Background(), "admin", tc.filter)
			var validationErr *gwerrors.ValidationError
			if !errors.As(err, &validationErr) {
				t.Errorf("Got error %v; want a validation error", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestFindOne(t *testing.T) {
	notBefore := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := notBefore.AddDate(10, 0, 0)

	t.Run("Projection", func(t *testing.T) {
		db, mock := newMock(t, time.Second)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT ca_fingerprint, valid_not_before, valid_not_after FROM trusted_ca_certificates WHERE tenant = $1 AND ca_fingerprint = $2 ORDER BY created_at ASC, id ASC LIMIT 1`)).
			WithArgs("admin", "AA:BB").
			WillReturnRows(sqlmock.NewRows([]string{"ca_fingerprint", "valid_not_before", "valid_not_after"}).AddRow("AA:BB", notBefore, notAfter))

		c, err := db.FindOne(context.Background(), "admin", []string{"caFingerprint", "validity"}, ca.Filter{"caFingerprint": "AA:BB"})
		if err != nil {
			t.Fatalf("Unexpected error: %s", err)
		}
		if c.CaFingerprint != "AA:BB" || !c.Validity.NotAfter.Equal(notAfter) {
			t.Errorf("Got %+v; want fingerprint AA:BB valid until %s", c, notAfter)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("Not found", func(t *testing.T) {
		db, mock := newMock(t, time.Second)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM trusted_ca_certificates WHERE tenant = $1 AND ca_fingerprint = $2`)).
			WithArgs("admin", "AA:BB").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := db.FindOne(context.Background(), "admin", []string{"id"}, ca.Filter{"caFingerprint": "AA:BB"})
		var notFound *gwerrors.ResourceNotFoundError
		if !errors.As(err, &notFound) {
			t.Errorf("Got error %v; want not found", err)
		}
	})

	t.Run("Unknown projection field", func(t *testing.T) {
		db, _ := newMock(t, time.Second)
		_, err := db.FindOne(context.Background(), "admin", []string{"password"}, nil)
		var validationErr *gwerrors.ValidationError
		if !errors.As(err, &validationErr) {
			t.Errorf("Got error %v; want a validation error", err)
		}
	})
}

func TestFind(t *testing.T) {
	testCases := []struct {
		name      string
		opts      ca.ListOptions
		wantQuery string
		wantArgs  []interface{}
	}{
		{
			"Default order",
			ca.ListOptions{},
			`SELECT id, ca_fingerprint FROM trusted_ca_certificates WHERE tenant = $1 ORDER BY created_at ASC, id ASC`,
			nil,
		},
		{
			"Sorted page",
			ca.ListOptions{Limit: 10, Offset: 20, SortBy: "desc:createdAt"},
			`SELECT id, ca_fingerprint FROM trusted_ca_certificates WHERE tenant = $1 ORDER BY created_at DESC, id ASC LIMIT $2 OFFSET $3`,
			[]interface{}{10, 20},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMock(t, time.Second)
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM trusted_ca_certificates WHERE tenant = $1`)).
				WithArgs("admin").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))
			args := []interface{}{"admin"}
			for _, a := range tc.wantArgs {
				args = append(args, a)
			}
			driverArgs := make([]driver.Value, 0, len(args))
			for _, a := range args {
				driverArgs = append(driverArgs, equalArg{a})
			}
			mock.ExpectQuery("^" + regexp.QuoteMeta(tc.wantQuery) + "$").
				WithArgs(driverArgs...).
				WillReturnRows(sqlmock.NewRows([]string{"id", "ca_fingerprint"}).
					AddRow("6d4c1a3e-1b5f-4f0c-9a43-2f5c3a9d0b11", "AA:BB").
					AddRow("0b2a1e5c-7d3f-4e8a-b1c2-9f8e7d6c5b4a", "CC:DD"))

			list, err := db.Find(context.Background(), "admin", []string{"id", "caFingerprint"}, nil, tc.opts)
			if err != nil {
				t.Fatalf("Unexpected error: %s", err)
			}
			if list.ItemCount != 42 {
				t.Errorf("Got item count %d; want 42", list.ItemCount)
			}
			if len(list.Results) != 2 || list.Results[1].CaFingerprint != "CC:DD" {
				t.Errorf("Got results %+v; want AA:BB and CC:DD", list.Results)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

type equalArg struct {
	want interface{}
}

func (a equalArg) Match(v driver.Value) bool {
	switch want := a.want.(type) {
	case int:
		got, ok := v.(int64)
		return ok && got == int64(want)
	default:
		return v == a.want
	}
}

func TestOrderBy(t *testing.T) {
	testCases := []struct {
		sortBy  string
		want    string
		wantErr bool
	}{
		{"", "created_at ASC, id ASC", false},
		{"caFingerprint", "ca_fingerprint ASC, id ASC", false},
		{"asc:subjectDN", "subject_dn ASC, id ASC", false},
		{"desc:validity.notAfter", "valid_not_after DESC, id ASC", false},
		{"desc:id", "id DESC", false},
		{"sideways:id", "", true},
		{"caPem", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.sortBy, func(t *testing.T) {
			got, err := orderBy(tc.sortBy)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Got error %v; want error %t", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("Got %s; want %s", got, tc.want)
			}
		})
	}
}

func TestInsert(t *testing.T) {
	rec := ca.TrustedCA{
		CaFingerprint: "AA:BB",
		CaPem:         "-----BEGIN CERTIFICATE-----",
		SubjectDN:     "/CN=Acme Root",
		Tenant:        "admin",
	}
	insert := regexp.QuoteMeta(`INSERT INTO trusted_ca_certificates(id, tenant, ca_fingerprint`)

	t.Run("Inserted", func(t *testing.T) {
		db, mock := newMock(t, time.Second)
		mock.ExpectExec(insert).
			WithArgs(sqlmock.AnyArg(), "admin", "AA:BB", rec.CaPem, rec.SubjectDN, sqlmock.AnyArg(), sqlmock.AnyArg(), false, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		got, err := db.Insert(context.Background(), rec)
		if err != nil {
			t.Fatalf("Unexpected error: %s", err)
		}
		if got.ID == "" || got.CreatedAt.IsZero() || !got.CreatedAt.Equal(got.ModifiedAt) {
			t.Errorf("Got %+v; want id and equal creation and modification times", got)
		}
	})

	t.Run("Unique violation", func(t *testing.T) {
		db, mock := newMock(t, time.Second)
		mock.ExpectExec(insert).WillReturnError(&pq.Error{Code: "23505"})

		_, err := db.Insert(context.Background(), rec)
		var dup *gwerrors.DuplicateResourceError
		if !errors.As(err, &dup) {
			t.Fatalf("Got error %v; want duplicate resource", err)
		}
		if dup.ResourceId != "AA:BB" {
			t.Errorf("Got resource id %s; want AA:BB", dup.ResourceId)
		}
	})
}

func TestUpdateAutoRegistration(t *testing.T) {
	db, mock := newMock(t, time.Second)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE trusted_ca_certificates SET allow_auto_registration = $3, modified_at = $4 WHERE tenant = $1 AND ca_fingerprint = $2`)).
		WithArgs("admin", "AA:BB", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	count, err := db.UpdateAutoRegistration(context.Background(), "admin", ca.Filter{"caFingerprint": "AA:BB"}, true)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if count != 1 {
		t.Errorf("Got %d updated rows; want 1", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDelete(t *testing.T) {
	id := "6d4c1a3e-1b5f-4f0c-9a43-2f5c3a9d0b11"
	testCases := []struct {
		name         string
		rowsAffected int64
		wantNotFound bool
	}{
		{"Deleted", 1, false},
		{"Already gone", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMock(t, time.Second)
			mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM trusted_ca_certificates WHERE tenant = $1 AND id = $2`)).
				WithArgs("admin", id).
				WillReturnResult(sqlmock.NewResult(0, tc.rowsAffected))

			err := db.Delete(context.Background(), "admin", id)
			var notFound *gwerrors.ResourceNotFoundError
			if errors.As(err, &notFound) != tc.wantNotFound {
				t.Errorf("Got error %v; want not found %t", err, tc.wantNotFound)
			}
		})
	}
}

func TestBundle(t *testing.T) {
	db, mock := newMock(t, time.Second)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DISTINCT ON (ca_fingerprint) ca_pem`)).
		WillReturnRows(sqlmock.NewRows([]string{"ca_pem"}).AddRow("pem-a").AddRow("pem-b"))

	pems, err := db.Bundle(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if len(pems) != 2 || pems[0] != "pem-a" || pems[1] != "pem-b" {
		t.Errorf("Got %v; want [pem-a pem-b]", pems)
	}
}

func TestQueryMaxTime(t *testing.T) {
	db, mock := newMock(t, 10*time.Millisecond)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM trusted_ca_certificates`)).
		WillDelayFor(200 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err := db.Count(context.Background(), "admin", nil)
	var storeErr *gwerrors.StoreError
	if !errors.As(err, &storeErr) {
		t.Errorf("Got error %v; want a store error", err)
	}
}
