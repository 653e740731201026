package internal_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	_ "modernc.org/sqlite"

	"github.com/pinsetter/pinsetter/mysql/internal"
)

const createStatusTableSQL = `CREATE TABLE IF NOT EXISTS statuses (id TEXT PRIMARY KEY, state TEXT NOT NULL);`

func connect(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(createStatusTableSQL); err != nil {
		t.Fatal(err)
	}
	return db
}

func countStatuses(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM statuses`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 1 * time.Second
	return b
}

func TestRunInTxOK(t *testing.T) {
	db := connect(t)

	err := internal.RunInTx(context.TODO(), db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO statuses (id, state) VALUES (?, ?)`, "job_1", "CREATED"); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO statuses (id, state) VALUES (?, ?)`, "job_2", "CREATED")
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx failed with %v", err)
	}
	if have, want := countStatuses(t, db), 2; have != want {
		t.Errorf("expected %d rows, have %d", want, have)
	}
}

func TestRunInTxErrorInFnRollsBack(t *testing.T) {
	db := connect(t)

	kaboom := errors.New("kaboom")
	err := internal.RunInTx(context.TODO(), db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO statuses (id, state) VALUES (?, ?)`, "job_1", "CREATED"); err != nil {
			return err
		}
		return kaboom
	})
	if err != kaboom {
		t.Fatalf("expected kaboom, have %v", err)
	}
	if have, want := countStatuses(t, db), 0; have != want {
		t.Errorf("expected %d rows after rollback, have %d", want, have)
	}
}

func TestRunInTxPanicInFnRollsBack(t *testing.T) {
	db := connect(t)

	err := internal.RunInTx(context.TODO(), db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO statuses (id, state) VALUES (?, ?)`, "job_1", "CREATED"); err != nil {
			return err
		}
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected an error from the recovered panic")
	}
	if have, want := countStatuses(t, db), 0; have != want {
		t.Errorf("expected %d rows after rollback, have %d", want, have)
	}
}

func TestRunInTxWithRetryRetriesTransientErrors(t *testing.T) {
	db := connect(t)

	transient := errors.New("transient")
	var calls int
	err := internal.RunInTxWithRetry(context.TODO(), db, func(ctx context.Context, tx *sql.Tx) error {
		calls++
		if calls < 3 {
			return transient
		}
		_, err := tx.Exec(`INSERT INTO statuses (id, state) VALUES (?, ?)`, "job_1", "CREATED")
		return err
	}, func(err error) bool { return err == transient })
	if err != nil {
		t.Fatalf("RunInTxWithRetry failed with %v", err)
	}
	if have, want := calls, 3; have != want {
		t.Errorf("expected %d calls, have %d", want, have)
	}
	if have, want := countStatuses(t, db), 1; have != want {
		t.Errorf("expected %d rows, have %d", want, have)
	}
}

func TestRunInTxWithRetryStopsOnPermanentErrors(t *testing.T) {
	db := connect(t)

	permanent := errors.New("permanent")
	var calls int
	err := internal.RunInTxWithRetry(context.TODO(), db, func(ctx context.Context, tx *sql.Tx) error {
		calls++
		return permanent
	}, func(err error) bool { return false })
	if err != permanent {
		t.Fatalf("expected permanent, have %v", err)
	}
	if have, want := calls, 1; have != want {
		t.Errorf("expected %d call, have %d", want, have)
	}
}

func TestRunWithRetryBackoff(t *testing.T) {
	db := connect(t)

	transient := errors.New("transient")
	var calls int
	err := internal.RunWithRetryBackoff(context.TODO(), db, func(context.Context) error {
		calls++
		if calls < 2 {
			return transient
		}
		return nil
	}, func(err error) bool { return err == transient }, newBackoff())
	if err != nil {
		t.Fatalf("RunWithRetryBackoff failed with %v", err)
	}
	if have, want := calls, 2; have != want {
		t.Errorf("expected %d calls, have %d", want, have)
	}
}
