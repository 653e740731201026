package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jinzhu/gorm"

	"github.com/pinsetter/pinsetter"
	"github.com/pinsetter/pinsetter/mysql/internal"
)

const (
	mysqlSchema = `CREATE TABLE IF NOT EXISTS pinsetter_jobs (
id varchar(255) primary key,
job_key varchar(255),
job_group varchar(64),
job_type varchar(30),
target_type varchar(64),
target_id varchar(255),
correlation_id varchar(255),
state varchar(30),
args text,
result text,
result_data text,
failure text,
created bigint,
updated bigint,
started bigint,
finished bigint,
last_mod bigint,
index ix_jobs_key (job_key),
index ix_jobs_group (job_group),
index ix_jobs_state (state),
index ix_jobs_target (target_id),
index ix_jobs_correlation_id (correlation_id),
index ix_jobs_created (created),
index ix_jobs_last_mod (last_mod));`

	// add principal column and index on (state, target_id, job_key) for
	// the per-owner running count
	mysqlUpdate001 = `ALTER TABLE pinsetter_jobs ADD principal varchar(255), ADD INDEX ix_jobs_state_target_key (state, target_id, job_key);`
)

// Store is a persistent MySQL storage implementation of the
// pinsetter.Store interface. It is safe to share one database between
// multiple process instances; consistency relies on transactional
// isolation and the last_mod optimistic lock.
type Store struct {
	db    *gorm.DB
	debug bool
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore initializes a new MySQL-based storage.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	st := &Store{}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("no database specified")
	}
	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := gorm.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	_, err = setupdb.DB().Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	st.db, err = gorm.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	if st.debug {
		st.db = st.db.Debug()
	}

	// Create schema
	_, err = st.db.DB().Exec(mysqlSchema)
	if err != nil {
		return nil, err
	}

	// Apply update 001
	var count int64
	err = st.db.DB().QueryRow(`
	SELECT COUNT(*) AS cnt
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ?
		AND TABLE_NAME = 'pinsetter_jobs'
		AND COLUMN_NAME = 'principal'
	`, dbname).Scan(&count)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		// Apply migration
		_, err = st.db.DB().Exec(mysqlUpdate001)
		if err != nil {
			return nil, err
		}
	}

	return st, nil
}

// SetDebug indicates whether to enable or disable debugging (which will
// output SQL to the console).
func SetDebug(enabled bool) StoreOption {
	return func(s *Store) {
		s.debug = enabled
	}
}

func (s *Store) wrapError(err error) error {
	if err == gorm.ErrRecordNotFound {
		// Map gorm.ErrRecordNotFound to pinsetter-specific "not found" error
		return pinsetter.ErrNotFound
	}
	return err
}

func (s *Store) runWithRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return internal.RunWithRetryBackoff(
		context.Background(),
		s.db.DB(),
		func(context.Context) error { return fn() },
		internal.IsDeadlock,
		b,
	)
}

// Start is called when the executor starts up. Schema setup already
// happened in NewStore, so there is nothing left to do. Crash recovery
// is the scheduler kernel's job: only it knows which jobs are in flight
// and whether other nodes share the store.
func (s *Store) Start() error {
	return nil
}

// Get retrieves a single status by its identifier.
func (s *Store) Get(id string) (*pinsetter.JobStatus, error) {
	var j Job
	err := s.db.Where("id = ?", id).First(&j).Error
	if err != nil {
		return nil, s.wrapError(err)
	}
	status, err := j.ToStatus()
	if err != nil {
		return nil, s.wrapError(err)
	}
	return status, nil
}

// Create adds a new status to the store.
func (s *Store) Create(status *pinsetter.JobStatus) error {
	j, err := newJob(status)
	if err != nil {
		return err
	}
	j.LastMod = j.Created
	err = s.runWithRetry(func() error {
		return s.db.Create(j).Error
	})
	if internal.IsDup(err) {
		return fmt.Errorf("mysql: job %s already exists", status.ID)
	}
	return s.wrapError(err)
}

// Merge updates a status in the store. The row is locked on its
// last_mod stamp first, so concurrent writers from other instances
// serialize on the row. Deadlocked transactions are retried with
// exponential backoff.
func (s *Store) Merge(status *pinsetter.JobStatus) error {
	j, err := newJob(status)
	if err != nil {
		return err
	}
	err = internal.RunInTxWithRetry(
		context.Background(),
		s.db.DB(),
		func(ctx context.Context, tx *sql.Tx) error {
			var id string
			err := tx.QueryRowContext(ctx,
				"SELECT id FROM pinsetter_jobs WHERE id = ? AND last_mod = ? FOR UPDATE",
				status.ID, status.Updated).Scan(&id)
			if err != nil && !internal.IsNotFound(err) {
				return err
			}
			j.LastMod = time.Now().UnixNano()
			j.Updated = j.LastMod
			_, err = tx.ExecContext(ctx, `UPDATE pinsetter_jobs SET
job_key = ?, job_group = ?, job_type = ?, target_type = ?, target_id = ?,
principal = ?, correlation_id = ?, state = ?, args = ?, result = ?,
result_data = ?, failure = ?, created = ?, updated = ?, started = ?,
finished = ?, last_mod = ?
WHERE id = ?`,
				j.JobKey, j.JobGroup, j.JobType, j.TargetType, j.TargetID,
				j.Principal, j.CorrelationID, j.State, j.Args, j.Result,
				j.ResultData, j.Failure, j.Created, j.Updated, j.Started,
				j.Finished, j.LastMod,
				j.ID)
			return err
		},
		internal.IsDeadlock,
	)
	if err != nil {
		return s.wrapError(err)
	}
	status.Updated = j.LastMod
	return nil
}

// Delete removes a status from the store.
func (s *Store) Delete(id string) error {
	return s.runWithRetry(func() error {
		err := s.db.Where("id = ?", id).Delete(&Job{}).Error
		return s.wrapError(err)
	})
}

// FindCanceled returns all canceled statuses in the given realm groups.
func (s *Store) FindCanceled(groups []string) ([]*pinsetter.JobStatus, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	var jobs []Job
	err := s.db.Where("state = ? AND job_group IN (?)", pinsetter.Canceled, groups).
		Order("id").
		Find(&jobs).
		Error
	if err != nil {
		return nil, s.wrapError(err)
	}
	result := make([]*pinsetter.JobStatus, len(jobs))
	for i, j := range jobs {
		status, err := j.ToStatus()
		if err != nil {
			return nil, s.wrapError(err)
		}
		result[i] = status
	}
	return result, nil
}

// CancelOrphaned marks statuses stuck in Queued or Running as Canceled,
// excluding the given job ids.
func (s *Store) CancelOrphaned(exclude []string) (int, error) {
	qry := s.db.Model(&Job{}).
		Where("state IN (?)", []pinsetter.JobState{pinsetter.Queued, pinsetter.Running})
	if len(exclude) > 0 {
		qry = qry.Where("id NOT IN (?)", exclude)
	}
	now := time.Now().UnixNano()
	res := qry.Updates(map[string]interface{}{
		"state":    pinsetter.Canceled,
		"updated":  now,
		"last_mod": now,
	})
	if res.Error != nil {
		return 0, s.wrapError(res.Error)
	}
	return int(res.RowsAffected), nil
}

// CountRunning returns the number of running statuses for a target/key
// pair.
func (s *Store) CountRunning(targetID, key string) (int, error) {
	var count int
	err := s.db.Model(&Job{}).
		Where("state = ? AND target_id = ? AND job_key = ?", pinsetter.Running, targetID, key).
		Count(&count).
		Error
	if err != nil {
		return 0, s.wrapError(err)
	}
	return count, nil
}

// List returns statuses matching the request.
func (s *Store) List(request *pinsetter.ListRequest) (*pinsetter.ListResponse, error) {
	rsp := &pinsetter.ListResponse{}

	buildFilter := func(qry *gorm.DB) *gorm.DB {
		if request.Key != "" {
			qry = qry.Where("job_key = ?", request.Key)
		}
		if request.Group != "" {
			qry = qry.Where("job_group = ?", request.Group)
		}
		if request.Type != "" {
			qry = qry.Where("job_type = ?", request.Type)
		}
		if request.State != "" {
			qry = qry.Where("state = ?", request.State)
		}
		if request.TargetID != "" {
			qry = qry.Where("target_id = ?", request.TargetID)
		}
		if request.CorrelationID != "" {
			qry = qry.Where("correlation_id = ?", request.CorrelationID)
		}
		return qry
	}

	// Count
	err := buildFilter(s.db.Model(&Job{})).Count(&rsp.Total).Error
	if err != nil {
		return nil, s.wrapError(err)
	}

	// Find
	qry := buildFilter(s.db.Order("last_mod desc").
		Offset(request.Offset).
		Limit(request.Limit))
	var list []*Job
	err = qry.Find(&list).Error
	if err != nil {
		return nil, s.wrapError(err)
	}
	for _, j := range list {
		status, err := j.ToStatus()
		if err != nil {
			return nil, s.wrapError(err)
		}
		rsp.Jobs = append(rsp.Jobs, status)
	}
	return rsp, nil
}

// Stats returns statistics about the statuses in the store.
func (s *Store) Stats(req *pinsetter.StatsRequest) (*pinsetter.Stats, error) {
	stats := new(pinsetter.Stats)
	buildFilter := func(state pinsetter.JobState) *gorm.DB {
		f := s.db.Model(&Job{}).Where("state = ?", state)
		if req != nil {
			if req.Key != "" {
				f = f.Where("job_key = ?", req.Key)
			}
			if req.Group != "" {
				f = f.Where("job_group = ?", req.Group)
			}
		}
		return f
	}
	counts := []struct {
		state pinsetter.JobState
		dst   *int
	}{
		{pinsetter.Created, &stats.Created},
		{pinsetter.Pending, &stats.Pending},
		{pinsetter.Queued, &stats.Queued},
		{pinsetter.Running, &stats.Running},
		{pinsetter.Finished, &stats.Finished},
		{pinsetter.Failed, &stats.Failed},
		{pinsetter.Canceled, &stats.Canceled},
		{pinsetter.Waiting, &stats.Waiting},
	}
	for _, c := range counts {
		if err := buildFilter(c.state).Count(c.dst).Error; err != nil {
			return nil, s.wrapError(err)
		}
	}
	return stats, nil
}

// -- MySQL-internal representation of a job status --

type Job struct {
	ID            string `gorm:"primary_key"`
	JobKey        string `gorm:"column:job_key"`
	JobGroup      string `gorm:"column:job_group"`
	JobType       string `gorm:"column:job_type"`
	TargetType    sql.NullString
	TargetID      sql.NullString
	Principal     sql.NullString
	CorrelationID sql.NullString
	State         string
	Args          sql.NullString
	Result        sql.NullString
	ResultData    sql.NullString
	Failure       sql.NullString
	Created       int64
	Updated       int64
	Started       int64
	Finished      int64
	LastMod       int64
}

func (Job) TableName() string {
	return "pinsetter_jobs"
}

func newJob(status *pinsetter.JobStatus) (*Job, error) {
	var args string
	if status.Args != nil {
		v, err := json.Marshal(status.Args)
		if err != nil {
			return nil, err
		}
		args = string(v)
	}
	var resultData string
	if status.ResultData != nil {
		v, err := json.Marshal(status.ResultData)
		if err != nil {
			return nil, err
		}
		resultData = string(v)
	}
	return &Job{
		ID:            status.ID,
		JobKey:        status.Key,
		JobGroup:      status.Group,
		JobType:       string(status.Type),
		TargetType:    sql.NullString{String: status.TargetType, Valid: status.TargetType != ""},
		TargetID:      sql.NullString{String: status.TargetID, Valid: status.TargetID != ""},
		Principal:     sql.NullString{String: status.Principal, Valid: status.Principal != ""},
		CorrelationID: sql.NullString{String: status.CorrelationID, Valid: status.CorrelationID != ""},
		State:         string(status.State),
		Args:          sql.NullString{String: args, Valid: args != ""},
		Result:        sql.NullString{String: status.Result, Valid: status.Result != ""},
		ResultData:    sql.NullString{String: resultData, Valid: resultData != ""},
		Failure:       sql.NullString{String: status.Failure, Valid: status.Failure != ""},
		Created:       status.Created,
		Updated:       status.Updated,
		Started:       status.Started,
		Finished:      status.Finished,
		LastMod:       status.Updated,
	}, nil
}

func (j *Job) ToStatus() (*pinsetter.JobStatus, error) {
	var args map[string]interface{}
	if j.Args.Valid && j.Args.String != "" {
		if err := json.Unmarshal([]byte(j.Args.String), &args); err != nil {
			return nil, err
		}
	}
	var resultData interface{}
	if j.ResultData.Valid && j.ResultData.String != "" {
		if err := json.Unmarshal([]byte(j.ResultData.String), &resultData); err != nil {
			return nil, err
		}
	}
	status := &pinsetter.JobStatus{
		ID:            j.ID,
		Key:           j.JobKey,
		Group:         j.JobGroup,
		Type:          pinsetter.JobType(j.JobType),
		TargetType:    j.TargetType.String,
		TargetID:      j.TargetID.String,
		Principal:     j.Principal.String,
		CorrelationID: j.CorrelationID.String,
		State:         pinsetter.JobState(j.State),
		Args:          args,
		Result:        j.Result.String,
		ResultData:    resultData,
		Failure:       j.Failure.String,
		Created:       j.Created,
		Updated:       j.LastMod,
		Started:       j.Started,
		Finished:      j.Finished,
	}
	return status, nil
}
