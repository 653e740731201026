package mongodb

import (
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/pinsetter/pinsetter"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "pinsetter_jobs"
)

// Store represents a MongoDB-based storage backend.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	// Create collection if it does not exist
	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)

	// Create indices
	err = st.coll.EnsureIndexKey("state")
	if err != nil {
		return nil, err
	}
	err = st.coll.EnsureIndexKey("job_key")
	if err != nil {
		return nil, err
	}
	err = st.coll.EnsureIndexKey("job_group", "state")
	if err != nil {
		return nil, err
	}
	err = st.coll.EnsureIndexKey("state", "target_id", "job_key")
	if err != nil {
		return nil, err
	}
	err = st.coll.EnsureIndexKey("-last_mod")
	if err != nil {
		return nil, err
	}
	err = st.coll.EnsureIndexKey("correlation_id")
	if err != nil {
		return nil, err
	}

	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to pinsetter-specific "not found" error
		return pinsetter.ErrNotFound
	}
	return err
}

// Start is called when the executor starts up. Index setup already
// happened in NewStore. Crash recovery is left to the scheduler kernel,
// which knows about in-flight jobs and clustering.
func (s *Store) Start() error {
	return nil
}

// Get retrieves a single status by its identifier.
func (s *Store) Get(id string) (*pinsetter.JobStatus, error) {
	var j Job
	err := s.coll.FindId(id).One(&j)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return j.ToStatus(), nil
}

// Create adds a new status to the store.
func (s *Store) Create(status *pinsetter.JobStatus) error {
	j := newJob(status)
	j.LastMod = j.Created
	return s.wrapError(s.coll.Insert(j))
}

// Merge updates a status in the store.
func (s *Store) Merge(status *pinsetter.JobStatus) error {
	j := newJob(status)
	j.LastMod = time.Now().UnixNano()
	j.Updated = j.LastMod
	if err := s.wrapError(s.coll.UpdateId(j.ID, j)); err != nil {
		return err
	}
	status.Updated = j.LastMod
	return nil
}

// Delete removes a status from the store.
func (s *Store) Delete(id string) error {
	return s.wrapError(s.coll.RemoveId(id))
}

// FindCanceled returns all canceled statuses in the given realm groups.
func (s *Store) FindCanceled(groups []string) ([]*pinsetter.JobStatus, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	var list []*Job
	err := s.coll.Find(bson.M{
		"state":     pinsetter.Canceled,
		"job_group": bson.M{"$in": groups},
	}).Sort("_id").All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	result := make([]*pinsetter.JobStatus, len(list))
	for i, j := range list {
		result[i] = j.ToStatus()
	}
	return result, nil
}

// CancelOrphaned marks statuses stuck in Queued or Running as Canceled,
// excluding the given job ids.
func (s *Store) CancelOrphaned(exclude []string) (int, error) {
	query := bson.M{
		"state": bson.M{"$in": []pinsetter.JobState{pinsetter.Queued, pinsetter.Running}},
	}
	if len(exclude) > 0 {
		query["_id"] = bson.M{"$nin": exclude}
	}
	now := time.Now().UnixNano()
	change := bson.M{"$set": bson.M{
		"state":    pinsetter.Canceled,
		"updated":  now,
		"last_mod": now,
	}}
	info, err := s.coll.UpdateAll(query, change)
	if err != nil {
		return 0, s.wrapError(err)
	}
	return info.Updated, nil
}

// CountRunning returns the number of running statuses for a target/key
// pair.
func (s *Store) CountRunning(targetID, key string) (int, error) {
	n, err := s.coll.Find(bson.M{
		"state":     pinsetter.Running,
		"target_id": targetID,
		"job_key":   key,
	}).Count()
	if err != nil {
		return 0, s.wrapError(err)
	}
	return n, nil
}

// List returns statuses matching the request.
func (s *Store) List(request *pinsetter.ListRequest) (*pinsetter.ListResponse, error) {
	rsp := &pinsetter.ListResponse{}

	// Common filters for both Count and Find
	query := bson.M{}
	if request.Key != "" {
		query["job_key"] = request.Key
	}
	if request.Group != "" {
		query["job_group"] = request.Group
	}
	if request.Type != "" {
		query["job_type"] = request.Type
	}
	if request.State != "" {
		query["state"] = request.State
	}
	if request.TargetID != "" {
		query["target_id"] = request.TargetID
	}
	if request.CorrelationID != "" {
		query["correlation_id"] = request.CorrelationID
	}

	// Count
	count, err := s.coll.Find(query).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Total = count

	// Find
	var list []*Job
	err = s.coll.Find(query).Sort("-last_mod").Skip(request.Offset).Limit(request.Limit).All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	for _, j := range list {
		rsp.Jobs = append(rsp.Jobs, j.ToStatus())
	}
	return rsp, nil
}

// Stats returns statistics about the statuses in the store.
func (s *Store) Stats(req *pinsetter.StatsRequest) (*pinsetter.Stats, error) {
	count := func(state pinsetter.JobState) (int, error) {
		query := bson.M{"state": state}
		if req != nil {
			if req.Key != "" {
				query["job_key"] = req.Key
			}
			if req.Group != "" {
				query["job_group"] = req.Group
			}
		}
		return s.coll.Find(query).Count()
	}
	stats := new(pinsetter.Stats)
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
		n, err := count(c.state)
		if err != nil {
			return nil, s.wrapError(err)
		}
		*c.dst = n
	}
	return stats, nil
}

// -- MongoDB-internal representation of a job status --

type Job struct {
	ID            string                 `bson:"_id"`
	JobKey        string                 `bson:"job_key"`
	JobGroup      string                 `bson:"job_group"`
	JobType       string                 `bson:"job_type"`
	TargetType    string                 `bson:"target_type,omitempty"`
	TargetID      string                 `bson:"target_id,omitempty"`
	Principal     string                 `bson:"principal,omitempty"`
	CorrelationID string                 `bson:"correlation_id,omitempty"`
	State         string                 `bson:"state"`
	Args          map[string]interface{} `bson:"args,omitempty"`
	Result        string                 `bson:"result,omitempty"`
	ResultData    interface{}            `bson:"result_data,omitempty"`
	Failure       string                 `bson:"failure,omitempty"`
	Created       int64                  `bson:"created"`
	Updated       int64                  `bson:"updated"`
	Started       int64                  `bson:"started"`
	Finished      int64                  `bson:"finished"`
	LastMod       int64                  `bson:"last_mod"`
}

func newJob(status *pinsetter.JobStatus) *Job {
	return &Job{
		ID:            status.ID,
		JobKey:        status.Key,
		JobGroup:      status.Group,
		JobType:       string(status.Type),
		TargetType:    status.TargetType,
		TargetID:      status.TargetID,
		Principal:     status.Principal,
		CorrelationID: status.CorrelationID,
		State:         string(status.State),
		Args:          status.Args,
		Result:        status.Result,
		ResultData:    status.ResultData,
		Failure:       status.Failure,
		Created:       status.Created,
		Updated:       status.Updated,
		Started:       status.Started,
		Finished:      status.Finished,
	}
}

func (j *Job) ToStatus() *pinsetter.JobStatus {
	return &pinsetter.JobStatus{
		ID:            j.ID,
		Key:           j.JobKey,
		Group:         j.JobGroup,
		Type:          pinsetter.JobType(j.JobType),
		TargetType:    j.TargetType,
		TargetID:      j.TargetID,
		Principal:     j.Principal,
		CorrelationID: j.CorrelationID,
		State:         pinsetter.JobState(j.State),
		Args:          j.Args,
		Result:        j.Result,
		ResultData:    j.ResultData,
		Failure:       j.Failure,
		Created:       j.Created,
		Updated:       j.LastMod,
		Started:       j.Started,
		Finished:      j.Finished,
	}
}
