package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoStore is the document distributed backend: one document per job
// keyed by _id. Claims and versioned updates carry their condition in the
// filter of a single FindOneAndUpdate/FindOneAndReplace, which MongoDB
// applies atomically per document.
type mongoStore struct {
	client *mongo.Client
	col    *mongo.Collection
	log    logx.Logger
}

type scheduleDoc struct {
	Kind     string    `bson:"kind"`
	Expr     string    `bson:"expr,omitempty"`
	Timezone string    `bson:"timezone,omitempty"`
	EveryMS  int64     `bson:"every_ms,omitempty"`
	At       time.Time `bson:"at,omitempty"`
}

type jobDoc struct {
	ID            string      `bson:"_id"`
	Type          string      `bson:"job_type"`
	Name          string      `bson:"name"`
	Schedule      scheduleDoc `bson:"schedule"`
	Payload       string      `bson:"payload"`
	Missed        string      `bson:"missed_policy"`
	TimeoutMS     int64       `bson:"timeout_ms"`
	Status        string      `bson:"status"`
	NextRunAt     time.Time   `bson:"next_run_at"`
	LeaseOwner    string      `bson:"lease_owner"`
	LeaseUntil    time.Time   `bson:"lease_until"`
	ScheduledFor  time.Time   `bson:"scheduled_for"`
	AttemptCount  int         `bson:"attempt_count"`
	MaxAttempts   int         `bson:"max_attempts"`
	LastRunAt     time.Time   `bson:"last_run_at"`
	LastRunStatus string      `bson:"last_run_status"`
	LastError     string      `bson:"last_error"`
	CreatedAt     time.Time   `bson:"created_at"`
	UpdatedAt     time.Time   `bson:"updated_at"`
	Version       int64       `bson:"version"`
}

func toJobDoc(j *job.Job) *jobDoc {
	return &jobDoc{
		ID:   j.ID,
		Type: j.Type,
		Name: j.Name,
		Schedule: scheduleDoc{
			Kind:     string(j.Schedule.Kind),
			Expr:     j.Schedule.Expr,
			Timezone: j.Schedule.Timezone,
			EveryMS:  j.Schedule.EveryMS,
			At:       j.Schedule.At,
		},
		Payload:       string(j.Payload),
		Missed:        string(j.Missed),
		TimeoutMS:     j.Timeout.Milliseconds(),
		Status:        string(j.Status),
		NextRunAt:     j.NextRunAt,
		LeaseOwner:    j.LeaseOwner,
		LeaseUntil:    j.LeaseUntil,
		ScheduledFor:  j.ScheduledFor,
		AttemptCount:  j.AttemptCount,
		MaxAttempts:   j.MaxAttempts,
		LastRunAt:     j.LastRunAt,
		LastRunStatus: string(j.LastRunStatus),
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		Version:       j.Version,
	}
}

func fromJobDoc(d *jobDoc) *job.Job {
	j := &job.Job{
		ID:   d.ID,
		Type: d.Type,
		Name: d.Name,
		Schedule: job.Schedule{
			Kind:     job.ScheduleKind(d.Schedule.Kind),
			Expr:     d.Schedule.Expr,
			Timezone: d.Schedule.Timezone,
			EveryMS:  d.Schedule.EveryMS,
			At:       d.Schedule.At,
		},
		Missed:        job.MissedPolicy(d.Missed),
		Timeout:       time.Duration(d.TimeoutMS) * time.Millisecond,
		Status:        job.Status(d.Status),
		NextRunAt:     d.NextRunAt,
		LeaseOwner:    d.LeaseOwner,
		LeaseUntil:    d.LeaseUntil,
		ScheduledFor:  d.ScheduledFor,
		AttemptCount:  d.AttemptCount,
		MaxAttempts:   d.MaxAttempts,
		LastRunAt:     d.LastRunAt,
		LastRunStatus: job.RunStatus(d.LastRunStatus),
		LastError:     d.LastError,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		Version:       d.Version,
	}
	if d.Payload != "" {
		j.Payload = json.RawMessage(d.Payload)
	}
	// BSON dates decode as local time, and the zero time round-trips as
	// year 1; Normalize maps both back to UTC/zero.
	j.Normalize()
	return j
}

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (*mongoStore, error) {
	uri := strings.TrimSpace(cfg.DSN)
	if uri == "" {
		return nil, errors.New("storage.dsn is required for mongo driver")
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = "jobsched"
	}
	colName := strings.TrimSpace(cfg.Collection)
	if colName == "" {
		colName = "jobs"
	}

	opts := options.Client().ApplyURI(uri).SetConnectTimeout(cfg.connectTimeout())
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
	defer cancel()
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	col := client.Database(dbName).Collection(colName)
	_, err = col.Indexes().CreateMany(cctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_run_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "job_type", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}
	log.Debug("mongo store opened", logx.String("database", dbName), logx.String("collection", colName))
	return &mongoStore{client: client, col: col, log: log}, nil
}

func (s *mongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// claimableFilter matches Job.Claimable.
func claimableFilter(now time.Time) bson.M {
	return bson.M{
		"next_run_at": bson.M{"$lte": now},
		"status":      bson.M{"$in": []string{string(job.StatusPending), string(job.StatusLeased)}},
		"$or": bson.A{
			bson.M{"lease_owner": ""},
			bson.M{"lease_until": bson.M{"$lte": now}},
		},
	}
}

func (s *mongoStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "next_run_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, "list_due", claimableFilter(job.Millis(now)), opts)
}

func (s *mongoStore) TryClaim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*job.Job, error) {
	now = job.Millis(now)
	filter := claimableFilter(now)
	filter["_id"] = id
	update := bson.M{
		"$set": bson.M{
			"status":      string(job.StatusLeased),
			"lease_owner": owner,
			"lease_until": job.Millis(now.Add(ttl)),
			"updated_at":  now,
		},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var d jobDoc
	err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
	if err == nil {
		return fromJobDoc(&d), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, job.Storage("claim", err)
	}
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	return nil, job.ErrLeaseConflict
}

func (s *mongoStore) Update(ctx context.Context, j *job.Job, expectedVersion int64) (*job.Job, error) {
	next, err := prepareUpdate(j)
	if err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	opts := options.FindOneAndReplace().SetReturnDocument(options.After)

	var d jobDoc
	err = s.col.FindOneAndReplace(ctx, bson.M{"_id": next.ID, "version": expectedVersion}, toJobDoc(next), opts).Decode(&d)
	if err == nil {
		return fromJobDoc(&d), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, job.Storage("update", err)
	}
	if err := s.exists(ctx, next.ID); err != nil {
		return nil, err
	}
	return nil, job.ErrConcurrency
}

func (s *mongoStore) Create(ctx context.Context, j *job.Job) (*job.Job, error) {
	next, err := job.PrepareCreate(j, time.Now())
	if err != nil {
		return nil, err
	}
	if _, err := s.col.InsertOne(ctx, toJobDoc(next)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, job.ErrExists
		}
		return nil, job.Storage("create", err)
	}
	return next, nil
}

func (s *mongoStore) Get(ctx context.Context, id string) (*job.Job, error) {
	var d jobDoc
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, job.Storage("get", err)
	}
	return fromJobDoc(&d), nil
}

func (s *mongoStore) Cancel(ctx context.Context, id string, now time.Time) (*job.Job, error) {
	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$nin": []string{string(job.StatusDone), string(job.StatusCancelled)}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":      string(job.StatusCancelled),
			"lease_owner": "",
			"lease_until": time.Time{},
			"updated_at":  job.Millis(now),
		},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var d jobDoc
	err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
	if err == nil {
		return fromJobDoc(&d), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, job.Storage("cancel", err)
	}
	return cancelNoop(s.Get(ctx, id))
}

func (s *mongoStore) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	filter := bson.M{}
	if f.Type != "" {
		filter["job_type"] = f.Type
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": statusStrings(f.Statuses)}
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_run_at", Value: 1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return s.find(ctx, "list", filter, opts)
}

func (s *mongoStore) Purge(ctx context.Context, olderThan time.Time, statuses []job.Status) (int, error) {
	res, err := s.col.DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": statusStrings(defaultPurgeStatuses(statuses))},
		"updated_at": bson.M{"$lt": job.Millis(olderThan)},
	})
	if err != nil {
		return 0, job.Storage("purge", err)
	}
	return int(res.DeletedCount), nil
}

func (s *mongoStore) find(ctx context.Context, op string, filter bson.M, opts *options.FindOptionsBuilder) ([]*job.Job, error) {
	cur, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, job.Storage(op, err)
	}
	var docs []jobDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, job.Storage(op, err)
	}
	out := make([]*job.Job, 0, len(docs))
	for i := range docs {
		out = append(out, fromJobDoc(&docs[i]))
	}
	return out, nil
}

func (s *mongoStore) exists(ctx context.Context, id string) error {
	n, err := s.col.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return job.Storage("count", err)
	}
	if n == 0 {
		return job.ErrNotFound
	}
	return nil
}

func statusStrings(in []job.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
