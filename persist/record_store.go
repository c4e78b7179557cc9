package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RecordRow is the metadata row kept for every committed record. The ciphertext lives in a
// BlobStore; the row carries the envelope needed to decrypt it.
type RecordRow struct {
	ID             string    `bson:"_id" json:"id"`
	Owner          string    `bson:"owner" json:"owner"`
	Filename       string    `bson:"filename" json:"filename"`
	BlobURL        string    `bson:"blob_url" json:"blob_url"`
	IntegrityHash  string    `bson:"integrity_hash" json:"integrity_hash"`
	Size           int64     `bson:"size" json:"size"`
	Envelope       []byte    `bson:"envelope" json:"envelope"`
	KeyFingerprint string    `bson:"key_fingerprint,omitempty" json:"key_fingerprint,omitempty"`
	CreatedAt      time.Time `bson:"created_at" json:"created_at"`
}

// RecordStore persists record rows
type RecordStore interface {
	Save(ctx context.Context, row RecordRow) error
	Get(ctx context.Context, id string) (*RecordRow, error)
	// List returns the rows of owner, newest first
	List(ctx context.Context, owner string) ([]RecordRow, error)
}

// MongoRecordStore keeps record rows in a MongoDB collection keyed by record id
type MongoRecordStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoRecordStore(ctx context.Context, uri, dbName, collName string) (*MongoRecordStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	// Verify connection quickly
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	coll := cli.Database(dbName).Collection(collName)

	_, _ = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner", Value: 1}, {Key: "created_at", Value: -1}},
	})

	return &MongoRecordStore{client: cli, coll: coll}, nil
}

func (m *MongoRecordStore) Save(ctx context.Context, row RecordRow) error {
	if row.ID == "" {
		return errors.New("empty record id")
	}
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": row.ID}, row, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save record row: %w", err)
	}
	return nil
}

func (m *MongoRecordStore) Get(ctx context.Context, id string) (*RecordRow, error) {
	var row RecordRow
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record row: %w", err)
	}
	return &row, nil
}

func (m *MongoRecordStore) List(ctx context.Context, owner string) ([]RecordRow, error) {
	cur, err := m.coll.Find(ctx, bson.M{"owner": owner},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list record rows: %w", err)
	}
	defer cur.Close(ctx)

	var rows []RecordRow
	if err = cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode record rows: %w", err)
	}
	return rows, nil
}

func (m *MongoRecordStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// MemoryRecordStore is an in-process RecordStore
type MemoryRecordStore struct {
	mu   sync.RWMutex
	rows map[string]RecordRow
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{rows: make(map[string]RecordRow)}
}

func (m *MemoryRecordStore) Save(_ context.Context, row RecordRow) error {
	if row.ID == "" {
		return errors.New("empty record id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.ID] = row
	return nil
}

func (m *MemoryRecordStore) Get(_ context.Context, id string) (*RecordRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (m *MemoryRecordStore) List(_ context.Context, owner string) ([]RecordRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []RecordRow
	for _, row := range m.rows {
		if row.Owner == owner {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	return rows, nil
}
