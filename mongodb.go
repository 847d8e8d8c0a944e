package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/gorder"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ErrNotFound is returned when a document is not found.
var ErrNotFound = errm.New("not found")

const settingsCollection = "settings"

// MongoConfig contains database configuration for creating MongoDB client.
type MongoConfig struct {
	// Address is the MongoDB address in host:port format.
	// Environment variable: RELAY_MONGO_ADDRESS.
	Address string `yaml:"address" json:"address" env:"RELAY_MONGO_ADDRESS"`
	// DBName is the name of the MongoDB database.
	// Default: "relay".
	// Environment variable: RELAY_MONGO_DB_NAME.
	DBName string `yaml:"db_name" json:"db_name" env:"RELAY_MONGO_DB_NAME" env-default:"relay"`
	// Username is the MongoDB username.
	// Environment variable: RELAY_MONGO_USERNAME.
	Username string `yaml:"username" json:"username" env:"RELAY_MONGO_USERNAME"`
	// Password is the MongoDB password.
	// Environment variable: RELAY_MONGO_PASSWORD.
	Password string `yaml:"password" json:"password" env:"RELAY_MONGO_PASSWORD"`
	// Workers is the number of workers that write settings asynchronously.
	// Default: 4.
	// Environment variable: RELAY_MONGO_WORKERS.
	Workers int `yaml:"workers" json:"workers" env:"RELAY_MONGO_WORKERS" env-default:"4"`
}

// Validate validates database configuration.
func (cfg MongoConfig) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Address, validation.Required),
		validation.Field(&cfg.DBName, validation.Required),
		validation.Field(&cfg.Username, validation.Required.When(len(cfg.Password) > 0)),
		validation.Field(&cfg.Password, validation.Required.When(len(cfg.Username) > 0)),
		validation.Field(&cfg.Workers, validation.Min(0)),
	)
}

// MongoDB is a MongoDB client, that creates collections.
type MongoDB struct {
	database *mongo.Database
	client   *mongo.Client

	colls map[string]*Collection
	mu    sync.RWMutex
}

// NewMongo connects to MongoDB and checks the connection. Call [MongoDB.Close] to disconnect.
func NewMongo(ctx context.Context, cfg MongoConfig) (*MongoDB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("mongodb://%s/%s", cfg.Address, cfg.DBName)
	opts := options.Client().ApplyURI(dsn)
	if len(cfg.Username) > 0 && len(cfg.Password) > 0 {
		opts.SetAuth(options.Credential{
			AuthMechanism: "SCRAM-SHA-256",
			AuthSource:    cfg.DBName,
			Username:      cfg.Username,
			Password:      cfg.Password,
		})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}

	return &MongoDB{
		database: client.Database(cfg.DBName),
		client:   client,
		colls:    make(map[string]*Collection),
	}, nil
}

// Close disconnects the client.
func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// GetCollection returns a collection object by name.
// It will create a new collection if it doesn't exist after first query.
func (m *MongoDB) GetCollection(name string) *Collection {
	m.mu.RLock()
	coll, ok := m.colls[name]
	m.mu.RUnlock()

	if ok {
		return coll
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if coll, ok := m.colls[name]; ok {
		return coll
	}
	m.colls[name] = &Collection{
		coll: m.database.Collection(name),
		name: name,
	}

	return m.colls[name]
}

// Collection handles interactions with a MongoDB collection.
type Collection struct {
	coll *mongo.Collection
	name string
}

// CreateUniqueIndex creates a unique index for a collection with the given field names.
func (m *Collection) CreateUniqueIndex(ctx context.Context, fieldNames ...string) error {
	keys := make(bson.D, 0, len(fieldNames))
	for _, field := range fieldNames {
		keys = append(keys, bson.E{Key: field, Value: 1})
	}

	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetUnique(true).SetName(m.name + "_" + strings.Join(fieldNames, "_") + "_index"),
	})
	return err
}

// FindOne finds a single document in the collection.
func (m *Collection) FindOne(ctx context.Context, dest any, filter bson.M) error {
	result := m.coll.FindOne(ctx, filter)
	err := result.Err()

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case err != nil:
		return err
	}

	if err := result.Decode(dest); err != nil {
		return errm.Wrap(err, "decode")
	}

	return nil
}

// Replace replaces a document in the collection, it inserts document if it doesn't exist.
func (m *Collection) Replace(ctx context.Context, record any, filter bson.M) error {
	_, err := m.coll.ReplaceOne(ctx, filter, record, options.Replace().SetUpsert(true))
	return err
}

// AsyncCollection is a wrapper for Collection with queue for asynchronous writes.
// Writes with the same queue key are applied in order.
type AsyncCollection struct {
	coll  *Collection
	queue *gorder.Gorder[string]
}

// NewAsyncCollection creates a queue of writes for the collection. Call [AsyncCollection.Shutdown] to flush it.
func NewAsyncCollection(ctx context.Context, coll *Collection, workers int, lg gorder.Logger) *AsyncCollection {
	q := gorder.NewWithOptions[string](ctx, gorder.Options{
		Workers:         workers,
		Log:             lg,
		ThrowOnShutdown: true,
		Retries:         5,
	})

	return &AsyncCollection{
		coll:  coll,
		queue: q,
	}
}

// Replace adds a task into the queue to call Collection.Replace.
func (m *AsyncCollection) Replace(queue, name string, record any, filter bson.M) {
	m.queue.Push(queue, name, func(ctx context.Context) error {
		return m.coll.Replace(ctx, record, filter)
	})
}

// Shutdown waits for queued writes.
func (m *AsyncCollection) Shutdown(ctx context.Context) error {
	return m.queue.Shutdown(ctx)
}

// MongoSettings is a [SettingsStorage] in MongoDB collection.
type MongoSettings struct {
	coll  *Collection
	async *AsyncCollection
}

// NewMongoSettings creates settings storage in "settings" collection of the provided database.
func NewMongoSettings(ctx context.Context, db *MongoDB, workers int, log Logger) (*MongoSettings, error) {
	coll := db.GetCollection(settingsCollection)
	if err := coll.CreateUniqueIndex(ctx, "user_id"); err != nil {
		return nil, errm.Wrap(err, "create index")
	}
	return &MongoSettings{
		coll:  coll,
		async: NewAsyncCollection(ctx, coll, workers, log),
	}, nil
}

func (m *MongoSettings) Find(ctx context.Context, userID int64) (Settings, bool, error) {
	var s Settings
	err := m.coll.FindOne(ctx, &s, bson.M{"user_id": userID})
	switch {
	case errors.Is(err, ErrNotFound):
		return Settings{}, false, nil
	case err != nil:
		return Settings{}, false, errm.Wrap(err, "find settings", "user_id", userID)
	}
	return s, true, nil
}

func (m *MongoSettings) UpdateAsync(s Settings) {
	m.async.Replace(strconv.FormatInt(s.UserID, 10), "replace_settings", s, bson.M{"user_id": s.UserID})
}

// Shutdown waits for pending writes.
func (m *MongoSettings) Shutdown(ctx context.Context) error {
	return m.async.Shutdown(ctx)
}
