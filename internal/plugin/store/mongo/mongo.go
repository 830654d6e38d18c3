// Package mongo registers the MongoDB datastore plugin.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmark-sync/internal/checksum"
	"github.com/chirino/bookmark-sync/internal/config"
	"github.com/chirino/bookmark-sync/internal/model"
	registrymigrate "github.com/chirino/bookmark-sync/internal/registry/migrate"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const dbName = "bookmark_sync"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.SyncStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return &MongoStore{client: client, db: client.Database(dbName)}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(dbName)
	collections := map[string][]mongo.IndexModel{
		"records": {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "record_id", Value: 1}, {Key: "record_type", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "encrypted", Value: 1}, {Key: "updated_at", Value: 1}}},
		},
		"vaults": {
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		"sync_settings": {
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for name, indexes := range collections {
		coll := db.Collection(name)
		if len(indexes) > 0 {
			if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes on %s: %w", name, err)
			}
		}
	}
	return nil
}

// MongoStore implements SyncStore on MongoDB collections.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

type recordDoc struct {
	ID          bson.ObjectID    `bson:"_id,omitempty"`
	UserID      string           `bson:"user_id"`
	RecordID    string           `bson:"record_id"`
	RecordType  model.RecordType `bson:"record_type"`
	Data        []byte           `bson:"data,omitempty"`
	Ciphertext  []byte           `bson:"ciphertext,omitempty"`
	Encrypted   bool             `bson:"encrypted"`
	Version     int64            `bson:"version"`
	BaseVersion int64            `bson:"base_version"`
	Deleted     bool             `bson:"deleted"`
	CreatedAt   time.Time        `bson:"created_at"`
	UpdatedAt   time.Time        `bson:"updated_at"`
}

type vaultDoc struct {
	UserID           string                  `bson:"user_id"`
	WrappedKey       []byte                  `bson:"wrapped_key"`
	Salt             []byte                  `bson:"salt"`
	KDFParams        model.KDFParams         `bson:"kdf_params"`
	Version          int                     `bson:"version"`
	RecoveryWrappers []model.RecoveryWrapper `bson:"recovery_wrappers,omitempty"`
	EnabledAt        time.Time               `bson:"enabled_at"`
	UpdatedAt        time.Time               `bson:"updated_at"`
}

type settingsDoc struct {
	UserID      string         `bson:"user_id"`
	SyncEnabled bool           `bson:"sync_enabled"`
	SyncMode    model.SyncMode `bson:"sync_mode"`
	LastSyncAt  *time.Time     `bson:"last_sync_at,omitempty"`
	UpdatedAt   time.Time      `bson:"updated_at"`
}

func (s *MongoStore) records() *mongo.Collection  { return s.db.Collection("records") }
func (s *MongoStore) vaults() *mongo.Collection   { return s.db.Collection("vaults") }
func (s *MongoStore) settings() *mongo.Collection { return s.db.Collection("sync_settings") }

func validateOp(op *registrystore.PushOperation, encrypted bool) error {
	if op.RecordID == "" {
		return &registrystore.ValidationError{Field: "recordId", Message: "required"}
	}
	if !op.RecordType.Valid() {
		return &registrystore.ValidationError{Field: "recordType", Message: fmt.Sprintf("unknown record type %q", op.RecordType)}
	}
	if !op.Deleted {
		if encrypted && len(op.Ciphertext) == 0 {
			return &registrystore.ValidationError{Field: "ciphertext", Message: "required in e2e mode"}
		}
		if !encrypted && len(op.Data) == 0 {
			return &registrystore.ValidationError{Field: "data", Message: "required in plaintext mode"}
		}
	}
	if encrypted && len(op.Data) > 0 {
		return &registrystore.ValidationError{Field: "data", Message: "must be empty in e2e mode"}
	}
	if !encrypted && len(op.Ciphertext) > 0 {
		return &registrystore.ValidationError{Field: "ciphertext", Message: "must be empty in plaintext mode"}
	}
	return nil
}

func (s *MongoStore) PushRecords(ctx context.Context, userID string, encrypted bool, ops []registrystore.PushOperation) ([]registrystore.PushResult, error) {
	for i := range ops {
		if err := validateOp(&ops[i], encrypted); err != nil {
			return nil, err
		}
	}

	base := time.Now().UTC()
	results := make([]registrystore.PushResult, 0, len(ops))
	for i := range ops {
		op := &ops[i]
		updatedAt := base.Add(time.Duration(i) * time.Microsecond)

		filter := bson.M{"user_id": userID, "record_id": op.RecordID, "record_type": op.RecordType}
		set := bson.M{
			"encrypted":    encrypted,
			"base_version": op.BaseVersion,
			"deleted":      op.Deleted,
			"updated_at":   updatedAt,
		}
		unset := bson.M{}
		switch {
		case op.Deleted:
			unset["data"] = ""
			unset["ciphertext"] = ""
		case encrypted:
			set["ciphertext"] = op.Ciphertext
			unset["data"] = ""
		default:
			set["data"] = []byte(op.Data)
			unset["ciphertext"] = ""
		}
		update := bson.M{
			"$set":         set,
			"$inc":         bson.M{"version": 1},
			"$setOnInsert": bson.M{"created_at": updatedAt},
		}
		if len(unset) > 0 {
			update["$unset"] = unset
		}

		var doc recordDoc
		err := s.records().FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&doc)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert record %s: %w", op.RecordID, err)
		}
		results = append(results, registrystore.PushResult{
			RecordID:  doc.RecordID,
			Version:   doc.Version,
			UpdatedAt: doc.UpdatedAt,
		})
	}
	return results, nil
}

func (s *MongoStore) PullRecords(ctx context.Context, userID string, encrypted bool, cursor *string, recordType *model.RecordType, limit int) (*registrystore.PullPage, error) {
	filter := bson.M{"user_id": userID, "encrypted": encrypted}
	if cursor != nil && *cursor != "" {
		after, err := time.Parse(time.RFC3339Nano, *cursor)
		if err != nil {
			return nil, &registrystore.ValidationError{Field: "cursor", Message: "invalid cursor"}
		}
		filter["updated_at"] = bson.M{"$gt": after}
	}
	if recordType != nil {
		if !recordType.Valid() {
			return nil, &registrystore.ValidationError{Field: "recordType", Message: "unknown record type"}
		}
		filter["record_type"] = *recordType
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit + 1))
	cur, err := s.records().Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	var docs []recordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	page := &registrystore.PullPage{Records: []registrystore.PullRecord{}}
	if len(docs) > limit {
		page.HasMore = true
		docs = docs[:limit]
	}
	for i := range docs {
		page.Records = append(page.Records, registrystore.PullRecord{
			RecordID:   docs[i].RecordID,
			RecordType: docs[i].RecordType,
			Data:       docs[i].Data,
			Ciphertext: docs[i].Ciphertext,
			Version:    docs[i].Version,
			Deleted:    docs[i].Deleted,
			UpdatedAt:  docs[i].UpdatedAt,
		})
	}
	if len(docs) > 0 {
		next := docs[len(docs)-1].UpdatedAt.UTC().Format(time.RFC3339Nano)
		page.NextCursor = &next
	}
	return page, nil
}

func (s *MongoStore) DatasetChecksum(ctx context.Context, userID string) (*checksum.Meta, error) {
	cur, err := s.records().Find(ctx, bson.M{"user_id": userID, "encrypted": false, "deleted": false})
	if err != nil {
		return nil, err
	}
	var docs []recordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	items := make([]checksum.Item, 0, len(docs))
	for i := range docs {
		items = append(items, checksum.Item{
			RecordID:   docs[i].RecordID,
			RecordType: docs[i].RecordType,
			Data:       docs[i].Data,
			Version:    docs[i].Version,
			UpdatedAt:  docs[i].UpdatedAt,
		})
	}
	return checksum.Compute(items)
}

func (s *MongoStore) CountRecords(ctx context.Context, userID string, encrypted bool) (int64, error) {
	return s.records().CountDocuments(ctx, bson.M{"user_id": userID, "encrypted": encrypted, "deleted": false})
}

func (s *MongoStore) DeleteRecordsByForm(ctx context.Context, userID string, encrypted bool) (int64, error) {
	res, err := s.records().DeleteMany(ctx, bson.M{"user_id": userID, "encrypted": encrypted})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) DeleteRecordKeys(ctx context.Context, userID string, keys []registrystore.RecordKey) error {
	if len(keys) == 0 {
		return nil
	}
	or := make([]bson.M, 0, len(keys))
	for _, key := range keys {
		or = append(or, bson.M{"record_id": key.RecordID, "record_type": key.RecordType})
	}
	_, err := s.records().DeleteMany(ctx, bson.M{"user_id": userID, "$or": or})
	return err
}

func (s *MongoStore) GetSettings(ctx context.Context, userID string) (*model.SyncSettings, error) {
	var doc settingsDoc
	err := s.settings().FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &model.SyncSettings{UserID: userID, SyncEnabled: false, SyncMode: model.SyncModeOff}, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.SyncSettings{
		UserID:      doc.UserID,
		SyncEnabled: doc.SyncEnabled,
		SyncMode:    doc.SyncMode,
		LastSyncAt:  doc.LastSyncAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

func (s *MongoStore) PutSettings(ctx context.Context, settings *model.SyncSettings) (*model.SyncSettings, error) {
	if !settings.SyncMode.Valid() {
		return nil, &registrystore.ValidationError{Field: "syncMode", Message: fmt.Sprintf("unknown sync mode %q", settings.SyncMode)}
	}
	settings.UpdatedAt = time.Now().UTC()
	doc := settingsDoc{
		UserID:      settings.UserID,
		SyncEnabled: settings.SyncEnabled,
		SyncMode:    settings.SyncMode,
		LastSyncAt:  settings.LastSyncAt,
		UpdatedAt:   settings.UpdatedAt,
	}
	_, err := s.settings().ReplaceOne(ctx, bson.M{"user_id": settings.UserID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *MongoStore) GetVault(ctx context.Context, userID string) (*model.Vault, error) {
	var doc vaultDoc
	err := s.vaults().FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "vault", ID: userID}
	}
	if err != nil {
		return nil, err
	}
	return &model.Vault{
		UserID:           doc.UserID,
		WrappedKey:       doc.WrappedKey,
		Salt:             doc.Salt,
		KDFParams:        doc.KDFParams,
		Version:          doc.Version,
		RecoveryWrappers: doc.RecoveryWrappers,
		EnabledAt:        doc.EnabledAt,
		UpdatedAt:        doc.UpdatedAt,
	}, nil
}

func (s *MongoStore) PutVault(ctx context.Context, vault *model.Vault) error {
	vault.UpdatedAt = time.Now().UTC()
	if vault.EnabledAt.IsZero() {
		vault.EnabledAt = vault.UpdatedAt
	}
	doc := vaultDoc{
		UserID:           vault.UserID,
		WrappedKey:       vault.WrappedKey,
		Salt:             vault.Salt,
		KDFParams:        vault.KDFParams,
		Version:          vault.Version,
		RecoveryWrappers: vault.RecoveryWrappers,
		EnabledAt:        vault.EnabledAt,
		UpdatedAt:        vault.UpdatedAt,
	}
	_, err := s.vaults().ReplaceOne(ctx, bson.M{"user_id": vault.UserID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) DeleteVault(ctx context.Context, userID string) error {
	_, err := s.vaults().DeleteOne(ctx, bson.M{"user_id": userID})
	return err
}
