// Package resource implements the external shared-resource collaborator
// spec.md §1 treats as opaque: an append-only log of entries, fronted by
// cmd/fileserver. It is deliberately outside the dme core's import graph —
// nothing in package dme depends on it.
package resource

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Entry is one posted line, grounded on original_source/file_server.py's
// {"node_id","client_time","text"} payload.
type Entry struct {
	NodeID     string    `bson:"node_id" json:"node_id"`
	ClientTime string    `bson:"client_time" json:"client_time"`
	Text       string    `bson:"text" json:"text"`
	AppendedAt time.Time `bson:"appended_at" json:"appended_at"`
}

// Store persists Entries in a MongoDB collection, replacing
// file_server.py's flat CHATFILE append. Grounded on the teacher's own use
// of go.mongodb.org/mongo-driver in 02-lock-centralizado and
// 03-lock-distribuido's servers.
type Store struct {
	collection *mongo.Collection
}

// Connect dials uri and returns a Store backed by db.collection.
func Connect(ctx context.Context, uri, db, collection string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "ping mongo")
	}
	return &Store{collection: client.Database(db).Collection(collection)}, nil
}

// Append inserts one entry.
func (s *Store) Append(ctx context.Context, e Entry) error {
	e.AppendedAt = time.Now()
	_, err := s.collection.InsertOne(ctx, e)
	return errors.Wrap(err, "append entry")
}

// View returns every entry in insertion order.
func (s *Store) View(ctx context.Context) ([]Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "appended_at", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find entries")
	}
	defer cursor.Close(ctx)

	var entries []Entry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, errors.Wrap(err, "decode entries")
	}
	return entries, nil
}
