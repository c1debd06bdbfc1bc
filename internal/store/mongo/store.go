// Package mongo is the document-store backend. Messages live in a
// per-account collection keyed by the composite "{chat_id}_{msg_id}"
// document id, indexed by (chat_id, date) for range scans.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"tgmirror/internal/domain"
	"tgmirror/internal/store"
)

type Store struct {
	client    *mongo.Client
	messages  *mongo.Collection
	snapshots *mongo.Collection
	log       *zap.Logger
}

type messageDoc struct {
	ID            string    `bson:"_id"`
	ChatID        int64     `bson:"chat_id"`
	MsgID         int64     `bson:"msg_id"`
	Date          time.Time `bson:"date"`
	EditTS        int64     `bson:"edit_ts"`
	SenderID      int64     `bson:"sender_id"`
	SenderDisplay string    `bson:"sender_display,omitempty"`
	Text          string    `bson:"text,omitempty"`
	Out           bool      `bson:"out,omitempty"`
}

type snapshotDoc struct {
	ID      string    `bson:"_id"`
	Payload string    `bson:"payload"`
	SavedAt time.Time `bson:"saved_at"`
}

// Open connects and binds the per-account messages collection, ensuring
// the (chat_id, date) index exists.
func Open(ctx context.Context, uri, dbName string, accountID int64, log *zap.Logger) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo: connection string is required")
	}
	if dbName == "" {
		return nil, errors.New("mongo: database name is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:    client,
		messages:  db.Collection(fmt.Sprintf("messages_user_%d", accountID)),
		snapshots: db.Collection(fmt.Sprintf("snapshots_user_%d", accountID)),
		log:       log,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "date", Value: -1}}},
		{Keys: bson.D{{Key: "date", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure indexes: %w", err)
	}
	s.log.Debug("mongo indexes ensured")
	return nil
}

func (s *Store) UpsertMessages(ctx context.Context, chatID int64, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(msgs))
	for _, msg := range msgs {
		doc := messageDoc{
			ID:            fmt.Sprintf("%d_%d", chatID, msg.MsgID),
			ChatID:        chatID,
			MsgID:         msg.MsgID,
			Date:          msg.Date.UTC(),
			SenderID:      msg.SenderID,
			SenderDisplay: msg.SenderDisplay,
			Text:          msg.Text,
			Out:           msg.Out,
		}
		if !msg.EditDate.IsZero() {
			doc.EditTS = msg.EditDate.Unix()
		}

		// Pipeline update: replace the stored document unless it carries
		// a newer edit timestamp than the incoming record.
		update := bson.A{bson.M{
			"$replaceWith": bson.M{
				"$cond": bson.A{
					bson.M{"$gte": bson.A{doc.EditTS, bson.M{"$ifNull": bson.A{"$edit_ts", 0}}}},
					doc,
					"$$ROOT",
				},
			},
		}}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetUpdate(update).
			SetUpsert(true))
	}

	result, err := s.messages.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("mongo: bulk upsert chat %d: %w", chatID, err)
	}
	s.log.Debug("mongo upsert",
		zap.Int64("chat_id", chatID),
		zap.Int64("upserted", result.UpsertedCount),
		zap.Int64("modified", result.ModifiedCount))
	return nil
}

func (s *Store) QueryMessages(ctx context.Context, chatID int64, opts store.QueryOptions) ([]domain.Message, error) {
	filter := bson.M{"chat_id": chatID}
	if !opts.MinDate.IsZero() || !opts.MaxDate.IsZero() {
		dateFilter := bson.M{}
		if !opts.MinDate.IsZero() {
			dateFilter["$gte"] = opts.MinDate.UTC()
		}
		if !opts.MaxDate.IsZero() {
			dateFilter["$lte"] = opts.MaxDate.UTC()
		}
		filter["date"] = dateFilter
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "date", Value: -1}, {Key: "msg_id", Value: -1}})
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := s.messages.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: query chat %d: %w", chatID, err)
	}
	defer cursor.Close(ctx)

	var messages []domain.Message
	for cursor.Next(ctx) {
		var doc messageDoc
		if err := cursor.Decode(&doc); err != nil {
			// A single malformed record must not fail the whole query.
			s.log.Warn("skipping malformed cached record",
				zap.Int64("chat_id", chatID),
				zap.Error(err))
			continue
		}
		messages = append(messages, docToMessage(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) RangeSummary(ctx context.Context, chatID int64) (domain.RangeSummary, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"chat_id": chatID}}},
		{{Key: "$group", Value: bson.M{
			"_id":      nil,
			"min_date": bson.M{"$min": "$date"},
			"max_date": bson.M{"$max": "$date"},
			"count":    bson.M{"$sum": 1},
		}}},
	}
	cursor, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return domain.RangeSummary{}, fmt.Errorf("mongo: range summary chat %d: %w", chatID, err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		MinDate time.Time `bson:"min_date"`
		MaxDate time.Time `bson:"max_date"`
		Count   int64     `bson:"count"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return domain.RangeSummary{}, err
	}
	if len(results) == 0 {
		return domain.RangeSummary{}, nil
	}
	return domain.RangeSummary{
		MinDate: results[0].MinDate.UTC(),
		MaxDate: results[0].MaxDate.UTC(),
		Count:   results[0].Count,
	}, nil
}

func (s *Store) HasAny(ctx context.Context, chatID int64) (bool, error) {
	err := s.messages.FindOne(ctx, bson.M{"chat_id": chatID}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Clear(ctx context.Context, chatID int64) error {
	_, err := s.messages.DeleteMany(ctx, bson.M{"chat_id": chatID})
	return err
}

func (s *Store) SaveDialogSnapshot(ctx context.Context, chats []domain.Chat) error {
	return s.saveSnapshot(ctx, "dialogs", domain.SnapshotFromChats(chats))
}

func (s *Store) LoadDialogSnapshot(ctx context.Context) ([]domain.Chat, error) {
	var records []domain.SnapshotRecord
	if err := s.loadSnapshot(ctx, "dialogs", &records); err != nil {
		return nil, err
	}
	return domain.ChatsFromSnapshot(records), nil
}

func (s *Store) SaveFolderSnapshot(ctx context.Context, folders []domain.Folder) error {
	return s.saveSnapshot(ctx, "folders", folders)
}

func (s *Store) LoadFolderSnapshot(ctx context.Context) ([]domain.Folder, error) {
	var folders []domain.Folder
	if err := s.loadSnapshot(ctx, "folders", &folders); err != nil {
		return nil, err
	}
	return folders, nil
}

func (s *Store) saveSnapshot(ctx context.Context, name string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.snapshots.ReplaceOne(ctx,
		bson.M{"_id": name},
		snapshotDoc{ID: name, Payload: string(encoded), SavedAt: time.Now().UTC()},
		options.Replace().SetUpsert(true))
	return err
}

func (s *Store) loadSnapshot(ctx context.Context, name string, out any) error {
	var doc snapshotDoc
	err := s.snapshots.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNoSnapshot
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(doc.Payload), out)
}

func docToMessage(doc messageDoc) domain.Message {
	msg := domain.Message{
		ChatID:        doc.ChatID,
		MsgID:         doc.MsgID,
		Date:          doc.Date.UTC(),
		SenderID:      doc.SenderID,
		SenderDisplay: doc.SenderDisplay,
		Text:          doc.Text,
		Out:           doc.Out,
	}
	if doc.EditTS > 0 {
		msg.EditDate = time.Unix(doc.EditTS, 0).UTC()
	}
	return msg
}
