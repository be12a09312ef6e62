package sim

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/TPCP-Project/tpcp-chat/internal/models"
)

// Documents keep the wire model under "body" and lift the fields queries
// filter on.
type conversationDoc struct {
	ID        string              `bson:"_id"`
	Type      string              `bson:"type"`
	DirectKey string              `bson:"direct_key,omitempty"`
	UpdatedAt time.Time           `bson:"updated_at"`
	Body      models.Conversation `bson:"body"`
}

type participantDoc struct {
	ConversationID string             `bson:"conversation_id"`
	UserID         string             `bson:"user_id"`
	Active         bool               `bson:"active"`
	Body           models.Participant `bson:"body"`
}

type messageDoc struct {
	ID             string         `bson:"_id"`
	ConversationID string         `bson:"conversation_id"`
	CreatedAt      time.Time      `bson:"created_at"`
	Body           models.Message `bson:"body"`
}

// MongoStore persists simulator state in MongoDB.
type MongoStore struct {
	client    *mongo.Client
	convCol   *mongo.Collection
	partCol   *mongo.Collection
	msgCol    *mongo.Collection
	opTimeout time.Duration
}

// ConnectMongo dials uri and prepares the collections and indexes.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return NewMongoStore(ctx, client, client.Database(database)), nil
}

func NewMongoStore(ctx context.Context, client *mongo.Client, db *mongo.Database) *MongoStore {
	s := &MongoStore{
		client:    client,
		convCol:   db.Collection("conversations"),
		partCol:   db.Collection("participants"),
		msgCol:    db.Collection("messages"),
		opTimeout: 3 * time.Second,
	}
	_, _ = s.msgCol.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	_, _ = s.partCol.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	_, _ = s.convCol.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "direct_key", Value: 1}},
		Options: options.Index().SetSparse(true),
	})
	return s
}

func (s *MongoStore) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func notFound(err error, as error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return as
	}
	return err
}

func (s *MongoStore) CreateConversation(ctx context.Context, c *models.Conversation, members []models.Participant) error {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	doc := conversationDoc{ID: c.ID, Type: string(c.Type), UpdatedAt: c.UpdatedAt, Body: *c}
	if c.IsDirect() && len(members) == 2 {
		doc.DirectKey = directKey(members[0].User.ID, members[1].User.ID)
	}
	if _, err := s.convCol.InsertOne(ctx, doc); err != nil {
		return err
	}
	for _, p := range members {
		if err := s.AddParticipant(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	var doc conversationDoc
	if err := s.convCol.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	return &doc.Body, nil
}

func (s *MongoStore) FindDirect(ctx context.Context, a, b string) (*models.Conversation, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	var doc conversationDoc
	if err := s.convCol.FindOne(ctx, bson.M{"direct_key": directKey(a, b)}).Decode(&doc); err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	return &doc.Body, nil
}

func (s *MongoStore) ListConversations(ctx context.Context, q ListQuery) ([]models.Conversation, int, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	ids, err := s.partCol.Distinct(ctx, "conversation_id", bson.M{"user_id": q.UserID, "active": true})
	if err != nil {
		return nil, 0, err
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	if q.Type != "" {
		filter["type"] = string(q.Type)
	}
	total, err := s.convCol.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if q.Limit > 0 {
		page := max(q.Page, 1)
		opts.SetSkip(int64((page - 1) * q.Limit)).SetLimit(int64(q.Limit))
	}
	cur, err := s.convCol.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var out []models.Conversation
	for cur.Next(ctx) {
		var doc conversationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, err
		}
		out = append(out, doc.Body)
	}
	return out, int(total), cur.Err()
}

func (s *MongoStore) AddParticipant(ctx context.Context, p models.Participant) error {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	doc := participantDoc{ConversationID: p.ConversationID, UserID: p.User.ID, Active: p.IsActive(), Body: p}
	_, err := s.partCol.ReplaceOne(ctx,
		bson.M{"conversation_id": p.ConversationID, "user_id": p.User.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) Participants(ctx context.Context, conversationID string) ([]models.Participant, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	cur, err := s.partCol.Find(ctx, bson.M{"conversation_id": conversationID, "active": true})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []models.Participant
	for cur.Next(ctx) {
		var doc participantDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.Body)
	}
	return out, cur.Err()
}

func (s *MongoStore) Participant(ctx context.Context, conversationID, userID string) (*models.Participant, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	var doc participantDoc
	err := s.partCol.FindOne(ctx, bson.M{"conversation_id": conversationID, "user_id": userID, "active": true}).Decode(&doc)
	if err != nil {
		return nil, notFound(err, ErrNotParticipant)
	}
	return &doc.Body, nil
}

func (s *MongoStore) UpdateParticipant(ctx context.Context, conversationID, userID string, fn func(*models.Participant)) error {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	var doc participantDoc
	if err := s.partCol.FindOne(ctx, bson.M{"conversation_id": conversationID, "user_id": userID}).Decode(&doc); err != nil {
		return notFound(err, ErrNotParticipant)
	}
	fn(&doc.Body)
	doc.Active = doc.Body.IsActive()
	_, err := s.partCol.ReplaceOne(ctx, bson.M{"conversation_id": conversationID, "user_id": userID}, doc)
	return err
}

func (s *MongoStore) SaveMessage(ctx context.Context, m *models.Message) error {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	doc := messageDoc{ID: m.ID, ConversationID: m.ConversationID, CreatedAt: m.CreatedAt, Body: *m}
	_, err := s.msgCol.UpdateOne(ctx, bson.M{"_id": m.ID}, bson.M{"$setOnInsert": doc}, options.Update().SetUpsert(true))
	if err != nil {
		return err
	}
	_, err = s.convCol.UpdateByID(ctx, m.ConversationID, bson.M{
		"$set": bson.M{
			"updated_at":               m.CreatedAt,
			"body.updatedat":           m.CreatedAt,
			"body.stats.lastmessageat": m.CreatedAt,
			"body.stats.lastmessageby": m.Sender.ID,
		},
		"$inc": bson.M{"body.stats.totalmessages": 1},
	})
	return err
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	var doc messageDoc
	if err := s.msgCol.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	return &doc.Body, nil
}

func (s *MongoStore) Messages(ctx context.Context, conversationID, before string, limit int) ([]models.Message, bool, error) {
	filter := bson.M{"conversation_id": conversationID}
	if before != "" {
		cursor, err := s.GetMessage(ctx, before)
		if err == nil {
			filter["created_at"] = bson.M{"$lt": cursor.CreatedAt}
		}
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		// one extra row tells whether an older page exists
		opts.SetLimit(int64(limit + 1))
	}
	cur, err := s.msgCol.Find(ctx, filter, opts)
	if err != nil {
		return nil, false, err
	}
	defer cur.Close(ctx)

	var newestFirst []models.Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, false, err
		}
		newestFirst = append(newestFirst, doc.Body)
	}
	if err := cur.Err(); err != nil {
		return nil, false, err
	}
	hasMore := limit > 0 && len(newestFirst) > limit
	if hasMore {
		newestFirst = newestFirst[:limit]
	}
	out := make([]models.Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(out)-1-i] = m
	}
	return out, hasMore, nil
}

func (s *MongoStore) UpdateMessage(ctx context.Context, id string, fn func(*models.Message) error) (*models.Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	_, err = s.msgCol.UpdateByID(ctx, id, bson.M{"$set": bson.M{"body": m}})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
