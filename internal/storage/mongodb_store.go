package storage

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore is an alternative document-store backend for deployments
// that already run Mongo for fleet telemetry. Collections mirror the
// Postgres table names.
type MongoDBStore struct {
	client  *mongo.Client
	db      *mongo.Database
	users   *mongo.Collection
	sales   *mongo.Collection
	sources *mongo.Collection
	rates   *mongo.Collection
	fails   *mongo.Collection
	events  *mongo.Collection
}

// NewMongoDBStore connects to uri and wires up the collections named by cfg.
func NewMongoDBStore(uri, dbName string, cfg StoreConfig) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	db := client.Database(dbName)
	m := &MongoDBStore{
		client:  client,
		db:      db,
		users:   db.Collection(cfg.UsersTable),
		sales:   db.Collection(cfg.SalesTable),
		sources: db.Collection(cfg.SourcesTable),
		rates:   db.Collection(cfg.RatesTable),
		fails:   db.Collection(cfg.FailuresTable),
		events:  db.Collection(cfg.EventsTable),
	}

	_, _ = m.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "mac", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "user_code", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "client_id", Value: 1}}, Options: options.Index().SetSparse(true)},
	})

	return m, nil
}

func (m *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoDBStore) findUser(ctx context.Context, filter bson.M) (User, error) {
	var u User
	err := m.users.FindOne(ctx, filter).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return User{}, ErrNotFound
	}
	return u, err
}

func (m *MongoDBStore) FindUserByMAC(ctx context.Context, mac string) (User, error) {
	return m.findUser(ctx, bson.M{"mac": normMAC(mac)})
}

func (m *MongoDBStore) FindUserByCookie(ctx context.Context, clientID string) (User, error) {
	return m.findUser(ctx, bson.M{"clientid": clientID})
}

func (m *MongoDBStore) FindUserByCode(ctx context.Context, userCode string) (User, error) {
	return m.findUser(ctx, bson.M{"usercode": userCode})
}

func (m *MongoDBStore) FindUserByIP(ctx context.Context, ip string) (User, error) {
	return m.findUser(ctx, bson.M{"ip": ip, "creditseconds": bson.M{"$gt": 0}})
}

func (m *MongoDBStore) UpsertUser(ctx context.Context, u User) error {
	u.MAC = normMAC(u.MAC)
	opts := options.Replace().SetUpsert(true)
	_, err := m.users.ReplaceOne(ctx, bson.M{"userid": u.UserID}, u, opts)
	return err
}

func (m *MongoDBStore) ClaimMAC(ctx context.Context, userID, newMAC string) error {
	newMAC = normMAC(newMAC)
	if _, err := m.users.DeleteOne(ctx, bson.M{"mac": newMAC, "userid": bson.M{"$ne": userID}}); err != nil {
		return err
	}
	res, err := m.users.UpdateOne(ctx, bson.M{"userid": userID}, bson.M{"$set": bson.M{"mac": newMAC}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDBStore) AssignIP(ctx context.Context, userID, ip string) error {
	if _, err := m.users.UpdateMany(ctx, bson.M{"ip": ip, "userid": bson.M{"$ne": userID}},
		bson.M{"$set": bson.M{"ip": ""}}); err != nil {
		return err
	}
	res, err := m.users.UpdateOne(ctx, bson.M{"userid": userID}, bson.M{"$set": bson.M{"ip": ip}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDBStore) Decrement(ctx context.Context, userID string, seconds int64) (int64, error) {
	var u User
	err := m.users.FindOneAndUpdate(ctx, bson.M{"userid": userID},
		bson.M{"$inc": bson.M{"creditseconds": -seconds}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if u.CreditSeconds < 0 {
		u.CreditSeconds = 0
		_, _ = m.users.UpdateOne(ctx, bson.M{"userid": userID}, bson.M{"$set": bson.M{"creditseconds": 0}})
	}
	return u.CreditSeconds, nil
}

func (m *MongoDBStore) AddCredit(ctx context.Context, userID string, seconds int64) (int64, error) {
	var u User
	err := m.users.FindOneAndUpdate(ctx, bson.M{"userid": userID},
		bson.M{"$inc": bson.M{"creditseconds": seconds, "totalsecondsever": seconds}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return u.CreditSeconds, nil
}

func (m *MongoDBStore) setFlag(ctx context.Context, userID string, paused, connected bool) error {
	res, err := m.users.UpdateOne(ctx, bson.M{"userid": userID},
		bson.M{"$set": bson.M{"paused": paused, "connected": connected}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDBStore) TouchTraffic(ctx context.Context, userID string, at time.Time) error {
	res, err := m.users.UpdateOne(ctx, bson.M{"userid": userID}, bson.M{"$set": bson.M{"lasttrafficat": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDBStore) Pause(ctx context.Context, userID string) error  { return m.setFlag(ctx, userID, true, false) }
func (m *MongoDBStore) Resume(ctx context.Context, userID string) error { return m.setFlag(ctx, userID, false, true) }

func (m *MongoDBStore) Expire(ctx context.Context, userID string) error {
	res, err := m.users.UpdateOne(ctx, bson.M{"userid": userID},
		bson.M{"$set": bson.M{"creditseconds": 0, "connected": false}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDBStore) IterateActive(ctx context.Context) ([]User, error) {
	cur, err := m.users.Find(ctx, bson.M{"creditseconds": bson.M{"$gt": 0}, "paused": false})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []User
	for cur.Next(ctx) {
		var u User
		if err := cur.Decode(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, cur.Err()
}

func (m *MongoDBStore) AppendSale(ctx context.Context, sale Sale) error {
	if sale.Timestamp.IsZero() {
		sale.Timestamp = time.Now()
	}
	_, err := m.sales.InsertOne(ctx, sale)
	return err
}

func (m *MongoDBStore) ListSales(ctx context.Context, since time.Time) ([]Sale, error) {
	cur, err := m.sales.Find(ctx, bson.M{"timestamp": bson.M{"$gte": since}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Sale
	for cur.Next(ctx) {
		var s Sale
		if err := cur.Decode(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, cur.Err()
}

func (m *MongoDBStore) UpsertSource(ctx context.Context, src Source) error {
	_, err := m.sources.ReplaceOne(ctx, bson.M{"id": src.ID}, src, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoDBStore) GetSource(ctx context.Context, id string) (Source, error) {
	var s Source
	err := m.sources.FindOne(ctx, bson.M{"id": id}).Decode(&s)
	if err == mongo.ErrNoDocuments {
		return Source{}, ErrNotFound
	}
	return s, err
}

func (m *MongoDBStore) ListSources(ctx context.Context) ([]Source, error) {
	cur, err := m.sources.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Source
	for cur.Next(ctx) {
		var s Source
		if err := cur.Decode(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, cur.Err()
}

func (m *MongoDBStore) TouchSourceHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := m.sources.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": bson.M{"lastactiveat": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDBStore) ListRates(ctx context.Context) ([]Rate, error) {
	cur, err := m.rates.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Rate
	for cur.Next(ctx) {
		var r Rate
		if err := cur.Decode(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, cur.Err()
}

func (m *MongoDBStore) UpsertRate(ctx context.Context, r Rate) error {
	_, err := m.rates.ReplaceOne(ctx, bson.M{"id": r.ID}, r, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoDBStore) GetFailureRecord(ctx context.Context, mac string) (FailureRecord, error) {
	var rec FailureRecord
	err := m.fails.FindOne(ctx, bson.M{"mac": normMAC(mac)}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return FailureRecord{MAC: normMAC(mac)}, nil
	}
	return rec, err
}

func (m *MongoDBStore) IncrementFailure(ctx context.Context, mac string, banUntil *time.Time) (FailureRecord, error) {
	mac = normMAC(mac)
	update := bson.M{"$inc": bson.M{"count": 1}}
	if banUntil != nil {
		update["$set"] = bson.M{"bannedUntil": *banUntil}
	}
	var rec FailureRecord
	err := m.fails.FindOneAndUpdate(ctx, bson.M{"mac": mac}, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).Decode(&rec)
	return rec, err
}

func (m *MongoDBStore) ClearFailure(ctx context.Context, mac string) error {
	_, err := m.fails.DeleteOne(ctx, bson.M{"mac": normMAC(mac)})
	return err
}

func (m *MongoDBStore) EnqueueEvent(ctx context.Context, evt OperatorEvent) (string, error) {
	if evt.Status == "" {
		evt.Status = EventPending
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	_, err := m.events.InsertOne(ctx, evt)
	return evt.ID, err
}

func (m *MongoDBStore) DequeueEvents(ctx context.Context, limit int) ([]OperatorEvent, error) {
	cur, err := m.events.Find(ctx, bson.M{"status": EventPending, "nextattemptat": bson.M{"$lte": time.Now()}},
		options.Find().SetLimit(int64(limit)).SetSort(bson.M{"createdat": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []OperatorEvent
	for cur.Next(ctx) {
		var e OperatorEvent
		if err := cur.Decode(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, cur.Err()
}

func (m *MongoDBStore) MarkEventProcessing(ctx context.Context, id string) error {
	_, err := m.events.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": bson.M{"status": EventProcessing}})
	return err
}

func (m *MongoDBStore) MarkEventDelivered(ctx context.Context, id string) error {
	_, err := m.events.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": bson.M{"status": EventDelivered}})
	return err
}

func (m *MongoDBStore) MarkEventFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	evt, err := m.eventByID(ctx, id)
	if err != nil {
		return err
	}
	status := EventPending
	if evt.Attempts+1 >= 10 {
		status = EventDeadLetter
	}
	_, err = m.events.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": bson.M{
		"status": status, "lasterror": errMsg, "nextattemptat": nextAttemptAt,
	}, "$inc": bson.M{"attempts": 1}})
	return err
}

func (m *MongoDBStore) eventByID(ctx context.Context, id string) (OperatorEvent, error) {
	var e OperatorEvent
	err := m.events.FindOne(ctx, bson.M{"id": id}).Decode(&e)
	return e, err
}

var _ Store = (*MongoDBStore)(nil)
var _ Store = (*PostgresStore)(nil)
