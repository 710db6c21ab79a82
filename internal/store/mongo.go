package store

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/supermancell/bitquery-chart/internal/candle"
)

const barsCollection = "bars"

// barDocument is the stored form of a bar.
type barDocument struct {
	Channel   string  `bson:"channel"`
	Time      int64   `bson:"time"`
	Open      float64 `bson:"open"`
	High      float64 `bson:"high"`
	Low       float64 `bson:"low"`
	Close     float64 `bson:"close"`
	Volume    float64 `bson:"volume"`
	UpdatedAt int64   `bson:"updated_at"`
}

// Mongo stores bars in a single collection keyed by (channel, time). It keeps
// the full history; only the Redis and memory stores are trimmed.
type Mongo struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewMongo connects to MongoDB, pings it and ensures the bar index exists.
func NewMongo(ctx context.Context, uri, dbName string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	m := &Mongo{client: client, database: client.Database(dbName)}
	_, err = m.bars().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "channel", Value: 1}, {Key: "time", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create bar index: %w", err)
	}

	log.WithField("database", dbName).Info("Connected to MongoDB")
	return m, nil
}

func (m *Mongo) bars() *mongo.Collection {
	return m.database.Collection(barsCollection)
}

// SaveBar implements BarStore.
func (m *Mongo) SaveBar(ctx context.Context, channel string, bar candle.Bar) error {
	doc := barDocument{
		Channel:   channel,
		Time:      bar.Time,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
		UpdatedAt: time.Now().UnixMilli(),
	}

	filter := bson.M{
		"channel": channel,
		"time":    bar.Time,
	}
	opts := options.Update().SetUpsert(true)
	if _, err := m.bars().UpdateOne(ctx, filter, bson.M{"$set": doc}, opts); err != nil {
		return fmt.Errorf("failed to upsert bar for %s: %w", channel, err)
	}
	return nil
}

// RecentBars implements BarStore.
func (m *Mongo) RecentBars(ctx context.Context, channel string, n int) ([]candle.Bar, error) {
	opts := options.Find().SetSort(bson.D{{Key: "time", Value: -1}})
	if n > 0 {
		opts.SetLimit(int64(n))
	}

	cur, err := m.bars().Find(ctx, bson.M{"channel": channel}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars for %s: %w", channel, err)
	}
	defer cur.Close(ctx)

	var docs []barDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode bars: %w", err)
	}

	bars := make([]candle.Bar, len(docs))
	for i, d := range docs {
		bars[len(docs)-1-i] = candle.Bar{
			Time:   d.Time,
			Open:   d.Open,
			High:   d.High,
			Low:    d.Low,
			Close:  d.Close,
			Volume: d.Volume,
		}
	}
	return bars, nil
}

// Close closes the MongoDB connection
func (m *Mongo) Close() error {
	return m.client.Disconnect(context.Background())
}
