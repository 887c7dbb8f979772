// Package archive moves expired partition data to MongoDB cold storage.
// The archiver is optional: when MONGODB_URI is unset the partition manager
// runs without it and archived partitions simply keep their rows in place.
package archive

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/gorm"

	"marketdata_backend/models"
)

// MongoDB database and collection names.
const (
	MongoDBName         = "marketdata_archive"
	MongoBarsCollection = "archived_bars"
	MongoLogsCollection = "archived_query_logs"
)

// archivedPartition is the cold-storage document for one partition.
type archivedPartition struct {
	PartitionID uint        `bson:"partition_id"`
	TableName   string      `bson:"table_name"`
	LowerBound  time.Time   `bson:"lower_bound"`
	UpperBound  time.Time   `bson:"upper_bound"`
	RowCount    int         `bson:"row_count"`
	ArchivedAt  time.Time   `bson:"archived_at"`
	Rows        interface{} `bson:"rows"`
}

// MongoArchiver implements partition.Archiver on MongoDB.
type MongoArchiver struct {
	client   *mongo.Client
	database *mongo.Database
}

// Connect establishes the MongoDB connection. Returns nil (and no error)
// when uri is empty so callers can wire the archiver unconditionally.
func Connect(ctx context.Context, uri string) (*MongoArchiver, error) {
	if uri == "" {
		log.Println("MONGODB_URI not set, partition archiving to cold storage disabled")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.Println("MongoDB archive storage connected")
	return &MongoArchiver{
		client:   client,
		database: client.Database(MongoDBName),
	}, nil
}

// Archive copies the partition's rows into cold storage. The relational rows
// stay in place until the partition is dropped, so a failed archive can be
// retried on the next scheduled run.
func (m *MongoArchiver) Archive(ctx context.Context, db *gorm.DB, p *models.Partition) error {
	doc := archivedPartition{
		PartitionID: p.ID,
		TableName:   p.TableName,
		LowerBound:  p.LowerBound,
		UpperBound:  p.UpperBound,
		ArchivedAt:  time.Now(),
	}

	var collection *mongo.Collection
	switch p.TableName {
	case "market_data_bars":
		var bars []models.MarketDataBar
		if err := db.Where("timestamp >= ? AND timestamp < ?", p.LowerBound, p.UpperBound).
			Find(&bars).Error; err != nil {
			return fmt.Errorf("failed to load bars for archive: %w", err)
		}
		doc.Rows = bars
		doc.RowCount = len(bars)
		collection = m.database.Collection(MongoBarsCollection)
	case "query_logs":
		var logs []models.QueryLog
		if err := db.Where("created_at >= ? AND created_at < ?", p.LowerBound, p.UpperBound).
			Find(&logs).Error; err != nil {
			return fmt.Errorf("failed to load query logs for archive: %w", err)
		}
		doc.Rows = logs
		doc.RowCount = len(logs)
		collection = m.database.Collection(MongoLogsCollection)
	default:
		return fmt.Errorf("cannot archive unmanaged table %q", p.TableName)
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if _, err := collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to write archive document: %w", err)
	}

	log.Printf("Archived partition %s [%s, %s): %d rows to cold storage",
		p.TableName, p.LowerBound.Format("2006-01-02"), p.UpperBound.Format("2006-01-02"), doc.RowCount)
	return nil
}

// Close disconnects from MongoDB.
func (m *MongoArchiver) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}
