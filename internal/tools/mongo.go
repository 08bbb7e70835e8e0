package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"omni-agent-go/internal/model"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultDocLimit = 5

// ErrUnsafeOperator 表示查询包含可执行代码的操作符。
var ErrUnsafeOperator = errors.New("query uses a forbidden operator")

// DocumentQuery 是文档库工具接受的查询格式。
type DocumentQuery struct {
	Collection string          `json:"collection"`
	Filter     json.RawMessage `json:"filter"`
	Limit      int64           `json:"limit"`
}

// ParseDocumentQuery 解析并校验查询，返回集合名、过滤条件和条数上限。
func ParseDocumentQuery(query string) (string, bson.M, int64, error) {
	var q DocumentQuery
	if err := json.Unmarshal([]byte(strings.TrimSpace(query)), &q); err != nil {
		return "", nil, 0, fmt.Errorf("invalid document query: %w", err)
	}
	if q.Collection == "" {
		return "", nil, 0, errors.New("invalid document query: collection is required")
	}
	raw := string(q.Filter)
	if strings.Contains(raw, "$where") || strings.Contains(raw, "$function") || strings.Contains(raw, "$accumulator") {
		return "", nil, 0, ErrUnsafeOperator
	}
	filter := bson.M{}
	if len(q.Filter) > 0 && raw != "null" {
		if err := bson.UnmarshalExtJSON(q.Filter, false, &filter); err != nil {
			return "", nil, 0, fmt.Errorf("invalid document filter: %w", err)
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultDocLimit
	}
	if limit > maxRows {
		limit = maxRows
	}
	return q.Collection, filter, limit, nil
}

// MongoTool 查询租户的 MongoDB。
type MongoTool struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo 连接文档库并确认可用。
func OpenMongo(ctx context.Context, cred model.DocumentCredential) (*MongoTool, error) {
	opts := options.Client().ApplyURI(cred.URI).SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoTool{client: client, db: client.Database(cred.Database)}, nil
}

func (t *MongoTool) Kind() model.BackendKind { return model.KindDocument }

// Execute 执行 {"collection","filter","limit"} 形式的查询。
func (t *MongoTool) Execute(ctx context.Context, query string) (string, error) {
	collection, filter, limit, err := ParseDocumentQuery(query)
	if err != nil {
		return "", err
	}
	cursor, err := t.db.Collection(collection).Find(ctx, filter, options.Find().SetLimit(limit))
	if err != nil {
		return "", fmt.Errorf("find in %s: %w", collection, err)
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return "", fmt.Errorf("read cursor: %w", err)
	}
	return encodeRows(docs, len(docs))
}

// Schema 对每个集合取一条样本，返回 集合名 -> 字段名 列表。
func (t *MongoTool) Schema(ctx context.Context) (map[string]interface{}, error) {
	names, err := t.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	schema := make(map[string]interface{}, len(names))
	for _, name := range names {
		var sample bson.M
		err := t.db.Collection(name).FindOne(ctx, bson.D{}).Decode(&sample)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", name, err)
		}
		keys := make([]string, 0, len(sample))
		for k := range sample {
			if k != "_id" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		schema[name] = keys
	}
	return schema, nil
}

func (t *MongoTool) Close() error {
	return t.client.Disconnect(context.Background())
}
