package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"omni-agent-go/internal/model"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotReadOnly 表示查询不是只读的 SELECT。
var ErrNotReadOnly = errors.New("only read-only SELECT queries are allowed")

var writeKeywords = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|drop|alter|truncate|create|grant|revoke|call|copy)\b`)

// CheckReadOnly 只允许单条 SELECT 或 WITH 查询。
func CheckReadOnly(query string) (string, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	lower := strings.ToLower(q)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return "", ErrNotReadOnly
	}
	if strings.Contains(q, ";") || writeKeywords.MatchString(q) {
		return "", ErrNotReadOnly
	}
	return q, nil
}

// SQLTool 查询租户的关系型数据库：postgres 走 pgx，其余 DSN 按 MySQL 走 gorm。
type SQLTool struct {
	pg  *pgx.Conn
	orm *gorm.DB
}

// OpenSQL 连接关系型数据源。
func OpenSQL(ctx context.Context, cred model.RelationalCredential) (*SQLTool, error) {
	if cred.IsPostgres() {
		conn, err := pgx.Connect(ctx, cred.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return &SQLTool{pg: conn}, nil
	}
	db, err := gorm.Open(mysql.Open(cred.DSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	return &SQLTool{orm: db}, nil
}

func (t *SQLTool) Kind() model.BackendKind { return model.KindRelational }

// Execute 执行只读查询，结果最多 maxRows 行。
func (t *SQLTool) Execute(ctx context.Context, query string) (string, error) {
	q, err := CheckReadOnly(query)
	if err != nil {
		return "", err
	}
	var rows []map[string]interface{}
	if t.pg != nil {
		rows, err = t.queryPostgres(ctx, q)
	} else {
		rows, err = t.queryMySQL(ctx, q)
	}
	if err != nil {
		return "", err
	}
	return encodeRows(rows, len(rows))
}

func (t *SQLTool) queryPostgres(ctx context.Context, q string) ([]map[string]interface{}, error) {
	rows, err := t.pg.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query postgres: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]interface{}
	for rows.Next() && len(out) < maxRows {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (t *SQLTool) queryMySQL(ctx context.Context, q string) ([]map[string]interface{}, error) {
	rows, err := t.orm.WithContext(ctx).Raw(q).Rows()
	if err != nil {
		return nil, fmt.Errorf("query mysql: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for rows.Next() && len(out) < maxRows {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Schema 返回 表名 -> 列定义 列表。
func (t *SQLTool) Schema(ctx context.Context) (map[string]interface{}, error) {
	schema := make(map[string]interface{})
	if t.pg != nil {
		rows, err := t.pg.Query(ctx, `SELECT table_name, column_name, data_type FROM information_schema.columns
			WHERE table_schema = 'public' ORDER BY table_name, ordinal_position`)
		if err != nil {
			return nil, fmt.Errorf("read postgres schema: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var table, column, dataType string
			if err := rows.Scan(&table, &column, &dataType); err != nil {
				return nil, err
			}
			cols, _ := schema[table].([]string)
			schema[table] = append(cols, column+" "+dataType)
		}
		return schema, rows.Err()
	}

	migrator := t.orm.WithContext(ctx).Migrator()
	tables, err := migrator.GetTables()
	if err != nil {
		return nil, fmt.Errorf("read mysql tables: %w", err)
	}
	for _, table := range tables {
		types, err := migrator.ColumnTypes(table)
		if err != nil {
			return nil, fmt.Errorf("read columns of %s: %w", table, err)
		}
		cols := make([]string, 0, len(types))
		for _, ct := range types {
			cols = append(cols, ct.Name()+" "+strings.ToLower(ct.DatabaseTypeName()))
		}
		schema[table] = cols
	}
	return schema, nil
}

func (t *SQLTool) Close() error {
	if t.pg != nil {
		return t.pg.Close(context.Background())
	}
	sqlDB, err := t.orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
