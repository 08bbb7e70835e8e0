// Package tools 提供各类数据源的统一查询工具，以及驱动工具的 LLM agent。
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"omni-agent-go/internal/model"
)

// maxRows 限制单次查询返回给 LLM 的行数。
const maxRows = 50

// Tool 是一个数据源的只读查询入口。Execute 返回 JSON 文本，没有结果时返回空字符串。
type Tool interface {
	Kind() model.BackendKind
	Execute(ctx context.Context, query string) (string, error)
	Schema(ctx context.Context) (map[string]interface{}, error)
	Close() error
}

// Open 根据凭证类型连接对应的数据源。
func Open(ctx context.Context, cred model.Credential) (Tool, error) {
	switch c := cred.(type) {
	case model.RelationalCredential:
		return OpenSQL(ctx, c)
	case model.DocumentCredential:
		return OpenMongo(ctx, c)
	case model.CMSCredential:
		return NewSanity(c), nil
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownProvider, cred.Kind())
	}
}

// Label 返回对话记录中标记答案来源的名称。
func Label(kind model.BackendKind) string {
	switch kind {
	case model.KindRelational:
		return "sql_agent"
	case model.KindDocument:
		return "nosql_agent"
	case model.KindCMS:
		return "cms_agent"
	}
	return string(kind)
}

func encodeRows(rows interface{}, n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode rows: %w", err)
	}
	return string(b), nil
}
