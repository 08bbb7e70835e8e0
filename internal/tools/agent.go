package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"omni-agent-go/internal/model"
	"omni-agent-go/pkg/llm"
	"omni-agent-go/pkg/log"
	"strings"
)

const (
	sqlQueryPrompt = `You are a SQL expert. Write ONE read-only SQL SELECT statement that answers the user's question.
Database schema (table -> columns):
%s
Rules: return ONLY the SQL, no explanation, no markdown. Never modify data. Limit results to at most 50 rows.`

	documentQueryPrompt = `You query a MongoDB database. Write ONE query as JSON of the form
{"collection": "<name>", "filter": {...}, "limit": 5} that answers the user's question.
Collections and their fields:
%s
Rules: return ONLY the JSON, no explanation. Never use $where or $function.`

	cmsQueryPrompt = `You are a Sanity GROQ query generator. Write ONE GROQ query that answers the user's question.
Schema (document type -> fields):
%s
Rules: return ONLY the query, no explanation. If a field is nested, use the path from the schema, e.g. variants[].price.
Syntax example: *[_type == "product" && title match "Blue*"]`

	answerPrompt = `Answer the user's question using ONLY the query results below. Present tabular data as a clean markdown table.
If the results do not answer the question, say that no matching records were found. Do not invent data.
Query results:
%s`
)

// Agent 让 LLM 为数据源生成查询，执行后再根据结果组织回答。
type Agent struct {
	llm    llm.Client
	tool   Tool
	schema map[string]interface{}
}

// NewAgent 创建一个数据源 agent。
func NewAgent(client llm.Client, tool Tool, schema map[string]interface{}) *Agent {
	return &Agent{llm: client, tool: tool, schema: schema}
}

// Kind 返回 agent 背后的数据源类型。
func (a *Agent) Kind() model.BackendKind { return a.tool.Kind() }

// Answer 回答用户问题。查询没有结果时返回空字符串。
func (a *Agent) Answer(ctx context.Context, message string) (string, error) {
	schemaJSON, _ := json.MarshalIndent(a.schema, "", "  ")

	var prompt string
	switch a.tool.Kind() {
	case model.KindRelational:
		prompt = sqlQueryPrompt
	case model.KindDocument:
		prompt = documentQueryPrompt
	default:
		prompt = cmsQueryPrompt
	}

	query, err := a.llm.Generate(ctx, []llm.Message{
		{Role: "system", Content: fmt.Sprintf(prompt, string(schemaJSON))},
		{Role: "user", Content: message},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("generate query: %w", err)
	}
	query = StripCodeFence(query)
	log.Infof("[Agent] %s 生成查询: %s", a.tool.Kind(), query)

	rows, err := a.tool.Execute(ctx, query)
	if err != nil {
		return "", err
	}
	if rows == "" {
		return "", nil
	}

	return a.llm.Generate(ctx, []llm.Message{
		{Role: "system", Content: fmt.Sprintf(answerPrompt, rows)},
		{Role: "user", Content: message},
	}, nil)
}

// StripCodeFence 去掉 LLM 常加的 markdown 代码块包裹。
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
