package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

// SupportedArchiveExtensions 是压缩包内会被导入的文件类型。
var SupportedArchiveExtensions = map[string]bool{
	".pdf":  true,
	".txt":  true,
	".md":   true,
	".docx": true,
	".csv":  true,
}

// Extractor 从本地文件中提取纯文本。
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// DocumentParser 是通用的文档解析服务，例如 Tika。
type DocumentParser interface {
	ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error)
}

// ExtractorRegistry 根据扩展名选择抽取器，未知类型交给 fallback。
type ExtractorRegistry struct {
	byExt    map[string]Extractor
	fallback Extractor
}

// NewExtractorRegistry 注册内置的抽取器。docx 和未知类型交给 parser 处理。
func NewExtractorRegistry(parser DocumentParser) *ExtractorRegistry {
	generic := parserExtractor{parser: parser}
	return &ExtractorRegistry{
		byExt: map[string]Extractor{
			".txt":  plainTextExtractor{},
			".md":   markdownExtractor{},
			".csv":  csvExtractor{},
			".pdf":  pdfExtractor{},
			".docx": generic,
		},
		fallback: generic,
	}
}

// For 返回文件对应的抽取器。
func (r *ExtractorRegistry) For(path string) Extractor {
	if e, ok := r.byExt[strings.ToLower(filepath.Ext(path))]; ok {
		return e
	}
	return r.fallback
}

type plainTextExtractor struct{}

func (plainTextExtractor) Extract(_ context.Context, path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var (
	mdImage    = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdHeading  = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s*`)
	mdEmphasis = regexp.MustCompile("(\\*\\*|__|\\*|_|`{1,3})")
	mdQuote    = regexp.MustCompile(`(?m)^\s*>\s?`)
)

type markdownExtractor struct{}

func (markdownExtractor) Extract(_ context.Context, path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := mdImage.ReplaceAllString(string(b), "$1")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdQuote.ReplaceAllString(text, "")
	text = mdEmphasis.ReplaceAllString(text, "")
	return text, nil
}

// csvExtractor 每行输出为 "列名: 值" 的形式，行与行之间空一行。
type csvExtractor struct{}

func (csvExtractor) Extract(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("读取 CSV 表头失败: %w", err)
	}

	var sb strings.Builder
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("读取 CSV 失败: %w", err)
		}
		for i, value := range record {
			col := fmt.Sprintf("column_%d", i+1)
			if i < len(header) {
				col = strings.TrimSpace(header[i])
			}
			fmt.Fprintf(&sb, "%s: %s\n", col, strings.TrimSpace(value))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

type pdfExtractor struct{}

func (pdfExtractor) Extract(_ context.Context, path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("打开 PDF 失败: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("读取 PDF 文本失败: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type parserExtractor struct {
	parser DocumentParser
}

func (e parserExtractor) Extract(ctx context.Context, path string) (string, error) {
	if e.parser == nil {
		return "", errors.New("未配置通用文档解析服务")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return e.parser.ExtractText(ctx, f, filepath.Base(path))
}
