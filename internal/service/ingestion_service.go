package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/pipeline"
	"omni-agent-go/internal/repository"
	"omni-agent-go/pkg/log"
	"omni-agent-go/pkg/tasks"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultJobListLimit = 20
	maxJobListLimit     = 100
)

var (
	ErrJobNotFound        = errors.New("ingestion job not found")
	ErrInvalidURL         = errors.New("url must be an absolute http(s) address")
	ErrInvalidCrawlMode   = errors.New("crawl mode must be single_page or full_site")
	ErrUnsupportedArchive = errors.New("only .zip archives are supported")
	ErrUnsupportedFile    = errors.New("unsupported file type")
)

// Dispatcher 把导入任务交给后台执行，可以是 Kafka 生产者或进程内派发器。
type Dispatcher interface {
	Dispatch(ctx context.Context, task tasks.IngestionTask) error
}

// Uploader 暂存上传内容，后台任务再从对象存储取回。
type Uploader interface {
	Put(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error
}

// URLRequest 是网页导入请求。
type URLRequest struct {
	URL       string `json:"url"`
	Mode      string `json:"mode"`
	SessionID string `json:"session_id"`
}

// UploadRequest 是文件或压缩包导入请求。
type UploadRequest struct {
	FileName    string
	SessionID   string
	Size        int64
	ContentType string
	Body        io.Reader
}

// IngestionService 定义了导入任务的提交与查询。提交只创建任务并派发，实际处理是异步的。
type IngestionService interface {
	SubmitURL(ctx context.Context, tenantID uint, req URLRequest) (*model.IngestionJob, error)
	SubmitArchive(ctx context.Context, tenantID uint, req UploadRequest) (*model.IngestionJob, error)
	SubmitFile(ctx context.Context, tenantID uint, req UploadRequest) (*model.IngestionJob, error)
	GetJob(tenantID uint, jobID string) (*model.IngestionJob, error)
	ListJobs(tenantID uint, limit int) ([]model.IngestionJob, error)
	SupportedFileTypes() []string
}

type ingestionService struct {
	tracker    *pipeline.JobTracker
	jobs       repository.IngestionJobRepository
	uploader   Uploader
	dispatcher Dispatcher
}

// NewIngestionService 创建一个新的 IngestionService 实例。
func NewIngestionService(tracker *pipeline.JobTracker, jobs repository.IngestionJobRepository, uploader Uploader, dispatcher Dispatcher) IngestionService {
	return &ingestionService{tracker: tracker, jobs: jobs, uploader: uploader, dispatcher: dispatcher}
}

func (s *ingestionService) SubmitURL(ctx context.Context, tenantID uint, req URLRequest) (*model.IngestionJob, error) {
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	mode := req.Mode
	if mode == "" {
		mode = pipeline.CrawlSinglePage
	}
	if mode != pipeline.CrawlSinglePage && mode != pipeline.CrawlFullSite {
		return nil, ErrInvalidCrawlMode
	}

	job := &model.IngestionJob{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		SessionID:  sessionOrNew(req.SessionID),
		Kind:       model.JobKindURL,
		SourceName: u.String(),
		CrawlMode:  mode,
	}
	return s.submit(ctx, job)
}

func (s *ingestionService) SubmitArchive(ctx context.Context, tenantID uint, req UploadRequest) (*model.IngestionJob, error) {
	if strings.ToLower(filepath.Ext(req.FileName)) != ".zip" {
		return nil, ErrUnsupportedArchive
	}
	return s.stageAndSubmit(ctx, tenantID, model.JobKindArchive, req)
}

// SubmitFile 接受任意类型的单个文件，没有专用抽取器的类型由通用文档解析服务处理。
func (s *ingestionService) SubmitFile(ctx context.Context, tenantID uint, req UploadRequest) (*model.IngestionJob, error) {
	if name := filepath.Base(strings.TrimSpace(req.FileName)); name == "." || name == "/" || name == ".." {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, req.FileName)
	}
	return s.stageAndSubmit(ctx, tenantID, model.JobKindFile, req)
}

// stageAndSubmit 先把内容写入对象存储，再创建并派发任务。
func (s *ingestionService) stageAndSubmit(ctx context.Context, tenantID uint, kind model.JobKind, req UploadRequest) (*model.IngestionJob, error) {
	name := filepath.Base(req.FileName)
	job := &model.IngestionJob{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		SessionID:  sessionOrNew(req.SessionID),
		Kind:       kind,
		SourceName: name,
	}
	job.ObjectName = fmt.Sprintf("uploads/%s%s", job.ID, strings.ToLower(filepath.Ext(name)))

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.uploader.Put(ctx, job.ObjectName, req.Body, req.Size, contentType); err != nil {
		log.Errorf("[IngestionService] 暂存上传文件失败, tenant: %d, file: %s, error: %v", tenantID, name, err)
		return nil, err
	}
	log.Infof("[IngestionService] 上传文件已暂存: %s -> %s", name, job.ObjectName)
	return s.submit(ctx, job)
}

func (s *ingestionService) submit(ctx context.Context, job *model.IngestionJob) (*model.IngestionJob, error) {
	if err := s.tracker.Create(job); err != nil {
		return nil, fmt.Errorf("创建导入任务失败: %w", err)
	}
	task := tasks.IngestionTask{JobID: job.ID, TenantID: job.TenantID, Kind: string(job.Kind)}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		log.Errorf("[IngestionService] 派发导入任务失败, job: %s, error: %v", job.ID, err)
		if ferr := s.tracker.Fail(job, "Failed to queue ingestion job. Please try again."); ferr != nil {
			log.Errorf("[IngestionService] 标记任务失败时出错, job: %s, error: %v", job.ID, ferr)
		}
		return nil, fmt.Errorf("派发导入任务失败: %w", err)
	}
	log.Infof("[IngestionService] 导入任务已提交: %s (%s, tenant %d)", job.ID, job.Kind, job.TenantID)
	return job, nil
}

// GetJob 读取任务。其他租户的任务视为不存在。
func (s *ingestionService) GetJob(tenantID uint, jobID string) (*model.IngestionJob, error) {
	job, err := s.tracker.Get(jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *ingestionService) ListJobs(tenantID uint, limit int) ([]model.IngestionJob, error) {
	if limit <= 0 {
		limit = defaultJobListLimit
	}
	if limit > maxJobListLimit {
		limit = maxJobListLimit
	}
	return s.jobs.FindByTenant(tenantID, limit)
}

// SupportedFileTypes 返回有专用抽取器的扩展名，其他类型走通用解析。
func (s *ingestionService) SupportedFileTypes() []string {
	exts := make([]string, 0, len(pipeline.SupportedArchiveExtensions))
	for ext := range pipeline.SupportedArchiveExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func sessionOrNew(sessionID string) string {
	if s := strings.TrimSpace(sessionID); s != "" {
		return s
	}
	return uuid.New().String()
}
