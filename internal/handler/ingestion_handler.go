package handler

import (
	"context"
	"errors"
	"net/http"
	"omni-agent-go/internal/middleware"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/service"
	"omni-agent-go/pkg/log"
	"strconv"

	"github.com/gin-gonic/gin"
)

// IngestionHandler 负责提交导入任务和查询任务进度。
type IngestionHandler struct {
	ingestionService service.IngestionService
}

// NewIngestionHandler 创建一个新的 IngestionHandler 实例。
func NewIngestionHandler(ingestionService service.IngestionService) *IngestionHandler {
	return &IngestionHandler{ingestionService: ingestionService}
}

// SubmitURL 提交网页抓取任务，立即返回任务 ID。
func (h *IngestionHandler) SubmitURL(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	var req service.URLRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		fail(c, http.StatusBadRequest, "无效的请求负载：url 不能为空")
		return
	}

	job, err := h.ingestionService.SubmitURL(c.Request.Context(), tenant.ID, req)
	if err != nil {
		submitFailed(c, tenant.ID, err)
		return
	}
	accepted(c, job)
}

type uploadSubmitter func(ctx context.Context, tenantID uint, req service.UploadRequest) (*model.IngestionJob, error)

// SubmitArchive 上传 zip 压缩包并提交导入任务。
func (h *IngestionHandler) SubmitArchive(c *gin.Context) {
	submitUpload(c, h.ingestionService.SubmitArchive)
}

// SubmitFile 上传单个文档并提交导入任务。
func (h *IngestionHandler) SubmitFile(c *gin.Context) {
	submitUpload(c, h.ingestionService.SubmitFile)
}

// submitUpload 读取 multipart 表单中的 file 字段，把文件流交给服务层。
func submitUpload(c *gin.Context, submit uploadSubmitter) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "缺少上传文件")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		log.Errorf("submitUpload: 打开上传文件失败, error: %v", err)
		fail(c, http.StatusInternalServerError, "读取上传文件失败")
		return
	}
	defer file.Close()

	job, err := submit(c.Request.Context(), tenant.ID, service.UploadRequest{
		FileName:    fileHeader.Filename,
		SessionID:   c.PostForm("session_id"),
		Size:        fileHeader.Size,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Body:        file,
	})
	if err != nil {
		submitFailed(c, tenant.ID, err)
		return
	}
	accepted(c, job)
}

func accepted(c *gin.Context, job *model.IngestionJob) {
	c.JSON(http.StatusAccepted, gin.H{
		"code":    http.StatusAccepted,
		"message": "Job queued",
		"data":    gin.H{"job_id": job.ID, "status": job.Status},
	})
}

func submitFailed(c *gin.Context, tenantID uint, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidURL),
		errors.Is(err, service.ErrInvalidCrawlMode),
		errors.Is(err, service.ErrUnsupportedArchive),
		errors.Is(err, service.ErrUnsupportedFile):
		fail(c, http.StatusBadRequest, err.Error())
	default:
		log.Errorf("submit ingestion: tenant %d, error: %v", tenantID, err)
		fail(c, http.StatusInternalServerError, "Failed to queue ingestion job. Please try again.")
	}
}

// GetJob 查询单个任务的状态、进度和报告。
func (h *IngestionHandler) GetJob(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	job, err := h.ingestionService.GetJob(tenant.ID, c.Param("id"))
	if errors.Is(err, service.ErrJobNotFound) {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Errorf("GetJob: tenant %d, job %s, error: %v", tenant.ID, c.Param("id"), err)
		fail(c, http.StatusInternalServerError, "查询任务失败")
		return
	}
	success(c, "success", job)
}

// ListJobs 按创建时间倒序列出租户的任务。
func (h *IngestionHandler) ListJobs(c *gin.Context) {
	tenant, ok := middleware.CurrentTenant(c)
	if !ok {
		fail(c, http.StatusInternalServerError, "无法获取租户信息")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	jobs, err := h.ingestionService.ListJobs(tenant.ID, limit)
	if err != nil {
		log.Errorf("ListJobs: tenant %d, error: %v", tenant.ID, err)
		fail(c, http.StatusInternalServerError, "查询任务列表失败")
		return
	}
	success(c, "success", jobs)
}

// SupportedFileTypes 返回有专用抽取器的扩展名，其他类型也可上传，由通用解析服务处理。
func (h *IngestionHandler) SupportedFileTypes(c *gin.Context) {
	success(c, "success", h.ingestionService.SupportedFileTypes())
}
