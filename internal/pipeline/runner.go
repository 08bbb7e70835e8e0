package pipeline

import (
	"context"
	"errors"
	"fmt"
	"omni-agent-go/internal/model"
	"omni-agent-go/pkg/log"
	"omni-agent-go/pkg/tasks"
	"os"
	"path/filepath"
	"time"

	"github.com/panjf2000/ants/v2"
)

// ObjectStager 在请求和后台任务之间暂存上传的文件。
type ObjectStager interface {
	Fetch(ctx context.Context, objectName, destPath string) error
	Remove(ctx context.Context, objectName string) error
}

// Runner 消费导入任务：读取任务、取回暂存文件，然后把长任务交给协程池执行。
// 协程池满时 Process 阻塞，形成对队列的背压。
type Runner struct {
	lifetime   context.Context
	tracker    *JobTracker
	resolver   IndexResolver
	stager     ObjectStager
	crawler    *Crawler
	archives   *ArchiveProcessor
	ingester   *FileIngester
	pool       *ants.Pool
	scratchDir string
}

// RunnerDeps 汇总 Runner 的依赖。
type RunnerDeps struct {
	Tracker    *JobTracker
	Resolver   IndexResolver
	Stager     ObjectStager
	Crawler    *Crawler
	Archives   *ArchiveProcessor
	Ingester   *FileIngester
	Pool       *ants.Pool
	ScratchDir string
}

// NewRunner 创建 Runner。任务在 lifetime 下运行，与触发它的请求无关。
func NewRunner(lifetime context.Context, deps RunnerDeps) *Runner {
	return &Runner{
		lifetime:   lifetime,
		tracker:    deps.Tracker,
		resolver:   deps.Resolver,
		stager:     deps.Stager,
		crawler:    deps.Crawler,
		archives:   deps.Archives,
		ingester:   deps.Ingester,
		pool:       deps.Pool,
		scratchDir: deps.ScratchDir,
	}
}

const (
	msgStagedObjectMissing = "Uploaded file is no longer available. Please upload it again."
	msgGaveUp              = "Ingestion could not be started. Please try again."
)

// Process 实现 kafka.TaskProcessor。返回错误表示可重试的基础设施问题；
// 任务自身的失败（包括暂存文件已不存在）记录在任务上，不返回错误。
func (r *Runner) Process(ctx context.Context, task tasks.IngestionTask) error {
	job, err := r.tracker.Get(task.JobID)
	if err != nil {
		return fmt.Errorf("读取导入任务 %s 失败: %w", task.JobID, err)
	}
	if job.Status.Terminal() {
		log.Infof("[Runner] 任务已结束, 跳过: %s (%s)", job.ID, job.Status)
		return nil
	}

	localPath := ""
	if job.Kind == model.JobKindArchive || job.Kind == model.JobKindFile {
		if err := os.MkdirAll(r.scratchDir, 0o755); err != nil {
			return fmt.Errorf("创建临时目录失败: %w", err)
		}
		localPath = filepath.Join(r.scratchDir, job.ID+filepath.Ext(job.SourceName))
		if err := r.stager.Fetch(ctx, job.ObjectName, localPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Warnf("[Runner] 暂存文件不存在, 任务失败: %s (%s)", job.ID, job.ObjectName)
				r.failJob(job, msgStagedObjectMissing)
				return nil
			}
			return err
		}
	}

	if err := r.pool.Submit(func() { r.execute(job, localPath) }); err != nil {
		_ = os.Remove(localPath)
		return fmt.Errorf("提交导入任务失败: %w", err)
	}
	log.Infof("[Runner] 任务已提交执行: %s (%s)", job.ID, job.Kind)
	return nil
}

// GiveUp 在重试次数用尽后调用，把仍未结束的任务标记为失败。
func (r *Runner) GiveUp(_ context.Context, task tasks.IngestionTask, cause error) {
	job, err := r.tracker.Get(task.JobID)
	if err != nil {
		log.Errorf("[Runner] 放弃任务时读取失败: %s, Error: %v", task.JobID, err)
		return
	}
	if job.Status.Terminal() {
		return
	}
	log.Errorf("[Runner] 任务重试次数用尽, 标记失败: %s, Cause: %v", job.ID, cause)
	r.failJob(job, msgGaveUp)
}

// Drain 等待协程池中正在执行的任务退出，停机时在关闭数据库之前调用。
func (r *Runner) Drain(timeout time.Duration) error {
	return r.pool.ReleaseTimeout(timeout)
}

func (r *Runner) failJob(job *model.IngestionJob, reason string) {
	if err := r.tracker.Fail(job, reason); err != nil {
		log.Warnf("[Runner] 标记任务失败时出错: %s, Error: %v", job.ID, err)
	}
}

func (r *Runner) execute(job *model.IngestionJob, localPath string) {
	ctx := r.lifetime
	defer func() {
		if job.ObjectName == "" {
			return
		}
		if err := r.stager.Remove(context.Background(), job.ObjectName); err != nil {
			log.Warnf("[Runner] 删除暂存对象失败: %s, Error: %v", job.ObjectName, err)
		}
	}()

	switch job.Kind {
	case model.JobKindURL:
		mode := job.CrawlMode
		if mode == "" {
			mode = CrawlSinglePage
		}
		r.crawler.Start(ctx, job, job.SourceName, mode)
	case model.JobKindArchive:
		r.archives.Start(ctx, job, localPath)
	case model.JobKindFile:
		r.ingestFile(ctx, job, localPath)
	default:
		if err := r.tracker.Fail(job, fmt.Sprintf("unknown job kind %q", job.Kind)); err != nil {
			log.Warnf("[Runner] 标记任务失败时出错: %v", err)
		}
	}
}

// ingestFile 以单条报告的形式导入一个上传文件。
func (r *Runner) ingestFile(ctx context.Context, job *model.IngestionJob, localPath string) {
	defer os.Remove(localPath)
	defer func() {
		if rec := recover(); rec != nil {
			_ = r.tracker.Fail(job, fmt.Sprintf("file ingestion aborted: %v", rec))
		}
	}()

	idx, err := r.resolver.Resolve(ctx, job.TenantID)
	if err != nil {
		_ = r.tracker.Fail(job, failureMessage(err))
		return
	}
	if err := r.tracker.MarkProcessing(job, 1); err != nil {
		log.Warnf("[Runner] 更新任务状态失败: %v", err)
		return
	}

	n, err := r.ingester.ingestInto(ctx, idx, localPath, ChunkMeta{
		TenantID:  job.TenantID,
		Source:    job.SourceName,
		SessionID: job.SessionID,
		FileName:  job.SourceName,
		Type:      model.ChunkTypeFile,
	})
	switch {
	case err != nil:
		entry := model.ReportEntry{Item: job.SourceName, Outcome: model.OutcomeFailed, Detail: err.Error()}
		_ = r.tracker.RecordItem(job, entry, 1, 1)
		_ = r.tracker.Fail(job, err.Error())
	case n == 0:
		entry := model.ReportEntry{Item: job.SourceName, Outcome: model.OutcomeSkipped, Detail: "No content extracted"}
		_ = r.tracker.RecordItem(job, entry, 1, 1)
		_ = r.tracker.Complete(job, 1, 1)
	default:
		entry := model.ReportEntry{Item: job.SourceName, Outcome: model.OutcomeSuccess, Chunks: n}
		_ = r.tracker.RecordItem(job, entry, 1, 1)
		_ = r.tracker.Complete(job, 1, 1)
	}
}

// LocalDispatcher 在未配置 Kafka 时直接把任务交给 Runner。
type LocalDispatcher struct {
	runner *Runner
}

// NewLocalDispatcher 创建进程内派发器。
func NewLocalDispatcher(runner *Runner) *LocalDispatcher {
	return &LocalDispatcher{runner: runner}
}

// Dispatch 同步完成暂存文件的取回，任务本身在协程池中异步执行。
func (d *LocalDispatcher) Dispatch(ctx context.Context, task tasks.IngestionTask) error {
	if d.runner == nil {
		return errors.New("runner not configured")
	}
	return d.runner.Process(ctx, task)
}
