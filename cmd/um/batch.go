package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// BatchRequest 批处理请求结构
type BatchRequest struct {
	Files   []FileTask     `json:"files" validate:"required,min=1,dive"`
	Options ProcessOptions `json:"options"`
}

// FileTask 单个文件处理任务
type FileTask struct {
	InputPath  string `json:"input_path" validate:"required"`
	OutputPath string `json:"output_path,omitempty"`
}

// ProcessOptions 处理选项
type ProcessOptions struct {
	RemoveSource    bool `json:"remove_source,omitempty"`
	UpdateMetadata  bool `json:"update_metadata,omitempty"`
	OverwriteOutput bool `json:"overwrite_output,omitempty"`
	SkipNoop        bool `json:"skip_noop,omitempty"`
	Workers         int  `json:"workers,omitempty" validate:"gte=0,lte=64"`
}

// ProcessResult 处理结果
type ProcessResult struct {
	InputPath   string `json:"input_path"`
	OutputPath  string `json:"output_path,omitempty"`
	Success     bool   `json:"success"`
	Skipped     bool   `json:"skipped,omitempty"`
	Error       string `json:"error,omitempty"`
	ProcessTime int64  `json:"process_time_ms"`

	err error
}

// BatchResponse 批处理响应
type BatchResponse struct {
	Results      []ProcessResult `json:"results"`
	TotalFiles   int             `json:"total_files"`
	SuccessCount int             `json:"success_count"`
	FailedCount  int             `json:"failed_count"`
	SkippedCount int             `json:"skipped_count"`
	TotalTime    int64           `json:"total_time_ms"`
}

// Progress 进度事件，由收集结果的协程统一发出
type Progress struct {
	Total       int    `json:"total_files"`
	Processed   int    `json:"processed_files"`
	CurrentFile string `json:"current_file"`
	Status      string `json:"status"`
}

const (
	statusStarting   = "starting"
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusStopped    = "stopped"
)

type taskWithIndex struct {
	index int
	task  FileTask
}

type resultWithIndex struct {
	index    int
	result   ProcessResult
	started  bool
	canceled bool
}

// workerPool runs handle over tasks with a fixed number of workers.
type workerPool struct {
	workers int
	handle  func(ctx context.Context, task FileTask) ProcessResult
}

// run processes every task and returns results in task order. Progress events are sent
// to progress (when non-nil), which is closed before run returns: one "starting" event
// before each file is handled, one "processing" event after it, then a final event.
// Tasks not yet started when ctx is canceled are reported as failed with the context error.
func (wp *workerPool) run(ctx context.Context, tasks []FileTask, progress chan<- Progress) []ProcessResult {
	if progress != nil {
		defer close(progress)
	}

	taskChan := make(chan taskWithIndex, len(tasks))
	// 每个任务最多一条开始事件和一条结果
	resultChan := make(chan resultWithIndex, 2*len(tasks))
	for i, task := range tasks {
		taskChan <- taskWithIndex{index: i, task: task}
	}
	close(taskChan)

	var wg sync.WaitGroup
	for i := 0; i < max(wp.workers, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskChan {
				if err := ctx.Err(); err != nil {
					resultChan <- resultWithIndex{
						index:    t.index,
						result:   ProcessResult{InputPath: t.task.InputPath, Error: err.Error(), err: err},
						canceled: true,
					}
					continue
				}
				resultChan <- resultWithIndex{index: t.index, result: ProcessResult{InputPath: t.task.InputPath}, started: true}
				resultChan <- resultWithIndex{index: t.index, result: wp.handle(ctx, t.task)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]ProcessResult, len(tasks))
	processed := 0
	for r := range resultChan {
		if r.started {
			if progress != nil {
				progress <- Progress{Total: len(tasks), Processed: processed, CurrentFile: filepath.Base(r.result.InputPath), Status: statusStarting}
			}
			continue
		}
		results[r.index] = r.result
		if r.canceled {
			continue
		}
		processed++
		if progress != nil {
			progress <- Progress{Total: len(tasks), Processed: processed, CurrentFile: filepath.Base(r.result.InputPath), Status: statusProcessing}
		}
	}

	if progress != nil {
		status := statusCompleted
		if ctx.Err() != nil && processed < len(tasks) {
			status = statusStopped
		}
		progress <- Progress{Total: len(tasks), Processed: processed, Status: status}
	}
	return results
}

// batchProcessor 批处理器
type batchProcessor struct {
	logger     *zap.Logger
	base       processor
	maxWorkers int
}

func newBatchProcessor(options ProcessOptions, logger *zap.Logger, base processor) *batchProcessor {
	base.logger = logger
	base.skipNoopDecoder = options.SkipNoop
	base.removeSource = options.RemoveSource
	base.updateMetadata = options.UpdateMetadata
	base.overwriteOutput = options.OverwriteOutput
	if options.Workers > 0 {
		base.workers = options.Workers
	}
	base.parallelism = decodeParallelism(base.workerCount())

	return &batchProcessor{
		logger:     logger,
		base:       base,
		maxWorkers: base.workerCount(),
	}
}

// processBatch 并发处理批量任务
func (bp *batchProcessor) processBatch(ctx context.Context, request *BatchRequest, progress chan<- Progress) *BatchResponse {
	startTime := time.Now()

	bp.logger.Info("开始并发批处理",
		zap.Int("文件数量", len(request.Files)),
		zap.Int("并发数", bp.maxWorkers))

	pool := &workerPool{workers: bp.maxWorkers, handle: bp.processFileTask}
	results := pool.run(ctx, request.Files, progress)

	response := &BatchResponse{
		Results:      results,
		TotalFiles:   len(results),
		SuccessCount: lo.CountBy(results, func(r ProcessResult) bool { return r.Success && !r.Skipped }),
		SkippedCount: lo.CountBy(results, func(r ProcessResult) bool { return r.Skipped }),
		FailedCount:  lo.CountBy(results, func(r ProcessResult) bool { return !r.Success }),
		TotalTime:    time.Since(startTime).Milliseconds(),
	}

	bp.logger.Info("并发批处理完成",
		zap.Int("成功", response.SuccessCount),
		zap.Int("跳过", response.SkippedCount),
		zap.Int("失败", response.FailedCount),
		zap.Int64("总耗时(ms)", response.TotalTime))
	logMetrics(bp.logger, bp.base.metrics)

	return response
}

// processFileTask 每个任务使用独立的 processor 副本，输出目录互不影响
func (bp *batchProcessor) processFileTask(ctx context.Context, task FileTask) ProcessResult {
	proc := bp.base
	proc.inputDir = filepath.Dir(task.InputPath)
	proc.outputDir = task.OutputPath
	if proc.outputDir == "" {
		proc.outputDir = proc.inputDir
	}

	result := proc.runTask(ctx, task)
	if result.err != nil {
		bp.logger.Error("处理文件失败", zap.String("文件", task.InputPath), zap.Error(result.err))
	}
	return result
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// readBatchRequest 读取并校验批处理请求
func readBatchRequest(r io.Reader) (*BatchRequest, error) {
	var request BatchRequest
	if err := json.NewDecoder(r).Decode(&request); err != nil {
		return nil, fmt.Errorf("解析JSON失败: %w", err)
	}
	if err := validate.Struct(&request); err != nil {
		return nil, fmt.Errorf("请求校验失败: %w", err)
	}
	return &request, nil
}

func writeBatchResponse(w io.Writer, response *BatchResponse) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(response); err != nil {
		return fmt.Errorf("写入响应失败: %w", err)
	}
	return nil
}

// runBatchMode 运行批处理模式
func runBatchMode(ctx context.Context, logger *zap.Logger, r io.Reader, w io.Writer, base processor) error {
	logger.Info("启动批处理模式")

	request, err := readBatchRequest(r)
	if err != nil {
		return fmt.Errorf("读取批处理请求失败: %w", err)
	}

	batchProc := newBatchProcessor(request.Options, logger, base)
	response := batchProc.processBatch(ctx, request, nil)

	if err := writeBatchResponse(w, response); err != nil {
		return fmt.Errorf("输出批处理响应失败: %w", err)
	}
	return nil
}
