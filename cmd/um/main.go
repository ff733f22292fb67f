package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"unlock-music.dev/ncm/algo/common"
	_ "unlock-music.dev/ncm/algo/ncm"
	"unlock-music.dev/ncm/internal/history"
	"unlock-music.dev/ncm/internal/metrics"
	"unlock-music.dev/ncm/internal/mmap"
	"unlock-music.dev/ncm/internal/sniff"
	"unlock-music.dev/ncm/internal/tagging"
	"unlock-music.dev/ncm/internal/utils"
)

var AppVersion = "custom"

func main() {
	module, ok := debug.ReadBuildInfo()
	if ok && module.Main.Version != "(devel)" {
		AppVersion = module.Main.Version
	}
	app := cli.App{
		Name:     "Unlock Music CLI",
		HelpName: "um",
		Usage:    "Unlock your ncm music file",
		Version:  fmt.Sprintf("%s (%s,%s/%s)", AppVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "path to input file or dir", Required: false},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "path to output dir", Required: false},
			&cli.BoolFlag{Name: "remove-source", Aliases: []string{"rs"}, Usage: "remove source file", Required: false, Value: false},
			&cli.BoolFlag{Name: "skip-noop", Aliases: []string{"n"}, Usage: "skip noop decoder", Required: false, Value: true},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"V"}, Usage: "verbose logging", Required: false, Value: false},
			&cli.BoolFlag{Name: "update-metadata", Usage: "write title/artist/album and album art into flac output", Required: false, Value: false},
			&cli.BoolFlag{Name: "overwrite", Usage: "overwrite output file without asking", Required: false, Value: false},
			&cli.BoolFlag{Name: "watch", Usage: "watch the input dir and process new files", Required: false, Value: false},
			&cli.BoolFlag{Name: "batch", Usage: "batch processing mode (read JSON from stdin)", Required: false, Value: false},
			&cli.BoolFlag{Name: "service", Usage: "run as service mode (IPC communication)", Required: false, Value: false},
			&cli.StringFlag{Name: "service-pipe", Usage: "service pipe name (Windows) or socket path (Unix)", Required: false, Value: ""},
			&cli.IntFlag{Name: "workers", Aliases: []string{"j"}, Usage: "number of files converted concurrently (0: auto)", Required: false, Value: 0},
			&cli.StringFlag{Name: "history-db", Usage: "sqlite file recording converted files, unchanged sources are skipped", Required: false},
			&cli.StringFlag{Name: "metrics-listen", Usage: "expose prometheus metrics on this address, eg. :9163", Required: false},

			&cli.BoolFlag{Name: "supported-ext", Usage: "show supported file extensions and exit", Required: false, Value: false},
		},

		Action:          appMain,
		Copyright:       fmt.Sprintf("Copyright (c) 2020 - %d Unlock Music", time.Now().Year()),
		HideHelpCommand: true,
		UsageText:       "um [-o /path/to/output/dir] [--extra-flags] [-i] /path/to/input",
	}

	err := app.Run(os.Args)
	if err != nil {
		tempLogger := setupLogger(false)
		tempLogger.Fatal("run app failed", zap.Error(err))
	}
}

func printSupportedExtensions(w io.Writer) {
	extSet := make(map[string]int)
	for _, factory := range common.DecoderRegistry {
		extSet[strings.TrimPrefix(factory.Suffix, ".")]++
	}
	exts := make([]string, 0, len(extSet))
	for ext := range extSet {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		fmt.Fprintf(w, "%s: %d\n", ext, extSet[ext])
	}
}

func setupLogger(verbose bool) *zap.Logger {
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	enabler := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		if verbose {
			return true
		}
		return level >= zapcore.InfoLevel
	})

	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(logConfig),
		os.Stderr,
		enabler,
	))
}

func appMain(c *cli.Context) (err error) {
	logger := setupLogger(c.Bool("verbose"))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	if c.Bool("supported-ext") {
		printSupportedExtensions(os.Stdout)
		return nil
	}

	if addr := c.String("metrics-listen"); addr != "" {
		go func() {
			if err := metrics.GlobalMetrics.Serve(ctx, addr, logger); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	base := processor{
		logger:          logger,
		skipNoopDecoder: c.Bool("skip-noop"),
		removeSource:    c.Bool("remove-source"),
		updateMetadata:  c.Bool("update-metadata"),
		overwriteOutput: c.Bool("overwrite"),
		workers:         c.Int("workers"),
		metrics:         metrics.GlobalMetrics,
	}

	if dbPath := c.String("history-db"); dbPath != "" {
		ledger, err := history.Open(ctx, dbPath)
		if err != nil {
			return err
		}
		defer ledger.Close()
		base.history = ledger
	}

	// 检查是否为服务模式
	if c.Bool("service") {
		return runServiceMode(ctx, logger, c.String("service-pipe"), base)
	}

	// 检查是否为批处理模式
	if c.Bool("batch") {
		return runBatchMode(ctx, logger, os.Stdin, os.Stdout, base)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	input := c.String("input")
	if input == "" {
		switch c.Args().Len() {
		case 0:
			input = cwd
		case 1:
			input = c.Args().Get(0)
		default:
			return errors.New("please specify input file (or directory)")
		}
	}

	input, absErr := filepath.Abs(input)
	if absErr != nil {
		return fmt.Errorf("get abs path failed: %w", absErr)
	}

	output := c.String("output")
	inputStat, err := os.Stat(input)
	if err != nil {
		return err
	}

	var inputDir string
	if inputStat.IsDir() {
		inputDir = input
	} else {
		inputDir = filepath.Dir(input)
	}

	if output == "" {
		// Default to where the input dir is
		output = inputDir
	}
	logger.Debug("resolve input/output path", zap.String("inputDir", inputDir), zap.String("input", input), zap.String("output", output))

	outputStat, err := os.Stat(output)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = os.MkdirAll(output, 0755)
		}
		if err != nil {
			return err
		}
	} else if !outputStat.IsDir() {
		return errors.New("output should be a writable directory")
	}

	proc := base
	proc.inputDir = inputDir
	proc.outputDir = output

	if !inputStat.IsDir() {
		_, err := proc.processFile(ctx, input)
		return err
	}
	if c.Bool("watch") {
		return proc.watchDir(ctx, input)
	}
	return proc.processDir(ctx, input)
}

// processor 处理单个文件，创建后只读，可被多个 worker 同时使用
type processor struct {
	logger    *zap.Logger
	inputDir  string
	outputDir string

	skipNoopDecoder bool
	removeSource    bool
	updateMetadata  bool
	overwriteOutput bool
	workers         int
	parallelism     int // 单个文件解码的并发数，0 为按 CPU 数

	history *history.Ledger
	metrics *metrics.PerformanceMetrics
}

// outcome 单个文件的处理结果
type outcome struct {
	Output  string
	Skipped bool
}

var errNoDecoder = errors.New("skipping while no suitable decoder")

// audioGetter 由能直接给出整段明文的解码器实现
type audioGetter interface {
	Audio() []byte
}

func (p *processor) watchDir(ctx context.Context, inputDir string) error {
	if err := p.processDir(ctx, inputDir); err != nil {
		p.logger.Warn("initial conversion finished with errors", zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(inputDir); err != nil {
		return fmt.Errorf("failed to watch dir %s: %w", inputDir, err)
	}
	p.logger.Info("watching for new files", zap.String("dir", inputDir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if len(common.GetDecoder(event.Name, p.skipNoopDecoder)) == 0 {
				continue
			}
			if err := p.waitWritable(ctx, event.Name); err != nil {
				p.logger.Warn("file not ready", zap.String("path", event.Name), zap.Error(err))
				continue
			}
			if _, err := p.processFile(ctx, event.Name); err != nil {
				p.logger.Warn("failed to process file", zap.String("path", event.Name), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("file watcher got error", zap.Error(err))
		}
	}
}

// waitWritable 等待文件写入完成：独占打开成功且大小不再变化
func (p *processor) waitWritable(ctx context.Context, path string) error {
	var lastSize int64 = -1
	op := func() error {
		f, err := os.OpenFile(path, os.O_RDONLY, os.ModeExclusive)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer f.Close()

		stat, err := f.Stat()
		if err != nil {
			return err
		}
		if stat.Size() != lastSize {
			lastSize = stat.Size()
			return fmt.Errorf("file size changed to %d", lastSize)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (p *processor) processDir(ctx context.Context, inputDir string) error {
	files, err := utils.FindFiles(inputDir, common.SupportedExtensions()...)
	if err != nil {
		return err
	}
	tasks := make([]FileTask, len(files))
	for i, f := range files {
		tasks[i] = FileTask{InputPath: f}
	}

	progress := make(chan Progress)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range progress {
			p.logger.Debug("progress",
				zap.Int("processed", ev.Processed),
				zap.Int("total", ev.Total),
				zap.String("file", ev.CurrentFile),
				zap.String("status", ev.Status))
		}
	}()

	proc := *p
	proc.parallelism = decodeParallelism(proc.workerCount())
	pool := &workerPool{workers: proc.workerCount(), handle: proc.runTask}
	results := pool.run(ctx, tasks, progress)
	<-done
	logMetrics(p.logger, p.metrics)

	var lastError error
	for _, r := range results {
		if r.err != nil {
			lastError = r.err
			p.logger.Error("conversion failed", zap.String("source", r.InputPath), zap.Error(r.err))
		}
	}
	if lastError != nil {
		return fmt.Errorf("last error: %w", lastError)
	}
	return nil
}

func (p *processor) workerCount() int {
	if p.workers > 0 {
		return p.workers
	}
	return min(runtime.NumCPU(), 8)
}

// decodeParallelism 多个文件同时转换时，平分 CPU 给每个文件的解码
func decodeParallelism(workers int) int {
	return max(1, runtime.NumCPU()/max(workers, 1))
}

func logMetrics(logger *zap.Logger, m *metrics.PerformanceMetrics) {
	snap := m.GetSnapshot()
	logger.Info("conversion summary",
		zap.Int64("processed", snap.FilesProcessed),
		zap.Int64("succeeded", snap.FilesSucceeded),
		zap.Int64("failed", snap.FilesFailed),
		zap.Int64("skipped", snap.FilesSkipped),
		zap.Float64("successRate", snap.GetFileSuccessRate()),
		zap.String("decrypted", humanize.IBytes(uint64(snap.TotalBytesDecrypted))),
		zap.String("speed", humanize.IBytes(uint64(snap.GetAverageDecryptionSpeed()))+"/s"),
	)
}

// runTask adapts processFile to the worker pool.
func (p *processor) runTask(ctx context.Context, task FileTask) ProcessResult {
	startTime := time.Now()
	result := ProcessResult{InputPath: task.InputPath}

	out, err := p.processFile(ctx, task.InputPath)
	switch {
	case err != nil:
		result.Error = err.Error()
		result.err = err
		p.metrics.RecordFile(metrics.ResultFailed)
	case out.Skipped:
		result.Success = true
		result.Skipped = true
		result.OutputPath = out.Output
		p.metrics.RecordFile(metrics.ResultSkipped)
	default:
		result.Success = true
		result.OutputPath = out.Output
		p.metrics.RecordFile(metrics.ResultSucceeded)
	}
	result.ProcessTime = time.Since(startTime).Milliseconds()
	return result
}

func (p *processor) processFile(ctx context.Context, filePath string) (outcome, error) {
	p.logger.Debug("processFile", zap.String("file", filePath), zap.String("inputDir", p.inputDir))

	allDec := common.GetDecoder(filePath, p.skipNoopDecoder)
	if len(allDec) == 0 {
		return outcome{}, errNoDecoder
	}
	if err := ctx.Err(); err != nil {
		return outcome{}, err
	}

	out, err := p.process(ctx, filePath, allDec)
	if err != nil || out.Skipped {
		return out, err
	}

	// if source file need to be removed
	if p.removeSource {
		if err := os.Remove(filePath); err != nil {
			return out, err
		}
		p.logger.Info("source file removed after success conversion", zap.String("source", filePath))
	}
	return out, nil
}

func (p *processor) findDecoder(decoders []common.DecoderFactory, params *common.DecoderParams) (common.Decoder, *common.DecoderFactory, error) {
	var lastErr error
	for i := range decoders {
		dec := decoders[i].Create(params)
		err := dec.Validate()
		if err == nil {
			return dec, &decoders[i], nil
		}
		lastErr = err
		p.logger.Warn("try decode failed", zap.Error(err))
	}
	return nil, nil, fmt.Errorf("no any decoder can resolve the file: %w", lastErr)
}

func (p *processor) historyEntry(path string) (history.Entry, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return history.Entry{}, err
	}
	return history.Entry{Source: path, Size: stat.Size(), ModTime: stat.ModTime()}, nil
}

func (p *processor) process(ctx context.Context, inputFile string, allDec []common.DecoderFactory) (outcome, error) {
	logger := p.logger.With(zap.String("source", inputFile))

	var entry history.Entry
	if p.history != nil {
		var err error
		if entry, err = p.historyEntry(inputFile); err != nil {
			return outcome{}, err
		}
		if prev, ok, err := p.history.Lookup(ctx, entry); err != nil {
			logger.Warn("history lookup failed", zap.Error(err))
		} else if ok && !p.overwriteOutput {
			logger.Info("already converted, skip", zap.String("destination", prev))
			return outcome{Output: prev, Skipped: true}, nil
		}
	}

	file, err := mmap.Open(inputFile)
	if err != nil {
		return outcome{}, err
	}
	defer file.Close()
	p.metrics.RecordLoad(file.Mapped())

	startTime := time.Now()
	dec, decoderFactory, err := p.findDecoder(allDec, &common.DecoderParams{
		Reader:      file,
		Extension:   filepath.Ext(inputFile),
		FilePath:    inputFile,
		Logger:      logger,
		Parallelism: p.parallelism,
	})
	if err != nil {
		return outcome{}, err
	}

	var audio []byte
	if ag, ok := dec.(audioGetter); ok {
		audio = ag.Audio()
	} else if audio, err = io.ReadAll(dec); err != nil {
		return outcome{}, fmt.Errorf("read decoded audio: %w", err)
	}
	p.metrics.RecordDecryption(time.Since(startTime), int64(len(audio)))

	header := audio[:min(len(audio), 256)]
	audioExt := sniff.AudioExtensionWithFallback(header, ".mp3")
	logger.Debug("format detection", zap.String("detectedExt", audioExt), zap.String("size", humanize.IBytes(uint64(len(audio)))))

	if p.updateMetadata {
		audio = p.tagAudio(ctx, logger, dec, inputFile, audioExt, audio)
	}

	inputRelDir, err := filepath.Rel(p.inputDir, filepath.Dir(inputFile))
	if err != nil {
		return outcome{}, fmt.Errorf("get relative dir failed: %w", err)
	}

	// 后缀匹配不区分大小写，按长度截掉
	inFilename := filepath.Base(inputFile)
	inFilename = inFilename[:len(inFilename)-len(decoderFactory.Suffix)]
	outPath := filepath.Join(p.outputDir, inputRelDir, inFilename+audioExt)

	if !p.overwriteOutput {
		_, err := os.Stat(outPath)
		if err == nil {
			logger.Warn("output file already exist, skip", zap.String("destination", outPath))
			return outcome{Output: outPath, Skipped: true}, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return outcome{}, fmt.Errorf("stat output file failed: %w", err)
		}
	}

	if err := utils.WriteFileAtomic(outPath, audio, 0644); err != nil {
		return outcome{}, err
	}

	if p.history != nil {
		if err := p.history.Record(ctx, entry, outPath); err != nil {
			logger.Warn("history record failed", zap.Error(err))
		}
	}

	logger.Info("successfully converted", zap.String("source", inputFile), zap.String("destination", outPath))
	return outcome{Output: outPath}, nil
}

// tagAudio 只对 flac 输出写入标签，失败时保留原始音频
func (p *processor) tagAudio(ctx context.Context, logger *zap.Logger, dec common.Decoder, inputFile, audioExt string, audio []byte) []byte {
	if audioExt != ".flac" {
		logger.Debug("metadata update only supports flac", zap.String("ext", audioExt))
		return audio
	}

	var meta common.AudioMeta
	if metaGetter, ok := dec.(common.AudioMetaGetter); ok {
		var err error
		if meta, err = metaGetter.GetAudioMeta(ctx); err != nil {
			logger.Warn("get audio meta failed", zap.Error(err))
		}
	}
	if meta == nil {
		meta = common.ParseFilenameMeta(inputFile)
	}

	var cover []byte
	if coverGetter, ok := dec.(common.CoverImageGetter); ok {
		var err error
		if cover, err = coverGetter.GetCoverImage(ctx); err != nil {
			logger.Debug("get cover image failed", zap.Error(err))
			cover = nil
		} else if _, ok := sniff.ImageExtension(cover); !ok {
			logger.Warn("sniff cover image type failed")
			cover = nil
		}
	}

	tagged, err := tagging.EmbedFLAC(audio, meta, cover)
	if err != nil {
		logger.Warn("update flac metadata failed", zap.Error(err))
		return audio
	}
	return tagged
}
