package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unlock-music.dev/ncm/algo/common"
)

// ServiceMessage 服务消息结构
type ServiceMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ServiceResponse 服务响应结构
type ServiceResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type sessionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

type addFilesRequest struct {
	SessionID string     `json:"session_id" validate:"required"`
	Files     []FileTask `json:"files" validate:"required,dive"`
}

type startProcessingRequest struct {
	SessionID string          `json:"session_id" validate:"required"`
	Options   *ProcessOptions `json:"options,omitempty"`
}

// maxMessageSize 单条消息的最大长度，add_files 可能携带大量路径
const maxMessageSize = 16 * 1024 * 1024

const (
	sessionCreated        = "created"
	sessionPartialSuccess = "partial_success"
	sessionError          = "error"
)

// Session 会话结构
type Session struct {
	ID         string
	CreatedAt  time.Time
	LastActive time.Time
	Files      []FileTask
	Status     string
	Progress   Progress
	Results    []ProcessResult

	cancel context.CancelFunc
	mutex  sync.RWMutex
}

// UMService 音乐解密服务
type UMService struct {
	logger   *zap.Logger
	base     processor
	sessions map[string]*Session
	mutex    sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	wg       sync.WaitGroup
}

func NewUMService(ctx context.Context, logger *zap.Logger, base processor) *UMService {
	ctx, cancel := context.WithCancel(ctx)
	return &UMService{
		logger:   logger,
		base:     base,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start listens on pipeName and serves clients until Stop is called or the parent context ends.
func (s *UMService) Start(pipeName string) error {
	addr := getListenAddress(pipeName)

	var err error
	s.listener, err = listen(addr)
	if err != nil {
		return fmt.Errorf("启动服务监听失败: %w", err)
	}
	s.logger.Info("服务启动成功", zap.String("地址", addr))

	go func() {
		<-s.ctx.Done()
		_ = s.listener.Close()
	}()
	go s.cleanupSessions()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Error("接受连接失败", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Stop cancels all running sessions and closes the listener.
func (s *UMService) Stop() {
	s.cancel()
}

// handleConnection 处理客户端连接，一行一条 JSON 消息
func (s *UMService) handleConnection(conn net.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var msg ServiceMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			if err := encoder.Encode(s.createErrorResponse("", "解析消息失败", err)); err != nil {
				return
			}
			continue
		}

		if err := encoder.Encode(s.handleMessage(&msg)); err != nil {
			s.logger.Error("发送响应失败", zap.Error(err))
			return
		}
	}

	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Error("读取连接数据失败", zap.Error(err))
	}
}

func (s *UMService) handleMessage(msg *ServiceMessage) *ServiceResponse {
	switch msg.Type {
	case "start_session":
		return s.handleStartSession(msg)
	case "add_files":
		return s.handleAddFiles(msg)
	case "start_processing":
		return s.handleStartProcessing(msg)
	case "get_progress":
		return s.handleGetProgress(msg)
	case "stop_processing":
		return s.handleStopProcessing(msg)
	case "end_session":
		return s.handleEndSession(msg)
	default:
		return s.createErrorResponse(msg.ID, "未知消息类型", nil)
	}
}

// decodeData 解析并校验消息数据
func decodeData[T any](msg *ServiceMessage) (*T, error) {
	var v T
	if len(msg.Data) == 0 {
		return nil, errors.New("缺少消息数据")
	}
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, err
	}
	if err := validate.Struct(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *UMService) getSession(id string) (*Session, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

func (s *UMService) handleStartSession(msg *ServiceMessage) *ServiceResponse {
	now := time.Now()
	session := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		LastActive: now,
		Status:     sessionCreated,
	}

	s.mutex.Lock()
	s.sessions[session.ID] = session
	s.mutex.Unlock()

	s.logger.Info("创建新会话", zap.String("会话ID", session.ID))
	return s.createSuccessResponse(msg.ID, "session_started", map[string]string{"session_id": session.ID})
}

func (s *UMService) handleAddFiles(msg *ServiceMessage) *ServiceResponse {
	req, err := decodeData[addFilesRequest](msg)
	if err != nil {
		return s.createErrorResponse(msg.ID, "无效的消息数据", err)
	}
	session, ok := s.getSession(req.SessionID)
	if !ok {
		return s.createErrorResponse(msg.ID, "会话不存在", nil)
	}

	validFiles := make([]FileTask, 0, len(req.Files))
	for _, file := range req.Files {
		if _, err := os.Stat(file.InputPath); err != nil {
			s.logger.Warn("文件不存在", zap.String("路径", file.InputPath))
			continue
		}
		if len(common.GetDecoder(file.InputPath, true)) == 0 {
			s.logger.Warn("不支持的文件格式", zap.String("路径", file.InputPath))
			continue
		}
		validFiles = append(validFiles, file)
	}

	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.Status == statusProcessing {
		return s.createErrorResponse(msg.ID, "会话正在处理中", nil)
	}
	session.Files = append(session.Files, validFiles...)
	session.LastActive = time.Now()

	s.logger.Info("添加文件到会话",
		zap.String("会话ID", req.SessionID),
		zap.Int("有效文件数", len(validFiles)),
		zap.Int("总文件数", len(req.Files)))

	return s.createSuccessResponse(msg.ID, "files_added", map[string]int{
		"added_count": len(validFiles),
		"total_files": len(session.Files),
	})
}

func (s *UMService) handleStartProcessing(msg *ServiceMessage) *ServiceResponse {
	req, err := decodeData[startProcessingRequest](msg)
	if err != nil {
		return s.createErrorResponse(msg.ID, "无效的消息数据", err)
	}
	session, ok := s.getSession(req.SessionID)
	if !ok {
		return s.createErrorResponse(msg.ID, "会话不存在", nil)
	}

	session.mutex.Lock()
	defer session.mutex.Unlock()

	if session.Status == statusProcessing {
		return s.createErrorResponse(msg.ID, "会话正在处理中", nil)
	}
	if len(session.Files) == 0 {
		return s.createErrorResponse(msg.ID, "没有文件需要处理", nil)
	}

	options := ProcessOptions{
		UpdateMetadata:  true,
		OverwriteOutput: true,
		SkipNoop:        true,
	}
	if req.Options != nil {
		options = *req.Options
	}

	ctx, cancel := context.WithCancel(s.ctx)
	files := append([]FileTask(nil), session.Files...)
	session.Status = statusProcessing
	session.Progress = Progress{Total: len(files), Status: statusProcessing}
	session.Results = nil
	session.cancel = cancel
	session.LastActive = time.Now()

	go s.processSessionFiles(ctx, session, files, options)

	s.logger.Info("开始处理会话文件",
		zap.String("会话ID", session.ID),
		zap.Int("文件数量", len(files)))

	return s.createSuccessResponse(msg.ID, "processing_started", map[string]any{
		"session_id": session.ID,
		"file_count": len(files),
		"status":     statusProcessing,
	})
}

func (s *UMService) handleGetProgress(msg *ServiceMessage) *ServiceResponse {
	req, err := decodeData[sessionRequest](msg)
	if err != nil {
		return s.createErrorResponse(msg.ID, "无效的消息数据", err)
	}
	session, ok := s.getSession(req.SessionID)
	if !ok {
		return s.createErrorResponse(msg.ID, "会话不存在", nil)
	}

	session.mutex.RLock()
	defer session.mutex.RUnlock()

	progress := 0.0
	if session.Progress.Total > 0 {
		progress = float64(session.Progress.Processed) * 100 / float64(session.Progress.Total)
	}
	data := map[string]any{
		"session_id":      session.ID,
		"progress":        progress,
		"status":          session.Status,
		"total_files":     len(session.Files),
		"processed_files": session.Progress.Processed,
		"current_file":    session.Progress.CurrentFile,
	}
	if session.Results != nil {
		data["results"] = session.Results
	}
	return s.createSuccessResponse(msg.ID, "progress_update", data)
}

func (s *UMService) handleStopProcessing(msg *ServiceMessage) *ServiceResponse {
	req, err := decodeData[sessionRequest](msg)
	if err != nil {
		return s.createErrorResponse(msg.ID, "无效的消息数据", err)
	}
	session, ok := s.getSession(req.SessionID)
	if !ok {
		return s.createErrorResponse(msg.ID, "会话不存在", nil)
	}

	session.mutex.Lock()
	defer session.mutex.Unlock()

	if session.Status != statusProcessing {
		return s.createErrorResponse(msg.ID, "会话未在处理中", nil)
	}
	// 正在处理的文件会完成，其余文件不再开始
	session.cancel()
	session.LastActive = time.Now()

	s.logger.Info("停止处理会话", zap.String("会话ID", session.ID))
	return s.createSuccessResponse(msg.ID, "processing_stopped", map[string]string{
		"session_id": session.ID,
		"status":     statusStopped,
	})
}

func (s *UMService) handleEndSession(msg *ServiceMessage) *ServiceResponse {
	req, err := decodeData[sessionRequest](msg)
	if err != nil {
		return s.createErrorResponse(msg.ID, "无效的消息数据", err)
	}

	s.mutex.Lock()
	session, exists := s.sessions[req.SessionID]
	delete(s.sessions, req.SessionID)
	s.mutex.Unlock()

	if !exists {
		return s.createErrorResponse(msg.ID, "会话不存在", nil)
	}

	session.mutex.Lock()
	if session.cancel != nil {
		session.cancel()
	}
	session.Status = "ended"
	session.Files = nil
	session.mutex.Unlock()

	s.logger.Info("结束会话", zap.String("会话ID", req.SessionID))
	return s.createSuccessResponse(msg.ID, "session_ended", map[string]string{
		"session_id": req.SessionID,
		"status":     "ended",
	})
}

// processSessionFiles 异步处理会话文件，进度事件写回会话
func (s *UMService) processSessionFiles(ctx context.Context, session *Session, files []FileTask, options ProcessOptions) {
	progress := make(chan Progress)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range progress {
			session.mutex.Lock()
			session.Progress = ev
			session.LastActive = time.Now()
			session.mutex.Unlock()
		}
	}()

	bp := newBatchProcessor(options, s.logger.With(zap.String("会话ID", session.ID)), s.base)
	response := bp.processBatch(ctx, &BatchRequest{Files: files, Options: options}, progress)
	<-done

	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.Results = response.Results
	switch {
	case session.Progress.Status == statusStopped:
		session.Status = statusStopped
	case response.FailedCount == 0:
		session.Status = statusCompleted
	case response.FailedCount < response.TotalFiles:
		session.Status = sessionPartialSuccess
	default:
		session.Status = sessionError
	}
	session.LastActive = time.Now()

	s.logger.Info("文件处理完成",
		zap.String("会话ID", session.ID),
		zap.String("状态", session.Status),
		zap.Int("成功", response.SuccessCount),
		zap.Int("失败", response.FailedCount))
}

// cleanupSessions 清理过期会话
func (s *UMService) cleanupSessions() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.performCleanup(time.Now(), 30*time.Minute)
		}
	}
}

func (s *UMService) performCleanup(now time.Time, maxIdle time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, session := range s.sessions {
		session.mutex.RLock()
		idle := now.Sub(session.LastActive) > maxIdle && session.Status != statusProcessing
		session.mutex.RUnlock()
		if idle {
			delete(s.sessions, id)
			s.logger.Info("清理过期会话", zap.String("会话ID", id))
		}
	}
}

func (s *UMService) createSuccessResponse(id, responseType string, data any) *ServiceResponse {
	return &ServiceResponse{
		ID:        id,
		Type:      responseType,
		Success:   true,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

func (s *UMService) createErrorResponse(id, errorMsg string, err error) *ServiceResponse {
	errorText := errorMsg
	if err != nil {
		errorText = fmt.Sprintf("%s: %v", errorMsg, err)
	}
	return &ServiceResponse{
		ID:        id,
		Type:      "error",
		Success:   false,
		Error:     errorText,
		Timestamp: time.Now().Unix(),
	}
}

// runServiceMode 运行服务模式
func runServiceMode(ctx context.Context, logger *zap.Logger, pipeName string, base processor) error {
	logger.Info("启动服务模式", zap.String("管道名称", pipeName))
	return NewUMService(ctx, logger, base).Start(pipeName)
}
