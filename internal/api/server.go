package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMEE-Chain/internal/auth"
	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/job"
	"OpenMEE-Chain/internal/observability/metrics"
	"OpenMEE-Chain/pkg/logger"
)

const (
	supertxPath = "/api/v1/supertx"
	maxBodySize = 1 << 20
)

// JobService 是 API 依赖的作业服务能力。
type JobService interface {
	Submit(ctx context.Context, req job.SubmitRequest) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, opts ...job.ListOption) ([]*job.Job, error)
	Stats(ctx context.Context, opts ...job.ListOption) (job.JobStats, error)
}

// Server 负责暴露 REST 接口，供外部提交与查询超级交易作业。
type Server struct {
	addr   string
	jobs   JobService
	auth   *auth.Service
	logger *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithAuth 为作业接口启用认证，/metrics 不受影响。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, jobs JobService, opts ...Option) *Server {
	s := &Server{addr: addr, jobs: jobs, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	protect := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {auth.PermissionSubmit},
			"*":             {auth.PermissionRead},
		},
		AuditEvent: "supertx",
	})
	mux := http.NewServeMux()
	mux.Handle(supertxPath, instrument("supertx", protect(http.HandlerFunc(s.handleSupertx))))
	mux.Handle(supertxPath+"/stats", instrument("supertx_stats", protect(http.HandlerFunc(s.handleStats))))
	mux.Handle(supertxPath+"/", instrument("supertx_detail", protect(http.HandlerFunc(s.handleDetail))))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSupertx(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET/POST"))
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeConfiguration, "作业服务未初始化"))
		return
	}

	var req job.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	created, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.logger.Warn("提交作业失败", slog.Any("error", err))
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeConfiguration, "作业服务未初始化"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeConfiguration, "作业服务未初始化"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDetail 返回单个作业的状态与回执。
func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "仅支持 GET"))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, supertxPath), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "缺少作业 ID"))
		return
	}
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeConfiguration, "作业服务未初始化"))
		return
	}
	found, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func listOptionsFromQuery(r *http.Request) ([]job.ListOption, error) {
	q := r.URL.Query()
	opts := make([]job.ListOption, 0, 8)

	intParam := func(name string) (int, bool, error) {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return 0, false, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, false, xerrors.Newf(xerrors.CodeInvalidArgument, "参数 %s 必须为非负整数", name)
		}
		return v, true, nil
	}
	if limit, ok, err := intParam("limit"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, job.WithLimit(limit))
	}
	if offset, ok, err := intParam("offset"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, job.WithOffset(offset))
	}
	if since, ok, err := intParam("since"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, job.WithUpdatedSince(time.Unix(int64(since), 0)))
	}
	if until, ok, err := intParam("until"); err != nil {
		return nil, err
	} else if ok {
		opts = append(opts, job.WithUpdatedUntil(time.Unix(int64(until), 0)))
	}

	if raw := strings.TrimSpace(q.Get("error_code")); raw != "" {
		opts = append(opts, job.WithErrorCodes(strings.Split(raw, ",")...))
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.ToLower(strings.TrimSpace(part)))
			if !job.IsValidStatus(status) {
				return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的作业状态 %q", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if raw := strings.TrimSpace(q.Get("has_result")); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 has_result 必须为布尔值")
		}
		opts = append(opts, job.WithResultPresence(hasResult))
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "desc":
	case "asc":
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 order 仅支持 asc/desc")
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, job.WithQuery(query))
	}
	return opts, nil
}

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func statusFromError(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, job.CodeJobValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, job.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, job.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeQueueFailure, job.CodeJobPublish, xerrors.CodeConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Metadata = e.Metadata()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个请求的状态码与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeUnknown, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
