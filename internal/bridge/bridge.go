package bridge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"docrelay/internal/control"
	"docrelay/internal/correlator"
	"docrelay/internal/ctxkeys"
	"docrelay/internal/logger"
	"docrelay/internal/service"
	"docrelay/pkg/api"
	"docrelay/pkg/model"
)

const TraceHeader = "X-Trace-ID"

// Options 桥接服务配置
type Options struct {
	Service api.Service
	Logger  logger.Logger

	// ViewerOrigin 查看器消息的可信来源，为空时接受所有来源
	ViewerOrigin string
}

// Handlers 宿主平台通过 HTTP 驱动控件
type Handlers struct {
	svc          api.Service
	log          logger.Logger
	viewerOrigin string
}

// NewRouter 创建路由
func NewRouter(opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	h := &Handlers{svc: opts.Service, log: opts.Logger.With("component", "bridge"), viewerOrigin: opts.ViewerOrigin}

	r := gin.New()
	r.Use(gin.Recovery(), Trace(), AccessLog(h.log))
	r.GET("/healthz", h.Health)
	r.GET("/targets", h.ListTargets)

	g := r.Group("/controls")
	g.GET("", h.ListControls)
	g.POST("", h.CreateControl)
	g.DELETE("/:id", h.DestroyControl)
	g.PUT("/:id/inputs", h.UpdateInputs)
	g.POST("/:id/document", h.SubmitDocument)
	g.POST("/:id/failure", h.ReportFailure)
	g.GET("/:id/outputs", h.Outputs)
	g.POST("/:id/messages", h.PostMessage)
	g.GET("/:id/pending", h.Pending)
	g.GET("/:id/stats", h.Stats)
	g.GET("/:id/events", h.Events)
	g.POST("/:id/browser", h.AttachBrowser)
	g.DELETE("/:id/browser", h.DetachBrowser)
	return r
}

// Trace 为每个请求分配链路 ID，写入 context 与响应头
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(TraceHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(ctxkeys.WithTraceID(c.Request.Context(), id))
		c.Header(TraceHeader, id)
		c.Next()
	}
}

// AccessLog 请求日志
func AccessLog(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Debug("HTTP请求",
			"traceId", ctxkeys.TraceID(c.Request.Context()),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"timeMs", float64(time.Since(start).Nanoseconds())/1e6,
		)
	}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "controls": len(h.svc.ListControls())})
}

func (h *Handlers) ListTargets(c *gin.Context) {
	targets, err := h.svc.ListTargets(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

func (h *Handlers) ListControls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"controls": h.svc.ListControls()})
}

type createRequest struct {
	ID string `json:"id"`
}

func (h *Handlers) CreateControl(c *gin.Context) {
	var req createRequest
	if !bindOptional(c, &req) {
		return
	}
	id, err := h.svc.CreateControl(model.ControlID(req.ID))
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *Handlers) DestroyControl(c *gin.Context) {
	if err := h.svc.DestroyControl(controlID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type inputsRequest struct {
	Doc          string          `json:"doc"`
	ViewerHeight int             `json:"viewerheight"`
	ViewerWidth  int             `json:"viewerwidth"`
	Document     json.RawMessage `json:"document"`
}

func (h *Handlers) UpdateInputs(c *gin.Context) {
	var req inputsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in := control.Inputs{Doc: req.Doc, ViewerHeight: req.ViewerHeight, ViewerWidth: req.ViewerWidth}
	if len(req.Document) > 0 && string(req.Document) != "null" {
		in.Document = req.Document
	}
	view, err := h.svc.UpdateInputs(controlID(c), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handlers) SubmitDocument(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	changed, err := h.svc.SubmitDocument(controlID(c), body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

type failureRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) ReportFailure(c *gin.Context) {
	var req failureRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "document fetch failed"
	}
	if err := h.svc.ReportFailure(controlID(c), req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) Outputs(c *gin.Context) {
	out, changes, err := h.svc.Outputs(controlID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"interceptedUrl": out.InterceptedURL,
		"pdfdoc":         out.PDFDoc,
		"changes":        changes,
	})
}

func (h *Handlers) PostMessage(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	trusted := h.viewerOrigin == "" || c.GetHeader("Origin") == h.viewerOrigin
	if err := h.svc.PostMessage(controlID(c), body, trusted); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"trusted": trusted})
}

func (h *Handlers) Pending(c *gin.Context) {
	items, err := h.svc.Pending(controlID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": items})
}

func (h *Handlers) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(controlID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handlers) Events(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	events, err := h.svc.Events(c.Request.Context(), controlID(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type attachRequest struct {
	Target string `json:"target"`
}

func (h *Handlers) AttachBrowser(c *gin.Context) {
	var req attachRequest
	if !bindOptional(c, &req) {
		return
	}
	if err := h.svc.AttachBrowser(controlID(c), model.TargetID(req.Target)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) DetachBrowser(c *gin.Context) {
	if err := h.svc.DetachBrowser(controlID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bindOptional 请求体可以为空；非空但无法解析时返回 400
func bindOptional(c *gin.Context, req any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func controlID(c *gin.Context) model.ControlID {
	return model.ControlID(c.Param("id"))
}

// fail 将服务错误映射为 HTTP 状态码
func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrControlNotFound):
		status = http.StatusNotFound
	case errors.Is(err, correlator.ErrMalformedPayload):
		status = http.StatusBadRequest
	case errors.Is(err, correlator.ErrNoActive):
		status = http.StatusConflict
	case errors.Is(err, control.ErrDestroyed), errors.Is(err, correlator.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, service.ErrNoBrowser), errors.Is(err, service.ErrNoStore):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		h.log.Err(err, "请求处理失败", "traceId", ctxkeys.TraceID(c.Request.Context()), "path", c.FullPath())
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
