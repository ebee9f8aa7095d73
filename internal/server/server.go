package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"promptrouter/internal/config"
	"promptrouter/internal/dispatcher"
	"promptrouter/internal/models"
	"promptrouter/internal/prompt"
	"promptrouter/internal/provider"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// Runner executes prompt runs; *dispatcher.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, in dispatcher.Input) (*models.CompletionResponse, error)
	Stream(ctx context.Context, in dispatcher.Input) (<-chan models.StreamChunk, <-chan error)
}

// Catalog lists the models the server advertises.
type Catalog interface {
	List() []models.Model
}

type Server struct {
	cfg     config.Config
	runner  Runner
	catalog Catalog
	logger  *slog.Logger
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, runner Runner, catalog Catalog, logger *slog.Logger) (*Server, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if catalog == nil {
		return nil, errors.New("catalog must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		runner:  runner,
		catalog: catalog,
		logger:  logger,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed application, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
// There is no write timeout: streamed completions may run for minutes.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	s.logger.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/prompts/run", s.handleRun)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type modelList struct {
	Object string         `json:"object"`
	Data   []models.Model `json:"data"`
}

func (s *Server) handleModels(c echo.Context) error {
	list := s.catalog.List()
	if list == nil {
		list = []models.Model{}
	}
	return c.JSON(http.StatusOK, modelList{Object: "list", Data: list})
}

// runRequest is the inbound prompt run. Content is either a template string
// or a list of message-like records; extra holds the optional parameters.
type runRequest struct {
	Content   json.RawMessage   `json:"content"`
	Extra     models.Params     `json:"extra"`
	Variables map[string]string `json:"variables"`
	Model     string            `json:"model"`
	Stream    bool              `json:"stream"`
}

func (s *Server) handleRun(c echo.Context) error {
	var req runRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	content, err := prompt.ParseContent(req.Content)
	if err != nil {
		return badRequest(err.Error())
	}

	in := dispatcher.Input{
		Content:   content,
		Params:    req.Extra,
		Variables: req.Variables,
		Model:     req.Model,
		Stream:    req.Stream,
	}

	if req.Stream {
		return s.writeStream(c, in)
	}

	resp, err := s.runner.Run(c.Request().Context(), in)
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// writeStream relays chunks as OpenAI-style server-sent events. Failures
// before the first chunk become a regular error response; later failures
// are reported as a final error frame without the [DONE] marker.
func (s *Server) writeStream(c echo.Context, in dispatcher.Input) error {
	chunks, errs := s.runner.Stream(c.Request().Context(), in)

	first, ok := <-chunks
	if !ok {
		if err := <-errs; err != nil {
			return toHTTPError(err)
		}
	}

	writer := c.Response().Writer
	flusher, canFlush := writer.(http.Flusher)
	if !canFlush {
		s.logger.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	if ok {
		if err := writeSSEData(writer, first); err != nil {
			return err
		}
		flusher.Flush()

		for chunk := range chunks {
			if err := writeSSEData(writer, chunk); err != nil {
				s.logger.Error("failed to write SSE chunk", "err", err)
				return err
			}
			flusher.Flush()
		}
	}

	if err := <-errs; err != nil {
		s.logger.Warn("stream ended with error", "model", in.Model, "err", err)
		reqErr := toHTTPError(err)
		var payload errorBody
		payload.Error.Message = reqErr.Message
		payload.Error.Type = reqErr.Type
		payload.Error.Code = reqErr.Code
		if err := writeSSEData(writer, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if _, err := io.WriteString(writer, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write SSE terminator: %w", err)
	}
	flusher.Flush()
	return nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is required")
		}
		return badRequest(fmt.Sprintf("invalid JSON payload: %v", err))
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return badRequest("request body must contain a single JSON object")
	}
	return nil
}

func badRequest(message string) requestError {
	return requestError{Status: http.StatusBadRequest, Message: message, Type: "invalid_request_error"}
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

// toHTTPError maps dispatch failures onto response errors. Upstream status
// and error codes pass through unchanged; requests a provider refused to
// translate are the caller's fault and keep their message.
func toHTTPError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		errType := apiErr.Type
		if errType == "" {
			errType = "upstream_error"
		}
		return requestError{
			Status:  status,
			Message: apiErr.Error(),
			Type:    errType,
			Code:    apiErr.Code,
		}
	}

	if errors.Is(err, prompt.ErrUnsupportedContent) ||
		errors.Is(err, provider.ErrUnknownProvider) ||
		errors.Is(err, provider.ErrInvalidRequest) {
		return badRequest(err.Error())
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("promptrouter ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/prompts/run")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/prompts/run -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4o-mini\",\"content\":\"Hello {{name}}\",\"variables\":{\"name\":\"Ada\"}}'\n\n", host, port)
}
