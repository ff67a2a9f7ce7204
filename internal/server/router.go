package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reelcache/reelcache/internal/gateway"
)

// RequestHandler describes the component that decides how each intercepted
// request is answered. It allows injecting fake gateways during tests.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *http.Request) (*gateway.Result, error)
}

// RequestHandlerFunc adapts a function to the RequestHandler interface.
type RequestHandlerFunc func(ctx context.Context, req *http.Request) (*gateway.Result, error)

// HandleRequest makes RequestHandlerFunc satisfy RequestHandler.
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, req *http.Request) (*gateway.Result, error) {
	return f(ctx, req)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Gateway    RequestHandler
	ListenPort int
}

const contextKeyRequestID = "_reelcache_request_id"

// NewApp builds a Fiber application that funnels every non-diagnostics
// request through the gateway and streams the gateway result back.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("gateway handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return serveGateway(c, opts)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，供日志与响应头携带。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// serveGateway 把 Fiber 请求翻译为平台无关的 http.Request，交给网关处理，
// 再把网关结果写回客户端。策略决策全部留在网关内。
func serveGateway(c fiber.Ctx, opts AppOptions) error {
	req, err := buildHTTPRequest(c)
	if err != nil {
		return renderGatewayError(c, opts.Logger, err)
	}

	result, err := opts.Gateway.HandleRequest(req.Context(), req)
	if err != nil {
		return renderGatewayError(c, opts.Logger, err)
	}

	for key, values := range result.Header {
		for _, value := range values {
			c.Set(key, value)
		}
	}
	c.Set("X-Reelcache-Cache-Hit", fmt.Sprintf("%t", result.CacheHit))
	if result.Class != "" {
		c.Set("X-Reelcache-Class", string(result.Class))
	}
	if reqID := RequestID(c); reqID != "" {
		c.Set("X-Request-ID", reqID)
	}
	c.Status(result.Status)

	if c.Method() == http.MethodHead {
		result.Body.Close()
		return nil
	}

	_, copyErr := io.Copy(c.Response().BodyWriter(), result.Body)
	result.Body.Close()
	if copyErr != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("gateway stream failed: %v", copyErr))
	}
	return nil
}

// buildHTTPRequest 将 Fiber 请求还原为 http.Request：方法、路径、查询串、
// 请求头和请求体逐项搬运。
func buildHTTPRequest(c fiber.Ctx) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	uri := c.Request().URI()
	target := &url.URL{
		Scheme:   c.Scheme(),
		Host:     c.Hostname(),
		Path:     string(uri.Path()),
		RawQuery: string(uri.QueryString()),
	}

	body := bytesReader(c.Body())
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	c.Request().Header.VisitAll(func(key, value []byte) {
		req.Header.Add(string(key), string(value))
	})
	req.Host = c.Hostname()
	req.RemoteAddr = c.IP()
	return req, nil
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func renderGatewayError(c fiber.Ctx, logger *logrus.Logger, err error) error {
	logger.WithFields(logrus.Fields{
		"action": "gateway_serve",
		"path":   string(c.Request().URI().Path()),
		"error":  err.Error(),
	}).Warn("gateway request failed")

	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
		"error": "upstream_failed",
	})
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
