package ingest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "bucketflow/docs"
	"bucketflow/internal/constants"
	"bucketflow/internal/envelope"
	"bucketflow/internal/logger"
	"bucketflow/internal/routing"
	pkgerrors "bucketflow/pkg/errors"
	"bucketflow/pkg/health"
	"bucketflow/pkg/middleware"
	"bucketflow/pkg/ratelimit"
	"bucketflow/pkg/tracing"
)

// CloudEvents binary-mode headers.
const (
	headerCEID   = "Ce-Id"
	headerCEType = "Ce-Type"
)

// RouteSource yields the route table currently in effect.
type RouteSource interface {
	Table() *routing.Table
}

type HTTPOptions struct {
	MaxPayloadBytes int64
	RateLimiter     *ratelimit.Limiter
	Health          *health.CheckerRegistry
}

// HTTPServer accepts pushed notifications and exposes the operational
// endpoints.
type HTTPServer struct {
	processor *Processor
	routes    RouteSource
	health    *health.CheckerRegistry
	logger    logger.Logger
	maxBody   int64
	engine    *gin.Engine
}

func NewHTTPServer(processor *Processor, routes RouteSource, opts HTTPOptions, log logger.Logger) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)

	s := &HTTPServer{
		processor: processor,
		routes:    routes,
		health:    opts.Health,
		logger:    log.Named("http"),
		maxBody:   opts.MaxPayloadBytes,
		engine:    gin.New(),
	}
	if s.maxBody <= 0 {
		s.maxBody = constants.DefaultMaxPayloadBytes
	}
	if s.health == nil {
		s.health = health.NewCheckerRegistry()
	}

	s.engine.Use(
		middleware.RequestID(),
		middleware.Recovery(s.logger),
		tracing.GinMiddleware(constants.ServiceName),
		middleware.AccessLog(s.logger, "/health", "/metrics"),
	)
	s.registerRoutes(opts.RateLimiter)
	return s
}

func (s *HTTPServer) registerRoutes(limiter *ratelimit.Limiter) {
	s.engine.GET("/health", s.Health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := s.engine.Group("/v1")
	{
		events := v1.Group("/events")
		if limiter != nil {
			events.Use(limiter.Middleware())
		}
		events.POST("", s.PostEvent)

		v1.GET("/routes", s.ListRoutes)
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

// PostEvent accepts a raw object notification, a Pub/Sub push body or a
// CloudEvent in binary or structured mode.
// @Summary      Dispatch a storage event
// @Description  Accept a raw object notification, a Pub/Sub push body or a CloudEvent and dispatch it to every matching route
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        event  body      object  true  "Object notification, push envelope or CloudEvent"
// @Success      200    {object}  dispatch.Result
// @Failure      400    {object}  map[string]interface{}
// @Failure      413    {object}  map[string]interface{}
// @Failure      429    {object}  map[string]interface{}
// @Failure      503    {object}  map[string]interface{}
// @Router       /v1/events [post]
func (s *HTTPServer) PostEvent(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, pkgerrors.ToErrorResponse(
				pkgerrors.ErrMalformedEvent.WithMessage("payload exceeds %d bytes", tooLarge.Limit)))
			return
		}
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrMalformedEvent.WithCause(err)))
		return
	}

	data, attrs := unwrapRequest(c.Request.Header, body)
	res, err := s.processor.Process(c.Request.Context(), SourceHTTP, data, attrs)
	if err != nil {
		if pkgerrors.IsMalformedEvent(err) {
			c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(err))
			return
		}
		c.JSON(http.StatusServiceUnavailable, pkgerrors.ToErrorResponse(err))
		return
	}

	if !res.Ack() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "delivery cancelled before completion",
			"error_code": "NOT_ACKNOWLEDGED",
			"result":     res,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

type routeList struct {
	Count  int                    `json:"count"`
	Routes []routing.RouteSummary `json:"routes"`
}

// ListRoutes godoc
// @Summary      List routes
// @Description  List the route table currently in effect
// @Tags         routes
// @Produce      json
// @Success      200  {object}  routeList
// @Router       /v1/routes [get]
func (s *HTTPServer) ListRoutes(c *gin.Context) {
	routes := s.routes.Table().Describe()
	c.JSON(http.StatusOK, routeList{Count: len(routes), Routes: routes})
}

// Health godoc
// @Summary      Service health
// @Description  Run every registered dependency check
// @Tags         health
// @Produce      json
// @Success      200  {object}  health.Health
// @Failure      503  {object}  health.Health
// @Router       /health [get]
func (s *HTTPServer) Health(c *gin.Context) {
	h := s.health.Check(c.Request.Context())
	status := http.StatusOK
	if h.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

type pushMessage struct {
	Attributes   map[string]string `json:"attributes"`
	Data         []byte            `json:"data"`
	MessageID    string            `json:"messageId"`
	MessageIDAlt string            `json:"message_id"`
}

type requestFrame struct {
	Message     *pushMessage    `json:"message"`
	SpecVersion string          `json:"specversion"`
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	DataBase64  string          `json:"data_base64"`
}

// unwrapRequest strips transport framing from an HTTP push and returns the
// object JSON plus the attributes the framing carried. Bodies it does not
// recognize are returned as-is and left to envelope decoding to judge.
func unwrapRequest(header http.Header, body []byte) ([]byte, map[string]string) {
	if id := header.Get(headerCEID); id != "" {
		attrs := map[string]string{envelope.KeyEventID: id}
		if t := header.Get(headerCEType); t != "" {
			attrs[envelope.KeyEventType] = t
		}
		return body, attrs
	}

	var frame requestFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return body, nil
	}

	switch {
	case frame.Message != nil:
		id := frame.Message.MessageID
		if id == "" {
			id = frame.Message.MessageIDAlt
		}
		return frame.Message.Data, notificationAttributes(id, frame.Message.Attributes)

	case frame.SpecVersion != "":
		attrs := map[string]string{}
		if frame.ID != "" {
			attrs[envelope.KeyEventID] = frame.ID
		}
		if frame.Type != "" {
			attrs[envelope.KeyEventType] = frame.Type
		}
		if frame.DataBase64 != "" {
			data, err := base64.StdEncoding.DecodeString(frame.DataBase64)
			if err != nil {
				return nil, attrs
			}
			return data, attrs
		}
		return frame.Data, attrs
	}

	return body, nil
}
