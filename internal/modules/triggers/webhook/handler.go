package webhook

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/toolgate/core/internal/apperrors"
)

// maxBodyBytes bounds an inbound delivery body. Providers stay well under
// this; anything larger is hostile.
const maxBodyBytes = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes mounts the public delivery endpoints. No API auth: the
// connector's signature or token check is the authentication.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/webhooks")
	g.POST("/:provider/:trigger_id", h.receive)
	g.GET("/:provider/:trigger_id", h.challenge)
}

// envelope is the provider-facing response shape. It is deliberately not the
// agent API envelope; providers only look at the status code.
type envelope struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func respondError(c *gin.Context, code int, detail string) {
	c.JSON(code, envelope{Status: "error", Detail: detail})
}

func (h *Handler) receive(c *gin.Context) {
	triggerID := c.Param("trigger_id")

	if ok, res := h.service.Admit(c.ClientIP(), triggerID, c.Request.URL.Path); !ok {
		c.Header("Retry-After", strconv.Itoa(res.RetryAfter))
		respondError(c, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// Drain before any error response so providers see a consumed request.
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		respondError(c, http.StatusBadRequest, "unreadable body")
		return
	}

	outcome, err := h.service.Process(c.Request.Context(), c.Param("provider"), triggerID, c.Request, body)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrTriggerNotFound):
			respondError(c, http.StatusNotFound, "trigger not found")
		case errors.Is(err, ErrTriggerInactive):
			respondError(c, http.StatusBadRequest, "trigger is not active")
		case errors.Is(err, ErrVerificationFailed):
			respondError(c, http.StatusUnauthorized, "verification failed")
		default:
			respondError(c, http.StatusInternalServerError, "internal error")
		}
		return
	}

	switch outcome.Kind {
	case OutcomeChallenge:
		c.Data(http.StatusOK, outcome.Challenge.ContentType, outcome.Challenge.Body)
	case OutcomeDuplicate:
		c.JSON(http.StatusOK, envelope{Status: "ok", Duplicate: true})
	default:
		c.JSON(http.StatusOK, envelope{Status: "ok"})
	}
}

// challenge answers GET-style URL validation: providers that probe with a
// challenge query parameter get it echoed back.
func (h *Handler) challenge(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}
	if challenge := c.Query("challenge"); challenge != "" {
		c.JSON(http.StatusOK, gin.H{"challenge": challenge})
		return
	}
	c.JSON(http.StatusOK, envelope{Status: "ok"})
}
