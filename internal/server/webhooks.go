package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/grantlinehq/grantline/internal/jwks"
	webhookdomain "github.com/grantlinehq/grantline/internal/webhook/domain"
	webhookeventdomain "github.com/grantlinehq/grantline/internal/webhookevent/domain"
)

const maxWebhookBody = 4 << 20

// readRawBody returns the unparsed body. Signature checks run over these
// exact bytes, so nothing may decode the body first.
func readRawBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
}

func (s *Server) StripeWebhook(c *gin.Context) {
	body, err := readRawBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "WEBHOOK_ERROR", "message": "unreadable body"})
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), webhookdomain.Request{
		Provider: webhookeventdomain.ProviderStripe,
		Body:     body,
		Headers:  c.Request.Header,
	})
	if err != nil {
		status, payload := stripeErrorResponse(err)
		c.JSON(status, payload)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "message": result.Message})
}

// Stripe treats any non-2xx as "retry later": verification and business
// rejections answer 400, only genuinely retryable processing failures 500.
func stripeErrorResponse(err error) (int, gin.H) {
	switch {
	case errors.Is(err, webhookdomain.ErrMissingHeaders),
		errors.Is(err, webhookdomain.ErrInvalidSignature),
		errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, webhookdomain.ErrInvalidEvent):
		return http.StatusBadRequest, gin.H{"error": "WEBHOOK_ERROR", "message": err.Error()}
	case !webhookdomain.Retryable(err):
		return http.StatusBadRequest, gin.H{"error": "WEBHOOK_ERROR", "message": err.Error()}
	default:
		return http.StatusInternalServerError, gin.H{"error": "PROCESSING_FAILED"}
	}
}

func (s *Server) FalWebhook(c *gin.Context) {
	body, err := readRawBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), webhookdomain.Request{
		Provider: webhookeventdomain.ProviderFal,
		Body:     body,
		Headers:  c.Request.Header,
		PathParams: map[string]string{
			"taskId":     c.Param("taskId"),
			"subTaskId":  c.Param("subTaskId"),
			"resultType": c.Param("resultType"),
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, webhookdomain.ErrMissingHeaders):
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing webhook headers"})
		case errors.Is(err, webhookdomain.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		case errors.Is(err, jwks.ErrUpstream):
			// Key service outage, not a forgery: ask the provider to retry.
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signature keys unavailable"})
		case !webhookdomain.Retryable(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "PROCESSING_FAILED"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "message": result.Message})
}

func (s *Server) KieWebhook(c *gin.Context) {
	body, err := readRawBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), webhookdomain.Request{
		Provider: webhookeventdomain.ProviderKie,
		Body:     body,
		Headers:  c.Request.Header,
		PathParams: map[string]string{
			"taskId":    c.Param("taskId"),
			"subTaskId": c.Param("subTaskId"),
		},
	})
	if err != nil {
		s.log.Error("kie webhook failed",
			zap.String("task_id", c.Param("taskId")), zap.Error(err))
		if !webhookdomain.Retryable(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "PROCESSING_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "message": result.Message})
}
