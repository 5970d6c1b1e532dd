package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	ledgerdomain "github.com/grantlinehq/grantline/internal/ledger/domain"
)

type createGrantRequest struct {
	UserID      string     `json:"user_id" binding:"required"`
	Amount      int64      `json:"amount" binding:"required"`
	Source      string     `json:"source"`
	ValidUntil  *time.Time `json:"valid_until"`
	Description string     `json:"description"`
}

// CreateGrant is the admin surface of the grant issuer; webhooks issue
// their own grants through the billing service.
func (s *Server) CreateGrant(c *gin.Context) {
	var req createGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := ledgerdomain.GrantSource(req.Source)
	if req.Source == "" {
		source = ledgerdomain.GrantSourceAdminAdjust
	}

	user, err := s.billingSvc.GetOrCreateBillingUser(c.Request.Context(), req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	grant, err := s.ledgerSvc.Grant(c.Request.Context(), ledgerdomain.GrantRequest{
		BillingUserID: user.ID,
		Amount:        req.Amount,
		ValidUntil:    req.ValidUntil,
		Source:        source,
		Description:   req.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledgerdomain.ErrInvalidAmount),
			errors.Is(err, ledgerdomain.ErrInvalidBillingUser):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "grant failed"})
		}
		return
	}
	respondData(c, grant)
}

func (s *Server) ListGrants(c *gin.Context) {
	billingUserID, ok := parseBillingUserID(c)
	if !ok {
		return
	}
	grants, err := s.ledgerSvc.ListGrants(c.Request.Context(), billingUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	respondData(c, grants)
}

func (s *Server) GetBalance(c *gin.Context) {
	billingUserID, ok := parseBillingUserID(c)
	if !ok {
		return
	}
	balance, err := s.ledgerSvc.Balance(c.Request.Context(), billingUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance failed"})
		return
	}
	respondData(c, gin.H{"billing_user_id": billingUserID.String(), "balance": balance})
}

func parseBillingUserID(c *gin.Context) (snowflake.ID, bool) {
	raw, err := strconv.ParseInt(c.Param("billingUserId"), 10, 64)
	if err != nil || raw <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid billing user id"})
		return 0, false
	}
	return snowflake.ID(raw), true
}
