package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/generator"
)

// SubmitResponse answers a plan submission.
type SubmitResponse struct {
	PlanID string `json:"planID"`
}

// ReviewRequest carries a reviewer's verdict on an escalated plan.
type ReviewRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
	Reason   string `json:"reason"`
}

// DraftRequest asks for a request to be generated from a prompt.
type DraftRequest struct {
	generator.Prompt
	// Submit hands the drafted request to the orchestrator right away.
	Submit bool `json:"submit"`
}

// DraftResponse carries the drafted request and, when submitted, its plan.
type DraftResponse struct {
	Request deployment.Request `json:"request"`
	PlanID  string             `json:"planID,omitempty"`
}

func (s *Server) submitPlan(c *gin.Context) {
	var req deployment.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := s.deps.Plans.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitResponse{PlanID: id})
}

func (s *Server) listPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": s.deps.Plans.List()})
}

func (s *Server) getPlan(c *gin.Context) {
	st, err := s.deps.Plans.Status(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) cancelPlan(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Plans.Cancel(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"planID": id, "cancelRequested": true})
}

func (s *Server) approvePlan(c *gin.Context) {
	s.review(c, s.deps.Approvals.Approve)
}

func (s *Server) denyPlan(c *gin.Context) {
	s.review(c, s.deps.Approvals.Deny)
}

func (s *Server) review(c *gin.Context, resolve func(requestID, reviewer, reason string) error) {
	var body ReviewRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	if err := resolve(id, body.Reviewer, body.Reason); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Info("escalation resolved", "plan", id, "reviewer", body.Reviewer, "route", c.FullPath())
	c.JSON(http.StatusAccepted, gin.H{"planID": id})
}

func (s *Server) planAudit(c *gin.Context) {
	id := c.Param("id")
	entries, err := s.deps.Audit.ByRequest(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no audit entries for " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) listEscalations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.deps.Approvals.Pending()})
}

func (s *Server) listReservations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"reservations": s.deps.Reservations.Snapshot(),
		"capacity":     s.deps.Reservations.Capacity(),
	})
}

func (s *Server) listInventory(c *gin.Context) {
	if s.deps.Inventory == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "inventory is not available for this provider"})
		return
	}
	handles, err := s.deps.Inventory.Inventory(c.Request.Context(), c.Query("request"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"inventory": handles})
}

func (s *Server) createDraft(c *gin.Context) {
	if s.deps.Drafter == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "drafting needs an OpenAI API key"})
		return
	}
	var body DraftRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	req, err := s.deps.Drafter.Draft(c.Request.Context(), body.Prompt)
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := DraftResponse{Request: req}
	if body.Submit {
		if resp.PlanID, err = s.deps.Plans.Submit(c.Request.Context(), req); err != nil {
			s.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, resp)
}
