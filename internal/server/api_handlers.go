package server

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/verigate/api-gate/internal/models"
	"github.com/verigate/api-gate/internal/verify"
)

// getChallenge proxies the current challenge image from the automation
// service. Challenge traffic is exempt from stats and the activity trail.
func (s *Server) getChallenge(c *gin.Context) {
	challenge, err := s.verifier.FetchChallenge(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to fetch challenge", zap.Error(err))
		c.JSON(500, gin.H{
			"success": false,
			"error":   "Failed to capture captcha",
		})
		return
	}

	if challenge.Token != "" {
		c.Header("X-Captcha-Token", challenge.Token)
	}
	c.Data(200, "image/png", challenge.Image)
}

// verifyRecord performs one gated verification. Admission, metering, and
// the admission stat were already handled by the gate middleware; this
// handler only runs the verification and writes the audit entry that
// carries the verified subject.
func (s *Server) verifyRecord(c *gin.Context) {
	var req verify.Request
	if err := c.ShouldBindJSON(&req); err != nil || req.RecordNumber == "" || req.DateOfBirth == "" || req.ChallengeAnswer == "" {
		c.JSON(400, gin.H{
			"error": "Missing required fields: reg_number, dob, and captcha are required",
		})
		return
	}

	actor := c.GetHeader("X-API-Key")

	result, err := s.verifier.Verify(c.Request.Context(), req)
	if err != nil {
		s.recordVerifyFailure(c, actor, err)
		return
	}

	detail := models.ActivityDetail{
		SubjectName:  result.Name,
		RecordNumber: result.RecordNumber,
		DateOfBirth:  result.DateOfBirth,
		BirthPlace:   result.BirthPlace,
		Status:       "Success",
		Endpoint:     models.EventVerify,
		Method:       c.Request.Method,
		Path:         c.Request.URL.Path,
		RemoteAddr:   c.ClientIP(),
		Origin:       requestOrigin(c),
	}
	if _, err := s.activity.Append(c.Request.Context(), actor, models.EventVerify, detail, true, c.ClientIP()); err != nil {
		s.logger.Error("Failed to append verification activity", zap.Error(err))
	}

	c.JSON(200, gin.H{
		"success": true,
		"data":    result,
	})
}

func (s *Server) recordVerifyFailure(c *gin.Context, actor string, err error) {
	var validationErr *verify.ValidationError

	status := 500
	message := "Could not extract verification data"
	switch {
	case errors.As(err, &validationErr):
		// The verified registry rejected the submission; its text is
		// caller-safe.
		status = 200
		message = validationErr.Text
	case errors.Is(err, verify.ErrTimeout):
		message = "Verification timed out"
	}

	s.logger.Warn("Verification failed", zap.Error(err))

	detail := models.ActivityDetail{
		Status:     "Failed",
		Error:      err.Error(),
		Endpoint:   models.EventVerify,
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		RemoteAddr: c.ClientIP(),
		Origin:     requestOrigin(c),
	}
	if _, logErr := s.activity.Append(c.Request.Context(), actor, models.EventVerify, detail, false, c.ClientIP()); logErr != nil {
		s.logger.Error("Failed to append verification activity", zap.Error(logErr))
	}

	c.JSON(status, gin.H{
		"success": false,
		"error":   message,
	})
}

func requestOrigin(c *gin.Context) string {
	origin := c.GetHeader("Origin")
	if origin == "" {
		origin = c.GetHeader("Referer")
	}
	if origin == "" {
		origin = c.ClientIP()
	}
	if origin == "" {
		origin = "unknown"
	}
	return origin
}
