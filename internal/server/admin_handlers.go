package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/verigate/api-gate/internal/logger"
	"github.com/verigate/api-gate/internal/models"
)

// ==================== Admin authentication ====================

func (s *Server) adminLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request"})
		return
	}

	if req.Password != s.cfg.Security.AdminPassword {
		s.logger.Warn("Failed login attempt")
		c.JSON(401, gin.H{"error": "Invalid password"})
		return
	}

	token := generateToken(req.Password)

	s.logger.Info("Admin logged in successfully")
	c.JSON(200, gin.H{
		"success": true,
		"token":   token,
	})
}

func (s *Server) adminLogout(c *gin.Context) {
	c.JSON(200, gin.H{"success": true})
}

func (s *Server) adminVerify(c *gin.Context) {
	token := c.GetHeader("X-Admin-Token")
	if token == "" {
		c.JSON(401, gin.H{"valid": false})
		return
	}

	if token != generateToken(s.cfg.Security.AdminPassword) {
		c.JSON(401, gin.H{"valid": false})
		return
	}

	c.JSON(200, gin.H{"valid": true})
}

// ==================== Key management ====================

type keyRequest struct {
	OwnerName      string   `json:"owner_name" binding:"required"`
	ExpiryDate     string   `json:"expiry_date"`
	HitLimit       int64    `json:"hit_limit"`
	AllowedOrigins []string `json:"allowed_origins"`
}

func (s *Server) listKeys(c *gin.Context) {
	keys, err := s.keys.ListAll(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to list keys", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to list keys"})
		return
	}

	list := make([]*models.APIKey, 0, len(keys))
	for _, key := range keys {
		list = append(list, key)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt < list[j].CreatedAt })

	c.JSON(200, gin.H{"keys": list})
}

func (s *Server) createKey(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "owner_name is required"})
		return
	}

	now := time.Now()
	expiry := req.ExpiryDate
	if expiry == "" {
		expiry = now.AddDate(0, 0, s.cfg.Defaults.KeyExpiryDays).Format(models.ExpiryDateLayout)
	}
	if _, err := time.Parse(models.ExpiryDateLayout, expiry); err != nil {
		c.JSON(400, gin.H{"error": "expiry_date must be YYYY-MM-DD"})
		return
	}
	if req.HitLimit < 0 {
		c.JSON(400, gin.H{"error": "hit_limit must not be negative"})
		return
	}
	hitLimit := req.HitLimit
	if hitLimit == 0 {
		hitLimit = s.cfg.Defaults.HitLimit
	}

	secret, err := generateSecret()
	if err != nil {
		s.logger.Error("Failed to generate key secret", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to create key"})
		return
	}

	key := &models.APIKey{
		ID:        uuid.NewString(),
		Secret:    secret,
		OwnerName: req.OwnerName,
		// Keys stay usable through their last day.
		ExpiryDate:     expiry + " 11:59:59 PM",
		HitLimit:       hitLimit,
		AllowedOrigins: req.AllowedOrigins,
		CreatedAt:      now.Format(models.ExpiryLayout),
		Active:         true,
	}

	if err := s.keys.Upsert(c.Request.Context(), key); err != nil {
		s.logger.Error("Failed to store key", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to create key"})
		return
	}

	s.logger.Info("API key created",
		zap.String("id", key.ID),
		zap.String("owner", key.OwnerName),
	)
	c.JSON(201, gin.H{"key": key})
}

func (s *Server) updateKey(c *gin.Context) {
	key, err := s.keys.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("Failed to load key", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to load key"})
		return
	}
	if key == nil {
		c.JSON(404, gin.H{"error": "API key not found"})
		return
	}

	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "owner_name is required"})
		return
	}
	if req.HitLimit < 0 {
		c.JSON(400, gin.H{"error": "hit_limit must not be negative"})
		return
	}

	key.OwnerName = req.OwnerName
	if req.ExpiryDate != "" {
		if _, err := time.Parse(models.ExpiryDateLayout, req.ExpiryDate); err != nil {
			c.JSON(400, gin.H{"error": "expiry_date must be YYYY-MM-DD"})
			return
		}
		key.ExpiryDate = req.ExpiryDate + " 11:59:59 PM"
	}
	key.HitLimit = req.HitLimit
	key.AllowedOrigins = req.AllowedOrigins

	if err := s.keys.Upsert(c.Request.Context(), key); err != nil {
		s.logger.Error("Failed to update key", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to update key"})
		return
	}

	c.JSON(200, gin.H{"key": key})
}

func (s *Server) toggleKey(c *gin.Context) {
	key, err := s.keys.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("Failed to load key", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to load key"})
		return
	}
	if key == nil {
		c.JSON(404, gin.H{"success": false, "error": "API key not found"})
		return
	}

	key.Active = !key.Active
	if err := s.keys.Upsert(c.Request.Context(), key); err != nil {
		s.logger.Error("Failed to toggle key", zap.Error(err))
		c.JSON(500, gin.H{"success": false, "error": "Failed to toggle key"})
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"active":  key.Active,
	})
}

func (s *Server) deleteKey(c *gin.Context) {
	deleted, err := s.keys.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("Failed to delete key", zap.Error(err))
		c.JSON(500, gin.H{"success": false, "error": "Failed to delete key"})
		return
	}
	if !deleted {
		c.JSON(404, gin.H{"success": false, "error": "API key not found"})
		return
	}

	c.JSON(200, gin.H{"success": true})
}

// ==================== Stats ====================

func (s *Server) getStats(c *gin.Context) {
	snap, err := s.stats.Snapshot(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to read stats", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to read stats"})
		return
	}
	c.JSON(200, snap)
}

// getDashboard prepares chart-ready series: the last seven daily buckets
// and a 24-slot hour-of-day distribution, plus key health counters.
func (s *Server) getDashboard(c *gin.Context) {
	snap, err := s.stats.Snapshot(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to read stats", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to read stats"})
		return
	}

	days := make([]string, 0, len(snap.Daily))
	for day := range snap.Daily {
		days = append(days, day)
	}
	sort.Strings(days)
	if len(days) > 7 {
		days = days[len(days)-7:]
	}
	dailyData := make([]int64, len(days))
	for i, day := range days {
		dailyData[i] = snap.Daily[day].Total
	}

	hourlyCounts := make([]int64, 24)
	for hourKey, bucket := range snap.Hourly {
		parts := strings.Split(hourKey, " ")
		if len(parts) != 2 {
			continue
		}
		hour, err := strconv.Atoi(parts[1])
		if err != nil || hour < 0 || hour > 23 {
			continue
		}
		hourlyCounts[hour] += bucket.Total
	}

	keys, err := s.keys.ListAll(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to list keys", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to list keys"})
		return
	}

	now := time.Now()
	var activeKeys, nearLimit, expiringSoon int
	for _, key := range keys {
		if !key.IsValid(now) {
			continue
		}
		activeKeys++
		if key.HitLimit > 0 && float64(key.HitsUsed) >= 0.8*float64(key.HitLimit) {
			nearLimit++
		}
		if day, err := time.Parse(models.ExpiryDateLayout, strings.SplitN(key.ExpiryDate, " ", 2)[0]); err == nil {
			if day.Before(now.AddDate(0, 0, 7)) {
				expiringSoon++
			}
		}
	}

	c.JSON(200, gin.H{
		"totals": gin.H{
			"total":      snap.TotalRequests,
			"successful": snap.SuccessfulRequests,
			"failed":     snap.FailedRequests,
		},
		"daily_labels":       days,
		"daily_data":         dailyData,
		"hourly_data":        hourlyCounts,
		"total_keys":         len(keys),
		"active_keys":        activeKeys,
		"inactive_keys":      len(keys) - activeKeys,
		"keys_near_limit":    nearLimit,
		"keys_expiring_soon": expiringSoon,
	})
}

// ==================== Activity ====================

func (s *Server) listActivity(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))

	items, total, err := s.activity.Page(c.Request.Context(), page, perPage)
	if err != nil {
		s.logger.Error("Failed to page activity", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to read activity"})
		return
	}
	if perPage < 1 {
		perPage = 10
	}

	c.JSON(200, gin.H{
		"items":    items,
		"total":    total,
		"page":     page,
		"per_page": perPage,
		"pages":    (total + int64(perPage) - 1) / int64(perPage),
	})
}

func (s *Server) deleteActivity(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"success": false, "error": "Invalid activity id"})
		return
	}

	deleted, err := s.activity.DeleteOne(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("Failed to delete activity", zap.Int64("id", id), zap.Error(err))
		c.JSON(500, gin.H{"success": false})
		return
	}
	c.JSON(200, gin.H{"success": deleted})
}

func (s *Server) deleteActivities(c *gin.Context) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	// An empty body means delete everything.
	_ = c.ShouldBindJSON(&req)

	if err := s.activity.DeleteMany(c.Request.Context(), req.IDs); err != nil {
		s.logger.Error("Failed to delete activities", zap.Error(err))
		c.JSON(500, gin.H{"success": false})
		return
	}
	c.JSON(200, gin.H{"success": true})
}

// ==================== Logs ====================

func (s *Server) getLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(200, gin.H{"logs": logger.GlobalBuffer.GetRecent(limit)})
}

func (s *Server) clearLogs(c *gin.Context) {
	logger.GlobalBuffer.Clear()
	c.JSON(200, gin.H{"success": true})
}

// ==================== Helpers ====================

func generateToken(password string) string {
	// Fixed salt keeps the token stable across restarts
	h := sha256.New()
	h.Write([]byte("verigate-admin-" + password))
	return hex.EncodeToString(h.Sum(nil))
}

func generateSecret() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
