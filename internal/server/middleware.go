package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/verigate/api-gate/internal/guard"
	"github.com/verigate/api-gate/internal/models"
)

// contextKeyAPIKey is where the gate middleware stores the admitted key.
const contextKeyAPIKey = "api_key"

// loggerMiddleware logs HTTP requests
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		method := c.Request.Method
		clientIP := c.ClientIP()

		s.logger.Info("HTTP Request",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("client_ip", clientIP),
		)
	}
}

// corsMiddleware handles CORS
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range s.cfg.Security.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin != "" {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			}
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Origin, Cache-Control, X-Requested-With, X-API-Key, X-Admin-Token")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// keyGateMiddleware runs every API request through the access guard. On
// admission the key's usage has already been counted; the handler only
// performs the gated operation.
func (s *Server) keyGateMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		originHeader := c.GetHeader("Origin")
		if originHeader == "" {
			originHeader = c.GetHeader("Referer")
		}

		key, denial := s.guard.Authorize(c.Request.Context(), guard.Request{
			Secret:       c.GetHeader("X-API-Key"),
			OriginHeader: originHeader,
			SourceAddr:   c.ClientIP(),
			Endpoint:     endpointName(c.FullPath()),
			Method:       c.Request.Method,
			Path:         c.Request.URL.Path,
		})
		if denial != nil {
			c.JSON(denial.HTTPStatus(), gin.H{
				"success": false,
				"error":   denial.Message,
			})
			c.Abort()
			return
		}

		c.Set(contextKeyAPIKey, key)
		c.Next()
	}
}

// adminAuthMiddleware checks admin authentication
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Admin-Token")

		if token == "" {
			c.JSON(401, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}

		expectedToken := generateToken(s.cfg.Security.AdminPassword)
		if token != expectedToken {
			s.logger.Warn("Invalid admin token attempt",
				zap.String("client_ip", c.ClientIP()))
			c.JSON(401, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// endpointName maps a route to the event name used in stats and the
// activity trail.
func endpointName(fullPath string) string {
	switch fullPath {
	case "/api/captcha":
		return models.EventChallengeFetch
	case "/api/verify":
		return models.EventVerify
	default:
		return fullPath
	}
}
