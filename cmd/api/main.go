package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/faceclient"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/liveness"
	"rollcall/internal/pipeline"
	"rollcall/internal/queue"
	"rollcall/internal/registration"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:sessions")
	}

	repo := attendance.NewRepository(db.Client)
	att := attendance.NewService(repo, q)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.DetectionThreshold)
	livenessCfg := liveness.Config{
		RequiredPoses:    cfg.RequiredPoses,
		MinFramesPerPose: cfg.MinFramesPerPose,
		ConsistencyFloor: cfg.ConsistencyFloor,
		AttemptTTL:       cfg.LivenessTTL,
	}
	registry := liveness.NewRegistry()
	verifier := liveness.NewVerifier(face, face, pipeline.NewNormalizer())
	reg := registration.NewCoordinator(repo, verifier, registry, livenessCfg)

	// Abandoned attempts hold decoded frames; sweep them out periodically.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				registry.Sweep()
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	registerAuthRoutes(r, repo, cfg)
	registerRegistrationRoutes(r, reg)

	protected := r.Group("/v1", auth.LecturerAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	registerUnitRoutes(protected, repo)
	registerAttendanceRoutes(protected, repo, att)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // liveness checks carry frame batches
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	log.Println("Server exited")
	return nil
}

func registerAuthRoutes(r *gin.Engine, repo *attendance.Repository, cfg config.App) {
	r.POST("/auth/register", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required,email"`
			Password string `json:"password" binding:"required"`
			FullName string `json:"full_name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !validPassword(req.Password) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "password must be at least 8 characters and include an uppercase letter and a digit"})
			return
		}
		if existing, err := repo.LecturerByEmail(c.Request.Context(), req.Email); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		} else if existing != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email already registered"})
			return
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "hashing failed"})
			return
		}
		lect, err := repo.CreateLecturer(c.Request.Context(), attendance.Lecturer{
			Email:        req.Email,
			PasswordHash: hash,
			FullName:     req.FullName,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": lect.ID, "email": lect.Email, "full_name": lect.FullName})
	})

	r.POST("/auth/login", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email" binding:"required,email"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		lect, err := repo.LecturerByEmail(c.Request.Context(), req.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if lect == nil || !auth.CheckPassword(req.Password, lect.PasswordHash) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		token, err := auth.Issue(lect.ID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token": token.Value,
			"token_type":   "bearer",
			"expires_at":   token.ExpiresAt.Unix(),
		})
	})

	r.GET("/auth/me", auth.LecturerAuth(cfg.JWTSigningKey, cfg.JWTIssuer), func(c *gin.Context) {
		lect, err := repo.GetLecturer(c.Request.Context(), auth.LecturerID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if lect == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "lecturer not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": lect.ID, "email": lect.Email, "full_name": lect.FullName})
	})
}

func registerRegistrationRoutes(r *gin.Engine, reg *registration.Coordinator) {
	g := r.Group("/register")

	g.GET("/verify-token/:token", func(c *gin.Context) {
		unit, err := reg.VerifyToken(c.Request.Context(), c.Param("token"))
		if err != nil {
			if errors.Is(err, registration.ErrInvalidToken) {
				c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true, "unit_id": unit.ID, "unit_name": unit.UnitName})
	})

	g.GET("/instructions", func(c *gin.Context) {
		cfg := reg.Config()
		poses := make([]gin.H, 0, len(cfg.RequiredPoses))
		for _, p := range cfg.RequiredPoses {
			poses = append(poses, gin.H{"type": p, "desc": poseDescription(p)})
		}
		c.JSON(http.StatusOK, gin.H{
			"poses":               poses,
			"min_frames_per_pose": cfg.MinFramesPerPose,
		})
	})

	g.POST("/start", func(c *gin.Context) {
		var req struct {
			FullName        string `json:"full_name" binding:"required"`
			AdmissionNumber string `json:"admission_number" binding:"required"`
			UnitID          string `json:"unit_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := reg.Start(c.Request.Context(), req.UnitID, req.AdmissionNumber, req.FullName); err != nil {
			status := http.StatusBadRequest
			if !errors.Is(err, registration.ErrUnitNotFound) && !isValidation(err) {
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "started"})
	})

	g.POST("/liveness-check", func(c *gin.Context) {
		var req struct {
			UnitID          string                     `json:"unit_id" binding:"required"`
			AdmissionNumber string                     `json:"admission_number" binding:"required"`
			Frames          []registration.FrameInput `json:"frames" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		embeddings, err := reg.CheckLiveness(c.Request.Context(), req.UnitID, req.AdmissionNumber, req.Frames)
		if err != nil {
			var rej *liveness.RejectionError
			if errors.As(err, &rej) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{
					"error":  "liveness rejected",
					"reason": rej.Reason,
					"pose":   rej.Pose,
					"detail": rej.Detail,
				})
				return
			}
			if errors.Is(err, registration.ErrNoAttempt) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"embeddings": embeddings})
	})

	g.POST("/complete", func(c *gin.Context) {
		var req struct {
			UnitID          string               `json:"unit_id" binding:"required"`
			AdmissionNumber string               `json:"admission_number" binding:"required"`
			Embeddings      []pipeline.Embedding `json:"embeddings" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := reg.Complete(c.Request.Context(), req.UnitID, req.AdmissionNumber, req.Embeddings); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed"})
	})
}

func registerUnitRoutes(g *gin.RouterGroup, repo *attendance.Repository) {
	g.POST("/units", func(c *gin.Context) {
		var req struct {
			UnitName string `json:"unit_name" binding:"required"`
			UnitCode string `json:"unit_code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		unit, err := repo.CreateUnit(c.Request.Context(), attendance.Unit{
			LecturerID:        auth.LecturerID(c),
			UnitName:          req.UnitName,
			UnitCode:          req.UnitCode,
			RegistrationToken: newToken(),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, unit)
	})

	g.GET("/units", func(c *gin.Context) {
		units, err := repo.ListUnits(c.Request.Context(), auth.LecturerID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"units": units})
	})

	g.GET("/units/:id", func(c *gin.Context) {
		unit, err := repo.GetUnit(c.Request.Context(), c.Param("id"), auth.LecturerID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if unit == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
			return
		}
		c.JSON(http.StatusOK, unit)
	})

	g.PATCH("/units/:id", func(c *gin.Context) {
		var req struct {
			UnitName string `json:"unit_name" binding:"required"`
			UnitCode string `json:"unit_code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := repo.UpdateUnit(c.Request.Context(), c.Param("id"), auth.LecturerID(c), req.UnitName, req.UnitCode)
		if errors.Is(err, attendance.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	})

	g.DELETE("/units/:id", func(c *gin.Context) {
		if err := repo.DeactivateUnit(c.Request.Context(), c.Param("id"), auth.LecturerID(c)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	})

	g.GET("/units/:id/students", func(c *gin.Context) {
		unit, err := repo.GetUnit(c.Request.Context(), c.Param("id"), auth.LecturerID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if unit == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
			return
		}
		students, err := repo.ListStudents(c.Request.Context(), unit.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": students})
	})
}

func registerAttendanceRoutes(g *gin.RouterGroup, repo *attendance.Repository, att *attendance.Service) {
	g.POST("/attendance", func(c *gin.Context) {
		var req struct {
			UnitID          string   `json:"unit_id" binding:"required"`
			ClassroomPhotos []string `json:"classroom_photos" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !ownsUnit(c, repo, req.UnitID) {
			return
		}
		sess, err := att.Submit(c.Request.Context(), req.UnitID, req.ClassroomPhotos)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": sess.ID, "status": sess.Status})
	})

	g.GET("/attendance/sessions", func(c *gin.Context) {
		unitID := c.Query("unit_id")
		if !ownsUnit(c, repo, unitID) {
			return
		}
		sessions, err := repo.ListSessions(c.Request.Context(), unitID, 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	g.GET("/attendance/sessions/:id/status", func(c *gin.Context) {
		status, err := repo.SessionStatus(c.Request.Context(), c.Param("id"))
		if errors.Is(err, attendance.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
	})

	g.GET("/attendance/sessions/:id", func(c *gin.Context) {
		sess, err := repo.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		unit, err := repo.GetUnit(c.Request.Context(), sess.UnitID, auth.LecturerID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if unit == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		resp := gin.H{
			"id":           sess.ID,
			"unit_name":    unit.UnitName,
			"session_date": sess.SessionDate,
			"status":       sess.Status,
		}
		switch sess.Status {
		case attendance.StatusCompleted:
			resp["totals"] = sess.Report.Totals
			resp["present"] = sess.Report.Present
			resp["absent"] = sess.Report.Absent
			resp["unknown"] = sess.Report.Unknown
			resp["classroom_photos"] = sess.ClassroomPhotos
		case attendance.StatusFailed:
			resp["failure_reason"] = sess.FailureReason
		}
		c.JSON(http.StatusOK, resp)
	})
}

// ownsUnit aborts with an error response unless the unit belongs to the
// authenticated lecturer.
func ownsUnit(c *gin.Context, repo *attendance.Repository, unitID string) bool {
	if unitID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unit_id required"})
		return false
	}
	unit, err := repo.GetUnit(c.Request.Context(), unitID, auth.LecturerID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return false
	}
	if unit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
		return false
	}
	return true
}

func validPassword(p string) bool {
	if len(p) < 8 {
		return false
	}
	hasUpper, hasDigit := false, false
	for _, r := range p {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}
	return hasUpper && hasDigit
}

// isValidation treats plain errors.New messages from the coordinator as
// caller mistakes rather than server faults.
func isValidation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "required") || strings.Contains(msg, "not found")
}

func poseDescription(pose string) string {
	switch pose {
	case "center":
		return "Look straight ahead"
	case "tilt_down":
		return "Tilt your head down"
	case "turn_right":
		return "Turn your head right"
	case "turn_left":
		return "Turn your head left"
	default:
		return "Follow the on-screen prompt"
	}
}

// newToken generates an opaque, unguessable registration token.
func newToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is not survivable for token issuance
		log.Fatalf("token generation failed: %v", err)
	}
	return hex.EncodeToString(buf)
}
