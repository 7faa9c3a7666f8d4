package api

import (
	"github.com/gin-gonic/gin"

	"github.com/OSM-es/CatAtomApi/internal/api/handler"
	"github.com/OSM-es/CatAtomApi/internal/api/middleware"
	"github.com/OSM-es/CatAtomApi/internal/cache"
	"github.com/OSM-es/CatAtomApi/internal/notify"
	"github.com/OSM-es/CatAtomApi/internal/repository"
	"github.com/OSM-es/CatAtomApi/internal/service"
)

// Services are the components served by the router.
type Services struct {
	Repo       *repository.JobRepository
	Deriver    *service.StatusDeriver
	Controller *service.Controller
	Tailer     *service.Tailer
	Review     *service.ReviewWorkflow
	Highway    *service.HighwayEditor
	Chat       *service.ChatLog
	Splits     cache.SplitSource
	Audit      handler.AuditLister
	Hub        *notify.Hub
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc Services, mode string, cors middleware.CORSConfig) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = handler.MaxUploadSize

	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cors))
	r.Use(middleware.Identity())

	healthHandler := handler.NewHealthHandler(svc.Repo)
	jobHandler := handler.NewJobHandler(svc.Repo, svc.Deriver, svc.Controller, svc.Tailer, svc.Splits)
	reviewHandler := handler.NewReviewHandler(svc.Repo, svc.Review)
	highwayHandler := handler.NewHighwayHandler(svc.Repo, svc.Highway)
	chatHandler := handler.NewChatHandler(svc.Repo, svc.Chat, svc.Audit)

	r.GET("/health", healthHandler.Health)
	if svc.Hub != nil {
		r.GET("/ws", gin.WrapF(svc.Hub.ServeWS))
	}

	v1 := r.Group("/api/v1")
	auth := middleware.RequireUser()
	{
		v1.GET("/jobs", jobHandler.ListJobs)

		job := v1.Group("/jobs/:code")
		job.GET("", jobHandler.GetJob)
		job.POST("", auth, jobHandler.StartJob)
		job.DELETE("", auth, jobHandler.DeleteJob)
		job.GET("/log", jobHandler.GetLog)
		job.GET("/export", jobHandler.Export)
		job.GET("/splits", jobHandler.GetSplits)

		// Street names
		job.GET("/highways", highwayHandler.ListHighways)
		job.PUT("/highways", auth, highwayHandler.Update)
		job.POST("/highways/undo", auth, highwayHandler.Undo)

		// Fixmes
		job.GET("/fixmes", reviewHandler.ListFixmes)
		job.POST("/fixmes", auth, reviewHandler.Upload)
		job.DELETE("/fixmes", auth, reviewHandler.Clear)
		job.PUT("/fixmes/:item", auth, reviewHandler.Lock)
		job.DELETE("/fixmes/:item", auth, reviewHandler.Unlock)

		job.GET("/chat", chatHandler.Messages)
		job.POST("/chat", auth, chatHandler.Post)
		job.GET("/audit", chatHandler.Audit)
	}

	return r
}
