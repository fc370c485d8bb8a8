package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yeremiapane/replisync/controllers"
	"github.com/yeremiapane/replisync/database"
	"github.com/yeremiapane/replisync/events"
	"github.com/yeremiapane/replisync/middlewares"
	"github.com/yeremiapane/replisync/services"
)

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Pool        *database.Pool
	Primary     *services.PrimaryService
	Resolver    services.PrimaryResolver
	Logs        *services.ChangeLogStore
	Conflicts   *services.ConflictResolver
	Worker      *services.SyncWorker
	Settings    *services.SyncSettings
	Hub         *events.Hub
	Metrics     *services.Metrics
	CORSOrigins []string
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.CORSMiddlewares(d.CORSOrigins...))
	r.Use(middlewares.LoggerMiddleware())

	syncCtrl := controllers.NewSyncController(d.Pool, d.Resolver, d.Logs, d.Conflicts, d.Worker, d.Settings)
	switchCtrl := controllers.NewDatabaseSwitchController(d.Primary)
	eventsCtrl := controllers.NewEventsController(d.Hub)
	userCtrl := controllers.NewUserController(d.Resolver)

	// ----------------------------------------------------------------
	//                      PUBLIC ROUTES
	// ----------------------------------------------------------------
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{})))

	// Rate limiter untuk login
	r.POST("/login", middlewares.NewStrictRateLimiter(), userCtrl.Login)

	r.GET("/ws/sync", middlewares.WebSocketAuthMiddleware(), eventsCtrl.Stream)

	// ----------------------------------------------------------------
	//                      AUTHENTICATED ROUTES
	// ----------------------------------------------------------------
	api := r.Group("/api")
	api.Use(middlewares.AuthMiddleware())

	api.GET("/profile", userCtrl.GetProfile)

	// SYNC (admin)
	sync := api.Group("/sync")
	sync.Use(middlewares.RequireRole(middlewares.RoleAdmin))
	{
		sync.GET("/status", syncCtrl.GetStatus)
		sync.GET("/logs", syncCtrl.GetLogs)
		sync.GET("/logs/:id", syncCtrl.GetLog)
		sync.POST("/logs", syncCtrl.AppendLog)
		sync.DELETE("/logs/cleanup", syncCtrl.CleanupLogs)

		sync.GET("/conflicts", syncCtrl.GetConflicts)
		sync.POST("/conflicts/batch-resolve", syncCtrl.BatchResolve)
		sync.GET("/conflicts/:id", syncCtrl.GetConflict)
		sync.POST("/conflicts/:id/resolve", syncCtrl.ResolveConflict)

		sync.POST("/trigger", syncCtrl.TriggerSync)
		sync.GET("/config", syncCtrl.GetConfig)
		sync.PUT("/config", syncCtrl.UpdateConfig)
	}

	// DATABASE SWITCH
	dbSwitch := api.Group("/database-switch")
	{
		dbSwitch.GET("/current", middlewares.RequireRole(middlewares.RoleAdmin), switchCtrl.GetCurrent)
		dbSwitch.GET("/health", middlewares.RequireRole(middlewares.RoleAdmin), switchCtrl.GetHealth)

		super := dbSwitch.Group("")
		super.Use(middlewares.RequireRole(middlewares.RoleSuperAdmin))
		super.GET("/overview", switchCtrl.GetOverview)
		super.POST("/validate-consistency", switchCtrl.ValidateConsistency)
		super.POST("/trigger-sync", switchCtrl.TriggerSync)
		super.GET("/history", switchCtrl.GetHistory)
		super.POST("/pre-check", switchCtrl.PreCheck)

		limited := super.Group("")
		limited.Use(middlewares.NewStrictRateLimiter())
		limited.POST("/switch", switchCtrl.Switch)
		limited.POST("/rollback", switchCtrl.Rollback)
	}

	return r
}
