package app

import (
	"bitwise74/asset-api/app/admin"
	"bitwise74/asset-api/app/file"
	"bitwise74/asset-api/app/root"
	"bitwise74/asset-api/app/storage"
	"bitwise74/asset-api/internal"
	"bitwise74/asset-api/pkg/middleware"
	"time"

	cache "github.com/chenyahui/gin-cache"
	"github.com/chenyahui/gin-cache/persist"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var store = persist.NewMemoryStore(time.Minute)

// NewRouter wires every route onto d
func NewRouter(d *internal.Deps) *gin.Engine {
	router := gin.New()

	router.Use(
		cors.New(cors.Config{
			AllowOrigins:     viper.GetStringSlice("host.cors"),
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", "Range"},
			ExposeHeaders:    []string{"Content-Length", "Content-Range", "Content-Disposition", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}),
		gin.Recovery(),
		middleware.NewRequestIDMiddleware(),
		ginzap.GinzapWithConfig(zap.L(), &ginzap.Config{
			TimeFormat: "15:04:05.000",
			UTC:        true,
			Skipper: func(c *gin.Context) bool {
				return c.Request.Method == "HEAD"
			},
			Context: func(c *gin.Context) []zapcore.Field {
				fields := []zapcore.Field{}

				if v := c.GetString("requestID"); v != "" {
					fields = append(fields, zap.String("request_id", v))
				}

				if v := c.GetString("userID"); v != "" {
					fields = append(fields, zap.String("userID", v))
				}

				return fields
			},
		}),
	)

	router.HandleMethodNotAllowed = true
	router.RedirectFixedPath = true
	router.MaxMultipartMemory = 32 << 20

	rateLimit := viper.GetInt("security.rate_limit")

	jwt := middleware.NewJWTMiddleware([]byte(viper.GetString("jwt.secret")), viper.GetString("jwt.cookie"))
	rateLimiter := middleware.RateLimiterMiddleware(middleware.RateLimiterConfig{
		RequestsPerSecond: rateLimit,
		Burst:             rateLimit * 2,
	})
	requireAdmin := middleware.RequireAdmin(middleware.NewAllowList(viper.GetStringSlice("admin.user_ids")))

	// The whole batch plus some room for the form itself
	maxBody := viper.GetInt64("upload.max_size")*int64(viper.GetInt("upload.max_files")) + 1<<20

	h := func(fn func(*gin.Context, *internal.Deps)) gin.HandlerFunc {
		return func(c *gin.Context) { fn(c, d) }
	}

	m := router.Group("/api", rateLimiter)
	{
		// HEAD /api/heartbeat 		-> Used to check if the server is alive
		m.HEAD("/heartbeat", h(root.Heartbeat))
	}

	s := m.Group("/storage", jwt)
	{
		// GET /api/storage		-> Returns the user's storage usage
		s.GET("", h(storage.StorageUsage))

		// POST /api/storage/init	-> Creates the user's storage row and directories
		s.POST("/init", h(storage.StorageInit))
	}

	ff := m.Group("/files", jwt)
	{
		// POST /api/files         	-> Uploads one or more files
		ff.POST("", middleware.BodySizeLimiter(maxBody), h(file.FileUpload))

		// GET /api/files		-> Lists the user's files with optional filters
		ff.GET("", h(file.FileList))

		fileRoutes(ff, h)
	}

	a := m.Group("/admin", jwt, requireAdmin)
	{
		// GET /api/admin/stats		-> Storage totals across every user
		a.GET("/stats", cacheFor(30), h(admin.Stats))

		// POST /api/admin/reconcile	-> Runs a reconciliation sweep now
		a.POST("/reconcile", h(admin.Reconcile))
	}

	au := a.Group("/users/:userID", func(c *gin.Context) {
		c.Set("targetUserID", c.Param("userID"))
		c.Next()
	})
	{
		// GET /api/admin/users/:userID/storage		-> Returns a user's usage
		au.GET("/storage", h(storage.StorageUsage))

		// PUT /api/admin/users/:userID/storage		-> Sets a user's quota
		au.PUT("/storage", h(admin.QuotaUpdate))

		// POST /api/admin/users/:userID/storage/recompute	-> Rebuilds usage from the file rows
		au.POST("/storage/recompute", h(admin.QuotaRecompute))

		// GET /api/admin/users/:userID/files		-> Lists a user's files
		au.GET("/files", h(file.FileList))

		fileRoutes(au.Group("/files"), h)
	}

	return router
}

// fileRoutes registers the per file routes shared by users and admins
func fileRoutes(g *gin.RouterGroup, h func(func(*gin.Context, *internal.Deps)) gin.HandlerFunc) {
	// GET .../files/:id		-> Returns a file's metadata
	g.GET("/:id", h(file.FileFetch))

	// GET .../files/:id/download	-> Serves the file under its original name
	g.GET("/:id/download", h(file.FileDownload))

	// GET .../files/:id/thumbnail	-> Serves the file's thumbnail
	g.GET("/:id/thumbnail", h(file.FileThumbnail))

	// DELETE .../files/:id		-> Deletes a file
	g.DELETE("/:id", h(file.FileDelete))

	// POST .../files/:id/favorite	-> Toggles the favorite flag
	g.POST("/:id/favorite", h(file.FileFavorite))

	// PUT .../files/:id/tags	-> Replaces the file's tags
	g.PUT("/:id/tags", h(file.FileTags))
}

func cacheFor(sec int) gin.HandlerFunc {
	return cache.CacheByRequestURI(store, time.Second*time.Duration(sec))
}
