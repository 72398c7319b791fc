package routes

import (
	"regexp"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sediment-server/internal/config"
	"sediment-server/internal/handlers"
	"sediment-server/internal/inference"
	"sediment-server/internal/metrics"
	"sediment-server/internal/middleware"
	"sediment-server/internal/storage"
	"sediment-server/internal/store"
)

// multipartOverhead is allowed on top of the image size for form boundaries and fields.
const multipartOverhead = 1 << 20

// Dependencies are the collaborators shared by every handler.
type Dependencies struct {
	Config   *config.Config
	Store    *store.Store
	Objects  storage.ObjectStore
	Detector inference.Detector
	Verifier middleware.Verifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// NewRouter builds the engine with the global middleware chain and all routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	router := gin.New()
	// Recovery stays innermost so panics reach the access log and metrics as 500s.
	router.Use(
		middleware.RequestID(),
		middleware.Logger(deps.Logger),
		deps.Metrics.Middleware(),
		middleware.Recovery(deps.Logger),
	)

	corsMiddleware, err := newCORS(deps.Config)
	if err != nil {
		return nil, err
	}
	router.Use(corsMiddleware)

	SetupRoutes(router, deps)
	return router, nil
}

func newCORS(cfg *config.Config) (gin.HandlerFunc, error) {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}

	if cfg.CORSOriginRegex != "" {
		re, err := regexp.Compile(cfg.CORSOriginRegex)
		if err != nil {
			return nil, err
		}
		corsConfig.AllowOriginFunc = re.MatchString
	}
	if len(corsConfig.AllowOrigins) == 0 && corsConfig.AllowOriginFunc == nil {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	return cors.New(corsConfig), nil
}

// SetupRoutes configures the application routes.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	cfg := deps.Config
	logger := deps.Logger

	// Initialize handlers
	profileHandler := handlers.NewProfileHandler(deps.Store, logger)
	patientHandler := handlers.NewPatientHandler(deps.Store, deps.Objects, logger)
	caseHandler := handlers.NewCaseHandler(deps.Store, logger)
	visitHandler := handlers.NewVisitHandler(deps.Store, logger)
	imageHandler := handlers.NewImageHandler(deps.Store, logger)
	predictHandler := handlers.NewPredictHandler(deps.Store, deps.Objects, deps.Detector, cfg.MaxUploadBytes, logger)
	analysisHandler := handlers.NewAnalysisHandler(deps.Store, deps.Objects, logger)
	storageHandler := handlers.NewStorageHandler(deps.Store, deps.Objects, cfg.Storage.Bucket, cfg.Storage.SignedURLTTL, logger)

	// Public routes
	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	// Authenticated routes; every doctor-owned resource lives here
	private := router.Group("/api/v1")
	private.Use(
		middleware.BodyLimit(cfg.MaxUploadBytes+multipartOverhead),
		middleware.AuthMiddleware(deps.Verifier, deps.Store, logger),
	)
	{
		private.GET("/profile", profileHandler.GetProfile)
		private.PUT("/profile", profileHandler.UpdateProfile)

		patientRoutes := private.Group("/patients")
		{
			patientRoutes.POST("", patientHandler.CreatePatient)
			patientRoutes.GET("", patientHandler.GetPatients)
			patientRoutes.GET("/:id", patientHandler.GetPatientByID)
			patientRoutes.PUT("/:id/details", patientHandler.UpsertPatientDetails)
			patientRoutes.DELETE("/:id", patientHandler.DeletePatient)
		}

		caseRoutes := private.Group("/cases")
		{
			caseRoutes.POST("", caseHandler.CreateCase)
			caseRoutes.GET("", caseHandler.GetCases)
			caseRoutes.GET("/:id", caseHandler.GetCaseByID)
			caseRoutes.PATCH("/:id", caseHandler.UpdateCase)
		}

		visitRoutes := private.Group("/visits")
		{
			visitRoutes.POST("", visitHandler.CreateVisit)
			visitRoutes.GET("", visitHandler.GetVisits)
			visitRoutes.GET("/:id", visitHandler.GetVisitByID)
			visitRoutes.PATCH("/:id", visitHandler.UpdateVisit)
		}

		private.GET("/images", imageHandler.GetImages)
		private.POST("/predict", predictHandler.Predict)

		analysisRoutes := private.Group("/analysis")
		{
			analysisRoutes.GET("", analysisHandler.GetAnalyses)
			analysisRoutes.GET("/:id", analysisHandler.GetAnalysisByID)
			analysisRoutes.GET("/:id/annotated", analysisHandler.GetAnnotatedImage)
		}

		private.GET("/storage/signed-url", storageHandler.GetSignedURL)
	}
}
