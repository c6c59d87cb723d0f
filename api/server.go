package api

import (
	"fmt"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/sclaflin/Frugal-NVR/config"
	"github.com/sclaflin/Frugal-NVR/monitoring"
	"github.com/sclaflin/Frugal-NVR/motion"
	"github.com/sclaflin/Frugal-NVR/recording"
	"github.com/sclaflin/Frugal-NVR/segment"
	"github.com/sclaflin/Frugal-NVR/storage"
)

// Server is the HTTP surface over the recorder: camera inventory, segment
// and motion listings, clip assembly, thumbnails, event ingest and process
// stats.
type Server struct {
	config      *config.Config
	stores      map[string]*segment.Store
	trackers    map[string]*motion.Tracker
	supervisors map[string]*recording.Supervisor
	thumbs      map[string]*recording.Thumbnailer
	monitor     *monitoring.Monitor
	archive     *storage.Archive
	logger      *log.Logger
}

func NewServer(cfg *config.Config, stores map[string]*segment.Store, trackers map[string]*motion.Tracker,
	supervisors map[string]*recording.Supervisor, thumbs map[string]*recording.Thumbnailer,
	monitor *monitoring.Monitor, archive *storage.Archive, logger *log.Logger) *Server {
	return &Server{
		config:      cfg,
		stores:      stores,
		trackers:    trackers,
		supervisors: supervisors,
		thumbs:      thumbs,
		monitor:     monitor,
		archive:     archive,
		logger:      logger,
	}
}

func (s *Server) Start() error {
	r := gin.Default()
	s.setupCORS(r)
	s.setupRoutes(r)
	portAddr := ":" + s.config.ServerPort
	fmt.Printf("Starting API server on %s\n", portAddr)
	return r.Run(portAddr)
}

func (s *Server) setupCORS(r *gin.Engine) {
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})
}

func (s *Server) setupRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.GET("/cameras", s.listCameras)
		api.GET("/cameras/:name/segments", s.listSegments)
		api.GET("/cameras/:name/motion", s.listMotion)
		api.GET("/cameras/:name/clip", s.makeClip)
		api.GET("/cameras/:name/thumb", s.getThumbnail)
		api.POST("/cameras/:name/events", s.postEvent)
		api.GET("/stats", s.getStats)
	}
}
