package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sclaflin/Frugal-NVR/database"
	"github.com/sclaflin/Frugal-NVR/segment"
	"github.com/sclaflin/Frugal-NVR/storage"
)

type cameraSummary struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	SegmentCount  int    `json:"segmentCount"`
	RetainedBytes int64  `json:"retainedBytes"`
	Duration      int    `json:"duration"`
}

func (s *Server) listCameras(c *gin.Context) {
	summaries := make([]cameraSummary, 0, len(s.stores))
	for _, cam := range s.config.Cameras {
		store, ok := s.stores[cam.Name]
		if !ok {
			continue
		}
		state := "stopped"
		if sup, ok := s.supervisors[cam.Name]; ok {
			state = sup.State().String()
		}
		summaries = append(summaries, cameraSummary{
			Name:          cam.Name,
			State:         state,
			SegmentCount:  len(store.Segments()),
			RetainedBytes: store.DiskBytes(),
			Duration:      store.TotalDuration(time.Now()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"cameras": summaries})
}

type segmentSummary struct {
	Date      int64 `json:"date"`
	Duration  int   `json:"duration"`
	Bytes     int64 `json:"bytes"`
	Truncated bool  `json:"truncated"`
}

func (s *Server) listSegments(c *gin.Context) {
	store, ok := s.stores[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown camera"})
		return
	}

	segs := store.Segments()
	out := make([]segmentSummary, 0, len(segs))
	for _, seg := range segs {
		out = append(out, segmentSummary{
			Date:      seg.Date,
			Duration:  seg.Duration,
			Bytes:     seg.Bytes,
			Truncated: seg.Truncated,
		})
	}
	c.JSON(http.StatusOK, gin.H{"segments": out})
}

func (s *Server) listMotion(c *gin.Context) {
	tracker, ok := s.trackers[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown camera"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"motion": tracker.Intervals()})
}

func (s *Server) makeClip(c *gin.Context) {
	store, ok := s.stores[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown camera"})
		return
	}

	start, err := strconv.ParseInt(c.Query("start"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start"})
		return
	}
	stop, err := strconv.ParseInt(c.Query("stop"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stop"})
		return
	}
	if stop <= start {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stop must be after start"})
		return
	}

	format := segment.Container(c.DefaultQuery("format", string(segment.ContainerMP4)))
	if !format.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid format"})
		return
	}

	clip, err := store.Clip(c.Request.Context(), format, start, stop)
	if err != nil {
		s.clipError(c, err)
		return
	}
	defer os.Remove(clip.Path)

	if c.Query("archive") == "true" {
		if s.archive == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "archive not configured"})
			return
		}
		key := storage.ClipKey(store.Camera(), start, stop, string(format))
		if err := s.archive.UploadClip(clip.Path, key); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"archived": key})
		return
	}

	c.FileAttachment(clip.Path, store.Camera()+"."+string(format))
}

func (s *Server) clipError(c *gin.Context, err error) {
	var toolErr *segment.ToolError
	switch {
	case errors.Is(err, segment.ErrNoCoverage):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &toolErr):
		s.logger.Printf("clip assembly failed: %v", toolErr)
		c.JSON(http.StatusBadGateway, gin.H{"error": "clip assembly failed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) getThumbnail(c *gin.Context) {
	thumb, ok := s.thumbs[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown camera"})
		return
	}
	data := thumb.Latest()
	if len(data) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no thumbnail captured yet"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

type eventRequest struct {
	Topic    string               `json:"topic" binding:"required"`
	Time     int64                `json:"time"`
	Property string               `json:"property"`
	Source   []database.NameValue `json:"source"`
	Data     []database.NameValue `json:"data"`
}

func (s *Server) postEvent(c *gin.Context) {
	tracker, ok := s.trackers[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown camera"})
		return
	}

	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Time == 0 {
		req.Time = time.Now().Unix()
	}

	ev := database.Event{
		Topic:    req.Topic,
		Time:     req.Time,
		Property: req.Property,
		Source:   req.Source,
		Data:     req.Data,
	}
	if err := tracker.HandleEvent(ev); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "accepted"})
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"processes": s.monitor.Latest()})
}
