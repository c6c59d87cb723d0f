package cron

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sclaflin/Frugal-NVR/config"
	"github.com/sclaflin/Frugal-NVR/motion"
	"github.com/sclaflin/Frugal-NVR/segment"
)

// StartPruneCron schedules the hourly retention sweep: every camera's
// segment store and motion tracker drop material older than its retention
// window. An initial sweep runs shortly after startup so a long-stopped
// recorder reclaims space without waiting for the top of the hour.
func StartPruneCron(cfg *config.Config, stores map[string]*segment.Store, trackers map[string]*motion.Tracker, logger *log.Logger) (*cron.Cron, error) {
	sweep := func() {
		for name, store := range stores {
			if err := store.Prune(); err != nil {
				logger.Printf("[%s] segment prune failed: %v", name, err)
			}
		}
		for name, tracker := range trackers {
			retain := cfg.RetainHours
			for _, cam := range cfg.Cameras {
				if cam.Name == name {
					retain = cfg.CameraRetainHours(cam)
				}
			}
			cutoff := time.Now().Unix() - int64(retain)*3600 - int64(cfg.RetentionOverlap)
			if err := tracker.Prune(cutoff); err != nil {
				logger.Printf("[%s] event prune failed: %v", name, err)
			}
		}
	}

	go func() {
		time.Sleep(5 * time.Second)
		sweep()
	}()

	schedule := cron.New()
	if _, err := schedule.AddFunc("0 * * * *", sweep); err != nil {
		return nil, err
	}
	schedule.Start()
	logger.Printf("retention prune cron started - will run hourly")
	return schedule, nil
}
