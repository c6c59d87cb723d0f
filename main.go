package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/sclaflin/Frugal-NVR/api"
	"github.com/sclaflin/Frugal-NVR/config"
	"github.com/sclaflin/Frugal-NVR/cron"
	"github.com/sclaflin/Frugal-NVR/database"
	"github.com/sclaflin/Frugal-NVR/monitoring"
	"github.com/sclaflin/Frugal-NVR/motion"
	"github.com/sclaflin/Frugal-NVR/recording"
	"github.com/sclaflin/Frugal-NVR/segment"
	"github.com/sclaflin/Frugal-NVR/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	loaded, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	cfg := &loaded
	if err := config.EnsurePaths(loaded); err != nil {
		log.Fatalf("Error preparing directories: %v", err)
	}

	db, err := database.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Error initializing database: %v", err)
	}
	defer db.Close()

	logger := log.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores := make(map[string]*segment.Store)
	trackers := make(map[string]*motion.Tracker)
	supervisors := make(map[string]*recording.Supervisor)
	thumbs := make(map[string]*recording.Thumbnailer)
	var watchers []*recording.Watcher
	monitor := monitoring.NewMonitor(logger)

	for _, cam := range cfg.Cameras {
		if !cam.Enabled {
			log.Printf("[%s] camera disabled, skipping", cam.Name)
			continue
		}
		cam := cam

		videoDir := filepath.Join(cfg.VideoPath, cam.Name)
		scratch := filepath.Join(cfg.ScratchPath, cam.Name)
		for _, dir := range []string{videoDir, scratch} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				log.Fatalf("Error creating directory %s: %v", dir, err)
			}
		}

		retain := cfg.CameraRetainHours(cam)
		store := segment.NewStore(ctx, cam.Name, videoDir, scratch, retain, cfg.RetentionOverlap, db, logger)
		stores[cam.Name] = store

		tracker := motion.NewTracker(cam.Name, cfg.TimePadding, cfg.MinimumClipLen, db, logger)
		trackers[cam.Name] = tracker
		now := time.Now().Unix()
		if err := tracker.Replay(now-int64(retain)*3600, now); err != nil {
			log.Printf("[%s] Error replaying motion history: %v", cam.Name, err)
		}

		supervisor := recording.NewSupervisor(cam, cfg, videoDir, scratch, logger)
		supervisors[cam.Name] = supervisor
		monitor.Track(cam.Name, supervisor.Token)

		thumb := recording.NewThumbnailer(scratch, logger)
		thumbs[cam.Name] = thumb

		// A freshly created file is the one the splitter is writing to; a
		// file that stopped growing is ready for inspection. Both feed the
		// same reconciliation.
		watcher := recording.NewWatcher(videoDir, 2*time.Second, 5*time.Second, logger,
			func(path string) {
				store.SetOpenSegment(path)
				if err := store.Reconcile(ctx); err != nil {
					log.Printf("[%s] reconcile failed: %v", cam.Name, err)
				}
			},
			func(path string) {
				if err := store.Reconcile(ctx); err != nil {
					log.Printf("[%s] reconcile failed: %v", cam.Name, err)
				}
			},
		)
		watchers = append(watchers, watcher)

		// Protect the file the splitter is about to write before any
		// create event has been seen.
		store.SetOpenSegment(supervisor.OpenSegmentPath(time.Now()))

		if err := store.Reconcile(ctx); err != nil {
			log.Printf("[%s] initial reconcile failed: %v", cam.Name, err)
		}
		watcher.Start(ctx)

		if err := supervisor.Start(); err != nil {
			log.Printf("[%s] capture failed to start: %v", cam.Name, err)
		}

		if cfg.CameraGenerateThumbs(cam) {
			go func() {
				ticker := time.NewTicker(5 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						thumb.Collect()
					}
				}
			}()
		}
	}

	var archive *storage.Archive
	if cfg.ArchiveEnabled {
		archive, err = storage.NewArchive(storage.ArchiveConfig{
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			Endpoint:  cfg.ArchiveEndpoint,
			Region:    cfg.ArchiveRegion,
		}, logger)
		if err != nil {
			log.Fatalf("Error initializing clip archive: %v", err)
		}
	}

	pruneCron, err := cron.StartPruneCron(cfg, stores, trackers, logger)
	if err != nil {
		log.Fatalf("Error starting prune cron: %v", err)
	}

	monitor.Start(time.Minute)

	server := api.NewServer(cfg, stores, trackers, supervisors, thumbs, monitor, archive, logger)

	var g errgroup.Group
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")

		pruneCron.Stop()
		for _, watcher := range watchers {
			watcher.Stop()
		}
		for name, supervisor := range supervisors {
			log.Printf("[%s] stopping capture", name)
			supervisor.Stop()
		}
		for _, store := range stores {
			store.Coordinator().Wait()
		}
		db.Close()
		// gin's Run never returns on its own.
		os.Exit(0)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
