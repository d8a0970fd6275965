package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// UploadReconciler scans the output directory for renders missing from S3 and
// re-uploads them. Handles dropped async uploads and crash recovery.
type UploadReconciler struct {
	outputDir string
	s3        remote
	interval  time.Duration
	delay     time.Duration
	window    time.Duration
	log       zerolog.Logger
	stop      chan struct{}
}

// NewUploadReconciler creates a reconciler that checks for missing S3 uploads.
func NewUploadReconciler(outputDir string, s3 remote, log zerolog.Logger) *UploadReconciler {
	return &UploadReconciler{
		outputDir: outputDir,
		s3:        s3,
		interval:  5 * time.Minute,
		delay:     2 * time.Minute,
		window:    48 * time.Hour,
		log:       log.With().Str("component", "upload-reconciler").Logger(),
		stop:      make(chan struct{}),
	}
}

func (r *UploadReconciler) Start() { go r.loop() }
func (r *UploadReconciler) Stop()  { close(r.stop) }

func (r *UploadReconciler) loop() {
	// Delay first run to let startup uploads settle
	select {
	case <-time.After(r.delay):
	case <-r.stop:
		return
	}

	r.reconcile()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stop:
			return
		}
	}
}

// reconcile walks {date}/{file} under the output directory.
func (r *UploadReconciler) reconcile() (uploaded, failed int) {
	var checked int
	cutoff := time.Now().Add(-r.window)

	dateDirs, _ := os.ReadDir(r.outputDir)
	for _, dateDir := range dateDirs {
		if !dateDir.IsDir() {
			continue
		}
		dirDate, err := time.Parse("2006-01-02", dateDir.Name())
		if err == nil && dirDate.Before(cutoff) {
			continue
		}

		datePath := filepath.Join(r.outputDir, dateDir.Name())
		files, _ := os.ReadDir(datePath)
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			checked++
			key := dateDir.Name() + "/" + f.Name()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			exists := r.s3.Exists(ctx, key)
			cancel()
			if exists {
				continue
			}

			ct := ContentTypeFromExt(strings.ToLower(filepath.Ext(f.Name())))
			ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)
			if err := r.s3.Put(ctx, key, filepath.Join(datePath, f.Name()), ct); err != nil {
				r.log.Warn().Err(err).Str("key", key).Msg("reconcile upload failed")
				failed++
			} else {
				uploaded++
			}
			cancel()
		}
	}

	if uploaded > 0 || failed > 0 {
		r.log.Info().
			Int("uploaded", uploaded).
			Int("failed", failed).
			Int("checked", checked).
			Msg("reconcile complete")
	}
	return uploaded, failed
}
