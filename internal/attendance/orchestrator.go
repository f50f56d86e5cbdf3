package attendance

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"

	"github.com/google/uuid"

	"rollcall/internal/metrics"
	"rollcall/internal/pipeline"
)

// SessionStore is the persistence surface the orchestrator needs. Repository
// implements it; tests substitute a fake.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	EnrolledStudents(ctx context.Context, unitID string) ([]pipeline.EnrolledStudent, error)
	CompleteSession(ctx context.Context, id string, rep Report, photoURLs []string) (bool, error)
	FailSession(ctx context.Context, id, reason string) (bool, error)
}

// ImageStore persists an image and returns a reference URL. Nil-able: when
// absent, data URLs are kept as-is (dev mode).
type ImageStore interface {
	StoreImage(dataURL string) (string, error)
}

// Orchestrator drives one attendance session from processing to a terminal
// state: locate faces in every photo, normalize, embed, match, aggregate.
type Orchestrator struct {
	store      SessionStore
	locator    pipeline.Locator
	embedder   pipeline.Embedder
	normalizer *pipeline.Normalizer
	match      pipeline.MatchConfig
	images     ImageStore
}

// NewOrchestrator wires the pipeline primitives together.
func NewOrchestrator(store SessionStore, locator pipeline.Locator, embedder pipeline.Embedder, match pipeline.MatchConfig, images ImageStore) *Orchestrator {
	return &Orchestrator{
		store:      store,
		locator:    locator,
		embedder:   embedder,
		normalizer: pipeline.NewNormalizer(),
		match:      match,
		images:     images,
	}
}

// photoOutcome is the result of one photo's independent pipeline run.
type photoOutcome struct {
	matches  []PresentEntry
	unknowns []UnknownEntry
	err      error
}

// Process runs the full pipeline for a session. Photos run in parallel; the
// aggregation step is the only synchronization point and is commutative in
// photo order. Already-finalized sessions are left untouched, so redelivered
// queue messages are harmless.
func (o *Orchestrator) Process(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if sess.Status != StatusProcessing {
		return nil
	}

	enrolled, err := o.store.EnrolledStudents(ctx, sess.UnitID)
	if err != nil {
		return fmt.Errorf("load enrolled students: %w", err)
	}
	if len(enrolled) == 0 {
		return o.fail(ctx, sessionID, "no students enrolled in unit")
	}

	outcomes := make([]photoOutcome, len(sess.ClassroomPhotos))
	var wg sync.WaitGroup
	for i, photo := range sess.ClassroomPhotos {
		wg.Add(1)
		go func(idx int, data string) {
			defer wg.Done()
			outcomes[idx] = o.processPhoto(ctx, data, enrolled)
		}(i, photo)
	}
	wg.Wait()

	// Merge: a student matched in any photo is present with the best
	// confidence observed; unmatched detections stay individual unknown
	// entries (cross-photo dedup of unknowns is best-effort only).
	bestByStudent := make(map[string]PresentEntry)
	var unknown []UnknownEntry
	failed := 0
	for i, out := range outcomes {
		if out.err != nil {
			failed++
			metrics.PhotoFailures.Inc()
			log.Printf("session %s: photo %d skipped: %v", sessionID, i, out.err)
			continue
		}
		for _, m := range out.matches {
			if cur, ok := bestByStudent[m.ID]; !ok || m.ConfidenceScore > cur.ConfidenceScore {
				bestByStudent[m.ID] = m
			}
		}
		unknown = append(unknown, out.unknowns...)
	}
	if failed == len(sess.ClassroomPhotos) {
		return o.fail(ctx, sessionID, "all classroom photos failed to process")
	}

	rep := Report{
		Present: make([]PresentEntry, 0, len(bestByStudent)),
		Absent:  []AbsentEntry{},
		Unknown: unknown,
	}
	if rep.Unknown == nil {
		rep.Unknown = []UnknownEntry{}
	}
	for _, student := range enrolled {
		if entry, ok := bestByStudent[student.ID]; ok {
			rep.Present = append(rep.Present, entry)
		} else {
			rep.Absent = append(rep.Absent, AbsentEntry{
				ID:              student.ID,
				FullName:        student.FullName,
				AdmissionNumber: student.AdmissionNumber,
			})
		}
	}
	rep.Totals = Totals{Present: len(rep.Present), Absent: len(rep.Absent), Unknown: len(rep.Unknown)}

	won, err := o.store.CompleteSession(ctx, sessionID, rep, o.storePhotos(sess.ClassroomPhotos))
	if err != nil {
		return fmt.Errorf("finalize session %s: %w", sessionID, err)
	}
	if won {
		metrics.SessionsProcessed.WithLabelValues(string(StatusCompleted)).Inc()
		log.Printf("session %s completed: %d present, %d absent, %d unknown",
			sessionID, rep.Totals.Present, rep.Totals.Absent, rep.Totals.Unknown)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, sessionID, reason string) error {
	won, err := o.store.FailSession(ctx, sessionID, reason)
	if err != nil {
		return fmt.Errorf("fail session %s: %w", sessionID, err)
	}
	if won {
		metrics.SessionsProcessed.WithLabelValues(string(StatusFailed)).Inc()
		log.Printf("session %s failed: %s", sessionID, reason)
	}
	return nil
}

// processPhoto runs the per-photo pipeline: decode, detect, then per face
// normalize, embed, and match. Per-face errors exclude only that face.
func (o *Orchestrator) processPhoto(ctx context.Context, data string, enrolled []pipeline.EnrolledStudent) photoOutcome {
	img, err := pipeline.DecodeDataURL(data)
	if err != nil {
		return photoOutcome{err: err}
	}
	detections, err := o.locator.Detect(ctx, img)
	if err != nil {
		return photoOutcome{err: err}
	}

	var out photoOutcome
	for _, det := range detections {
		metrics.FacesDetected.Inc()

		crop, err := o.normalizer.Normalize(img, det)
		if err != nil {
			continue
		}
		if !pipeline.QualityOK(crop) {
			continue
		}
		probe, err := o.embedder.Embed(ctx, crop)
		if err != nil {
			continue
		}

		res, err := pipeline.Match(probe, enrolled, o.match)
		if err != nil {
			if errors.Is(err, pipeline.ErrInvalidEmbedding) {
				// Malformed probe: fatal to this face only, and it
				// must never be silently treated as present.
				metrics.FacesClassified.WithLabelValues("invalid").Inc()
				out.unknowns = append(out.unknowns, UnknownEntry{
					ID:             uuid.NewString(),
					CroppedFaceURL: o.cropURL(img, det.Region),
					Diagnostic:     "invalid_embedding",
				})
				continue
			}
			continue
		}

		if res.Matched {
			metrics.FacesClassified.WithLabelValues("matched").Inc()
			out.matches = append(out.matches, PresentEntry{
				ID:              res.Student.ID,
				FullName:        res.Student.FullName,
				AdmissionNumber: res.Student.AdmissionNumber,
				ConfidenceScore: res.Confidence,
			})
		} else {
			metrics.FacesClassified.WithLabelValues("unknown").Inc()
			out.unknowns = append(out.unknowns, UnknownEntry{
				ID:              uuid.NewString(),
				CroppedFaceURL:  o.cropURL(img, det.Region),
				ConfidenceScore: res.Confidence,
			})
		}
	}
	return out
}

// cropURL stores the face crop for the unknown list; falls back to the data
// URL itself when no image store is configured.
func (o *Orchestrator) cropURL(img image.Image, r pipeline.Region) string {
	dataURL, err := pipeline.EncodeJPEGDataURL(pipeline.Crop(img, r))
	if err != nil {
		return ""
	}
	if o.images == nil {
		return dataURL
	}
	url, err := o.images.StoreImage(dataURL)
	if err != nil {
		log.Printf("store unknown face crop failed: %v", err)
		return dataURL
	}
	return url
}

// storePhotos uploads the classroom photos so the report carries URLs instead
// of raw payloads; without an image store the originals are kept.
func (o *Orchestrator) storePhotos(photos []string) []string {
	if o.images == nil {
		return photos
	}
	out := make([]string, len(photos))
	for i, p := range photos {
		url, err := o.images.StoreImage(p)
		if err != nil {
			log.Printf("store classroom photo failed: %v", err)
			out[i] = p
			continue
		}
		out[i] = url
	}
	return out
}
