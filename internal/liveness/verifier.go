package liveness

import (
	"context"
	"fmt"
	"sort"

	"rollcall/internal/pipeline"
)

// maxEmbedsPerPose bounds how many frames per pose are embedded during
// verification; embedding every frame would be wasted model calls.
const maxEmbedsPerPose = 3

// Verifier evaluates a completed attempt against the anti-spoofing checks.
type Verifier struct {
	locator    pipeline.Locator
	embedder   pipeline.Embedder
	normalizer *pipeline.Normalizer
}

// NewVerifier builds a verifier over the shared pipeline primitives.
func NewVerifier(locator pipeline.Locator, embedder pipeline.Embedder, normalizer *pipeline.Normalizer) *Verifier {
	if normalizer == nil {
		normalizer = pipeline.NewNormalizer()
	}
	return &Verifier{locator: locator, embedder: embedder, normalizer: normalizer}
}

type scoredFrame struct {
	frame Frame
	det   pipeline.Detection
}

// Verify runs the liveness checks over every pose of the attempt and, on
// acceptance, returns one enrollment embedding per pose (from the
// highest-quality in-window frame). The attempt ends terminal either way.
func (v *Verifier) Verify(ctx context.Context, a *Attempt) ([]pipeline.Embedding, error) {
	if s := a.State(); s != StateVerifying {
		return nil, fmt.Errorf("attempt not ready for verification (state %d)", s)
	}

	reject := func(r *RejectionError) ([]pipeline.Embedding, error) {
		a.finish(StateRejected)
		return nil, r
	}

	var out []pipeline.Embedding
	for _, pose := range a.cfg.RequiredPoses {
		frames := a.poseFrames(pose)
		if len(frames) < a.cfg.MinFramesPerPose {
			return reject(&RejectionError{
				Reason: InsufficientFrames,
				Pose:   pose,
				Detail: fmt.Sprintf("got %d frames, need %d", len(frames), a.cfg.MinFramesPerPose),
			})
		}
		window, ok := a.cfg.window(pose)
		if !ok {
			return reject(&RejectionError{Reason: PoseNotDiverse, Pose: pose, Detail: "no angle window configured"})
		}

		// Every frame must independently pass the locator; a pose with
		// no detected face anywhere fails liveness outright.
		faceSeen := false
		var inWindow []scoredFrame
		for _, f := range frames {
			dets, err := v.locator.Detect(ctx, f.Image)
			if err != nil || len(dets) == 0 {
				continue
			}
			faceSeen = true
			best := dets[0]
			for _, d := range dets[1:] {
				if d.Region.Score > best.Region.Score {
					best = d
				}
			}
			if window.contains(best.Yaw, best.Pitch) {
				inWindow = append(inWindow, scoredFrame{frame: f, det: best})
			}
		}
		if !faceSeen {
			return reject(&RejectionError{Reason: NoFaceDetected, Pose: pose, Detail: "no face in any frame"})
		}
		if len(inWindow) == 0 {
			// Head orientation never reached this pose's window: a
			// static image replayed across poses lands here.
			return reject(&RejectionError{
				Reason: PoseNotDiverse,
				Pose:   pose,
				Detail: "head orientation never entered the pose window",
			})
		}

		sort.SliceStable(inWindow, func(i, j int) bool {
			return inWindow[i].det.Region.Score > inWindow[j].det.Region.Score
		})
		if len(inWindow) > maxEmbedsPerPose {
			inWindow = inWindow[:maxEmbedsPerPose]
		}

		embeddings, rej := v.embedFrames(ctx, pose, inWindow, a.cfg.ConsistencyFloor)
		if rej != nil {
			return reject(rej)
		}
		out = append(out, pipeline.Embedding{Pose: pose, Vector: embeddings[0]})
	}

	a.finish(StateAccepted)
	return out, nil
}

// embedFrames embeds the candidate frames for one pose and enforces the
// identity-consistency check between consecutive embeddings. The returned
// slice is ordered best-frame-first.
func (v *Verifier) embedFrames(ctx context.Context, pose string, candidates []scoredFrame, floor float64) ([]pipeline.Vector, *RejectionError) {
	var vecs []pipeline.Vector
	for _, c := range candidates {
		crop, err := v.normalizer.Normalize(c.frame.Image, c.det)
		if err != nil {
			continue
		}
		if !pipeline.QualityOK(crop) {
			continue
		}
		vec, err := v.embedder.Embed(ctx, crop)
		if err != nil {
			continue
		}
		vecs = append(vecs, vec)
	}
	if len(vecs) == 0 {
		return nil, &RejectionError{Reason: NoFaceDetected, Pose: pose, Detail: "no embeddable frames"}
	}
	for i := 1; i < len(vecs); i++ {
		if sim := pipeline.Cosine(vecs[i-1], vecs[i]); sim < floor {
			return nil, &RejectionError{
				Reason: IdentityInconsistent,
				Pose:   pose,
				Detail: fmt.Sprintf("consecutive frame similarity %.3f below %.3f", sim, floor),
			}
		}
	}
	return vecs, nil
}
