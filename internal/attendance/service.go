package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"

	"rollcall/internal/queue"
)

// Submission limits: multiple photos cover the whole room and reduce
// occlusion misses, but processing cost is bounded.
const (
	MinPhotos = 2
	MaxPhotos = 3
)

// Service accepts attendance submissions and hands them to the worker. The
// request path never blocks on face processing.
type Service struct {
	repo *Repository
	q    queue.Queue
}

// NewService creates a service backed by a repository and a work queue.
func NewService(repo *Repository, q queue.Queue) *Service {
	return &Service{repo: repo, q: q}
}

// Submit validates and stores a new session, enqueues it for processing, and
// returns it immediately in the processing state.
func (s *Service) Submit(ctx context.Context, unitID string, photos []string) (Session, error) {
	if unitID == "" {
		return Session{}, errors.New("unit id required")
	}
	if len(photos) < MinPhotos || len(photos) > MaxPhotos {
		return Session{}, fmt.Errorf("between %d and %d classroom photos required", MinPhotos, MaxPhotos)
	}
	for _, p := range photos {
		if p == "" {
			return Session{}, errors.New("empty classroom photo")
		}
	}
	unit, err := s.repo.UnitByID(ctx, unitID)
	if err != nil {
		return Session{}, err
	}
	if unit == nil || !unit.IsActive {
		return Session{}, errors.New("unit not found")
	}

	sess, err := s.repo.CreateSession(ctx, Session{UnitID: unitID, ClassroomPhotos: photos})
	if err != nil {
		return Session{}, err
	}
	if err := s.q.Publish(ctx, queue.Message{Type: queue.TypeSession, Body: []byte(sess.ID)}); err != nil {
		// The session stays in processing; a redelivery or manual requeue
		// picks it up. The submitter still gets the session ID.
		log.Printf("queue publish failed for session %s: %v", sess.ID, err)
	}
	return sess, nil
}
