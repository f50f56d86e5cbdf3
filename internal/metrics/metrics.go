// Package metrics exposes the pipeline's prometheus counters. They surface
// through the /metrics endpoint the API already serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsProcessed counts finished attendance sessions by outcome.
	SessionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_sessions_processed_total",
		Help: "Attendance sessions finished, by terminal status.",
	}, []string{"status"})

	// FacesDetected counts faces located in classroom photos.
	FacesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_faces_detected_total",
		Help: "Faces detected across classroom photos.",
	})

	// FacesClassified counts probe decisions by outcome (matched/unknown).
	FacesClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_faces_classified_total",
		Help: "Probe classification outcomes.",
	}, []string{"outcome"})

	// LivenessVerdicts counts liveness attempts by verdict or rejection reason.
	LivenessVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_liveness_verdicts_total",
		Help: "Liveness attempt verdicts.",
	}, []string{"verdict"})

	// PhotoFailures counts classroom photos that could not be processed.
	PhotoFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_photo_failures_total",
		Help: "Classroom photos skipped as undecodable or undetectable.",
	})
)
