// Package track assigns stable identities to hazard label detections across
// frames. Matching is SORT-style: a cost matrix of negated IOU between
// predicted track positions and new detections, solved with the Hungarian
// algorithm. Tracks that disappear stay matchable for a few frames so a
// briefly occluded label keeps its identity.
package track

import (
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"time"

	hg "github.com/charles-haynes/munkres"
	"github.com/pkg/errors"

	"github.com/lunovian/hazard-label-detection/internal/detect"
	"github.com/lunovian/hazard-label-detection/internal/types"
)

// Tracked is one hazard label with a temporal identity
type Tracked struct {
	// TrackID is class_N, stable for the lifetime of the track
	TrackID string
	// Label is TrackID plus the birth timestamp, class_N_YYYYMMDD_HHMMSS
	Label string
	Class string
	Box   image.Rectangle
	Score float32
}

// ToLabelBox converts a tracked detection to the wire representation
func (tr Tracked) ToLabelBox() types.LabelBox {
	return types.LabelBox{
		Class:   tr.Class,
		TrackID: tr.TrackID,
		BBox: types.BBox{
			X1:         tr.Box.Min.X,
			Y1:         tr.Box.Min.Y,
			X2:         tr.Box.Max.X,
			Y2:         tr.Box.Max.Y,
			CenterX:    (tr.Box.Min.X + tr.Box.Max.X) / 2,
			CenterY:    (tr.Box.Min.Y + tr.Box.Max.Y) / 2,
			Width:      tr.Box.Dx(),
			Height:     tr.Box.Dy(),
			Confidence: float64(tr.Score),
		},
	}
}

// Config holds tracker tunables
type Config struct {
	// MinConfidence is the global detection confidence floor
	MinConfidence float64
	// ChosenLabels restricts tracking to the listed classes with per-class
	// minimum confidences, keyed by lowercase class name. Empty tracks all.
	ChosenLabels map[string]float64
	// LostTTL is how many update cycles a vanished track stays matchable
	LostTTL int
}

func (c Config) withDefaults() Config {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.3
	}
	if c.LostTTL <= 0 {
		c.LostTTL = 10
	}
	return c
}

type lostTrack struct {
	tracked Tracked
	age     int
}

// Tracker carries identity state across Update calls. Safe for concurrent
// use, though the pipeline calls it from a single goroutine.
type Tracker struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu           sync.Mutex
	classCounter map[string]int
	// history holds the recent boxes per TrackID, newest last, for motion
	// prediction. Only the last two are kept.
	history map[string][]image.Rectangle
	last    []Tracked
	lost    []lostTrack
}

// New creates an empty tracker
func New(cfg Config, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		cfg:          cfg.withDefaults(),
		log:          log,
		now:          time.Now,
		classCounter: make(map[string]int),
		history:      make(map[string][]image.Rectangle),
	}
}

// Update matches new detections against active and recently lost tracks and
// returns the tracked detections for this frame plus the subset that started
// new tracks.
func (t *Tracker) Update(dets []detect.Detection) (current, fresh []Tracked, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	filtered := FilterDetections(t.cfg.ChosenLabels, dets, t.cfg.MinConfidence)

	// Candidates are the last frame's tracks plus the lost buffer
	candidates := make([]Tracked, 0, len(t.last)+len(t.lost))
	candidates = append(candidates, t.last...)
	for _, l := range t.lost {
		candidates = append(candidates, l.tracked)
	}

	matched := make(map[int]int) // candidate index -> detection index
	if len(candidates) > 0 && len(filtered) > 0 {
		matrix := t.buildMatchingMatrix(candidates, filtered)
		ha, haErr := hg.NewHungarianAlgorithm(matrix)
		if haErr != nil {
			return nil, nil, errors.Wrap(haErr, "solving assignment")
		}
		for candIdx, detIdx := range ha.Execute() {
			// A zero cost means no overlap at all; not a real match.
			if detIdx >= 0 && detIdx < len(filtered) && matrix[candIdx][detIdx] != 0 {
				matched[candIdx] = detIdx
			}
		}
	}

	claimed := make(map[int]string) // detection index -> TrackID
	for candIdx, detIdx := range matched {
		cand := candidates[candIdx]
		d := filtered[detIdx]
		tracked := Tracked{
			TrackID: cand.TrackID,
			Label:   cand.Label,
			Class:   cand.Class,
			Box:     d.Box,
			Score:   d.Score,
		}
		current = append(current, tracked)
		claimed[detIdx] = cand.TrackID
		t.pushHistory(cand.TrackID, d.Box)
	}

	for detIdx, d := range filtered {
		if _, ok := claimed[detIdx]; ok {
			continue
		}
		tracked := t.newTrack(d)
		current = append(current, tracked)
		fresh = append(fresh, tracked)
	}

	// Tracks from the last frame that found no detection go to (or stay in)
	// the lost buffer; everything beyond the TTL is forgotten.
	t.updateLost(candidates, matched)
	t.last = current

	if len(fresh) > 0 {
		for _, f := range fresh {
			t.log.Debug("new track", "track_id", f.TrackID, "class", f.Class, "score", f.Score)
		}
	}
	return current, fresh, nil
}

// Active returns the tracked detections from the most recent update
func (t *Tracker) Active() []Tracked {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Tracked(nil), t.last...)
}

// buildMatchingMatrix sets up the assignment cost matrix: rows are candidate
// tracks, columns are new detections, cost is -IOU so the solver's minimum is
// the best overlap. Tracks with enough history are matched against their
// predicted next position instead of the last observed one.
func (t *Tracker) buildMatchingMatrix(candidates []Tracked, dets []detect.Detection) [][]float64 {
	matrix := make([][]float64, len(candidates))
	for i, cand := range candidates {
		row := make([]float64, len(dets))
		box := cand.Box
		if hist := t.history[cand.TrackID]; len(hist) >= 2 {
			box = PredictNextFrame(hist[len(hist)-2], hist[len(hist)-1])
		}
		for j, d := range dets {
			row[j] = -IOU(box, d.Box)
		}
		matrix[i] = row
	}
	return matrix
}

// newTrack starts a track for a first-seen detection
func (t *Tracker) newTrack(d detect.Detection) Tracked {
	class := strings.ToLower(d.Label)
	if class == "" {
		class = fmt.Sprintf("class%d", d.ClassID)
	}
	n, seen := t.classCounter[class]
	if seen {
		n++
	}
	t.classCounter[class] = n

	trackID := fmt.Sprintf("%s_%d", class, n)
	tracked := Tracked{
		TrackID: trackID,
		Label:   trackID + "_" + t.now().Format("20060102_150405"),
		Class:   class,
		Box:     d.Box,
		Score:   d.Score,
	}
	t.history[trackID] = []image.Rectangle{d.Box}
	return tracked
}

func (t *Tracker) pushHistory(trackID string, box image.Rectangle) {
	hist := append(t.history[trackID], box)
	if len(hist) > 2 {
		hist = hist[len(hist)-2:]
	}
	t.history[trackID] = hist
}

func (t *Tracker) updateLost(candidates []Tracked, matched map[int]int) {
	var next []lostTrack
	lastLen := len(t.last)
	for idx, cand := range candidates {
		if _, ok := matched[idx]; ok {
			continue
		}
		age := 1
		if idx >= lastLen {
			// Already in the lost buffer, carry its age forward
			age = t.lost[idx-lastLen].age + 1
		}
		if age > t.cfg.LostTTL {
			delete(t.history, cand.TrackID)
			continue
		}
		next = append(next, lostTrack{tracked: cand, age: age})
	}
	t.lost = next
}
