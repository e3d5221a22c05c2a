// Package readlog journals every card readout to CSV files. The journal
// is the paper trail of the finish line: even readouts for unregistered
// cards land here so nothing a runner punched is ever lost.
package readlog

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/race"
	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/si"
)

// Journal records card readouts to CSV files with automatic rotation.
type Journal struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds journal configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const maxRowsPerFile = 10_000

var csvHeader = []string{
	"timestamp", "card_number", "card_type",
	"competitor", "category", "points", "status", "run_time_sec",
	"start_sec", "finish_sec", "punches",
}

// New creates a new Journal.
func New(cfg Config) *Journal {
	if cfg.Path == "" {
		cfg.Path = "readouts"
	}
	return &Journal{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
	}
}

// SetEnabled allows toggling journaling at runtime.
func (j *Journal) SetEnabled(on bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enabled = on
	if !on && j.file != nil {
		j.closeFile()
	}
}

// IsEnabled returns whether journaling is active.
func (j *Journal) IsEnabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

// Record appends one readout. Competitor and result may be nil when the
// card is not registered; the raw readout is journaled regardless.
func (j *Journal) Record(r *si.CardReadout, comp *race.Competitor, cat *race.Category, res *race.Result) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.enabled {
		return
	}

	if j.writer == nil || j.rows >= maxRowsPerFile {
		if err := j.rotateFile(time.Now()); err != nil {
			log.Printf("[readlog] rotate failed: %v", err)
			return
		}
	}

	row := buildRow(time.Now(), r, comp, cat, res)
	if err := j.writer.Write(row); err != nil {
		log.Printf("[readlog] write failed: %v", err)
		return
	}
	j.writer.Flush()
	j.rows++
}

// Close flushes and closes the current journal file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeFile()
}

func (j *Journal) rotateFile(now time.Time) error {
	j.closeFile()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	filename := fmt.Sprintf("readouts_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(j.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	j.file = f
	j.writer = csv.NewWriter(f)
	j.rows = 0

	if err := j.writer.Write(csvHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	j.writer.Flush()

	log.Printf("[readlog] writing to %s", path)
	return nil
}

func (j *Journal) closeFile() {
	if j.writer != nil {
		j.writer.Flush()
		j.writer = nil
	}
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	j.rows = 0
}

func buildRow(now time.Time, r *si.CardReadout, comp *race.Competitor, cat *race.Category, res *race.Result) []string {
	compName, catName := "", ""
	points, status, runSec := "", "", ""
	if comp != nil {
		compName = comp.Name
	}
	if cat != nil {
		catName = cat.Name
	}
	if res != nil {
		points = strconv.Itoa(res.Points)
		status = string(res.Status)
		runSec = strconv.FormatInt(int64(res.RunTime/time.Second), 10)
	}
	return []string{
		now.Format(time.RFC3339),
		strconv.FormatUint(uint64(r.Number), 10),
		strconv.Itoa(int(r.Type)),
		compName, catName, points, status, runSec,
		optTime(r.Start), optTime(r.Finish),
		renderPunches(r.Punches),
	}
}

func optTime(t *si.Time) string {
	if t == nil {
		return ""
	}
	return strconv.Itoa(t.TotalSeconds())
}

// renderPunches flattens a punch list to "code@sec" pairs so one readout
// stays one CSV row.
func renderPunches(punches []si.PunchRaw) string {
	parts := make([]string, 0, len(punches))
	for _, p := range punches {
		parts = append(parts, fmt.Sprintf("%d@%d", p.Code, p.Time.TotalSeconds()))
	}
	return strings.Join(parts, " ")
}
