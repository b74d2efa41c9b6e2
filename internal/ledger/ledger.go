// Package ledger keeps the resumable, per-book record of chapter download
// outcomes. The on-disk format matches one JSON file per book: metadata
// plus a map from chapter id to a [title, content-or-error] pair.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kyten/ficdl/internal/utils"
)

// Chapter is one immutable entry of the chapter manifest, supplied by a
// catalog collaborator that has already parsed the remote directory.
type Chapter struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Index int    `json:"index"`
}

// ErrorPrefix tags the content field of a failed outcome. Content not
// carrying the prefix is real chapter text.
const ErrorPrefix = "error:"

// The closed set of failure markers.
const (
	MarkerCancelled   = ErrorPrefix + "cancelled"
	MarkerNotFound    = ErrorPrefix + "not-found"
	MarkerNoEndpoint  = ErrorPrefix + "no-endpoint-available"
	MarkerMaxRetries  = ErrorPrefix + "max-retries-exceeded"
	MarkerEmpty       = ErrorPrefix + "empty-content"
	MarkerFormat      = ErrorPrefix + "format-error"
	MarkerBatchFailed = ErrorPrefix + "batch-failed"
)

// Outcome is the terminal result of downloading one chapter: a resolved
// title plus either content or an error marker.
type Outcome struct {
	Title   string
	Content string
}

// Failed reports whether the outcome carries an error marker.
func (o Outcome) Failed() bool {
	return strings.HasPrefix(o.Content, ErrorPrefix)
}

// Outcomes persist as the historical two-element [title, content] array.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{o.Title, o.Content})
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	o.Title = pair[0]
	o.Content = pair[1]
	return nil
}

// Metadata is the book-level information copied into the ledger file.
type Metadata struct {
	BookID      string
	BookName    string
	Author      string
	Tags        []string
	Description string
}

type fileModel struct {
	BookID      string             `json:"book_id"`
	BookName    string             `json:"book_name"`
	Author      string             `json:"author"`
	Tags        string             `json:"tags"`
	Description string             `json:"description"`
	Downloaded  map[string]Outcome `json:"downloaded"`
}

// Ledger is the in-memory outcome map backed by one JSON file.
type Ledger struct {
	meta Metadata
	path string

	mu         sync.Mutex
	downloaded map[string]Outcome
}

// Load reads the ledger file at path if present. A missing or corrupt file
// never blocks a run: it is logged and the ledger starts empty.
func Load(path string, meta Metadata) *Ledger {
	l := &Ledger{
		meta:       meta,
		path:       path,
		downloaded: make(map[string]Outcome),
	}
	logger := utils.GetLogger("ledger")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("Could not read ledger file, starting empty")
		}
		return l
	}
	var fm fileModel
	if err := json.Unmarshal(data, &fm); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Ledger file is corrupt, starting empty")
		return l
	}
	if fm.Downloaded != nil {
		l.downloaded = fm.Downloaded
	}
	logger.Debug().Int("chapters", len(l.downloaded)).Str("path", path).Msg("Loaded ledger")
	return l
}

// NeedsWork returns the manifest subset whose chapters are absent or
// error-marked. Re-running against an unchanged manifest once every chapter
// has succeeded yields an empty slice.
func (l *Ledger) NeedsWork(manifest []Chapter) []Chapter {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pending []Chapter
	for _, ch := range manifest {
		out, seen := l.downloaded[ch.ID]
		if !seen || out.Failed() {
			pending = append(pending, ch)
		}
	}
	return pending
}

// Record upserts one chapter outcome in memory. Empty titles fall back to
// "Chapter <id>"; a success with empty content is stored as the
// empty-content error.
func (l *Ledger) Record(id string, out Outcome) {
	if out.Title == "" {
		out.Title = fmt.Sprintf("Chapter %s", id)
	}
	if out.Content == "" {
		out.Content = MarkerEmpty
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.downloaded[id] = out
}

// Get returns the recorded outcome for one chapter.
func (l *Ledger) Get(id string) (Outcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out, seen := l.downloaded[id]
	return out, seen
}

// Snapshot copies the outcome map for downstream consumers.
func (l *Ledger) Snapshot() map[string]Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Outcome, len(l.downloaded))
	for id, o := range l.downloaded {
		out[id] = o
	}
	return out
}

// Counts reports how many recorded outcomes are successes and failures.
func (l *Ledger) Counts() (success, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.downloaded {
		if o.Failed() {
			failed++
		} else {
			success++
		}
	}
	return success, failed
}

// Persist atomically rewrites the ledger file (write temp, then rename), so
// a kill mid-write cannot corrupt the previous snapshot.
func (l *Ledger) Persist() error {
	l.mu.Lock()
	fm := fileModel{
		BookID:      l.meta.BookID,
		BookName:    l.meta.BookName,
		Author:      l.meta.Author,
		Tags:        strings.Join(l.meta.Tags, "|"),
		Description: l.meta.Description,
		Downloaded:  make(map[string]Outcome, len(l.downloaded)),
	}
	for id, o := range l.downloaded {
		fm.Downloaded[id] = o
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(fm, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("error creating ledger directory: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("error writing ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error replacing ledger: %w", err)
	}
	return nil
}

// Clear deletes the persisted file. The caller decides when the book is
// permanently complete; the download engine never clears on its own.
func (l *Ledger) Clear() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing ledger: %w", err)
	}
	return nil
}

// Path returns the backing file location.
func (l *Ledger) Path() string {
	return l.path
}
