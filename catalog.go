package main

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	log "github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

//go:embed tracks.yaml
var defaultCatalog []byte

// ErrEmptyCatalog is returned when no playable track is configured
var ErrEmptyCatalog = errors.New("catalog has no tracks")

// Track is one playable song entry
type Track struct {
	Name       string `yaml:"name"`
	Artist     string `yaml:"artist"`
	ArtworkURL string `yaml:"artwork"`
	AudioURL   string `yaml:"audio"`

	// Cover art embedded in the audio file, used when ArtworkURL is empty
	coverArt []byte
}

// Catalog is the read-only, ordered list of tracks
type Catalog struct {
	tracks []Track
}

// NewCatalog validates tracks and wraps them in a Catalog
func NewCatalog(tracks []Track) (*Catalog, error) {
	if len(tracks) == 0 {
		return nil, ErrEmptyCatalog
	}
	for i, t := range tracks {
		if strings.TrimSpace(t.AudioURL) == "" {
			return nil, fmt.Errorf("track %d (%q) has no audio source", i, t.Name)
		}
	}
	owned := make([]Track, len(tracks))
	copy(owned, tracks)
	return &Catalog{tracks: owned}, nil
}

// Len returns the number of tracks
func (c *Catalog) Len() int {
	return len(c.tracks)
}

// Track returns the track at index i
func (c *Catalog) Track(i int) (Track, bool) {
	if i < 0 || i >= len(c.tracks) {
		return Track{}, false
	}
	return c.tracks[i], true
}

// Tracks returns a copy of all tracks in order
func (c *Catalog) Tracks() []Track {
	out := make([]Track, len(c.tracks))
	copy(out, c.tracks)
	return out
}

// parseCatalog decodes a YAML list of tracks
func parseCatalog(data []byte) ([]Track, error) {
	var tracks []Track
	if err := yaml.Unmarshal(data, &tracks); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return tracks, nil
}

// LoadCatalog reads the catalog at path, or the built-in one if path is empty.
// Relative audio paths in a catalog file are resolved against its directory.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	baseDir := ""
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	tracks, err := parseCatalog(data)
	if err != nil {
		return nil, err
	}

	for i := range tracks {
		if baseDir != "" && isLocalSource(tracks[i].AudioURL) && !filepath.IsAbs(localPath(tracks[i].AudioURL)) {
			tracks[i].AudioURL = filepath.Join(baseDir, localPath(tracks[i].AudioURL))
		}
		enrichFromTags(&tracks[i])
	}

	return NewCatalog(tracks)
}

// isLocalSource reports whether the source points at the local filesystem
func isLocalSource(src string) bool {
	return !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://")
}

// localPath strips a file:// scheme if present
func localPath(src string) string {
	return strings.TrimPrefix(src, "file://")
}

// enrichFromTags fills missing display metadata from the file's embedded tags
func enrichFromTags(t *Track) {
	if !isLocalSource(t.AudioURL) {
		return
	}
	if t.Name != "" && t.Artist != "" && t.ArtworkURL != "" {
		return
	}

	// Missing files surface later as a device error
	if m, err := readTags(localPath(t.AudioURL)); err != nil {
		log.WithFields(log.Fields{"module": "catalog", "source": t.AudioURL}).Debugf("no tags: %v", err)
	} else {
		if t.Name == "" {
			t.Name = m.Title()
		}
		if t.Artist == "" {
			t.Artist = m.Artist()
		}
		if t.ArtworkURL == "" {
			if pic := m.Picture(); pic != nil {
				t.coverArt = pic.Data
			}
		}
	}

	if t.Name == "" {
		base := filepath.Base(localPath(t.AudioURL))
		t.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if t.Artist == "" {
		t.Artist = "Unknown Artist"
	}
}

func readTags(path string) (tag.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tag.ReadFrom(f)
}
