package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"
	log "github.com/sirupsen/logrus"
)

const (
	speakerSampleRate = beep.SampleRate(44100)
	maxAudioBytes     = 256 << 20
)

var (
	errNoSource      = errors.New("no source loaded")
	errAudioTooLarge = errors.New("audio data too large")
)

// beepDevice plays tracks through the system speaker.
// Lock order is d.mu before speaker.Lock; speaker callbacks never take d.mu
// synchronously.
type beepDevice struct {
	mu sync.Mutex

	gen      uint64        // bumped on every SetSource
	ready    chan struct{} // closed when the current source finished loading
	loadErr  error
	token    uint64 // bumped on every Pause; cancels plays waiting on a load
	pending  int    // plays waiting on a load
	streamer beep.StreamSeekCloser
	format   beep.Format
	ctrl     *beep.Ctrl
	volume   *effects.Volume
	duration float64
	level    float64
	playing  bool

	client   *http.Client
	maxBytes int64
	queue    *eventQueue
	done   chan struct{}
	logger *log.Entry
}

// NewBeepDevice initializes the speaker and starts emitting time updates
// every interval while playing
func NewBeepDevice(interval time.Duration) (Device, error) {
	if err := speaker.Init(speakerSampleRate, speakerSampleRate.N(time.Second/10)); err != nil {
		return nil, fmt.Errorf("failed to initialize speaker: %w", err)
	}

	d := newBeepDevice(&http.Client{Timeout: 60 * time.Second})
	go d.timeLoop(interval)
	return d, nil
}

func newBeepDevice(client *http.Client) *beepDevice {
	return &beepDevice{
		duration: math.NaN(),
		level:    1,
		client:   client,
		maxBytes: maxAudioBytes,
		queue:    newEventQueue(),
		done:     make(chan struct{}),
		logger: log.WithFields(log.Fields{
			"module": "device",
		}),
	}
}

func (d *beepDevice) Events() <-chan Event {
	return d.queue.events()
}

func (d *beepDevice) SetSource(src string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Playback stops without a pause event; the controller keeps its
	// playing intent across a track switch
	d.gen++
	d.playing = false
	d.stopLocked()

	ready := make(chan struct{})
	d.ready = ready
	d.loadErr = nil
	d.duration = math.NaN()

	go d.load(d.gen, src, ready)
}

func (d *beepDevice) load(gen uint64, src string, ready chan struct{}) {
	defer close(ready)

	streamer, format, err := d.open(src)

	d.mu.Lock()
	defer d.mu.Unlock()

	if gen != d.gen {
		// Superseded by a newer source
		if streamer != nil {
			streamer.Close()
		}
		return
	}
	if err != nil {
		d.loadErr = err
		d.logger.WithField("source", src).Errorf("load failed: %v", err)
		d.queue.push(Event{Kind: EventError, Err: err})
		return
	}

	var s beep.Streamer = streamer
	if format.SampleRate != speakerSampleRate {
		s = beep.Resample(4, format.SampleRate, speakerSampleRate, s)
	}

	d.streamer = streamer
	d.format = format
	d.volume = &effects.Volume{Streamer: s, Base: 2}
	applyLevel(d.volume, d.level)
	d.ctrl = &beep.Ctrl{Streamer: d.volume, Paused: true}
	d.duration = format.SampleRate.D(streamer.Len()).Seconds()

	speaker.Play(beep.Seq(d.ctrl, beep.Callback(func() {
		go d.finished(gen)
	})))

	d.queue.push(Event{Kind: EventMetadata})
}

func (d *beepDevice) open(src string) (beep.StreamSeekCloser, beep.Format, error) {
	data, err := d.fetch(src)
	if err != nil {
		return nil, beep.Format{}, err
	}
	return decodeAudio(src, data)
}

// fetch reads the whole source into memory so the decoder can seek
func (d *beepDevice) fetch(src string) ([]byte, error) {
	if isLocalSource(src) {
		data, err := os.ReadFile(localPath(src))
		if err != nil {
			return nil, fmt.Errorf("failed to read audio file: %w", err)
		}
		return data, nil
	}

	resp, err := d.client.Get(src)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audio download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", errAudioTooLarge, d.maxBytes)
	}
	return data, nil
}

type seekableBuffer struct {
	*bytes.Reader
}

func (seekableBuffer) Close() error { return nil }

// audioFormat returns the lowercased extension of the source path
func audioFormat(src string) string {
	p := src
	if u, err := url.Parse(src); err == nil && u.Path != "" {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}

// decodeAudio picks a decoder by extension, defaulting to mp3
func decodeAudio(src string, data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	if len(data) == 0 {
		return nil, beep.Format{}, fmt.Errorf("empty audio data")
	}
	buf := seekableBuffer{bytes.NewReader(data)}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	switch audioFormat(src) {
	case ".wav":
		s, format, err = wav.Decode(buf)
	case ".flac":
		s, format, err = flac.Decode(buf)
	default:
		s, format, err = mp3.Decode(buf)
	}
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to decode audio: %w", err)
	}
	return s, format, nil
}

func (d *beepDevice) Play(ctx context.Context) error {
	d.mu.Lock()
	ready, token := d.ready, d.token
	if ready == nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrPlaybackRejected, errNoSource)
	}
	d.pending++
	d.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending--

	if d.ready != ready {
		return fmt.Errorf("%w: source changed while loading", ErrPlaybackRejected)
	}
	if d.token != token {
		return fmt.Errorf("%w: paused while loading", ErrPlaybackRejected)
	}
	if d.loadErr != nil {
		return fmt.Errorf("%w: %v", ErrPlaybackRejected, d.loadErr)
	}
	if d.ctrl == nil {
		return fmt.Errorf("%w: %v", ErrPlaybackRejected, errNoSource)
	}
	if d.playing {
		return nil
	}

	speaker.Lock()
	d.ctrl.Paused = false
	speaker.Unlock()

	d.playing = true
	d.queue.push(Event{Kind: EventPlay})
	return nil
}

func (d *beepDevice) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.token++
	if !d.playing {
		if d.pending > 0 {
			d.queue.push(Event{Kind: EventPause})
		}
		return
	}
	speaker.Lock()
	d.ctrl.Paused = true
	speaker.Unlock()

	d.playing = false
	d.queue.push(Event{Kind: EventPause})
}

func (d *beepDevice) Seek(seconds float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.streamer == nil {
		return errNoSource
	}

	n := d.format.SampleRate.N(time.Duration(seconds * float64(time.Second)))
	if n < 0 {
		n = 0
	}
	if l := d.streamer.Len(); n > l {
		n = l
	}

	speaker.Lock()
	err := d.streamer.Seek(n)
	speaker.Unlock()
	if err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	return nil
}

func (d *beepDevice) SetVolume(level float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.level = clamp(level, 0, 1)
	if d.volume == nil {
		return
	}
	speaker.Lock()
	applyLevel(d.volume, d.level)
	speaker.Unlock()
}

// applyLevel maps a linear 0-1 level onto a base-2 volume effect
func applyLevel(v *effects.Volume, level float64) {
	if level <= 0 {
		v.Silent = true
		return
	}
	v.Silent = false
	v.Volume = math.Log2(level)
}

func (d *beepDevice) Position() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.streamer == nil {
		return 0
	}
	speaker.Lock()
	p := d.streamer.Position()
	speaker.Unlock()
	return d.format.SampleRate.D(p).Seconds()
}

func (d *beepDevice) Duration() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duration
}

func (d *beepDevice) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.playing
}

func (d *beepDevice) finished(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if gen != d.gen {
		return
	}
	d.playing = false
	d.queue.push(Event{Kind: EventEnded})
}

func (d *beepDevice) timeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.mu.Lock()
			if d.playing {
				d.queue.push(Event{Kind: EventTimeUpdate})
			}
			d.mu.Unlock()
		case <-d.done:
			return
		}
	}
}

// stopLocked drops the current stream; d.mu must be held
func (d *beepDevice) stopLocked() {
	if d.streamer == nil {
		return
	}
	speaker.Clear()
	if err := d.streamer.Close(); err != nil {
		d.logger.Debugf("close stream: %v", err)
	}
	d.streamer = nil
	d.ctrl = nil
	d.volume = nil
}

func (d *beepDevice) Close() error {
	select {
	case <-d.done:
		return nil
	default:
		close(d.done)
	}

	d.mu.Lock()
	d.gen++
	d.playing = false
	d.stopLocked()
	d.mu.Unlock()

	d.queue.close()
	return nil
}
