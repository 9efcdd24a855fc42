package main

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/wav"
)

func receiveEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestEventQueuePreservesOrder(t *testing.T) {
	q := newEventQueue()
	defer q.close()

	kinds := []EventKind{EventPause, EventMetadata, EventPlay, EventTimeUpdate, EventEnded}
	// Nobody is reading yet; push must not block
	for _, k := range kinds {
		q.push(Event{Kind: k})
	}

	for i, want := range kinds {
		got := receiveEvent(t, q.events())
		if got.Kind != want {
			t.Errorf("event %d: got %v, want %v", i, got.Kind, want)
		}
	}
}

func TestEventQueueCarriesErrors(t *testing.T) {
	q := newEventQueue()
	defer q.close()

	loadErr := errors.New("boom")
	q.push(Event{Kind: EventError, Err: loadErr})
	ev := receiveEvent(t, q.events())
	assertEqual(t, ev.Kind, EventError, "kind")
	if !errors.Is(ev.Err, loadErr) {
		t.Errorf("Expected wrapped error, got %v", ev.Err)
	}
}

func TestEventQueueCloseEndsStream(t *testing.T) {
	q := newEventQueue()
	q.push(Event{Kind: EventPlay})
	q.close()
	q.close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed")
		}
	}
}

func TestEventKindString(t *testing.T) {
	assertEqual(t, EventTimeUpdate.String(), "timeupdate", "timeupdate")
	assertEqual(t, EventEnded.String(), "ended", "ended")
	assertEqual(t, EventKind(42).String(), "event(42)", "unknown kind")
}

func TestAudioFormat(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"Songs/Mann Mera.mp3", ".mp3"},
		{"/music/take.WAV", ".wav"},
		{"file:///music/album/01.flac", ".flac"},
		{"https://example.com/stream/track.mp3?token=abc", ".mp3"},
		{"https://example.com/stream", ""},
	}

	for _, tt := range tests {
		if got := audioFormat(tt.src); got != tt.want {
			t.Errorf("audioFormat(%q) = %q; want %q", tt.src, got, tt.want)
		}
	}
}

// encodeTestWAV renders a short silent clip
func encodeTestWAV(t *testing.T, format beep.Format, samples int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	assertNoError(t, err)
	remaining := samples
	silence := beep.StreamerFunc(func(buf [][2]float64) (int, bool) {
		if remaining == 0 {
			return 0, false
		}
		n := min(len(buf), remaining)
		clear(buf[:n])
		remaining -= n
		return n, true
	})
	assertNoError(t, wav.Encode(f, silence, format))
	assertNoError(t, f.Close())

	data, err := os.ReadFile(path)
	assertNoError(t, err)
	return data
}

func TestDecodeAudio(t *testing.T) {
	format := beep.Format{SampleRate: 22050, NumChannels: 2, Precision: 2}
	data := encodeTestWAV(t, format, 2205)

	t.Run("wav", func(t *testing.T) {
		s, got, err := decodeAudio("clip.wav", data)
		assertNoError(t, err)
		defer s.Close()

		assertEqual(t, got.SampleRate, format.SampleRate, "sample rate")
		assertEqual(t, got.NumChannels, 2, "channels")
		assertEqual(t, s.Len(), 2205, "length in samples")
		seconds := got.SampleRate.D(s.Len()).Seconds()
		if math.Abs(seconds-0.1) > 1e-6 {
			t.Errorf("Expected 0.1s clip, got %v", seconds)
		}
	})

	t.Run("empty", func(t *testing.T) {
		_, _, err := decodeAudio("clip.mp3", nil)
		assertError(t, err, "empty data")
	})

	t.Run("garbage", func(t *testing.T) {
		for _, src := range []string{"a.mp3", "a.wav", "a.flac", "stream"} {
			_, _, err := decodeAudio(src, []byte("definitely not audio"))
			if err == nil {
				t.Errorf("%s: expected decode error", src)
			}
		}
	})
}

func TestApplyLevel(t *testing.T) {
	v := &effects.Volume{Base: 2}

	applyLevel(v, 0)
	assertEqual(t, v.Silent, true, "zero level mutes")

	applyLevel(v, 1)
	assertEqual(t, v.Silent, false, "full level unmutes")
	assertEqual(t, v.Volume, 0.0, "full level is unity gain")

	applyLevel(v, 0.5)
	assertEqual(t, v.Volume, -1.0, "half level is one halving")
}

var testClipFormat = beep.Format{SampleRate: 22050, NumChannels: 2, Precision: 2}

// clipServer serves WAV clips by path. Requests for held paths block until
// release is called.
type clipServer struct {
	*httptest.Server
	release func()
}

func newClipServer(t *testing.T, clips map[string][]byte, held ...string) *clipServer {
	t.Helper()
	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range held {
			if r.URL.Path == p {
				<-gate
			}
		}
		data, ok := clips[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(release)
	return &clipServer{Server: srv, release: release}
}

func newTestBeepDevice(t *testing.T, client *http.Client) *beepDevice {
	t.Helper()
	d := newBeepDevice(client)
	t.Cleanup(func() { d.Close() })
	return d
}

// waitPending blocks until n plays are waiting on a load
func waitPending(t *testing.T, d *beepDevice, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		d.mu.Lock()
		pending := d.pending
		d.mu.Unlock()
		if pending >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending plays, have %d", n, pending)
		}
		time.Sleep(time.Millisecond)
	}
}

func playAsync(d *beepDevice) <-chan error {
	result := make(chan error, 1)
	go func() { result <- d.Play(context.Background()) }()
	return result
}

func receiveResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for play result")
	}
	return nil
}

func TestBeepDeviceLoadPlayPause(t *testing.T) {
	srv := newClipServer(t, map[string][]byte{"/clip.wav": encodeTestWAV(t, testClipFormat, 2205)})
	d := newTestBeepDevice(t, srv.Client())

	d.SetSource(srv.URL + "/clip.wav")
	assertNoError(t, d.Play(context.Background()))
	assertEqual(t, receiveEvent(t, d.Events()).Kind, EventMetadata, "metadata before play")
	assertEqual(t, receiveEvent(t, d.Events()).Kind, EventPlay, "play event")
	assertEqual(t, d.Paused(), false, "playing")
	if math.Abs(d.Duration()-0.1) > 1e-6 {
		t.Errorf("Expected 0.1s duration, got %v", d.Duration())
	}

	assertNoError(t, d.Seek(0.05))
	if math.Abs(d.Position()-0.05) > 1e-3 {
		t.Errorf("Expected position near 0.05s, got %v", d.Position())
	}

	d.Pause()
	assertEqual(t, receiveEvent(t, d.Events()).Kind, EventPause, "pause event")
	assertEqual(t, d.Paused(), true, "paused")
}

func TestBeepDeviceSourceChangeEmitsNoPause(t *testing.T) {
	clip := encodeTestWAV(t, testClipFormat, 2205)
	srv := newClipServer(t, map[string][]byte{"/a.wav": clip, "/b.wav": clip})
	d := newTestBeepDevice(t, srv.Client())

	d.SetSource(srv.URL + "/a.wav")
	assertNoError(t, d.Play(context.Background()))
	receiveEvent(t, d.Events())
	receiveEvent(t, d.Events())

	d.SetSource(srv.URL + "/b.wav")
	assertEqual(t, d.Paused(), true, "stopped by source change")
	assertEqual(t, receiveEvent(t, d.Events()).Kind, EventMetadata, "no pause before the new metadata")

	assertNoError(t, d.Play(context.Background()))
	assertEqual(t, receiveEvent(t, d.Events()).Kind, EventPlay, "new source plays")
}

func TestBeepDeviceSupersededLoad(t *testing.T) {
	srv := newClipServer(t, map[string][]byte{
		"/slow.wav": encodeTestWAV(t, testClipFormat, 4410),
		"/fast.wav": encodeTestWAV(t, testClipFormat, 2205),
	}, "/slow.wav")
	d := newTestBeepDevice(t, srv.Client())

	d.SetSource(srv.URL + "/slow.wav")
	first := playAsync(d)
	waitPending(t, d, 1)

	d.SetSource(srv.URL + "/fast.wav")
	assertEqual(t, receiveEvent(t, d.Events()).Kind, EventMetadata, "fast source loaded")

	srv.release()
	err := receiveResult(t, first)
	if !errors.Is(err, ErrPlaybackRejected) {
		t.Errorf("Expected ErrPlaybackRejected for replaced source, got %v", err)
	}

	// The late load is discarded
	if math.Abs(d.Duration()-0.1) > 1e-6 {
		t.Errorf("Expected duration of the newer source, got %v", d.Duration())
	}
	assertNoError(t, d.Play(context.Background()))
	assertEqual(t, receiveEvent(t, d.Events()).Kind, EventPlay, "no events from the discarded load")
}

func TestBeepDevicePauseCancelsPendingPlay(t *testing.T) {
	srv := newClipServer(t, map[string][]byte{"/slow.wav": encodeTestWAV(t, testClipFormat, 2205)}, "/slow.wav")
	d := newTestBeepDevice(t, srv.Client())

	d.SetSource(srv.URL + "/slow.wav")
	result := playAsync(d)
	waitPending(t, d, 1)

	d.Pause()
	assertEqual(t, receiveEvent(t, d.Events()).Kind, EventPause, "pending play cancelled")

	srv.release()
	err := receiveResult(t, result)
	if !errors.Is(err, ErrPlaybackRejected) {
		t.Errorf("Expected ErrPlaybackRejected, got %v", err)
	}
	assertEqual(t, receiveEvent(t, d.Events()).Kind, EventMetadata, "load still completes")
	assertEqual(t, d.Paused(), true, "stays paused")
}

func TestBeepDeviceLoadFailureRejectsPlay(t *testing.T) {
	clip := encodeTestWAV(t, testClipFormat, 2205)
	srv := newClipServer(t, map[string][]byte{
		"/clip.wav":    clip,
		"/garbage.wav": []byte("definitely not audio"),
	})

	tests := []struct {
		name     string
		path     string
		maxBytes int64
		want     error
	}{
		{"missing", "/missing.wav", maxAudioBytes, nil},
		{"undecodable", "/garbage.wav", maxAudioBytes, nil},
		{"too large", "/clip.wav", 16, errAudioTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestBeepDevice(t, srv.Client())
			d.maxBytes = tt.maxBytes

			d.SetSource(srv.URL + tt.path)
			err := d.Play(context.Background())
			if !errors.Is(err, ErrPlaybackRejected) {
				t.Errorf("Expected ErrPlaybackRejected, got %v", err)
			}

			ev := receiveEvent(t, d.Events())
			assertEqual(t, ev.Kind, EventError, "error event")
			if ev.Err == nil {
				t.Error("Expected load error on the event")
			}
			if tt.want != nil && !errors.Is(ev.Err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, ev.Err)
			}
			assertEqual(t, d.Paused(), true, "paused")
		})
	}
}

func TestBeepDeviceWithoutSource(t *testing.T) {
	d := newTestBeepDevice(t, http.DefaultClient)

	if err := d.Play(context.Background()); !errors.Is(err, ErrPlaybackRejected) {
		t.Errorf("Expected ErrPlaybackRejected, got %v", err)
	}
	if err := d.Seek(1); !errors.Is(err, errNoSource) {
		t.Errorf("Expected errNoSource, got %v", err)
	}
	assertEqual(t, d.Position(), 0.0, "position")
	if !math.IsNaN(d.Duration()) {
		t.Errorf("Expected unknown duration, got %v", d.Duration())
	}
}

func TestBeepDeviceFinishedSkipsStaleGeneration(t *testing.T) {
	srv := newClipServer(t, map[string][]byte{"/clip.wav": encodeTestWAV(t, testClipFormat, 2205)})
	d := newTestBeepDevice(t, srv.Client())

	d.SetSource(srv.URL + "/clip.wav")
	assertNoError(t, d.Play(context.Background()))
	receiveEvent(t, d.Events())
	receiveEvent(t, d.Events())

	d.mu.Lock()
	gen := d.gen
	d.mu.Unlock()

	d.finished(gen - 1)
	assertEqual(t, d.Paused(), false, "stale end ignored")

	d.finished(gen)
	assertEqual(t, receiveEvent(t, d.Events()).Kind, EventEnded, "ended event")
	assertEqual(t, d.Paused(), true, "stopped at end")
}
