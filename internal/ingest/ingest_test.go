package ingest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/zsiec/camrelay/internal/distribution"
	"github.com/zsiec/camrelay/internal/media"
	"github.com/zsiec/camrelay/internal/pipeline"
	"github.com/zsiec/camrelay/internal/stats"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	src := r.Register("cam1", media.SourceTCP, "10.0.0.5:4000")

	if src.ID == "" {
		t.Fatal("source ID is empty")
	}
	if src.Key != "cam1" || src.Protocol != media.SourceTCP {
		t.Fatalf("got key %q protocol %q, want cam1 tcp", src.Key, src.Protocol)
	}
	if src.RemoteAddr() != "10.0.0.5:4000" {
		t.Fatalf("got remote %q, want 10.0.0.5:4000", src.RemoteAddr())
	}

	got, ok := r.Get(src.ID)
	if !ok {
		t.Fatal("Get returned false for registered source")
	}
	if got != src {
		t.Fatal("Get returned different source pointer")
	}
}

func TestRegistryUniqueIDs(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := r.Register("cam", media.SourceTCP, "")
	b := r.Register("cam", media.SourceTCP, "")
	if a.ID == b.ID {
		t.Fatal("two registrations share an ID")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}

func TestRegistryGetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("Get returned true for missing source")
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	src := r.Register("cam1", media.SourceUDP, "")
	r.Unregister(src.ID)
	r.Unregister(src.ID)
	r.Unregister("nonexistent")

	if _, ok := r.Get(src.ID); ok {
		t.Fatal("source still found after Unregister")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestRegistryListOldestFirst(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := r.Register("a", media.SourceTCP, "")
	time.Sleep(2 * time.Millisecond)
	second := r.Register("b", media.SourceSRT, "")

	list := r.List()
	if len(list) != 2 || list[0] != first || list[1] != second {
		t.Fatalf("List order wrong: got %d sources", len(list))
	}

	infos := r.Sources()
	if len(infos) != 2 || infos[0].Key != "a" || infos[1].Protocol != media.SourceSRT {
		t.Fatalf("Sources = %+v", infos)
	}
}

func TestSourceCounters(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	src := r.Register("s1", media.SourceTCP, "")
	src.RecordRead(100)
	src.RecordRead(50)
	src.RecordFrame(40)
	src.SetRemoteAddr("192.168.1.1:9000")

	st := src.IngestStats()
	if st.BytesReceived != 150 {
		t.Fatalf("BytesReceived: got %d, want 150", st.BytesReceived)
	}
	if st.ReadCount != 2 {
		t.Fatalf("ReadCount: got %d, want 2", st.ReadCount)
	}
	if st.Frames != 1 {
		t.Fatalf("Frames: got %d, want 1", st.Frames)
	}
	if st.RemoteAddr != "192.168.1.1:9000" {
		t.Fatalf("RemoteAddr: got %q, want 192.168.1.1:9000", st.RemoteAddr)
	}
	if st.ConnectedAt == 0 {
		t.Fatal("ConnectedAt is zero")
	}
}

func TestServePublishesAndUnregisters(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	relay := distribution.NewRelay(0, nil)
	st := stats.New()
	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}

	err := r.Serve(context.Background(), Stream{
		Key:        "cam",
		Protocol:   media.SourceTCP,
		RemoteAddr: "127.0.0.1:1234",
		Input:      bytes.NewReader(frame),
	}, pipeline.NewPublisher(relay, st), 0, nil)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if r.Len() != 0 {
		t.Fatalf("Len = %d after Serve, want 0", r.Len())
	}
	if st.TotalFrames() != 1 {
		t.Fatalf("TotalFrames = %d, want 1", st.TotalFrames())
	}
	if latest := relay.Latest(); latest == nil || !bytes.Equal(latest.Data, frame) {
		t.Fatal("frame not cached")
	}
}
