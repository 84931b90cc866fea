package relay

import (
	"reflect"
	"testing"

	"github.com/streamlane/chat-relay/pkg/logger"
)

const wellFormedTranscript = "data: {\"choices\":[{\"delta\":{\"content\":\"Ol\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"á!\"}}]}\n\n" +
	"data: [DONE]\n\n"

// meaningful filters out ignorable frames.
func meaningful(frames []Frame) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Kind != FrameIgnorable {
			out = append(out, f)
		}
	}
	return out
}

func decodeChunks(chunks ...[]byte) []Frame {
	d := NewDecoder(logger.NewNop())
	var out []Frame
	for _, chunk := range chunks {
		out = append(out, meaningful(d.Feed(chunk))...)
	}
	out = append(out, meaningful(d.Flush())...)
	return out
}

func TestDecoderWellFormedTranscript(t *testing.T) {
	got := decodeChunks([]byte(wellFormedTranscript))

	want := []Frame{
		{Kind: FrameContentDelta, Text: "Ol"},
		{Kind: FrameContentDelta, Text: "á!"},
		{Kind: FrameTerminator},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("frames = %#v, want %#v", got, want)
	}
}

func TestDecoderEverySplitPoint(t *testing.T) {
	want := decodeChunks([]byte(wellFormedTranscript))

	for i := 0; i <= len(wellFormedTranscript); i++ {
		got := decodeChunks(
			[]byte(wellFormedTranscript[:i]),
			[]byte(wellFormedTranscript[i:]),
		)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: frames = %#v, want %#v", i, got, want)
		}
	}
}

func TestDecoderSplitInsideFirstFrame(t *testing.T) {
	// The scenario from the upstream contract: the first frame split at byte
	// 20, then the second frame, then the terminator.
	first := "data: {\"choices\":[{\"delta\":{\"content\":\"Ol\"}}]}\n\n"
	got := decodeChunks(
		[]byte(first[:20]),
		[]byte(first[20:]),
		[]byte("data: {\"choices\":[{\"delta\":{\"content\":\"á!\"}}]}\n\n"),
		[]byte("data: [DONE]\n\n"),
	)

	want := []Frame{
		{Kind: FrameContentDelta, Text: "Ol"},
		{Kind: FrameContentDelta, Text: "á!"},
		{Kind: FrameTerminator},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("frames = %#v, want %#v", got, want)
	}
}

func TestDecoderTerminatorSplitAcrossReads(t *testing.T) {
	d := NewDecoder(logger.NewNop())

	if got := meaningful(d.Feed([]byte("data: [DO"))); got != nil {
		// No line boundary yet; nothing may be recognized.
		t.Fatalf("premature frames: %#v", got)
	}
	got := meaningful(d.Feed([]byte("NE]\n")))
	want := []Frame{{Kind: FrameTerminator}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("frames = %#v, want %#v", got, want)
	}
	if !d.Done() {
		t.Fatal("decoder should be done after terminator")
	}
}

func TestDecoderIgnoresInputAfterTerminator(t *testing.T) {
	d := NewDecoder(logger.NewNop())
	d.Feed([]byte("data: [DONE]\n"))

	if got := d.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n")); got != nil {
		t.Fatalf("frames after terminator: %#v", got)
	}
	if got := d.Flush(); got != nil {
		t.Fatalf("flush after terminator: %#v", got)
	}
}

func TestDecoderMalformedFrameIsSkippedNotFatal(t *testing.T) {
	got := decodeChunks([]byte("data: {not json\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n" +
		"data: [DONE]\n"))

	want := []Frame{
		{Kind: FrameContentDelta, Text: "ok"},
		{Kind: FrameTerminator},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("frames = %#v, want %#v", got, want)
	}
}

func TestDecoderClassification(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Frame
	}{
		{"no prefix", "event: ping\n", Frame{Kind: FrameIgnorable}},
		{"empty payload", "data: \n", Frame{Kind: FrameIgnorable}},
		{"empty object", "data: {}\n", Frame{Kind: FrameIgnorable}},
		{"no choices", "data: {\"choices\":[]}\n", Frame{Kind: FrameIgnorable}},
		{"empty delta", "data: {\"choices\":[{\"delta\":{\"content\":\"\"}}]}\n", Frame{Kind: FrameIgnorable}},
		{"delta", "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n", Frame{Kind: FrameContentDelta, Text: "hi"}},
		{"terminator", "data: [DONE]\n", Frame{Kind: FrameTerminator}},
		{"padded terminator", "  data:   [DONE]  \n", Frame{Kind: FrameTerminator}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(logger.NewNop())
			frames := d.Feed([]byte(tt.line))
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}
			if !reflect.DeepEqual(frames[0], tt.want) {
				t.Fatalf("frame = %#v, want %#v", frames[0], tt.want)
			}
		})
	}
}

func TestDecoderBlankLinesProduceNoFrames(t *testing.T) {
	d := NewDecoder(logger.NewNop())
	if frames := d.Feed([]byte("\n\n  \n")); frames != nil {
		t.Fatalf("frames = %#v, want none", frames)
	}
}

func TestDecoderFlushResidualFragment(t *testing.T) {
	d := NewDecoder(logger.NewNop())

	// Upstream closed without a trailing newline or terminator.
	if frames := meaningful(d.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"tail\"}}]}"))); frames != nil {
		t.Fatalf("premature frames: %#v", frames)
	}

	got := meaningful(d.Flush())
	want := []Frame{{Kind: FrameContentDelta, Text: "tail"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("flush frames = %#v, want %#v", got, want)
	}

	// A second flush yields nothing.
	if frames := d.Flush(); frames != nil {
		t.Fatalf("second flush frames: %#v", frames)
	}
}
