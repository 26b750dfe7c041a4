package protocol

import (
	"reflect"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// genMessage draws messages whose string values are free to contain braces,
// quotes and backslashes.
func genMessage() *rapid.Generator[Message] {
	tricky := rapid.SampledFrom([]string{"{", "}", `"`, `\`, `\"`, "{}", "\n", "é", ""})
	text := rapid.Custom(func(t *rapid.T) string {
		parts := rapid.SliceOfN(rapid.OneOf(rapid.String(), tricky), 0, 6).Draw(t, "parts")
		return strings.Join(parts, "")
	})

	return rapid.Custom(func(t *rapid.T) Message {
		keys := rapid.SliceOfN(text, 0, 4).Draw(t, "keys")
		payload := make(map[string]any, len(keys))
		for _, k := range keys {
			payload[k] = text.Draw(t, "value")
		}
		if rapid.Bool().Draw(t, "nested") {
			payload["nested"] = map[string]any{"inner": text.Draw(t, "inner")}
		}
		return Message{
			Framework: text.Draw(t, "framework"),
			Command:   text.Draw(t, "command"),
			Payload:   payload,
		}
	})
}

// TestSplitReassembly checks that a message split at any offset and fed in
// two pieces comes out exactly once and unchanged.
func TestSplitReassembly(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := genMessage().Draw(t, "msg")
		data, err := EncodeMessage(msg)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		split := rapid.IntRange(0, len(data)).Draw(t, "split")

		d := NewDecoder(0)
		first, _, err := d.Feed(data[:split])
		if err != nil {
			t.Fatalf("feed first half: %v", err)
		}
		second, _, err := d.Feed(data[split:])
		if err != nil {
			t.Fatalf("feed second half: %v", err)
		}

		frames := append(first, second...)
		if len(frames) != 1 {
			t.Fatalf("expected 1 frame, got %d", len(frames))
		}
		if !reflect.DeepEqual(frames[0].Message, msg) {
			t.Fatalf("message mismatch:\n got %#v\nwant %#v", frames[0].Message, msg)
		}
		if d.Buffered() != 0 {
			t.Fatalf("expected empty buffer, %d bytes left", d.Buffered())
		}
	})
}

// TestBatchOrdering checks that N concatenated messages delivered in random
// chunk sizes yield N messages in their original order.
func TestBatchOrdering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgs := rapid.SliceOfN(genMessage(), 1, 8).Draw(t, "msgs")

		var stream []byte
		for _, m := range msgs {
			data, err := EncodeMessage(m)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			stream = append(stream, data...)
		}

		d := NewDecoder(0)
		var got []Frame
		for len(stream) > 0 {
			n := rapid.IntRange(1, len(stream)).Draw(t, "chunk")
			frames, _, err := d.Feed(stream[:n])
			if err != nil {
				t.Fatalf("feed: %v", err)
			}
			got = append(got, frames...)
			stream = stream[n:]
		}

		if len(got) != len(msgs) {
			t.Fatalf("expected %d frames, got %d", len(msgs), len(got))
		}
		for i := range msgs {
			if !reflect.DeepEqual(got[i].Message, msgs[i]) {
				t.Fatalf("frame %d mismatch:\n got %#v\nwant %#v", i, got[i].Message, msgs[i])
			}
		}
	})
}

// TestConsumedNeverExceedsInput checks the accounting on arbitrary bytes.
func TestConsumedNeverExceedsInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.SampledFrom([]byte(`{}"\ ab:,1`))).Draw(t, "data")

		res := ExtractMessages(data)
		if res.Consumed < 0 || res.Consumed > len(data) {
			t.Fatalf("consumed %d out of range [0,%d]", res.Consumed, len(data))
		}
		for _, f := range res.Frames {
			if err := f.Message.Validate(); err != nil {
				t.Fatalf("invalid frame returned: %v", err)
			}
		}
	})
}
