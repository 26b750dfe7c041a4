package protocol

import (
	"testing"
)

// FuzzExtractMessages fuzzes the brace scanner with random bytes
func FuzzExtractMessages(f *testing.F) {
	f.Add([]byte(validA))
	f.Add([]byte(validA + validB))
	f.Add([]byte(`{invalid json}` + validA))
	f.Add([]byte(`{"framework":"F","command":"c","payload":{"s":"a{b}c\"d}e"}}`))
	f.Add([]byte(`{"framework":"F",`))
	f.Add([]byte(`}}}{{{"\\"`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic, and consumed must stay in range
		res := ExtractMessages(data)
		if res.Consumed < 0 || res.Consumed > len(data) {
			t.Fatalf("consumed %d out of range [0,%d]", res.Consumed, len(data))
		}

		// Feeding one byte at a time must find the same frames
		d := NewDecoder(0)
		var got []Frame
		for i := range data {
			frames, _, err := d.Feed(data[i : i+1])
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got = append(got, frames...)
		}
		if len(got) != len(res.Frames) {
			t.Fatalf("bulk found %d frames, byte-wise found %d", len(res.Frames), len(got))
		}
		for i := range got {
			if string(got[i].Raw) != string(res.Frames[i].Raw) {
				t.Fatalf("frame %d differs: %q vs %q", i, got[i].Raw, res.Frames[i].Raw)
			}
		}
	})
}

// FuzzParseMessage fuzzes envelope validation
func FuzzParseMessage(f *testing.F) {
	f.Add([]byte(validA))
	f.Add([]byte(`{"framework":1}`))
	f.Add([]byte(`null`))

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := ParseMessage(data)
		if err == nil && msg.Payload == nil {
			t.Fatalf("accepted message without payload: %q", data)
		}
	})
}
