package audio

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// MIMEType labels raw PCM16LE audio at sampleRate the way the live API expects.
func MIMEType(sampleRate int) string {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// Silence returns d worth of zeroed mono PCM16LE samples.
func Silence(sampleRate int, d time.Duration) []byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := int(int64(sampleRate) * d.Milliseconds() / 1000)
	return make([]byte, samples*2)
}

// Chunk splits mono PCM16LE audio into pieces of chunk duration. The last
// piece may be shorter. Sample boundaries are preserved.
func Chunk(pcm []byte, sampleRate int, chunk time.Duration) [][]byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	size := int(int64(sampleRate)*chunk.Milliseconds()/1000) * 2
	if size <= 0 {
		size = 2
	}
	out := make([][]byte, 0, len(pcm)/size+1)
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[off:end])
	}
	return out
}

// RealtimeInputFrame encodes one audio chunk as a realtimeInput client frame.
func RealtimeInputFrame(pcm []byte, sampleRate int) ([]byte, error) {
	msg := genai.LiveClientMessage{
		RealtimeInput: &genai.LiveClientRealtimeInput{
			MediaChunks: []*genai.Blob{{MIMEType: MIMEType(sampleRate), Data: pcm}},
		},
	}
	return json.Marshal(msg)
}
