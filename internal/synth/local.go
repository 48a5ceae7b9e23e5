package synth

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/rezeile/voiceloop/internal/audio"
)

const (
	localAmp     = 0.22
	wordGap      = 90 * time.Millisecond
	baseWordTime = 110 * time.Millisecond
	perRuneTime  = 18 * time.Millisecond
	maxWordTime  = 450 * time.Millisecond
	rampTime     = 8 * time.Millisecond
)

// LocalVoice renders a word-paced tone voice offline. It stands in for
// the platform synthesizer when every remote path is down: audible,
// roughly speech-cadenced, instant to produce.
type LocalVoice struct {
	rate int
}

func NewLocalVoice() *LocalVoice {
	return &LocalVoice{rate: audio.PlaybackRate}
}

// Render produces a raw s16le payload for the text. Honors ctx so an
// interrupt stops a long render.
func (v *LocalVoice) Render(ctx context.Context, text string) ([]byte, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		words = []string{"."}
	}
	var pcm []int16
	for _, word := range words {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pcm = v.appendWord(pcm, word)
		pcm = append(pcm, make([]int16, v.samples(wordGap))...)
	}
	return audio.Bytes(pcm), nil
}

func (v *LocalVoice) samples(d time.Duration) int {
	return int(float64(v.rate) * d.Seconds())
}

// appendWord writes one tone whose pitch tracks the word and whose
// length tracks its spelling, with short ramps against clicks.
func (v *LocalVoice) appendWord(pcm []int16, word string) []int16 {
	d := baseWordTime + time.Duration(len([]rune(word)))*perRuneTime
	if d > maxWordTime {
		d = maxWordTime
	}
	n := v.samples(d)
	ramp := v.samples(rampTime)
	freq := wordPitch(word)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(v.rate)
		env := 1.0
		if i < ramp {
			env = float64(i) / float64(ramp)
		} else if n-i < ramp {
			env = float64(n-i) / float64(ramp)
		}
		s := localAmp * env * math.Sin(2*math.Pi*freq*t)
		pcm = append(pcm, int16(s*32767))
	}
	return pcm
}

// wordPitch maps a word into a low speech-ish band.
func wordPitch(word string) float64 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(word)))
	return 160 + float64(h.Sum32()%120)
}
