package voice

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	voiceSentencesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicegw_voice_sentences_total",
			Help: "Total sentences and clauses cut from LLM token streams.",
		},
	)
	voiceSynthSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voicegw_voice_synth_seconds",
			Help:    "Speech synthesis latency per sentence in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
	voiceSynthFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicegw_voice_synth_failures_total",
			Help: "Total sentences dropped or aborted due to synthesis errors.",
		},
	)
	voiceAudioChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicegw_voice_audio_chunks_total",
			Help: "Audio chunks by delivery outcome (sent, cut_short, dropped_interrupted, dropped_disconnected).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		voiceSentencesTotal,
		voiceSynthSeconds,
		voiceSynthFailures,
		voiceAudioChunks,
	)
}

func observeSentence() {
	voiceSentencesTotal.Inc()
}

func observeSynthesis(latency time.Duration, ok bool) {
	voiceSynthSeconds.Observe(latency.Seconds())
	if !ok {
		voiceSynthFailures.Inc()
	}
}

func observeAudioChunk(outcome string) {
	voiceAudioChunks.WithLabelValues(outcome).Inc()
}
