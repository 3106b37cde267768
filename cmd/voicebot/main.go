// Command voicebot is a headless test peer: it connects to a server as
// a named bot and continuously streams audio, proving the session
// worker, transport, and codec layers work end-to-end without any GUI
// shell.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/MasonKomo/Harmony/internal/config"
	"github.com/MasonKomo/Harmony/internal/opuscodec"
	"github.com/MasonKomo/Harmony/voice"
)

const (
	testFreq      = 440.0 // Hz – A4, used when no audio file is provided
	testAmplitude = 0.3   // 30% to avoid clipping
	beepOnMs      = 600
	beepOffMs     = 400
	chunkFrames   = 960 // one 20ms chunk at 48kHz, matches the media tick
)

func main() {
	server := flag.String("server", "", "server address (host, host:port, or mumble:// URL)")
	nickname := flag.String("nickname", "voicebot", "nickname to connect as")
	channel := flag.String("channel", "Root", "default channel to join")
	insecure := flag.Bool("insecure-tls", false, "skip TLS certificate verification")
	audioPath := flag.String("audio", os.Getenv("HARMONY_TEST_AUDIO"), "48kHz mono 16-bit WAV to loop (sine beep if empty)")
	flag.Parse()

	if *server == "" {
		log.Fatal("[voicebot] -server is required")
	}
	addr, err := voice.NormalizeServerAddr(*server)
	if err != nil {
		log.Fatalf("[voicebot] %v", err)
	}

	cfg := config.Default()
	cfg.Nickname = *nickname
	cfg.DefaultChannel = *channel
	cfg.InsecureTLS = *insecure

	source := newToneSource()
	if *audioPath != "" {
		samples, err := loadWAV(*audioPath)
		if err != nil {
			log.Printf("[voicebot] cannot load %s: %v -- falling back to sine wave", *audioPath, err)
		} else {
			source.setLoop(samples)
			log.Printf("[voicebot] looping %s (%d samples, %.1fs)", *audioPath, len(samples), float64(len(samples))/float64(opuscodec.SampleRate))
		}
	}

	worker := voice.NewWorker(cfg, addr, source, discardSink{}, voice.NewMetrics(nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[voicebot] shutting down...")
		worker.Send(voice.DisconnectCommand{})
		cancel()
	}()

	go logEvents(worker.Events())

	log.Printf("[voicebot] connecting %s as %q", addr, *nickname)
	worker.Run(ctx)
}

// logEvents prints every published event so a human watching the
// process can follow the session without a GUI.
func logEvents(events *voice.EventSink) {
	for {
		select {
		case ev, ok := <-events.Connection:
			if !ok {
				return
			}
			log.Printf("[voicebot] connection: %s %s", ev.State, ev.Reason)
		case ev := <-events.Roster:
			log.Printf("[voicebot] roster: channel=%q users=%d", ev.Channel.Name, len(ev.Users))
		case ev := <-events.Self:
			log.Printf("[voicebot] self: muted=%v deafened=%v ptt=%v transmitting=%v", ev.Muted, ev.Deafened, ev.PttEnabled, ev.Transmitting)
		case ev := <-events.Message:
			log.Printf("[voicebot] message from %s: %s", ev.ActorName, ev.Message)
		case ev := <-events.Speaking:
			log.Printf("[voicebot] speaking: session=%d speaking=%v level=%.3f", ev.Session, ev.Speaking, ev.Level)
		}
	}
}

// toneSource is a synthetic voice.AudioSource that generates one 20ms
// chunk every tick: either a looped WAV file or a 440Hz beep pattern
// (600ms on / 400ms off), fed through the Worker's narrow capture
// interface rather than a bespoke send loop.
type toneSource struct {
	queue chan []float32
	stop  chan struct{}

	loop []float32
}

func newToneSource() *toneSource {
	s := &toneSource{
		queue: make(chan []float32, 64),
		stop:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *toneSource) setLoop(samples []float32) { s.loop = samples }

func (s *toneSource) Rate() float64 { return float64(opuscodec.SampleRate) }

func (s *toneSource) DrainSamples() [][]float32 {
	var out [][]float32
	for {
		select {
		case chunk := <-s.queue:
			out = append(out, chunk)
		default:
			return out
		}
	}
}

func (s *toneSource) run() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var wavPos int
	var phase float64
	cycleLen := time.Duration(beepOnMs+beepOffMs) * time.Millisecond
	beepOn := time.Duration(beepOnMs) * time.Millisecond
	start := time.Now()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		chunk := make([]float32, chunkFrames)
		if len(s.loop) > 0 {
			for i := range chunk {
				chunk[i] = s.loop[wavPos]
				wavPos = (wavPos + 1) % len(s.loop)
			}
		} else if time.Since(start)%cycleLen < beepOn {
			for i := range chunk {
				chunk[i] = testAmplitude * float32(math.Sin(2*math.Pi*testFreq*phase/float64(opuscodec.SampleRate)))
				phase++
			}
		} else {
			phase = 0 // reset to zero-crossing for the next beep
		}

		select {
		case s.queue <- chunk:
		default:
		}
	}
}

// discardSink is a voice.AudioSink that throws away received audio --
// a headless bot has no speaker to play it through.
type discardSink struct{}

func (discardSink) Push(samples []float32) {}
func (discardSink) Rate() float64          { return float64(opuscodec.SampleRate) }

// loadWAV reads a WAV file and returns its samples as 48kHz mono
// float32 PCM in [-1, 1]. The file must be 48kHz, mono, 16-bit PCM
// (format tag 1). Convert with: ffmpeg -i input.mp3 -ar 48000 -ac 1 output.wav
func loadWAV(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var riff [4]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return nil, fmt.Errorf("read RIFF: %w", err)
	}
	if string(riff[:]) != "RIFF" {
		return nil, fmt.Errorf("not a RIFF file")
	}
	var chunkSize uint32
	if err := binary.Read(f, binary.LittleEndian, &chunkSize); err != nil {
		return nil, fmt.Errorf("read chunk size: %w", err)
	}
	var wave [4]byte
	if _, err := io.ReadFull(f, wave[:]); err != nil {
		return nil, fmt.Errorf("read WAVE: %w", err)
	}
	if string(wave[:]) != "WAVE" {
		return nil, fmt.Errorf("not a WAVE file")
	}

	var (
		audioFormat   uint16
		numChannels   uint16
		sampleRateHz  uint32
		bitsPerSample uint16
		fmtFound      bool
	)

	for {
		var id [4]byte
		if _, err := io.ReadFull(f, id[:]); err != nil {
			break // EOF or truncated
		}
		var size uint32
		if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
			break
		}

		switch string(id[:]) {
		case "fmt ":
			binary.Read(f, binary.LittleEndian, &audioFormat)     //nolint:errcheck
			binary.Read(f, binary.LittleEndian, &numChannels)     //nolint:errcheck
			binary.Read(f, binary.LittleEndian, &sampleRateHz)    //nolint:errcheck
			var byteRate uint32
			binary.Read(f, binary.LittleEndian, &byteRate) //nolint:errcheck
			var blockAlign uint16
			binary.Read(f, binary.LittleEndian, &blockAlign)      //nolint:errcheck
			binary.Read(f, binary.LittleEndian, &bitsPerSample)   //nolint:errcheck
			if size > 16 {
				io.CopyN(io.Discard, f, int64(size-16)) //nolint:errcheck
			}
			fmtFound = true
			if size%2 != 0 {
				io.CopyN(io.Discard, f, 1) //nolint:errcheck
			}

		case "data":
			if !fmtFound {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			if audioFormat != 1 {
				return nil, fmt.Errorf("WAV must be PCM (format 1, got %d)", audioFormat)
			}
			if numChannels != 1 {
				return nil, fmt.Errorf("WAV must be mono (got %d channels)", numChannels)
			}
			if sampleRateHz != uint32(opuscodec.SampleRate) {
				return nil, fmt.Errorf("WAV must be %d Hz (got %d Hz)", opuscodec.SampleRate, sampleRateHz)
			}
			if bitsPerSample != 16 {
				return nil, fmt.Errorf("WAV must be 16-bit (got %d-bit)", bitsPerSample)
			}
			raw := make([]int16, size/2)
			if err := binary.Read(f, binary.LittleEndian, raw); err != nil {
				return nil, fmt.Errorf("read samples: %w", err)
			}
			samples := make([]float32, len(raw))
			for i, s := range raw {
				samples[i] = float32(s) / 32768.0
			}
			return samples, nil

		default:
			skip := int64(size)
			if size%2 != 0 {
				skip++
			}
			io.CopyN(io.Discard, f, skip) //nolint:errcheck
		}
	}

	return nil, fmt.Errorf("no data chunk found")
}
