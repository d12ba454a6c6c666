package terminal

import (
	"bytes"
	"io"
	"sync"

	"github.com/ricochet1k/termemu"
)

// seededBackend serves a fixed byte prefix before delegating reads to the
// live backend. The emulator consumes the prefix exactly as if the process
// had printed it, which seeds the screen buffer with a restored transcript
// before any live output arrives.
type seededBackend struct {
	mu   sync.Mutex
	seed *bytes.Reader
	live termemu.Backend
}

func newSeededBackend(seed []byte, live termemu.Backend) *seededBackend {
	return &seededBackend{
		seed: bytes.NewReader(seed),
		live: live,
	}
}

func (b *seededBackend) Read(p []byte) (int, error) {
	b.mu.Lock()
	seed := b.seed
	b.mu.Unlock()

	if seed != nil {
		n, err := seed.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			b.mu.Lock()
			b.seed = nil
			b.mu.Unlock()
		}
	}
	return b.live.Read(p)
}

func (b *seededBackend) Write(p []byte) (int, error) {
	return b.live.Write(p)
}

func (b *seededBackend) SetSize(w, h int) error {
	return b.live.SetSize(w, h)
}

// SeedBytes converts persisted plain text into the byte stream fed to a
// fresh emulator: bare newlines become CRLF so each line starts at column
// zero.
func SeedBytes(text string) []byte {
	if text == "" {
		return nil
	}
	out := make([]byte, 0, len(text)+16)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\n' && (i == 0 || text[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}
