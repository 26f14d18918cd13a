package pow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

const (
	hashLength = 64

	defaultBatchSize   = 1 << 14
	defaultLogInterval = 5 * time.Second
)

// Hasher returns the lowercase hex digest of text.
type Hasher func(text []byte) string

func SHA256Hex(text []byte) string {
	sum := sha256.Sum256(text)
	return hex.EncodeToString(sum[:])
}

// Target is the exclusive upper bound a hash must sort below.
func Target(difficulty int) (string, error) {
	if difficulty < 0 || difficulty > hashLength {
		return "", fmt.Errorf("difficulty must be between 0 and %d, got %d", hashLength, difficulty)
	}
	return strings.Repeat("0", difficulty) + strings.Repeat("f", hashLength-difficulty), nil
}

type Solution struct {
	Nonce  uint64
	Hash   string
	Hashes uint64
}

type Miner struct {
	hasher      Hasher
	batchSize   uint64
	logInterval time.Duration
	progress    io.Writer
	now         func() time.Time
}

type Option func(*Miner)

func WithHasher(h Hasher) Option {
	return func(m *Miner) { m.hasher = h }
}

func WithBatchSize(n uint64) Option {
	return func(m *Miner) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithProgress renders a hash counter to w. Nil disables it.
func WithProgress(w io.Writer) Option {
	return func(m *Miner) { m.progress = w }
}

func NewMiner(opts ...Option) *Miner {
	m := &Miner{
		hasher:      SHA256Hex,
		batchSize:   defaultBatchSize,
		logInterval: defaultLogInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func challengeText(buf []byte, prefix string, nonce uint64, suffix string) []byte {
	buf = append(buf[:0], prefix...)
	buf = strconv.AppendUint(buf, nonce, 10)
	return append(buf, suffix...)
}

// Mine searches nonces from zero for a hash of
// "<time>:<previous_hash>:<wallet>:<nonce>:<index>" below the difficulty
// target. ctx is checked between batches.
func (m *Miner) Mine(ctx context.Context, challenge Challenge, walletAddress string) (Solution, error) {
	target, err := Target(challenge.Difficulty)
	if err != nil {
		return Solution{}, err
	}
	slog.Info("starting mining", "difficulty", challenge.Difficulty, "index", challenge.Index)

	var bar *progressbar.ProgressBar
	if m.progress != nil {
		bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(m.progress),
			progressbar.OptionSetDescription("hashing"),
			progressbar.OptionSetItsString("hash"),
			progressbar.OptionShowIts(),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish() //nolint:errcheck
	}

	prefix := fmt.Sprintf("%s:%s:%s:", challenge.TimeText(), challenge.PreviousHash, walletAddress)
	suffix := ":" + strconv.FormatInt(challenge.Index, 10)
	buf := make([]byte, 0, len(prefix)+len(suffix)+20)

	start := m.now()
	lastLog := start
	var nonce uint64
	for {
		if err := ctx.Err(); err != nil {
			return Solution{}, err
		}

		for i := uint64(0); i < m.batchSize; i++ {
			buf = challengeText(buf, prefix, nonce, suffix)
			hash := m.hasher(buf)
			if hash < target {
				elapsed := m.now().Sub(start)
				slog.Info("mining completed", "elapsed", elapsed.Round(time.Millisecond), "nonce", nonce, "hash", hash)
				return Solution{Nonce: nonce, Hash: hash, Hashes: nonce + 1}, nil
			}
			nonce++
		}

		if bar != nil {
			bar.Add64(int64(m.batchSize)) //nolint:errcheck
		}
		if now := m.now(); now.Sub(lastLog) >= m.logInterval {
			elapsed := now.Sub(start).Seconds()
			slog.Info("mining progress",
				"million_hashes", fmt.Sprintf("%.2f", float64(nonce)/1e6),
				"million_hashes_per_second", fmt.Sprintf("%.2f", float64(nonce)/elapsed/1e6),
			)
			lastLog = now
		}
	}
}
