package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/snarg/readalong/internal/audio"
	"github.com/snarg/readalong/internal/fault"
)

// AudioCache is the subset of storage.AudioStore the client needs.
type AudioCache interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) bool
}

const cacheIOTimeout = 10 * time.Second

// CacheKey returns the storage key for a rendering of req in the given format.
// Layout: tts/{first two hex chars}/{sha256}.{format}
func CacheKey(req Request, format string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%.3f\x00%.3f\x00%.3f\x00%t\x00%s\x00",
		req.VoiceID, req.ModelID,
		req.Voice.Stability, req.Voice.Similarity, req.Voice.Style, req.Voice.SpeakerBoost,
		format)
	h.Write([]byte(req.Text))
	sum := hex.EncodeToString(h.Sum(nil))
	if format == "" {
		format = "bin"
	}
	return "tts/" + sum[:2] + "/" + sum + "." + strings.ReplaceAll(format, "/", "_")
}

// store writes a fresh rendering to the cache. Failures are logged and dropped.
func (c *Client) store(req Request, res *Result) {
	if c.opts.Cache == nil || res.Metadata.Cached {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheIOTimeout)
	defer cancel()
	key := CacheKey(req, res.Format)
	if err := c.opts.Cache.Save(ctx, key, res.Audio, contentTypeFor(res.Format)); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("audio cache write failed")
	}
}

// lookup returns a cached rendering of req, or nil.
func (c *Client) lookup(req Request) *Result {
	if c.opts.Cache == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheIOTimeout)
	defer cancel()

	key := CacheKey(req, c.opts.Format)
	if !c.opts.Cache.Exists(ctx, key) {
		return nil
	}
	rc, err := c.opts.Cache.Open(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("audio cache read failed")
		return nil
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("audio cache read failed")
		return nil
	}
	buf, err := audio.Decode(c.opts.Format, data)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cached audio is not decodable")
		return nil
	}
	return &Result{
		Audio:    data,
		Format:   c.opts.Format,
		Buffer:   buf,
		Duration: buf.Duration(),
		Metadata: Metadata{
			TextLength: utf8.RuneCountInString(req.Text),
			VoiceID:    req.VoiceID,
			ModelID:    req.ModelID,
			Provider:   c.provider.Name(),
			SampleRate: buf.SampleRate,
			Channels:   buf.Channels,
			Cached:     true,
		},
	}
}

// withFallback attaches a cached rendering to errors that exhausted the retry
// budget (or the overall timeout).
func (c *Client) withFallback(req Request, err error) error {
	switch fault.KindOf(err) {
	case fault.KindRateLimit, fault.KindTransient, fault.KindTimeout:
	default:
		return err
	}
	if cached := c.lookup(req); cached != nil {
		c.log.Info().Str("kind", string(fault.KindOf(err))).Msg("offering cached audio as fallback")
		return &FallbackError{Err: err, Fallback: cached}
	}
	return err
}

func contentTypeFor(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "wav"):
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
