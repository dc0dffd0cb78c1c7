package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/vango-dev/sockchain/pkg/server"
)

// ObjectPutter is the part of *s3.Client used by Transcript.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// TranscriptConfig configures the transcript archive middleware.
type TranscriptConfig struct {
	// Prefix is prepended to every object key (default: "transcripts/").
	Prefix string

	// MaxEntries caps the entries kept per connection. Later entries are
	// counted but dropped. Default: 10000.
	MaxEntries int

	// IncludePayloads stores message bodies in the transcript. Disabled by
	// default; only sizes are kept.
	IncludePayloads bool

	// UploadTimeout bounds the PutObject call (default: 30 seconds).
	UploadTimeout time.Duration

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// TranscriptOption configures the transcript middleware.
type TranscriptOption func(*TranscriptConfig)

// WithPrefix sets the object key prefix.
func WithPrefix(prefix string) TranscriptOption {
	return func(c *TranscriptConfig) {
		c.Prefix = prefix
	}
}

// WithMaxEntries sets the per-connection entry cap.
func WithMaxEntries(n int) TranscriptOption {
	return func(c *TranscriptConfig) {
		c.MaxEntries = n
	}
}

// WithPayloads enables storing message bodies.
func WithPayloads(include bool) TranscriptOption {
	return func(c *TranscriptConfig) {
		c.IncludePayloads = include
	}
}

// WithUploadTimeout sets the upload timeout.
func WithUploadTimeout(d time.Duration) TranscriptOption {
	return func(c *TranscriptConfig) {
		c.UploadTimeout = d
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) TranscriptOption {
	return func(c *TranscriptConfig) {
		c.Now = now
	}
}

// TranscriptEntry is one line of an archived transcript.
type TranscriptEntry struct {
	Time       time.Time `json:"time"`
	Activation string    `json:"activation"`
	Kind       string    `json:"kind,omitempty"`
	Bytes      int       `json:"bytes,omitempty"`
	Text       string    `json:"text,omitempty"`
	Data       []byte    `json:"data,omitempty"`
}

type transcriptKey struct{}

type transcript struct {
	opened  time.Time
	entries []TranscriptEntry
	dropped int
}

// Transcript creates middleware that records the activations of every
// connection and uploads them as JSON Lines to bucket when the connection
// closes. Keys have the form <prefix><yyyy/mm/dd>/<conn id>.jsonl, dated by
// the connection time.
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	srv.Use(middleware.Transcript(s3.NewFromConfig(cfg), "chat-archive"))
//
// A failed upload is returned from the closing activation and reaches the
// server's error handler.
func Transcript(client ObjectPutter, bucket string, opts ...TranscriptOption) server.Middleware {
	config := TranscriptConfig{
		Prefix:        "transcripts/",
		MaxEntries:    10000,
		UploadTimeout: 30 * time.Second,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&config)
	}

	return server.MiddlewareFunc(func(ctx *server.Ctx, next func() error) error {
		t, _ := ctx.Get(transcriptKey{}).(*transcript)
		if t == nil {
			t = &transcript{opened: config.Now()}
			ctx.Set(transcriptKey{}, t)
		}
		t.add(config, entryFor(ctx, config))

		if !ctx.IsClosing() {
			return next()
		}

		err := next()
		ctx.Delete(transcriptKey{})
		if uploadErr := upload(ctx, client, bucket, config, t); uploadErr != nil && err == nil {
			err = uploadErr
		}
		return err
	})
}

func entryFor(ctx *server.Ctx, config TranscriptConfig) TranscriptEntry {
	entry := TranscriptEntry{
		Time:       config.Now(),
		Activation: ctx.Activation().String(),
	}
	if ctx.IsMessage() {
		entry.Kind = ctx.MessageKind().String()
		entry.Bytes = len(ctx.Payload())
		if config.IncludePayloads {
			if ctx.MessageKind() == server.BinaryMessage {
				entry.Data = append([]byte(nil), ctx.Payload()...)
			} else {
				entry.Text = ctx.Text()
			}
		}
	}
	return entry
}

func (t *transcript) add(config TranscriptConfig, entry TranscriptEntry) {
	if config.MaxEntries > 0 && len(t.entries) >= config.MaxEntries {
		t.dropped++
		return
	}
	t.entries = append(t.entries, entry)
}

func upload(ctx *server.Ctx, client ObjectPutter, bucket string, config TranscriptConfig, t *transcript) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, entry := range t.entries {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("transcript: encode: %w", err)
		}
	}

	key := config.Prefix + t.opened.UTC().Format("2006/01/02") + "/" + ctx.ID() + ".jsonl"

	// The connection context is already canceled when the server stops;
	// the archive must still be written.
	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx.StdContext()), config.UploadTimeout)
	defer cancel()

	_, err := client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"conn-id":   ctx.ID(),
			"client-ip": ctx.IP(),
			"path":      ctx.Path(),
			"entries":   strconv.Itoa(len(t.entries)),
			"dropped":   strconv.Itoa(t.dropped),
		},
	})
	if err != nil {
		return fmt.Errorf("transcript: upload %s: %w", key, err)
	}
	ctx.Logger().Debug("transcript archived", "bucket", bucket, "key", key, "entries", len(t.entries))
	return nil
}
