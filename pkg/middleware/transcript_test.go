package middleware

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/vango-dev/sockchain/pkg/server"
)

type putCall struct {
	bucket, key, contentType string
	metadata                 map[string]string
	body                     []byte
	ctxErr                   error
}

type fakePutter struct {
	mu    sync.Mutex
	calls []putCall
	err   error
}

func (p *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, putCall{
		bucket:      aws.ToString(in.Bucket),
		key:         aws.ToString(in.Key),
		contentType: aws.ToString(in.ContentType),
		metadata:    in.Metadata,
		body:        body,
		ctxErr:      ctx.Err(),
	})
	if p.err != nil {
		return nil, p.err
	}
	return &s3.PutObjectOutput{}, nil
}

func (p *fakePutter) recorded() []putCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]putCall(nil), p.calls...)
}

func fixedClock() func() time.Time {
	at := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func decodeEntries(t *testing.T, body []byte) []TranscriptEntry {
	t.Helper()
	var entries []TranscriptEntry
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		var e TranscriptEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestTranscript_UploadsOnClose(t *testing.T) {
	putter := &fakePutter{}
	s := newTestServer(t, nil, Transcript(putter, "archive", WithClock(fixedClock())))

	c := open(t, s)
	c.Message(server.TextMessage, []byte("hello"))
	c.Message(server.BinaryMessage, []byte{1, 2})
	closeAndWait(t, c)

	calls := putter.recorded()
	if len(calls) != 1 {
		t.Fatalf("PutObject called %d times, want 1", len(calls))
	}
	call := calls[0]
	if call.bucket != "archive" {
		t.Errorf("bucket = %q, want archive", call.bucket)
	}
	if want := "transcripts/2024/03/09/" + c.ID() + ".jsonl"; call.key != want {
		t.Errorf("key = %q, want %q", call.key, want)
	}
	if call.contentType != "application/x-ndjson" {
		t.Errorf("content type = %q", call.contentType)
	}
	if call.metadata["conn-id"] != c.ID() || call.metadata["entries"] != "4" || call.metadata["dropped"] != "0" {
		t.Errorf("metadata = %v", call.metadata)
	}

	entries := decodeEntries(t, call.body)
	wantActivations := []string{"connection", "message", "message", "closing"}
	if len(entries) != len(wantActivations) {
		t.Fatalf("entries = %+v", entries)
	}
	for i, want := range wantActivations {
		if entries[i].Activation != want {
			t.Errorf("entry %d activation = %q, want %q", i, entries[i].Activation, want)
		}
	}
	if entries[1].Kind != "text" || entries[1].Bytes != 5 || entries[1].Text != "" {
		t.Errorf("text entry = %+v, want size only", entries[1])
	}
	if entries[2].Kind != "binary" || entries[2].Bytes != 2 || entries[2].Data != nil {
		t.Errorf("binary entry = %+v, want size only", entries[2])
	}
}

func TestTranscript_Payloads(t *testing.T) {
	putter := &fakePutter{}
	s := newTestServer(t, nil, Transcript(putter, "archive", WithPayloads(true), WithPrefix("chat/")))

	c := open(t, s)
	c.Message(server.TextMessage, []byte("hello"))
	c.Message(server.BinaryMessage, []byte{1, 2})
	closeAndWait(t, c)

	call := putter.recorded()[0]
	if !bytes.HasPrefix([]byte(call.key), []byte("chat/")) {
		t.Errorf("key = %q, want chat/ prefix", call.key)
	}
	entries := decodeEntries(t, call.body)
	if entries[1].Text != "hello" {
		t.Errorf("text = %q, want hello", entries[1].Text)
	}
	if !bytes.Equal(entries[2].Data, []byte{1, 2}) {
		t.Errorf("data = %v, want [1 2]", entries[2].Data)
	}
}

func TestTranscript_MaxEntries(t *testing.T) {
	putter := &fakePutter{}
	s := newTestServer(t, nil, Transcript(putter, "archive", WithMaxEntries(2)))

	c := open(t, s)
	for i := 0; i < 5; i++ {
		c.Message(server.TextMessage, []byte("x"))
	}
	closeAndWait(t, c)

	call := putter.recorded()[0]
	if n := len(decodeEntries(t, call.body)); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}
	if call.metadata["dropped"] != "5" {
		t.Errorf("dropped = %q, want 5", call.metadata["dropped"])
	}
}

func TestTranscript_UploadErrorReachesErrorHandler(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	s := newTestServer(t, nil, Transcript(putter, "archive"))
	errs := make(chan error, 1)
	s.SetErrorHandler(func(err error, ctx *server.Ctx) { errs <- err })

	c := open(t, s)
	closeAndWait(t, c)

	if err := recv(t, errs); !errors.Is(err, putter.err) {
		t.Errorf("error handler got %v, want wrapped upload error", err)
	}
}

func TestTranscript_UploadsAfterStop(t *testing.T) {
	putter := &fakePutter{}
	s := newTestServer(t, nil, Transcript(putter, "archive", WithUploadTimeout(time.Second)))

	c := open(t, s)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	closeAndWait(t, c)

	calls := putter.recorded()
	if len(calls) != 1 {
		t.Fatalf("PutObject called %d times, want 1", len(calls))
	}
	if calls[0].ctxErr != nil {
		t.Errorf("upload context already done: %v", calls[0].ctxErr)
	}
}
