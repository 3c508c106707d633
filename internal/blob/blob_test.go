package blob

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), "http://localhost:8080", "secret")
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	return s
}

func TestLocalStoreRoundTrip(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "sessions/a/source/doc.pdf", []byte("%PDF"), nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	ok, err := s.Exists(ctx, "sessions/a/source/doc.pdf")
	if err != nil || !ok {
		t.Fatalf("expected object to exist, got %v %v", ok, err)
	}
	if err := s.Copy(ctx, "sessions/a/source/doc.pdf", "sessions/a/renamed/x.pdf"); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	data, err := s.Get(ctx, "sessions/a/renamed/x.pdf")
	if err != nil || string(data) != "%PDF" {
		t.Fatalf("expected copied bytes, got %q %v", data, err)
	}
	if err := s.Delete(ctx, "sessions/a/renamed/x.pdf"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "sessions/a/renamed/x.pdf"); err != nil {
		t.Fatalf("deleting a missing object must succeed, got %v", err)
	}
	if _, err := s.Get(ctx, "sessions/a/renamed/x.pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStoreListIsPrefixScoped(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()
	for _, p := range []string{"sessions/abc/source/1.pdf", "sessions/abc/renamed/2.pdf", "sessions/abcd/source/3.pdf"} {
		if _, err := s.Put(ctx, p, []byte("x"), nil); err != nil {
			t.Fatalf("Put(%s) error = %v", p, err)
		}
	}

	got, err := s.List(ctx, "sessions/abc/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 objects under sessions/abc/, got %v", got)
	}
	for _, p := range got {
		if !strings.HasPrefix(p, "sessions/abc/") {
			t.Fatalf("listed object outside prefix: %s", p)
		}
	}
}

func TestLocalStoreRejectsEscapingPaths(t *testing.T) {
	s := newLocal(t)
	for _, p := range []string{"", "/etc/passwd", "../outside", "a/../../b"} {
		if _, err := s.Put(context.Background(), p, []byte("x"), nil); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("%q: expected ErrInvalidPath, got %v", p, err)
		}
	}
}

func TestAccessURLIsSigned(t *testing.T) {
	s := newLocal(t)
	raw, err := s.AccessURL(context.Background(), "sessions/a/source/doc.pdf", time.Minute)
	if err != nil {
		t.Fatalf("AccessURL() error = %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	exp, _ := strconv.ParseInt(u.Query().Get("exp"), 10, 64)
	if !ValidateSignature(u.Path, exp, u.Query().Get("sig"), "secret", time.Now()) {
		t.Fatalf("expected valid signature for %s", raw)
	}
	if ValidateSignature(u.Path, exp, u.Query().Get("sig"), "other", time.Now()) {
		t.Fatalf("signature must depend on the secret")
	}
	if ValidateSignature(u.Path, exp, u.Query().Get("sig"), "secret", time.Now().Add(2*time.Minute)) {
		t.Fatalf("expired links must be rejected")
	}
}

func TestSplitURI(t *testing.T) {
	bucket, prefix, err := splitURI("gs://out/sessions/a/output/job/")
	if err != nil || bucket != "out" || prefix != "sessions/a/output/job/" {
		t.Fatalf("unexpected split: %s %s %v", bucket, prefix, err)
	}
	if _, _, err := splitURI("s3://x"); err == nil {
		t.Fatalf("expected error for non-gs uri")
	}
}
