package assets

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestBuild_missing_assets(t *testing.T) {
	a := FromBytes("avatar.png", []byte("a"))
	bg := FromBytes("bg.mp4", []byte("b"))
	lg := FromBytes("logo.png", []byte("l"))

	cases := []struct {
		name                     string
		avatar, background, logo Source
		want                     []string
	}{
		{"all_missing", nil, nil, nil, []string{"avatar", "background", "logo"}},
		{"avatar_missing", nil, bg, lg, []string{"avatar"}},
		{"background_missing", a, nil, lg, []string{"background"}},
		{"logo_missing", a, bg, nil, []string{"logo"}},
		{"two_missing", a, nil, nil, []string{"background", "logo"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Build("demo", tc.avatar, tc.background, tc.logo)
			if b != nil {
				t.Error("expected nil bundle")
			}
			if !errors.Is(err, ErrMissingAsset) {
				t.Fatalf("expected ErrMissingAsset, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if !reflect.DeepEqual(verr.Missing, tc.want) {
				t.Errorf("missing = %v, want %v", verr.Missing, tc.want)
			}
		})
	}
}

func TestBuild_empty_stream_key_allowed(t *testing.T) {
	b, err := Build("", FromBytes("a.png", nil), FromBytes("b.mp4", nil), FromBytes("c.png", nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if b.StreamKey() != "" {
		t.Errorf("StreamKey = %q", b.StreamKey())
	}
}

func TestBundle_WriteMultipart(t *testing.T) {
	dir := t.TempDir()
	bgPath := filepath.Join(dir, "background.mp4")
	if err := os.WriteFile(bgPath, []byte("video-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	b, err := Build("demo-stream",
		FromBytes("avatar.png", []byte("avatar-bytes")),
		FromPath(bgPath),
		FromBytes(`lo"go.png`, []byte("logo-bytes")),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := b.WriteMultipart(mw); err != nil {
		t.Fatalf("WriteMultipart: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	mr := multipart.NewReader(&buf, mw.Boundary())
	type part struct{ field, file, ctype, body string }
	var got []part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		body, _ := io.ReadAll(p)
		got = append(got, part{p.FormName(), p.FileName(), p.Header.Get("Content-Type"), string(body)})
	}

	want := []part{
		{"streamKey", "", "", "demo-stream"},
		{"avatar", "avatar.png", "image/png", "avatar-bytes"},
		{"background", "background.mp4", "video/mp4", "video-bytes"},
		{"logo", `lo"go.png`, "image/png", "logo-bytes"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d parts, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("part %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBundle_WriteMultipart_open_error(t *testing.T) {
	b, err := Build("demo",
		FromBytes("a.png", nil),
		FromPath(filepath.Join(t.TempDir(), "does-not-exist.mp4")),
		FromBytes("c.png", nil),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.WriteMultipart(multipart.NewWriter(io.Discard)); err == nil {
		t.Error("expected error for unreadable background")
	}
}

func TestFromFileHeader_nil(t *testing.T) {
	if FromFileHeader(nil) != nil {
		t.Error("nil header should produce nil source")
	}
}
