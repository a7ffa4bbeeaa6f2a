// Package assets validates and packages the uploads needed to start an
// avatar stream.
package assets

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"
)

// Multipart field names understood by the media service.
const (
	FieldStreamKey  = "streamKey"
	FieldAvatar     = "avatar"
	FieldBackground = "background"
	FieldLogo       = "logo"
)

// ErrMissingAsset is matched by every ValidationError returned by Build.
var ErrMissingAsset = errors.New("missing asset")

// ValidationError reports which assets were absent.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing asset: %s", strings.Join(e.Missing, ", "))
}

// Is reports ErrMissingAsset so callers can use errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrMissingAsset
}

// Bundle is the validated, immutable set of uploads for one start attempt.
type Bundle struct {
	streamKey  string
	avatar     Source
	background Source
	logo       Source
}

// Build checks that avatar, background and logo are all present and returns
// the bundle. The stream key is carried as is.
func Build(streamKey string, avatar, background, logo Source) (*Bundle, error) {
	var missing []string
	if avatar == nil {
		missing = append(missing, FieldAvatar)
	}
	if background == nil {
		missing = append(missing, FieldBackground)
	}
	if logo == nil {
		missing = append(missing, FieldLogo)
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	return &Bundle{
		streamKey:  streamKey,
		avatar:     avatar,
		background: background,
		logo:       logo,
	}, nil
}

// StreamKey returns the stream key the bundle was built for.
func (b *Bundle) StreamKey() string { return b.streamKey }

// Avatar returns the avatar image source.
func (b *Bundle) Avatar() Source { return b.avatar }

// Background returns the background video source.
func (b *Bundle) Background() Source { return b.background }

// Logo returns the logo image source.
func (b *Bundle) Logo() Source { return b.logo }

// WriteMultipart writes the stream key and the three files to mw in wire
// order. It does not close mw.
func (b *Bundle) WriteMultipart(mw *multipart.Writer) error {
	if err := mw.WriteField(FieldStreamKey, b.streamKey); err != nil {
		return fmt.Errorf("write %s: %w", FieldStreamKey, err)
	}

	parts := []struct {
		field string
		src   Source
	}{
		{FieldAvatar, b.avatar},
		{FieldBackground, b.background},
		{FieldLogo, b.logo},
	}
	for _, p := range parts {
		if err := writeFile(mw, p.field, p.src); err != nil {
			return fmt.Errorf("write %s: %w", p.field, err)
		}
	}
	return nil
}

func writeFile(mw *multipart.Writer, field string, src Source) error {
	r, err := src.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(src.Name())))
	h.Set("Content-Type", contentType(src.Name()))

	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// mediaTypes covers the upload formats whose type is not in Go's builtin table.
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

func contentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := mediaTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
