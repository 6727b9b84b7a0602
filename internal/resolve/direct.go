package resolve

import (
	"context"
	"fmt"
	"path"
)

// Direct resolves references that already point at a media file, such as
// https://host/track.ogg, without any network call.
type Direct struct{}

var _ Backend = Direct{}

// Name implements [Backend].
func (Direct) Name() string { return "direct" }

// Accepts implements [Backend]: http(s) URLs whose path has a known media
// extension.
func (Direct) Accepts(ref Reference) bool {
	u, ok := ref.URL()
	if !ok {
		return false
	}
	_, known := CodecFromPath(u.Path)
	return known
}

// Resolve implements [Backend].
func (d Direct) Resolve(_ context.Context, ref Reference) (Source, error) {
	u, ok := ref.URL()
	if !ok {
		return Source{}, fmt.Errorf("%w: not a url", ErrUnresolvable)
	}
	codec, known := CodecFromPath(u.Path)
	if !known {
		return Source{}, fmt.Errorf("%w: unknown media extension in %q", ErrUnresolvable, u.Path)
	}
	return Source{URL: u.String(), Codec: codec, Title: path.Base(u.Path)}, nil
}
